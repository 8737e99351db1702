package mirror

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSConfig holds TLS settings shared by both depots.
type TLSConfig struct {
	MinVersion         string   `toml:"min_version"`
	MaxVersion         string   `toml:"max_version"`
	CACertFile         string   `toml:"ca_cert_file"`
	ClientCertFile     string   `toml:"client_cert_file"`
	ClientKeyFile      string   `toml:"client_key_file"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
	ServerName         string   `toml:"server_name"`
	CipherSuites       []string `toml:"cipher_suites"`
}

// TLSOverrides replaces parts of the shared TLSConfig for one depot.
type TLSOverrides struct {
	CACertFile         string `toml:"ca_cert_file"`
	ClientCertFile     string `toml:"client_cert_file"`
	ClientKeyFile      string `toml:"client_key_file"`
	InsecureSkipVerify *bool  `toml:"insecure_skip_verify"`
	ServerName         string `toml:"server_name"`
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "":
		return 0, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, errors.Newf("unsupported TLS version %q (use 1.2 or 1.3)", v)
	}
}

func cipherSuiteID(name string) (uint16, bool) {
	for _, s := range tls.CipherSuites() {
		if s.Name == name {
			return s.ID, true
		}
	}
	return 0, false
}

// Validate checks the TLS settings without reading any file.
func (t *TLSConfig) Validate() error {
	minVersion, err := parseTLSVersion(t.MinVersion)
	if err != nil {
		return errors.Wrap(err, "min_version")
	}
	maxVersion, err := parseTLSVersion(t.MaxVersion)
	if err != nil {
		return errors.Wrap(err, "max_version")
	}
	if minVersion != 0 && maxVersion != 0 && minVersion > maxVersion {
		return errors.New("min_version cannot be greater than max_version")
	}
	if (t.ClientCertFile == "") != (t.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}
	for _, name := range t.CipherSuites {
		if _, ok := cipherSuiteID(name); !ok {
			return errors.Newf("unknown cipher suite %q", name)
		}
	}
	if t.InsecureSkipVerify {
		slog.Warn("TLS certificate verification is disabled")
	}
	return nil
}

// BuildTLSConfig returns a *tls.Config.  The minimum version defaults to TLS 1.2.
func (t *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	minVersion, _ := parseTLSVersion(t.MinVersion)
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	maxVersion, _ := parseTLSVersion(t.MaxVersion)

	cfg := &tls.Config{
		MinVersion:         minVersion,
		MaxVersion:         maxVersion,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, // #nosec G402 - explicit opt-in
	}

	for _, name := range t.CipherSuites {
		id, _ := cipherSuiteID(name)
		cfg.CipherSuites = append(cfg.CipherSuites, id)
	}

	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, errors.Wrap(err, "ca_cert_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Newf("ca_cert_file %s: no certificate found", t.CACertFile)
		}
		cfg.RootCAs = pool
	}

	if t.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// GetEffectiveTLSConfig merges the overrides of d into global.
// global may be nil.
func (d *DepotConfig) GetEffectiveTLSConfig(global *TLSConfig) *TLSConfig {
	var eff TLSConfig
	if global != nil {
		eff = *global
		eff.CipherSuites = append([]string(nil), global.CipherSuites...)
	}

	o := d.TLS
	if o == nil {
		return &eff
	}
	if o.CACertFile != "" {
		eff.CACertFile = o.CACertFile
	}
	if o.ClientCertFile != "" {
		eff.ClientCertFile = o.ClientCertFile
		eff.ClientKeyFile = o.ClientKeyFile
	}
	if o.ClientKeyFile != "" {
		eff.ClientKeyFile = o.ClientKeyFile
	}
	if o.InsecureSkipVerify != nil {
		eff.InsecureSkipVerify = *o.InsecureSkipVerify
	}
	if o.ServerName != "" {
		eff.ServerName = o.ServerName
	}
	return &eff
}
