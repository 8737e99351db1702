package mirror

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeServerCA stores the certificate of srv as a PEM file and returns its path.
func writeServerCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "depot-ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestTLSConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config TLSConfig
		errMsg string
	}{
		{name: "public builder defaults"},
		{
			name:   "on-prem depot pinned to 1.3",
			config: TLSConfig{MinVersion: "1.3", MaxVersion: "1.3"},
		},
		{
			name:   "destination behind a 1.2 proxy",
			config: TLSConfig{MaxVersion: "1.2", ServerName: "depot.example.internal"},
		},
		{
			name:   "inverted version range",
			config: TLSConfig{MinVersion: "1.3", MaxVersion: "1.2"},
			errMsg: "min_version cannot be greater than max_version",
		},
		{
			name:   "legacy version",
			config: TLSConfig{MinVersion: "1.0"},
			errMsg: "unsupported TLS version",
		},
		{
			name:   "client certificate without key",
			config: TLSConfig{ClientCertFile: "/etc/depotsync/depot-client.pem"},
			errMsg: "both client_cert_file and client_key_file must be specified",
		},
		{
			name:   "client key without certificate",
			config: TLSConfig{ClientKeyFile: "/etc/depotsync/depot-client.key"},
			errMsg: "both client_cert_file and client_key_file must be specified",
		},
		{
			name:   "unknown cipher suite",
			config: TLSConfig{CipherSuites: []string{"TLS_DEPOT_NULL"}},
			errMsg: "unknown cipher suite",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestTLSConfigBuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config TLSConfig
		check  func(t *testing.T, cfg *tls.Config)
	}{
		{
			name: "defaults to 1.2 with verification",
			check: func(t *testing.T, cfg *tls.Config) {
				assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
				assert.Zero(t, cfg.MaxVersion)
				assert.False(t, cfg.InsecureSkipVerify)
				assert.Nil(t, cfg.RootCAs, "system roots are used")
			},
		},
		{
			name:   "on-prem depot pinned to 1.3",
			config: TLSConfig{MinVersion: "1.3", MaxVersion: "1.3"},
			check: func(t *testing.T, cfg *tls.Config) {
				assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
				assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
			},
		},
		{
			name:   "depot reached through an address",
			config: TLSConfig{ServerName: "depot.example.internal"},
			check: func(t *testing.T, cfg *tls.Config) {
				assert.Equal(t, "depot.example.internal", cfg.ServerName)
			},
		},
		{
			name:   "self-signed lab depot",
			config: TLSConfig{InsecureSkipVerify: true},
			check: func(t *testing.T, cfg *tls.Config) {
				assert.True(t, cfg.InsecureSkipVerify)
			},
		},
		{
			name: "restricted 1.2 suites",
			config: TLSConfig{CipherSuites: []string{
				"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
				"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
			}},
			check: func(t *testing.T, cfg *tls.Config) {
				assert.Equal(t, []uint16{
					tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
					tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
				}, cfg.CipherSuites)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := tt.config.BuildTLSConfig()
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestTLSConfigBuildFiles(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()
	dir := t.TempDir()

	cfg, err := (&TLSConfig{CACertFile: writeServerCA(t, srv)}).BuildTLSConfig()
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)

	notPEM := filepath.Join(dir, "depot-ca.txt")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0600))
	_, err = (&TLSConfig{CACertFile: notPEM}).BuildTLSConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no certificate found")

	_, err = (&TLSConfig{CACertFile: filepath.Join(dir, "absent.pem")}).BuildTLSConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ca_cert_file")

	_, err = (&TLSConfig{
		ClientCertFile: filepath.Join(dir, "depot-client.pem"),
		ClientKeyFile:  filepath.Join(dir, "depot-client.key"),
	}).BuildTLSConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client certificate")
}

func TestGetEffectiveTLSConfig(t *testing.T) {
	tests := []struct {
		name     string
		global   *TLSConfig
		depot    *TLSOverrides
		expected *TLSConfig
	}{
		{
			name: "no depot overrides",
			global: &TLSConfig{
				MinVersion: "1.2",
				MaxVersion: "1.3",
				ServerName: "global.example.com",
			},
			depot: nil,
			expected: &TLSConfig{
				MinVersion: "1.2",
				MaxVersion: "1.3",
				ServerName: "global.example.com",
			},
		},
		{
			name: "depot overrides insecure skip verify",
			global: &TLSConfig{
				MinVersion:         "1.2",
				InsecureSkipVerify: false,
			},
			depot: &TLSOverrides{
				InsecureSkipVerify: boolPtr(true),
			},
			expected: &TLSConfig{
				MinVersion:         "1.2",
				InsecureSkipVerify: true,
			},
		},
		{
			name: "depot re-enables verification",
			global: &TLSConfig{
				InsecureSkipVerify: true,
			},
			depot: &TLSOverrides{
				InsecureSkipVerify: boolPtr(false),
			},
			expected: &TLSConfig{},
		},
		{
			name: "depot overrides certificates",
			global: &TLSConfig{
				MinVersion:     "1.2",
				CACertFile:     "/global/ca.pem",
				ClientCertFile: "/global/client.pem",
				ClientKeyFile:  "/global/client.key",
			},
			depot: &TLSOverrides{
				CACertFile:     "/depot/ca.pem",
				ClientCertFile: "/depot/client.pem",
				ClientKeyFile:  "/depot/client.key",
			},
			expected: &TLSConfig{
				MinVersion:     "1.2",
				CACertFile:     "/depot/ca.pem",
				ClientCertFile: "/depot/client.pem",
				ClientKeyFile:  "/depot/client.key",
			},
		},
		{
			name: "partial depot overrides",
			global: &TLSConfig{
				MinVersion: "1.2",
				MaxVersion: "1.3",
				CACertFile: "/global/ca.pem",
				ServerName: "global.example.com",
			},
			depot: &TLSOverrides{
				ServerName: "depot.example.com",
				CACertFile: "/depot/ca.pem",
			},
			expected: &TLSConfig{
				MinVersion: "1.2",
				MaxVersion: "1.3",
				CACertFile: "/depot/ca.pem",
				ServerName: "depot.example.com",
			},
		},
		{
			name:   "nil global config",
			global: nil,
			depot: &TLSOverrides{
				ServerName:         "depot.example.com",
				InsecureSkipVerify: boolPtr(true),
			},
			expected: &TLSConfig{
				ServerName:         "depot.example.com",
				InsecureSkipVerify: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc := &DepotConfig{
				TLS: tt.depot,
			}

			result := dc.GetEffectiveTLSConfig(tt.global)

			if result.MinVersion != tt.expected.MinVersion {
				t.Errorf("MinVersion = %q, expected %q", result.MinVersion, tt.expected.MinVersion)
			}
			if result.MaxVersion != tt.expected.MaxVersion {
				t.Errorf("MaxVersion = %q, expected %q", result.MaxVersion, tt.expected.MaxVersion)
			}
			if result.InsecureSkipVerify != tt.expected.InsecureSkipVerify {
				t.Errorf("InsecureSkipVerify = %v, expected %v", result.InsecureSkipVerify, tt.expected.InsecureSkipVerify)
			}
			if result.CACertFile != tt.expected.CACertFile {
				t.Errorf("CACertFile = %q, expected %q", result.CACertFile, tt.expected.CACertFile)
			}
			if result.ClientCertFile != tt.expected.ClientCertFile {
				t.Errorf("ClientCertFile = %q, expected %q", result.ClientCertFile, tt.expected.ClientCertFile)
			}
			if result.ClientKeyFile != tt.expected.ClientKeyFile {
				t.Errorf("ClientKeyFile = %q, expected %q", result.ClientKeyFile, tt.expected.ClientKeyFile)
			}
			if result.ServerName != tt.expected.ServerName {
				t.Errorf("ServerName = %q, expected %q", result.ServerName, tt.expected.ServerName)
			}
		})
	}
}

func TestNewDepotTLS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"origin":"core","revision":"1","location":"/origins/core/keys/1"}]`))
	}))
	defer srv.Close()

	caPath := writeServerCA(t, srv)

	config := NewConfig()
	if err := config.Source.SetURL(srv.URL); err != nil {
		t.Fatal(err)
	}

	// the system roots do not trust the test server
	d, err := config.NewDepot("source", &config.Source)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.ListKeys(context.Background(), "core"); err == nil {
		t.Error("expected a certificate verification error")
	}

	config.Source.TLS = &TLSOverrides{CACertFile: caPath}
	d, err = config.NewDepot("source", &config.Source)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := d.ListKeys(context.Background(), "core")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Revision != "1" {
		t.Errorf("keys = %#v", keys)
	}
}

// Helper function to create a pointer to bool
func boolPtr(b bool) *bool {
	return &b
}
