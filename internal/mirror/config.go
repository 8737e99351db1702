package mirror

import (
	"crypto/tls"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"

	"github.com/mirrorctl/depotsync/internal/depot"
)

const (
	defaultSourceURL      = "https://bldr.habitat.sh"
	defaultDestinationURL = "http://localhost"
	defaultOrigin         = "core"
	defaultChannel        = "stable"
	defaultReadTimeout    = 240
	defaultCache          = "/tmp/hab-depot-sync.json"
	defaultSettleDelay    = 100 * time.Millisecond
	defaultSettleAttempts = 1

	// EnvPrefix is the prefix of environment variables read by ApplyEnv.
	EnvPrefix = "DEPOTSYNC"
)

type tomlURL struct {
	*url.URL
}

// UnmarshalText parses a depot base URL.  Request paths are appended
// to it verbatim, so a trailing slash is removed.
func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return errors.New("missing host in " + string(text))
	}
	if parsedURL.RawQuery != "" || parsedURL.Fragment != "" {
		return errors.New("depot url must not have a query or fragment: " + string(text))
	}

	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
	parsedURL.RawPath = strings.TrimRight(parsedURL.RawPath, "/")

	u.URL = parsedURL
	return nil
}

func (u tomlURL) String() string {
	if u.URL == nil {
		return ""
	}
	return u.URL.String()
}

func mustURL(s string) tomlURL {
	var u tomlURL
	if err := u.UnmarshalText([]byte(s)); err != nil {
		panic(err)
	}
	return u
}

// DepotConfig is an auxiliary struct for Config.
type DepotConfig struct {
	URL       tomlURL       `toml:"url"`
	AuthToken string        `toml:"auth_token"`
	TLS       *TLSOverrides `toml:"tls,omitempty"`
}

// SetURL parses and sets the depot URL.
func (d *DepotConfig) SetURL(s string) error {
	return d.URL.UnmarshalText([]byte(s))
}

// Check validates the configuration.
func (d *DepotConfig) Check() error {
	if d.URL.URL == nil {
		return errors.New("url is not set")
	}
	return nil
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	handler, err := logConfig.handler()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func (logConfig *LogConfig) handler() (slog.Handler, error) {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, errors.New("invalid log level: " + logConfig.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(logConfig.Format) {
	case "json":
		return slog.NewJSONHandler(os.Stderr, opts), nil
	case "plain", "", "text":
		return slog.NewTextHandler(os.Stderr, opts), nil
	default:
		return nil, errors.New("invalid log format: " + logConfig.Format)
	}
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Origin          string        `toml:"origin"`
	Channel         string        `toml:"channel"`
	LatestVersion   bool          `toml:"latest_version"`
	LatestRelease   bool          `toml:"latest_release"`
	ReadTimeout     int           `toml:"read_timeout"`
	Cache           string        `toml:"cache"`
	Include         []string      `toml:"include"`
	Exclude         []string      `toml:"exclude"`
	VerifyDownloads bool          `toml:"verify_downloads"`
	SettleDelay     time.Duration `toml:"settle_delay"`
	SettleAttempts  int           `toml:"settle_attempts"`
	MetricsFile     string        `toml:"metrics_file"`

	Source      DepotConfig `toml:"source"`
	Destination DepotConfig `toml:"destination"`
	TLS         TLSConfig   `toml:"tls"`
	Log         LogConfig   `toml:"log"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		Origin:          defaultOrigin,
		Channel:         defaultChannel,
		ReadTimeout:     defaultReadTimeout,
		Cache:           defaultCache,
		VerifyDownloads: true,
		SettleDelay:     defaultSettleDelay,
		SettleAttempts:  defaultSettleAttempts,
		Source:          DepotConfig{URL: mustURL(defaultSourceURL)},
		Destination:     DepotConfig{URL: mustURL(defaultDestinationURL)},
	}
}

// envOverrides lists the environment variables read by ApplyEnv.
type envOverrides struct {
	SourceAuthToken string `envconfig:"SOURCE_AUTH_TOKEN"`
	DestAuthToken   string `envconfig:"DEST_AUTH_TOKEN"`
}

// ApplyEnv overrides auth tokens from DEPOTSYNC_SOURCE_AUTH_TOKEN and
// DEPOTSYNC_DEST_AUTH_TOKEN when they are set.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return errors.Wrap(err, "environment")
	}
	if env.SourceAuthToken != "" {
		c.Source.AuthToken = env.SourceAuthToken
	}
	if env.DestAuthToken != "" {
		c.Destination.AuthToken = env.DestAuthToken
	}
	return nil
}

// Check validates the configuration.
func (c *Config) Check() error {
	if err := c.Source.Check(); err != nil {
		return errors.Wrap(err, "source")
	}
	if err := c.Destination.Check(); err != nil {
		return errors.Wrap(err, "destination")
	}
	if c.Origin == "" {
		return errors.New("origin is not set")
	}
	if c.Channel == "" {
		return errors.New("channel is not set")
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read_timeout must be positive")
	}
	if c.Cache == "" {
		return errors.New("cache is not set")
	}
	if !filepath.IsAbs(c.Cache) && hasParentElement(c.Cache) {
		return errors.New("cache: relative path must not leave the working directory: " + c.Cache)
	}
	if c.SettleAttempts < 1 {
		return errors.New("settle_attempts must be at least 1")
	}
	if c.SettleDelay < 0 {
		return errors.New("settle_delay must not be negative")
	}
	for _, p := range append(append([]string(nil), c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return errors.Newf("invalid package pattern %q", p)
		}
	}
	if err := c.TLS.Validate(); err != nil {
		return errors.Wrap(err, "tls")
	}
	for _, d := range []*DepotConfig{&c.Source, &c.Destination} {
		if err := d.GetEffectiveTLSConfig(&c.TLS).Validate(); err != nil {
			return errors.Wrapf(err, "tls of %s", d.URL)
		}
	}
	return nil
}

// CollapseMode returns the catalog collapse mode selected by the configuration.
func (c *Config) CollapseMode() depot.CollapseMode {
	return depot.ModeFor(c.LatestVersion, c.LatestRelease)
}

// LockFile returns the path of the lock file guarding the cache.
func (c *Config) LockFile() string {
	return filepath.Clean(c.Cache) + ".lock"
}

// NewDepot creates the typed client of one configured depot.
func (c *Config) NewDepot(name string, d *DepotConfig) (*depot.Depot, error) {
	var tlsConfig *tls.Config
	if d.URL.Scheme == "https" {
		var err error
		tlsConfig, err = d.GetEffectiveTLSConfig(&c.TLS).BuildTLSConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "%s tls", name)
		}
	}

	client := depot.NewClient(depot.Endpoint{
		URL:       d.URL.String(),
		AuthToken: d.AuthToken,
	}, depot.Options{
		ReadTimeout: time.Duration(c.ReadTimeout) * time.Second,
		TLSConfig:   tlsConfig,
		UserAgent:   "depotsync/" + Version,
	})
	return depot.New(name, client), nil
}

// hasParentElement reports whether the cleaned path p still has a ".."
// element.  Names merely containing two dots, like "hab..json", are fine.
func hasParentElement(p string) bool {
	for _, elem := range strings.Split(filepath.ToSlash(filepath.Clean(p)), "/") {
		if elem == ".." {
			return true
		}
	}
	return false
}
