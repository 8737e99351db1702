// Package main implements the depotsync command-line tool for mirroring depot origins.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mirrorctl/depotsync/internal/mirror"
)

const (
	defaultConfigPath = "/etc/depotsync/depotsync.toml"
)

var (
	// Build information - can be set via build flags or by the build.sh script
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "depotsync",
	Short: "Mirror keys and packages between package depots",
	Long: `depotsync copies the origin keys and packages of one channel from a
source depot to a destination depot, promoting every transferred package
into the same channel on the destination.

Find more information at: https://github.com/mirrorctl/depotsync`,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize keys and packages of one origin channel",
	Long: `Synchronizes keys and packages from the source depot to the destination depot.

Usage:
  # Synchronize using the configuration file
  depotsync sync

  # Mirror only the latest release of every version
  depotsync sync --origin core --channel stable --latest-release

  # Point at depots without a configuration file
  depotsync sync --source-depot https://bldr.habitat.sh --dest-depot https://depot.internal

  # List what would be synced without transferring anything
  depotsync sync --dry-run

  # Show detailed error information
  depotsync sync --verbose-errors

If the cache file exists, the run resumes the package list stored in it
instead of comparing the catalogs again.`,
	Args: cobra.NoArgs,
	Run:  runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		printVersion()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long:  `Validate the configuration file, environment and flags and report any issues.`,
	Args:  cobra.NoArgs,
	Run:   runValidate,
}

var tlsCheckCmd = &cobra.Command{
	Use:   "tls-check [source|destination]",
	Short: "Check TLS configuration and capabilities of the depots",
	Long: `Performs a detailed TLS handshake and certificate check against the configured depots.

This command helps diagnose TLS connection issues by testing supported TLS versions,
negotiated cipher suites, and examining the certificate chain.

Examples:
  depotsync tls-check
  depotsync tls-check destination`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"source", "destination"},
	Run:       runTLSCheck,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or remove the resume cache",
	Long:  `Inspect or remove the package list kept between interrupted runs.`,
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the packages stored in the resume cache",
	Args:  cobra.NoArgs,
	Run:   runCacheShow,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the resume cache so the next run compares the catalogs again",
	Args:  cobra.NoArgs,
	Run:   runCacheClear,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tlsCheckCmd)
	rootCmd.AddCommand(cacheCmd)

	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")

	rootCmd.Flags().BoolP("version", "v", false, "print version information and exit")

	rootCmd.PersistentFlags().BoolP("help", "h", false, "help for depotsync")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")
	addConfigFlags(rootCmd.PersistentFlags())

	syncCmd.Flags().Bool("dry-run", false, "list keys and packages to sync without transferring them")

	rootCmd.Run = func(cmd *cobra.Command, _ []string) {
		if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
			printVersion()
			return
		}
		_ = cmd.Help()
	}
}

// addConfigFlags registers the flags that override configuration values.
func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("source-depot", "", "source depot URL")
	fs.String("source-auth-token", "", "source depot auth token")
	fs.String("dest-depot", "", "destination depot URL")
	fs.String("dest-auth-token", "", "destination depot auth token")
	fs.String("origin", "", "origin to mirror")
	fs.String("channel", "", "channel to mirror")
	fs.Bool("latest-version", false, "mirror only the latest version of each package")
	fs.Bool("latest-release", false, "mirror only the latest release of each package version")
	fs.Int("read-timeout", 0, "read timeout in seconds")
	fs.String("cache", "", "resume cache file path")
	fs.String("metrics-file", "", "write prometheus metrics to this file after the run")
	fs.StringSlice("include", nil, "package name patterns to mirror")
	fs.StringSlice("exclude", nil, "package name patterns to skip")
	fs.Bool("no-verify", false, "do not verify downloaded artifacts against the source checksum")
}

// applyFlags copies the flags set on the command line into config.
func applyFlags(config *mirror.Config, fs *pflag.FlagSet) error {
	setString := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if fs.Changed(name) {
			*dst, _ = fs.GetBool(name)
		}
	}
	setSlice := func(name string, dst *[]string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetStringSlice(name)
		}
	}

	if fs.Changed("source-depot") {
		u, _ := fs.GetString("source-depot")
		if err := config.Source.SetURL(u); err != nil {
			return errors.Wrap(err, "--source-depot")
		}
	}
	if fs.Changed("dest-depot") {
		u, _ := fs.GetString("dest-depot")
		if err := config.Destination.SetURL(u); err != nil {
			return errors.Wrap(err, "--dest-depot")
		}
	}
	setString("source-auth-token", &config.Source.AuthToken)
	setString("dest-auth-token", &config.Destination.AuthToken)
	setString("origin", &config.Origin)
	setString("channel", &config.Channel)
	setBool("latest-version", &config.LatestVersion)
	setBool("latest-release", &config.LatestRelease)
	if fs.Changed("read-timeout") {
		config.ReadTimeout, _ = fs.GetInt("read-timeout")
	}
	setString("cache", &config.Cache)
	setString("metrics-file", &config.MetricsFile)
	setSlice("include", &config.Include)
	setSlice("exclude", &config.Exclude)
	if fs.Changed("no-verify") {
		noVerify, _ := fs.GetBool("no-verify")
		config.VerifyDownloads = !noVerify
	}
	return nil
}

// loadConfig builds the effective configuration: defaults, then the
// configuration file, then the environment, then the flags.  A missing
// file is an error only when its path was given explicitly.
func loadConfig(path string, explicit bool, fs *pflag.FlagSet) (*mirror.Config, error) {
	config := mirror.NewConfig()

	meta, err := toml.DecodeFile(path, config)
	switch {
	case err == nil:
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Newf("%s: %s", path, formatUndecodedError(undecoded))
		}
	case os.IsNotExist(err) && !explicit:
		slog.Debug("no configuration file, using defaults", "path", path)
	default:
		return nil, errors.Wrapf(err, "failed to decode config file %s", path)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := applyFlags(config, fs); err != nil {
		return nil, err
	}
	return config, nil
}

// setupLogging applies the log configuration and the command line
// overrides of it.
func setupLogging(cmd *cobra.Command, config *mirror.Config) error {
	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
	}
	if err := config.Log.Apply(); err != nil {
		return errors.Wrap(err, "log config")
	}
	return nil
}

// mustLoadConfig loads the configuration for cmd and configures logging,
// exiting on failure.
func mustLoadConfig(cmd *cobra.Command) *mirror.Config {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(configPath, cmd.Flags().Changed("config"), cmd.Flags())
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
		}
		os.Exit(1)
	}
	if err := setupLogging(cmd, config); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}
	return config
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	// Fallback to simple error message
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	// common misspellings of the depot tables
	corrections := map[string]string{
		"src":  "source",
		"dest": "destination",
		"dst":  "destination",
	}
	groups := make(map[string]int)

	for _, key := range undecoded {
		root := key[0]
		if _, ok := corrections[root]; ok && len(key) > 1 {
			groups[root]++
			continue
		}
		unknown = append(unknown, key.String())
	}

	for root, count := range groups {
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", root, corrections[root]))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d keys)", root, corrections[root], count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown keys: ")
		} else {
			errorMsg.WriteString("configuration contains unknown keys: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese keys don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

func printVersion() {
	fmt.Printf("depotsync %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
}

func runSync(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := mustLoadConfig(cmd)

	quiet, _ := cmd.Flags().GetBool("quiet")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	runID := uuid.NewString()
	slog.SetDefault(slog.Default().With("run_id", runID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := mirror.RunOptions{
		RunID:    runID,
		Quiet:    quiet,
		DryRun:   dryRun,
		Progress: !quiet && term.IsTerminal(int(os.Stdout.Fd())),
		Out:      os.Stdout,
	}

	if _, err := mirror.Run(ctx, config, opts); err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("sync failed", "error", errorMsg)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		stop()
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	config := mustLoadConfig(cmd)

	if err := config.Check(); err != nil {
		slog.Error("the configuration is not valid", "error", err)
		os.Exit(1)
	}

	slog.Info("the configuration passes validation checks",
		"source", config.Source.URL.String(), "destination", config.Destination.URL.String(),
		"origin", config.Origin, "channel", config.Channel, "mode", config.CollapseMode().String())
}

func runCacheShow(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := mustLoadConfig(cmd)

	status, err := mirror.InspectCache(config)
	if err != nil {
		slog.Error("failed to read cache", "error", formatError(err, verboseErrors), "path", config.Cache)
		os.Exit(1)
	}

	if !status.Found {
		fmt.Printf("No cache at %s; the next run compares the catalogs.\n", status.Path)
		return
	}
	fmt.Printf("Cache %s holds %d packages:\n", status.Path, len(status.Packages))
	for _, p := range status.Packages {
		fmt.Printf("  - %s\n", p)
	}
}

func runCacheClear(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := mustLoadConfig(cmd)

	if err := mirror.ClearCache(config); err != nil {
		slog.Error("failed to clear cache", "error", formatError(err, verboseErrors), "path", config.Cache)
		os.Exit(1)
	}
	slog.Info("cache cleared", "path", config.Cache)
}

func main() {
	mirror.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
