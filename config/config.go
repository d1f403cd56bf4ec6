package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-to-mbox/credential"
	"github.com/dhcgn/imap-to-mbox/filter"
)

const envPrefix = "IMAP_TO_MBOX"

// Config captures all options required to run the archiver.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Auth               string
	UseKeyring         bool
	Folders            []string
	AllFolders         bool
	ArchiveDir         string
	StateDir           string
	DryRun             bool
	Keepalive          time.Duration
	LogLevel           string
	LogDir             string
	MetricsFile        string
	Filter             filter.Options
}

// Port returns the server port, defaulting to 993 with TLS and 143 without.
func (c Config) Port() int {
	if c.IMAPPort != 0 {
		return c.IMAPPort
	}
	if c.UseTLS {
		return 993
	}
	return 143
}

// RegisterConnectionFlags attaches the IMAP connection flags shared by all
// commands talking to the server.
func RegisterConnectionFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultBaseDir("state")
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file (default ~/.imap-to-mbox/config.yaml)")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 0, "IMAP server port (default 993 with TLS, 143 without)")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("auth", "login", "Authentication mechanism: login or plain")
	flags.Bool("keyring", false, "Look up the IMAP password in the OS keyring")
	flags.String("state-dir", defaultStateDir, "Directory holding the archive state database")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	return nil
}

// RegisterFlags attaches the archive command flags.
func RegisterFlags(cmd *cobra.Command) error {
	defaultArchiveDir, err := defaultBaseDir("archive")
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.StringArray("folder", nil, "IMAP folder to archive, repeatable (default INBOX)")
	flags.Bool("all-folders", false, "Archive every selectable folder on the server")
	flags.String("archive-dir", defaultArchiveDir, "Directory holding the mbox archive")
	flags.Bool("dry-run", false, "Fetch and decode but write neither archive nor state")
	flags.Duration("keepalive", 30*time.Second, "Minimum interval between NOOPs while skipping known messages")
	flags.String("metrics-file", "", "Write Prometheus textfile metrics here after the run")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("include-from", nil, "Regex allow-list applied to the envelope sender (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	flags.StringArray("exclude-from", nil, "Regex block-list applied to the envelope sender (mutually exclusive with include flags)")
	return nil
}

// RegisterArchiveDirFlag attaches only --archive-dir, for commands working on
// an existing archive.
func RegisterArchiveDirFlag(cmd *cobra.Command) error {
	defaultArchiveDir, err := defaultBaseDir("archive")
	if err != nil {
		return err
	}
	cmd.Flags().String("archive-dir", defaultArchiveDir, "Directory holding the mbox archive")
	return nil
}

// Load merges flags, environment and the optional config file into a Config.
// Flags set on the command line win over the environment, which wins over
// the file.
func Load(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("imap-pass", envPrefix+"_IMAP_PASS", "IMAP_PASS"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	path := v.GetString("config")
	explicit := path != ""
	if !explicit {
		dir, err := defaultBaseDir("")
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !explicit && (errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound)) {
			return v, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return v, nil
}

// LoadConfig converts the parsed flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v, err := Load(cmd)
	if err != nil {
		return Config{}, err
	}
	cfg := fromViper(v)

	if cfg.IMAPPass == "" && cfg.UseKeyring && cfg.IMAPUser != "" {
		pass, err := credential.Get(credential.Key(cfg.IMAPUser, cfg.IMAPHost))
		if err != nil {
			return Config{}, fmt.Errorf("keyring: %w", err)
		}
		cfg.IMAPPass = pass
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadLocal is LoadConfig for commands that never talk to the server.
func LoadLocal(cmd *cobra.Command) (Config, error) {
	v, err := Load(cmd)
	if err != nil {
		return Config{}, err
	}
	cfg := fromViper(v)
	if cfg.StateDir == "" {
		return Config{}, fmt.Errorf("--state-dir is required")
	}
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) Config {
	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	folders := v.GetStringSlice("folder")
	if len(folders) == 0 && !v.GetBool("all-folders") {
		folders = []string{"INBOX"}
	}

	cfg := Config{
		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Auth:               strings.ToLower(v.GetString("auth")),
		UseKeyring:         v.GetBool("keyring"),
		Folders:            folders,
		AllFolders:         v.GetBool("all-folders"),
		ArchiveDir:         cleanPath(v.GetString("archive-dir")),
		StateDir:           cleanPath(v.GetString("state-dir")),
		DryRun:             v.GetBool("dry-run"),
		Keepalive:          v.GetDuration("keepalive"),
		LogLevel:           logLevel,
		LogDir:             v.GetString("log-dir"),
		MetricsFile:        v.GetString("metrics-file"),
		Filter: filter.Options{
			IncludeHeader: v.GetStringSlice("include-header"),
			IncludeBody:   v.GetStringSlice("include-body"),
			IncludeFrom:   v.GetStringSlice("include-from"),
			ExcludeHeader: v.GetStringSlice("exclude-header"),
			ExcludeBody:   v.GetStringSlice("exclude-body"),
			ExcludeFrom:   v.GetStringSlice("exclude-from"),
		},
	}
	if cfg.Auth == "" {
		cfg.Auth = "login"
	}
	return cfg
}

// Validate checks a Config for missing or inconsistent values.
func Validate(cfg Config) error {
	if cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if cfg.IMAPUser == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if cfg.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or --keyring")
	}
	if cfg.IMAPPort < 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("--state-dir is required")
	}
	if err := cfg.Filter.Validate(); err != nil {
		return err
	}

	switch cfg.Auth {
	case "login", "plain":
	default:
		return fmt.Errorf("invalid --auth: %s", cfg.Auth)
	}

	return validateLogLevel(cfg.LogLevel)
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid --log-level: %s", level)
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

func defaultBaseDir(sub string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imap-to-mbox", sub), nil
}
