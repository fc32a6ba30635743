package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/maildir-ai/filter"
	"github.com/dhcgn/maildir-ai/generate"
)

// EnvPrefix prefixes environment variables that override flags,
// e.g. MAILDIR_AI_POLL_INTERVAL.
const EnvPrefix = "MAILDIR_AI"

// DefaultIdentity is the sender format-reply writes as.
const DefaultIdentity = "cl4p-tp@rave"

const fallbackHostname = "localhost"

// Config captures every option the commands read.
type Config struct {
	ConfigFile string
	LogLevel   string
	LogDir     string
	Hostname   string

	BackendHost    string
	BackendTimeout time.Duration
	PollInterval   time.Duration
	ErrorBackoff   time.Duration
	Identity       string

	Filter filter.Options

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	SourceFolder       string
	TargetFolder       string
	DryRun             bool
}

// RegisterGlobalFlags attaches flags shared by every subcommand.
func RegisterGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional config file (yaml, toml or json)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("hostname", "", "Host name used in Message-IDs and delivery filenames (falls back to HOSTNAME env var)")
}

// RegisterMaintainFlags attaches the maintenance loop flags.
func RegisterMaintainFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("backend-host", "", "Generation backend base URL (falls back to OLLAMA_HOST env var)")
	flags.Duration("backend-timeout", 0, "Per-request backend timeout, 0 for none")
	flags.Duration("poll-interval", time.Second, "Sleep between passes over Sent")
	flags.Duration("error-backoff", time.Minute, "Extra sleep after a failed pass")
	RegisterFilterFlags(cmd)
}

// RegisterFilterFlags attaches the eligibility filter flags.
func RegisterFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

// RegisterIdentityFlag attaches --identity.
func RegisterIdentityFlag(cmd *cobra.Command) {
	cmd.Flags().String("identity", DefaultIdentity, "Address the reply is written as")
}

// RegisterExportFlags attaches the IMAP export flags.
func RegisterExportFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("source-folder", "INBOX", "Mailbox folder whose cur messages are exported")
	flags.String("target-folder", "INBOX", "Target IMAP folder")
	flags.Bool("dry-run", false, "Record what would be uploaded without connecting")
}

// LoadConfig layers flags over environment variables over the optional
// config file over flag defaults, then validates the shared options.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := Config{
		ConfigFile: v.GetString("config"),
		LogLevel:   normalizeLevel(v.GetString("log-level")),
		LogDir:     v.GetString("log-dir"),
		Hostname:   firstNonEmpty(v.GetString("hostname"), os.Getenv("HOSTNAME"), fallbackHostname),

		BackendHost:    firstNonEmpty(v.GetString("backend-host"), os.Getenv("OLLAMA_HOST"), generate.DefaultHost),
		BackendTimeout: v.GetDuration("backend-timeout"),
		PollInterval:   v.GetDuration("poll-interval"),
		ErrorBackoff:   v.GetDuration("error-backoff"),
		Identity:       firstNonEmpty(v.GetString("identity"), DefaultIdentity),

		Filter: filter.Options{
			IncludeHeader: v.GetStringSlice("include-header"),
			IncludeBody:   v.GetStringSlice("include-body"),
			ExcludeHeader: v.GetStringSlice("exclude-header"),
			ExcludeBody:   v.GetStringSlice("exclude-body"),
		},

		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           firstNonEmpty(v.GetString("imap-pass"), os.Getenv("IMAP_PASS")),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		SourceFolder:       v.GetString("source-folder"),
		TargetFolder:       v.GetString("target-folder"),
		DryRun:             v.GetBool("dry-run"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	if cfg.BackendTimeout < 0 {
		return errors.New("--backend-timeout must not be negative")
	}
	if cfg.PollInterval < 0 || cfg.ErrorBackoff < 0 {
		return errors.New("--poll-interval and --error-backoff must not be negative")
	}
	if strings.ContainsAny(cfg.Hostname, "/:") {
		return fmt.Errorf("invalid --hostname %q: must not contain '/' or ':'", cfg.Hostname)
	}

	includeActive := len(cfg.Filter.IncludeHeader) > 0 || len(cfg.Filter.IncludeBody) > 0
	excludeActive := len(cfg.Filter.ExcludeHeader) > 0 || len(cfg.Filter.ExcludeBody) > 0
	if includeActive && excludeActive {
		return filter.ErrModeConflict
	}
	return nil
}

// ValidateExport checks the options the export command needs.
func (cfg Config) ValidateExport() error {
	if cfg.DryRun {
		return nil
	}
	if cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if cfg.IMAPUser == "" {
		return fmt.Errorf("--imap-user is required")
	}
	if cfg.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	return nil
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return "warn"
	}
	if level == "" {
		return "info"
	}
	return level
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
