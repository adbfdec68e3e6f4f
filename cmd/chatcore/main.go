package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatcore/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
}

// ConfigAuth holds the session of the signed-in user.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns the config file location. CHATCORE_CONFIG overrides the
// default of ~/.chatcore/config.toml.
func configPath() (string, error) {
	if p := os.Getenv("CHATCORE_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".chatcore", "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields an empty Config;
// unknown keys are rejected so typos surface early.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// loadEffectiveConfig is loadConfig with CHATCORE_* environment overrides
// applied on top. Overrides are never written back to disk.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for key, env := range envOverrides {
		if v := os.Getenv(env); v != "" {
			*cfg.field(key) = v
		}
	}
	return cfg, nil
}

var envOverrides = map[string]string{
	"default.base_url":    "CHATCORE_BASE_URL",
	"default.environment": "CHATCORE_ENVIRONMENT",
	"auth.token":          "CHATCORE_TOKEN",
	"auth.user_id":        "CHATCORE_USER_ID",
}

// saveConfig writes cfg as TOML, creating the directory with owner-only
// permissions.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// field maps a dotted key such as "auth.token" onto the backing struct field.
func (c *Config) field(key string) *string {
	switch key {
	case "default.environment":
		return &c.Default.Environment
	case "default.base_url":
		return &c.Default.BaseURL
	case "auth.token":
		return &c.Auth.Token
	case "auth.user_id":
		return &c.Auth.UserID
	}
	return nil
}

var configKeys = []string{"default.base_url", "default.environment", "auth.token", "auth.user_id"}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	f := cfg.field(key)
	if f == nil {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(configKeys, ", "))
	}
	*f = value
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel   string
	jsonOutput bool
	logger     = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "Course chat CLI",
	Long:  "Command-line interface for course conversations.\nList threads, read history, send messages and watch live updates.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
