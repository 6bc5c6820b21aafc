package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the bridge configuration stored in ~/.whatsbridge/config.toml.
// Environment variables (PORT, WA_GATEWAY_URL, SUPABASE_URL, SUPABASE_KEY)
// override the file at startup.
type Config struct {
	Server   ConfigServer   `toml:"server"`
	Supabase ConfigSupabase `toml:"supabase"`
	Auth     ConfigAuth     `toml:"auth"`
}

// ConfigServer holds the HTTP listener and gateway endpoint.
type ConfigServer struct {
	Listen     string `toml:"listen"`
	GatewayURL string `toml:"gateway_url"`
}

// ConfigSupabase holds the cloud persistence settings.
type ConfigSupabase struct {
	URL string `toml:"url"`
	Key string `toml:"key"`
}

// ConfigAuth holds the local credential fallback settings.
type ConfigAuth struct {
	Dir string `toml:"dir"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.whatsbridge, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".whatsbridge")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies env overrides.
// A missing file yields defaults.
func loadConfig() (*Config, error) {
	cfg := &Config{}
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Listen = ":" + v
	}
	if v := os.Getenv("WA_GATEWAY_URL"); v != "" {
		cfg.Server.GatewayURL = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.Supabase.URL = v
	}
	if v := os.Getenv("SUPABASE_KEY"); v != "" {
		cfg.Supabase.Key = v
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":3001"
	}
	if cfg.Auth.Dir == "" {
		cfg.Auth.Dir = "auth_info"
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "supabase.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. supabase.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "listen":
			cfg.Server.Listen = value
		case "gateway_url":
			cfg.Server.GatewayURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "supabase":
		switch field {
		case "url":
			cfg.Supabase.URL = value
		case "key":
			cfg.Supabase.Key = value
		default:
			return fmt.Errorf("unknown field %q in section [supabase]", field)
		}
	case "auth":
		switch field {
		case "dir":
			cfg.Auth.Dir = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, supabase, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "whatsbridge",
	Short: "WhatsApp bridge for the Uptrix CRM",
	Long:  "Companion process bridging a WhatsApp session to the Uptrix CRM.\nRelays messages and connection state to UI sessions and persists session\ncredentials to Supabase or the local filesystem.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
