package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.roomchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	User    ConfigUser    `toml:"user"`
	Log     ConfigLog     `toml:"log"`
	Queue   ConfigQueue   `toml:"queue"`
}

// ConfigDefault holds server settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url" validate:"omitempty,url"`
	Token   string `toml:"token"`
}

// ConfigUser identifies who the CLI chats as.
type ConfigUser struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	AvatarURL string `toml:"avatar_url" validate:"omitempty,url"`
}

// ConfigLog controls process logging.
type ConfigLog struct {
	Level string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `toml:"file"`
	JSON  bool   `toml:"json"`
}

// ConfigQueue locates the durable offline queue.
type ConfigQueue struct {
	Dir string `toml:"dir"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.roomchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".roomchat")
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

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// saveConfig validates the config struct and writes it back to disk as TOML.
func saveConfig(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
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

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "user":
		switch field {
		case "id":
			cfg.User.ID = value
		case "name":
			cfg.User.Name = value
		case "avatar_url":
			cfg.User.AvatarURL = value
		default:
			return fmt.Errorf("unknown field %q in section [user]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "file":
			cfg.Log.File = value
		case "json":
			switch value {
			case "true":
				cfg.Log.JSON = true
			case "false":
				cfg.Log.JSON = false
			default:
				return fmt.Errorf("log.json must be true or false")
			}
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "queue":
		switch field {
		case "dir":
			cfg.Queue.Dir = value
		default:
			return fmt.Errorf("unknown field %q in section [queue]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, user, log, queue)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "roomchat",
	Short: "Room chat CLI",
	Long:  "Command-line client for room chat.\nJoin rooms, send messages (queued durably while offline) and ask the room assistant.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			// config commands must still work on a broken file
			return nil
		}
		return setupLogging(cfg.Log)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLogging()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
