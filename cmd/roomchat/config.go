package main

import (
	"fmt"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage roomchat configuration",
	Long:  "View or modify the roomchat configuration stored in ~/.roomchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.Token != "" {
			cfg.Default.Token = maskKey(cfg.Default.Token)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Printf("# %s\n%s", path, data)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		value, err := configValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: roomchat config set user.name Ada",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "default.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// configValue reads a config field using the same keys as setConfigValue.
func configValue(cfg *Config, key string) (string, error) {
	values := map[string]string{
		"default.base_url": cfg.Default.BaseURL,
		"default.token":    maskKey(cfg.Default.Token),
		"user.id":          cfg.User.ID,
		"user.name":        cfg.User.Name,
		"user.avatar_url":  cfg.User.AvatarURL,
		"log.level":        cfg.Log.Level,
		"log.file":         cfg.Log.File,
		"log.json":         strconv.FormatBool(cfg.Log.JSON),
		"queue.dir":        cfg.Queue.Dir,
	}
	value, ok := values[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return value, nil
}
