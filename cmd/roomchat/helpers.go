package main

import (
	"fmt"
	"path/filepath"

	roomchat "github.com/roomchat/roomchat-go"
)

// requireConfig loads the config and checks that init has run.
func requireConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" || cfg.User.ID == "" {
		return nil, fmt.Errorf("not configured. Run 'roomchat init --base-url <url> --name <name>' first")
	}
	return cfg, nil
}

// newClient creates a client for the configured server.
func newClient(cfg *Config) *roomchat.Client {
	return roomchat.NewClient(cfg.Default.Token, roomchat.WithBaseURL(cfg.Default.BaseURL))
}

// currentUser returns the configured identity.
func currentUser(cfg *Config) roomchat.Author {
	name := cfg.User.Name
	if name == "" {
		name = cfg.User.ID
	}
	return roomchat.Author{ID: cfg.User.ID, DisplayName: name, AvatarURL: cfg.User.AvatarURL}
}

// queueDir returns the durable queue directory.
func queueDir(cfg *Config) (string, error) {
	if cfg.Queue.Dir != "" {
		return cfg.Queue.Dir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue"), nil
}

// openQueueStore opens the pebble-backed queue storage.
func openQueueStore(cfg *Config) (*roomchat.PebbleStorage, error) {
	dir, err := queueDir(cfg)
	if err != nil {
		return nil, err
	}
	return roomchat.OpenPebbleStorage(dir, nil)
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
