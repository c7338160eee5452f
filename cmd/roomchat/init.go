package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initToken   string
	initUserID  string
	initName    string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Chat server URL")
	initCmd.Flags().StringVar(&initToken, "token", "", "Auth token")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "User id (generated when empty)")
	initCmd.Flags().StringVar(&initName, "name", "", "Display name")
	_ = initCmd.MarkFlagRequired("base-url")
	_ = initCmd.MarkFlagRequired("name")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write server and identity settings to ~/.roomchat/config.toml",
	Long:  "Initialize the roomchat CLI by storing the server URL, token and your identity in the local configuration file.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = initBaseURL
		if initToken != "" {
			cfg.Default.Token = initToken
		}
		switch {
		case initUserID != "":
			cfg.User.ID = initUserID
		case cfg.User.ID == "":
			cfg.User.ID = uuid.NewString()
		}
		cfg.User.Name = initName

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s (user %s)\n", path, cfg.User.ID)
		return nil
	},
}
