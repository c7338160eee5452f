package main

import (
	"context"
	"fmt"
	"time"

	roomchat "github.com/roomchat/roomchat-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, server reachability and queued messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  User:      %s (%s)\n", valueOrDefault(cfg.User.Name, "(not set)"), valueOrDefault(cfg.User.ID, "no id"))

		if cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Server:")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := newClient(cfg).Probe(ctx); err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
		} else {
			fmt.Println("  Reachable")
		}

		store, err := openQueueStore(cfg)
		if err != nil {
			fmt.Printf("\nQueue: unavailable (%v)\n", err)
			return nil
		}
		defer store.Close()
		keys, err := store.Keys(roomchat.QueueKeyPrefix)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Offline queue:")
		if len(keys) == 0 {
			fmt.Println("  (empty)")
		}
		for _, key := range keys {
			room, user, ok := roomchat.ParseQueueKey(key)
			if !ok || user != cfg.User.ID {
				continue
			}
			q := roomchat.NewOfflineQueue(store, nil, roomchat.QueueOptions{RoomID: room, UserID: user})
			st := q.Status()
			fmt.Printf("  %-20s %d queued, %d failed\n", room, st.Pending, st.Failed)
		}
		return nil
	},
}
