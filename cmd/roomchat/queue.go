package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	roomchat "github.com/roomchat/roomchat-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueClearCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and deliver messages queued while offline",
}

// withQueue opens the durable queue of roomID for the configured user.
func withQueue(roomID string, fn func(ctx context.Context, q *roomchat.OfflineQueue) error) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}
	store, err := openQueueStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	q := roomchat.NewOfflineQueue(store, newClient(cfg), roomchat.QueueOptions{
		RoomID: roomID,
		UserID: cfg.User.ID,
	})
	return fn(ctx, q)
}

var queueStatusCmd = &cobra.Command{
	Use:   "status <room>",
	Short: "List queued messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(args[0], func(ctx context.Context, q *roomchat.OfflineQueue) error {
			items, err := q.Items()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, it := range items {
				fmt.Printf("%s  %-8s attempts=%d  %q", it.Message.ID, it.Message.State, it.Attempts, it.OriginalContent)
				if it.LastError != "" {
					fmt.Printf("  last error: %s", it.LastError)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain <room>",
	Short: "Send every queued message of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(args[0], func(ctx context.Context, q *roomchat.OfflineQueue) error {
			if err := q.Drain(ctx); err != nil {
				return err
			}
			st := q.Status()
			fmt.Printf("Drained. %d still queued, %d failed.\n", st.Pending, st.Failed)
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <room> <id>",
	Short: "Retry a failed queued message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(args[0], func(ctx context.Context, q *roomchat.OfflineQueue) error {
			if err := q.Retry(ctx, args[1]); err != nil {
				return err
			}
			fmt.Printf("Sent %s\n", args[1])
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear <room>",
	Short: "Discard failed queued messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(args[0], func(ctx context.Context, q *roomchat.OfflineQueue) error {
			n, err := q.ClearFailed()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d failed message(s)\n", n)
			return nil
		})
	},
}
