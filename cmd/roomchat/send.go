package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	roomchat "github.com/roomchat/roomchat-go"
	"github.com/spf13/cobra"
)

var sendPrivate bool

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendPrivate, "private", false, "Send a message only you can see")
}

var sendCmd = &cobra.Command{
	Use:   "send <room> <text...>",
	Short: "Send one message, queueing it if the server is unreachable",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		roomID, content := args[0], strings.Join(args[1:], " ")
		user := currentUser(cfg)
		client := newClient(cfg)

		id := uuid.NewString()
		req := &roomchat.SendRequest{
			RoomID:      roomID,
			UserID:      user.ID,
			Content:     content,
			IsPrivate:   sendPrivate,
			ClientMsgID: id,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := client.SendMessage(ctx, req)
		if err == nil {
			fmt.Printf("Sent %s\n", res.ID)
			return nil
		}
		var apiErr *roomchat.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("server rejected message: %w", err)
		}

		store, serr := openQueueStore(cfg)
		if serr != nil {
			return fmt.Errorf("send failed (%v) and queue unavailable: %w", err, serr)
		}
		defer store.Close()
		queue := roomchat.NewOfflineQueue(store, client, roomchat.QueueOptions{RoomID: roomID, UserID: user.ID})
		msg := roomchat.Message{
			ID:          id,
			ClientMsgID: id,
			RoomID:      roomID,
			Content:     content,
			Author:      user,
			CreatedAt:   time.Now(),
			IsPrivate:   sendPrivate,
		}
		if sendPrivate {
			msg.RequesterID = user.ID
		}
		if _, qerr := queue.Enqueue(msg, content, sendPrivate); qerr != nil {
			return qerr
		}
		fmt.Printf("Server unreachable (%v); queued %s. Run 'roomchat queue drain %s' later.\n", err, id, roomID)
		return nil
	},
}
