package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	roomchat "github.com/roomchat/roomchat-go"
	"github.com/spf13/cobra"
)

var joinMetricsAddr string

func init() {
	rootCmd.AddCommand(joinCmd)
	joinCmd.Flags().StringVar(&joinMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
}

const joinHelp = `Commands:
  <text>            send a message
  /private <text>   send a message only you can see
  /ai <prompt>      ask the assistant in the room
  /ai! <prompt>     ask the assistant privately
  /draft <prompt>   get a suggested reply
  /retry <id>       retry a failed message
  /unsend <id>      unsend one of your messages
  /who              list who is online
  /queue            show offline queue status
  /quit             leave the room`

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room interactively",
	Long:  "Join a room, print its timeline as it changes and send stdin lines as messages.\n\n" + joinHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		roomID := args[0]

		store, err := openQueueStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := prometheus.NewRegistry()
		metrics := roomchat.NewMetrics(reg)
		if joinMetricsAddr != "" {
			srv := serveMetrics(joinMetricsAddr, reg)
			defer srv.Close()
		}

		client := newClient(cfg)
		user := currentUser(cfg)
		room, err := roomchat.NewRoom(client, client.Realtime(roomchat.ChannelConfig{}), roomchat.RoomConfig{
			RoomID:  roomID,
			User:    user,
			Storage: store,
			Metrics: metrics,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		view := newTimelineView(os.Stdout)
		room.OnChange(view.render)
		room.OnPresenceChange(func(online []roomchat.PresenceRecord) {
			view.printf("* %d online: %s\n", len(online), presenceNames(online))
		})

		fmt.Printf("Joining %s as %s. Type /help for commands.\n", roomID, user.DisplayName)
		if err := room.Join(ctx); err != nil {
			return err
		}

		runErr := make(chan error, 1)
		go func() { runErr <- room.Run(ctx) }()

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				room.Close()
				return <-runErr
			case line, ok := <-lines:
				if !ok {
					lines = nil
					stop()
					continue
				}
				if quit := handleLine(ctx, room, view, line); quit {
					stop()
				}
			}
		}
	},
}

// handleLine runs one line of user input. It reports whether to leave.
func handleLine(ctx context.Context, room *roomchat.Room, view *timelineView, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	report := func(err error) {
		if err != nil {
			view.printf("! %v\n", err)
		}
	}

	switch command {
	case "/quit", "/exit":
		return true
	case "/help":
		view.printf("%s\n", joinHelp)
	case "/private":
		_, err := room.Send(ctx, rest, true)
		report(err)
	case "/ai", "/ai!":
		private := command == "/ai!"
		go func() { report(room.AskAI(ctx, rest, private)) }()
	case "/draft":
		go func() {
			text, err := room.Draft(ctx, rest)
			if err != nil {
				report(err)
				return
			}
			view.printf("~ suggestion: %s\n", text)
		}()
	case "/retry":
		_, err := room.Retry(ctx, rest)
		report(err)
	case "/unsend":
		report(room.Unsend(ctx, rest))
	case "/who":
		online := room.Presence()
		view.printf("* %d online: %s\n", len(online), presenceNames(online))
	case "/queue":
		st := room.QueueStatus()
		view.printf("* queue: %d total, %d pending, %d failed, draining=%v\n", st.TotalQueued, st.Pending, st.Failed, st.IsProcessing)
	default:
		if strings.HasPrefix(command, "/") {
			view.printf("! unknown command %s\n", command)
			return false
		}
		_, err := room.Send(ctx, line, false)
		if err != nil && !errors.Is(err, context.Canceled) {
			report(err)
		}
	}
	return false
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Default().Error("metrics server failed", "component", "cli", "error", err)
		}
	}()
	return srv
}

func presenceNames(online []roomchat.PresenceRecord) string {
	names := make([]string, 0, len(online))
	for _, p := range online {
		names = append(names, valueOrDefault(p.DisplayName, p.UserID))
	}
	return strings.Join(names, ", ")
}

// ============================================================================
// Timeline rendering
// ============================================================================

// timelineView prints timeline entries that are new or changed since the
// last render.
type timelineView struct {
	mu    sync.Mutex
	out   io.Writer
	shown map[string]string
}

func newTimelineView(out io.Writer) *timelineView {
	return &timelineView{out: out, shown: make(map[string]string)}
}

func (v *timelineView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

func (v *timelineView) render(timeline []roomchat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, msg := range timeline {
		line := formatMessage(msg)
		if v.shown[msg.ID] == line {
			continue
		}
		v.shown[msg.ID] = line
		fmt.Fprintln(v.out, line)
	}
}

func formatMessage(msg roomchat.Message) string {
	var b strings.Builder
	b.WriteString(msg.CreatedAt.Local().Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(valueOrDefault(msg.Author.DisplayName, msg.Author.ID))
	if msg.IsPrivate {
		b.WriteString(" (private)")
	}
	b.WriteString(": ")
	switch {
	case msg.IsDeleted:
		b.WriteString("[message unsent]")
	case msg.State == roomchat.DeliveryStreaming && msg.Content == "":
		b.WriteString("thinking...")
	default:
		b.WriteString(msg.Content)
	}
	if !msg.State.Confirmed() {
		fmt.Fprintf(&b, " [%s]", msg.State)
	}
	if msg.State == roomchat.DeliveryFailed {
		fmt.Fprintf(&b, " (/retry %s)", msg.ID)
	}
	return b.String()
}
