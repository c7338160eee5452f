package roomchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake channel
// ============================================================================

type fakeSub struct {
	mu       sync.Mutex
	tracked  []PresenceRecord
	pings    int
	pingErr  error
	done     chan struct{}
	once     sync.Once
	untracks int
}

func (s *fakeSub) Track(ctx context.Context, rec PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, rec)
	return nil
}

func (s *fakeSub) Untrack(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.untracks++
	return nil
}

func (s *fakeSub) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return s.pingErr
}

func (s *fakeSub) Done() <-chan struct{} { return s.done }

func (s *fakeSub) Unsubscribe() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSub) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

type fakeChannel struct {
	mu       sync.Mutex
	subs     []*fakeSub
	handlers []ChannelHandlers
	pingErr  error
	err      error
}

func (c *fakeChannel) Subscribe(ctx context.Context, roomID string, h ChannelHandlers) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	sub := &fakeSub{done: make(chan struct{}), pingErr: c.pingErr}
	c.subs = append(c.subs, sub)
	c.handlers = append(c.handlers, h)
	return sub, nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeChannel) latest() (*fakeSub, ChannelHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[len(c.subs)-1], c.handlers[len(c.handlers)-1]
}

func broadcast(t *testing.T, event string, v any) BroadcastPayload {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return BroadcastPayload{Event: event, Payload: data}
}

func startAdapter(t *testing.T, ch Channel, clock clockwork.Clock) *RealtimeAdapter {
	t.Helper()
	a := NewRealtimeAdapter(ch, RealtimeConfig{RoomID: "room-1", User: alice, Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

// ============================================================================
// RealtimeAdapter
// ============================================================================

func TestAdapterEmitsTypedEvents(t *testing.T) {
	ch := &fakeChannel{}
	a := startAdapter(t, ch, clockwork.NewFakeClockAt(t0))

	var mu sync.Mutex
	var msgs []Message
	var unsent []UnsentPayload
	var streams []StreamEvent
	a.OnMessage(func(m Message) { mu.Lock(); msgs = append(msgs, m); mu.Unlock() })
	a.OnMessageUnsent(func(p UnsentPayload) { mu.Lock(); unsent = append(unsent, p); mu.Unlock() })
	a.OnAIStreamEvent(func(ev StreamEvent) { mu.Lock(); streams = append(streams, ev); mu.Unlock() })

	if !waitFor(func() bool { return a.Connected() && ch.count() == 1 }) {
		t.Fatal("adapter never subscribed")
	}
	sub, h := ch.latest()

	h.OnBroadcast(broadcast(t, BroadcastMessage, Message{ID: "m1", Content: "hi", Author: bob, CreatedAt: t0}))
	h.OnBroadcast(broadcast(t, BroadcastMessage, map[string]string{"id": "m2"}))
	h.OnBroadcast(BroadcastPayload{Event: BroadcastMessage, Payload: json.RawMessage(`{`)})
	h.OnBroadcast(broadcast(t, BroadcastMessageUnsent, UnsentPayload{MessageID: "m1", DeletedBy: "bob"}))
	h.OnBroadcast(broadcast(t, BroadcastAIStream, StreamEvent{Type: StreamContent, MessageID: "s1", FullContent: "x"}))
	h.OnBroadcast(broadcast(t, "typing", map[string]string{}))

	mu.Lock()
	if len(msgs) != 1 || msgs[0].State != DeliveryConfirmed || msgs[0].RoomID != "room-1" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if len(unsent) != 1 || unsent[0].MessageID != "m1" {
		t.Fatalf("unsent = %+v", unsent)
	}
	if len(streams) != 1 || streams[0].FullContent != "x" {
		t.Fatalf("streams = %+v", streams)
	}
	mu.Unlock()

	published := waitFor(func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.tracked) > 0 && sub.tracked[0].UserID == "alice" && sub.tracked[0].Online
	})
	if !published {
		t.Fatal("presence not published on subscribe")
	}
}

func TestAdapterPresencePassthrough(t *testing.T) {
	ch := &fakeChannel{}
	clock := clockwork.NewFakeClockAt(t0)
	a := startAdapter(t, ch, clock)

	var mu sync.Mutex
	var snapshots [][]PresenceRecord
	a.OnPresenceSync(func(recs []PresenceRecord) { mu.Lock(); snapshots = append(snapshots, recs); mu.Unlock() })

	if !waitFor(func() bool { return ch.count() == 1 }) {
		t.Fatal("adapter never subscribed")
	}
	_, h := ch.latest()
	h.OnPresenceSync([]PresenceRecord{presenceRec("bob", "Bob", true, t0)})

	// the prune timer replays the last snapshot
	ok := waitFor(func() bool {
		clock.Advance(time.Second)
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots) >= 2
	})
	if !ok {
		t.Fatal("presence snapshot never replayed")
	}
	mu.Lock()
	defer mu.Unlock()
	if snapshots[1][0].UserID != "bob" {
		t.Fatalf("replayed = %+v", snapshots[1])
	}
}

func TestAdapterHeartbeatTeardownAndResubscribe(t *testing.T) {
	ch := &fakeChannel{pingErr: errNetwork}
	clock := clockwork.NewFakeClockAt(t0)
	a := startAdapter(t, ch, clock)

	var mu sync.Mutex
	var changes []bool
	a.OnConnectionChange(func(up bool) { mu.Lock(); changes = append(changes, up); mu.Unlock() })

	if !waitFor(func() bool { return ch.count() == 1 }) {
		t.Fatal("adapter never subscribed")
	}
	first, _ := ch.latest()

	// one miss degrades without tearing down
	if !waitFor(func() bool { clock.Advance(time.Second); return first.pingCount() >= 1 }) {
		t.Fatal("no heartbeat sent")
	}
	if !waitFor(func() bool { return a.State() == StateDegraded || ch.count() > 1 }) {
		t.Fatalf("state = %s, want degraded", a.State())
	}

	// more than three misses resubscribe
	if !waitFor(func() bool { clock.Advance(time.Second); return ch.count() == 2 }) {
		t.Fatalf("subscriptions = %d, want 2", ch.count())
	}
	if n := first.pingCount(); n != 4 {
		t.Fatalf("pings before teardown = %d, want 4", n)
	}
	first.mu.Lock()
	untracks := first.untracks
	first.mu.Unlock()
	if untracks != 1 {
		t.Fatal("torn-down subscription was not untracked")
	}

	if !waitFor(func() bool { return a.Connected() }) {
		t.Fatal("adapter not connected after resubscribe")
	}
	mu.Lock()
	defer mu.Unlock()
	if n := len(changes); n < 2 || changes[n-2] || !changes[n-1] {
		t.Fatalf("connection changes = %v", changes)
	}
}

func TestAdapterResubscribesAfterChannelClose(t *testing.T) {
	ch := &fakeChannel{}
	clock := clockwork.NewFakeClockAt(t0)
	a := startAdapter(t, ch, clock)
	if !waitFor(func() bool { return ch.count() == 1 }) {
		t.Fatal("adapter never subscribed")
	}
	_, h := ch.latest()
	h.OnSystem(SystemPayload{Status: StatusClosed})

	if !waitFor(func() bool { return a.State() == StateReconnecting }) {
		t.Fatalf("state = %s", a.State())
	}
	if !waitFor(func() bool { clock.Advance(time.Second); return ch.count() == 2 }) {
		t.Fatal("no resubscribe after close")
	}
}

func TestReconnectorBackoff(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	cfg := RealtimeConfig{Clock: clock}
	cfg.defaults()
	r := newReconnector(&cfg)

	prev := time.Duration(0)
	for i := 0; i < 6; i++ {
		d := r.nextDelay()
		if d < cfg.ReconnectBaseDelay || d > cfg.ReconnectMaxDelay {
			t.Fatalf("attempt %d delay %v out of range", i, d)
		}
		if i < 3 && d <= prev {
			t.Fatalf("attempt %d delay %v did not grow from %v", i, d, prev)
		}
		prev = d
	}

	// a long-lived connection resets the backoff
	r.markConnected()
	clock.Advance(2 * time.Minute)
	if d := r.nextDelay(); d > cfg.ReconnectBaseDelay*3/2 {
		t.Fatalf("delay after stable connection = %v", d)
	}
}

// ============================================================================
// WSChannel
// ============================================================================

func newWSServer(t *testing.T, reject bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/rooms/room-1" || r.URL.Query().Get("token") != "tok" {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		write := func(typ string, payload any) {
			data, _ := json.Marshal(map[string]any{"type": typ, "payload": payload})
			_ = conn.Write(ctx, websocket.MessageText, data)
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			switch cmd.Type {
			case CommandSubscribe:
				if reject {
					write(EventSystem, SystemPayload{Status: StatusError, Message: "forbidden"})
					continue
				}
				write(EventSystem, SystemPayload{Status: StatusSubscribed})
				write(EventBroadcast, map[string]any{
					"event":   BroadcastMessage,
					"payload": Message{ID: "m1", Content: "welcome", Author: bob},
				})
			case CommandPing:
				var p PongPayload
				_ = json.Unmarshal(cmd.Payload, &p)
				write(EventPong, p)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSChannelSubscribe(t *testing.T) {
	srv := newWSServer(t, false)
	ch := NewWSChannel(srv.URL, ChannelConfig{Token: "tok"})

	got := make(chan BroadcastPayload, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := ch.Subscribe(ctx, "room-1", ChannelHandlers{
		OnBroadcast: func(p BroadcastPayload) { got <- p },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case p := <-got:
		if p.Event != BroadcastMessage {
			t.Fatalf("event = %q", p.Event)
		}
	case <-ctx.Done():
		t.Fatal("no broadcast received")
	}

	if err := sub.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := sub.Track(ctx, presenceRec("alice", "Alice", true, t0)); err != nil {
		t.Fatalf("track: %v", err)
	}

	_ = sub.Unsubscribe()
	select {
	case <-sub.Done():
	case <-ctx.Done():
		t.Fatal("subscription not done after unsubscribe")
	}
	if err := sub.Ping(ctx); err == nil {
		t.Fatal("ping on a closed subscription should fail")
	}
}

func TestWSChannelSubscribeRejected(t *testing.T) {
	srv := newWSServer(t, true)
	ch := NewWSChannel(srv.URL, ChannelConfig{Token: "tok"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ch.Subscribe(ctx, "room-1", ChannelHandlers{}); err == nil {
		t.Fatal("expected subscribe error")
	}
}

func TestWSChannelDialError(t *testing.T) {
	ch := NewWSChannel("http://127.0.0.1:1", ChannelConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ch.Subscribe(ctx, "room-1", ChannelHandlers{})
	if err == nil {
		t.Fatal("expected dial error")
	}
}
