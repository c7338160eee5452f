package roomchat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestReconciler() (*StreamReconciler, *OptimisticStore) {
	store := NewOptimisticStore()
	r := NewStreamReconciler(store, StreamOptions{
		RoomID: "room-1",
		User:   alice,
		Clock:  clockwork.NewFakeClockAt(t0),
	})
	return r, store
}

// ============================================================================
// SSE framing
// ============================================================================

func TestReadStreamEvents(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		`data: {"type":"start","messageId":"S"}`,
		"",
		`data: {"type":"content","messageId":"S","fullContent":"Hel"}`,
		"data: {not json",
		"data: ",
		`data:{"type":"content","messageId":"S","fullContent":"Hello"}`,
		"event: ignored",
		`data: {"type":"complete","messageId":"S","fullContent":"Hello"}`,
		"data: [DONE]",
	}, "\n")

	var got []StreamEvent
	if err := ReadStreamEvents(strings.NewReader(body), func(ev StreamEvent) { got = append(got, ev) }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("events = %+v", got)
	}
	if got[2].FullContent != "Hello" || got[3].Type != StreamComplete {
		t.Fatalf("events = %+v", got)
	}
}

// ============================================================================
// Reconciler
// ============================================================================

func TestStreamIDMigration(t *testing.T) {
	r, store := newTestReconciler()
	store.Add(Message{ID: "before", State: DeliveryOptimistic})

	local, err := r.Begin(false)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	placeholder, _ := store.Get(local)
	if placeholder.State != DeliveryStreaming || placeholder.Content != "" || !placeholder.IsAI {
		t.Fatalf("placeholder = %+v", placeholder)
	}
	if r.Phase() != PhaseAwaitingStart {
		t.Fatalf("phase = %s", r.Phase())
	}

	r.Handle(StreamEvent{Type: StreamStart, MessageID: "S", Author: &Author{ID: "bot", DisplayName: "Bot"}})
	if _, ok := store.Get(local); ok {
		t.Fatal("placeholder still stored under the local id")
	}
	assertIDs(t, store.Snapshot(), "before", "S")
	if r.ActiveID() != "S" || r.Phase() != PhaseStreaming {
		t.Fatalf("active = %s phase = %s", r.ActiveID(), r.Phase())
	}

	r.Handle(StreamEvent{Type: StreamContent, MessageID: "S", FullContent: "Hel"})
	r.Handle(StreamEvent{Type: StreamContent, MessageID: "S", FullContent: "Hello"})
	msg, _ := store.Get("S")
	if msg.Content != "Hello" || msg.Author.ID != "bot" {
		t.Fatalf("msg = %+v", msg)
	}

	r.Handle(StreamEvent{Type: StreamComplete, MessageID: "S", FullContent: "Hello!"})
	msg, _ = store.Get("S")
	if msg.State != DeliveryOptimistic || msg.Content != "Hello!" {
		t.Fatalf("completed public stream = %+v", msg)
	}
	if r.Phase() != PhaseAwaitingEcho {
		t.Fatalf("phase = %s", r.Phase())
	}

	if !r.HandleEcho(Message{ID: "S", Content: "Hello!", Author: Author{ID: "bot"}}) {
		t.Fatal("echo did not supersede the stream")
	}
	if _, ok := store.Get("S"); ok {
		t.Fatal("local copy kept after echo")
	}
	if r.Phase() != PhaseIdle {
		t.Fatalf("phase = %s", r.Phase())
	}
}

func TestStreamPrivateCompleteIsTerminal(t *testing.T) {
	r, store := newTestReconciler()
	if _, err := r.Begin(true); err != nil {
		t.Fatal(err)
	}
	r.Handle(StreamEvent{Type: StreamStart, MessageID: "P"})
	r.Handle(StreamEvent{Type: StreamComplete, MessageID: "P", FullContent: "secret"})

	msg, ok := store.Get("P")
	if !ok || msg.State != DeliveryConfirmed || msg.RequesterID != "alice" || !msg.IsPrivate {
		t.Fatalf("msg = %+v", msg)
	}
	if r.Phase() != PhaseDone {
		t.Fatalf("phase = %s", r.Phase())
	}
	if r.HandleEcho(Message{ID: "P"}) {
		t.Fatal("private stream must not be superseded by an echo")
	}
}

func TestStreamErrorReplacesPlaceholder(t *testing.T) {
	r, store := newTestReconciler()
	local, _ := r.Begin(false)
	r.Handle(StreamEvent{Type: StreamError, Message: "model overloaded"})

	if _, ok := store.Get(local); ok {
		t.Fatal("placeholder left behind after error")
	}
	snap := store.Snapshot()
	if len(snap) != 1 || !snap[0].IsError || snap[0].Content != "model overloaded" || snap[0].State == DeliveryStreaming {
		t.Fatalf("store = %+v", snap)
	}
	if r.Phase() != PhaseIdle {
		t.Fatalf("phase = %s", r.Phase())
	}
}

func TestStreamRejectsConcurrentLocalStream(t *testing.T) {
	r, _ := newTestReconciler()
	if _, err := r.Begin(false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Begin(false); !errors.Is(err, ErrStreamInFlight) {
		t.Fatalf("err = %v, want ErrStreamInFlight", err)
	}
}

func TestStreamRun(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		r, store := newTestReconciler()
		src := &fakeStream{events: []StreamEvent{
			{Type: StreamStart, MessageID: "S"},
			{Type: StreamContent, MessageID: "S", FullContent: "4"},
			{Type: StreamComplete, MessageID: "S", FullContent: "4"},
		}}
		if err := r.Run(context.Background(), src, "2+2?", false); err != nil {
			t.Fatalf("run: %v", err)
		}
		if got := src.requests[0]; got.ClientMsgID == "" || got.Prompt != "2+2?" {
			t.Fatalf("request = %+v", got)
		}
		msg, _ := store.Get("S")
		if msg.Content != "4" {
			t.Fatalf("msg = %+v", msg)
		}
	})

	t.Run("transport error", func(t *testing.T) {
		r, store := newTestReconciler()
		src := &fakeStream{err: errNetwork}
		if err := r.Run(context.Background(), src, "hi", false); !errors.Is(err, errNetwork) {
			t.Fatalf("err = %v", err)
		}
		snap := store.Snapshot()
		if len(snap) != 1 || !snap[0].IsError {
			t.Fatalf("store = %+v", snap)
		}
	})

	t.Run("ended without completion", func(t *testing.T) {
		r, store := newTestReconciler()
		src := &fakeStream{events: []StreamEvent{{Type: StreamStart, MessageID: "S"}}}
		if err := r.Run(context.Background(), src, "hi", false); err == nil {
			t.Fatal("expected error")
		}
		if _, ok := store.Get("S"); ok {
			t.Fatal("stuck placeholder left in the store")
		}
	})

	t.Run("abort on cancel", func(t *testing.T) {
		r, store := newTestReconciler()
		src := &fakeStream{block: true, events: []StreamEvent{{Type: StreamStart, MessageID: "S"}}}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := r.Run(ctx, src, "hi", false); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v", err)
		}
		if store.Len() != 0 {
			t.Fatalf("store = %+v", store.Snapshot())
		}
	})

	t.Run("empty prompt", func(t *testing.T) {
		r, store := newTestReconciler()
		if err := r.Run(context.Background(), &fakeStream{}, "", false); !errors.Is(err, ErrEmptyContent) {
			t.Fatalf("err = %v", err)
		}
		if store.Len() != 0 {
			t.Fatal("placeholder shown for an invalid request")
		}
	})
}

func TestStreamRemote(t *testing.T) {
	r, store := newTestReconciler()
	r.HandleRemote(StreamEvent{Type: StreamStart, MessageID: "R", RequesterID: "bob"})
	r.HandleRemote(StreamEvent{Type: StreamContent, MessageID: "R", FullContent: "partial", RequesterID: "bob"})
	msg, ok := store.Get("R")
	if !ok || msg.Content != "partial" || msg.State != DeliveryStreaming {
		t.Fatalf("msg = %+v", msg)
	}

	// events for the user's own request arrive on the direct stream
	r.HandleRemote(StreamEvent{Type: StreamStart, MessageID: "mine", RequesterID: "alice"})
	if _, ok := store.Get("mine"); ok {
		t.Fatal("own stream rendered twice")
	}

	r.HandleRemote(StreamEvent{Type: StreamComplete, MessageID: "R", FullContent: "done"})
	msg, _ = store.Get("R")
	if msg.State != DeliveryOptimistic || msg.Content != "done" {
		t.Fatalf("msg = %+v", msg)
	}
	if !r.HandleEcho(Message{ID: "R"}) {
		t.Fatal("echo did not supersede remote stream")
	}
	if store.Len() != 0 {
		t.Fatal("remote copy kept after echo")
	}
}

func TestStreamUnsentMidFlight(t *testing.T) {
	r, store := newTestReconciler()
	r.Begin(false)
	r.Handle(StreamEvent{Type: StreamStart, MessageID: "S"})
	r.HandleUnsent("S")
	if store.Len() != 0 || r.Phase() != PhaseIdle {
		t.Fatalf("store = %+v phase = %s", store.Snapshot(), r.Phase())
	}
}

func TestRunDraftStaysOutOfTimeline(t *testing.T) {
	r, store := newTestReconciler()
	r.Begin(false)

	src := &fakeStream{events: []StreamEvent{
		{Type: StreamStart, MessageID: "D"},
		{Type: StreamContent, MessageID: "D", FullContent: "Sounds"},
		{Type: StreamComplete, MessageID: "D", FullContent: "Sounds good!"},
	}}
	text, err := RunDraft(context.Background(), src, &AIRequest{RoomID: "room-1", UserID: "alice", Prompt: "reply"})
	if err != nil || text != "Sounds good!" {
		t.Fatalf("draft = %q, %v", text, err)
	}
	if !src.requests[0].DraftOnly || !src.requests[0].IsPrivate {
		t.Fatalf("request = %+v", src.requests[0])
	}
	if store.Len() != 1 || r.Phase() != PhaseAwaitingStart {
		t.Fatal("draft interfered with the public stream")
	}

	t.Run("error", func(t *testing.T) {
		_, err := RunDraft(context.Background(), &fakeStream{events: []StreamEvent{{Type: StreamError, Message: "nope"}}},
			&AIRequest{RoomID: "room-1", UserID: "alice", Prompt: "reply"})
		if err == nil {
			t.Fatal("expected draft error")
		}
	})
}
