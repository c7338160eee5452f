package roomchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errNetwork = errors.New("network unreachable")

// fakeSender records sends and answers from a script.
type fakeSender struct {
	mu    sync.Mutex
	calls []SendRequest
	// fail makes the next n sends fail.
	fail    int
	reject  bool
	nextID  int
	created time.Time
}

func (s *fakeSender) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, *req)
	if s.fail > 0 {
		s.fail--
		return nil, errNetwork
	}
	if s.reject {
		return &SendResult{Success: false}, nil
	}
	s.nextID++
	return &SendResult{Success: true, ID: fmt.Sprintf("srv-%d", s.nextID), CreatedAt: s.created}, nil
}

func (s *fakeSender) sent() []SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendRequest(nil), s.calls...)
}

// fakeStream replays events for every AI request.
type fakeStream struct {
	mu       sync.Mutex
	events   []StreamEvent
	err      error
	requests []AIRequest
	// block holds the stream open until ctx is done.
	block bool
}

func (f *fakeStream) StreamAIMessage(ctx context.Context, req *AIRequest, fn func(StreamEvent)) error {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	events := append([]StreamEvent(nil), f.events...)
	err, block := f.err, f.block
	f.mu.Unlock()
	for _, ev := range events {
		fn(ev)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// fakeBackend implements Backend in memory.
type fakeBackend struct {
	fakeSender
	stream fakeStream

	mu        sync.Mutex
	history   *HistoryResult
	historyFn func(ctx context.Context) (*HistoryResult, error)
	unsendErr error
	unsent    []string
	received  []string
	probeErr  error
}

func (b *fakeBackend) FetchHistory(ctx context.Context, roomID, userID string) (*HistoryResult, error) {
	b.mu.Lock()
	fn, res := b.historyFn, b.history
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	if res == nil {
		return &HistoryResult{Kind: HistoryCaughtUp}, nil
	}
	return res, nil
}

func (b *fakeBackend) UnsendMessage(ctx context.Context, roomID, messageID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsendErr != nil {
		return b.unsendErr
	}
	b.unsent = append(b.unsent, messageID)
	return nil
}

func (b *fakeBackend) MarkReceived(ctx context.Context, userID, roomID, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, messageID)
	return nil
}

func (b *fakeBackend) StreamAIMessage(ctx context.Context, req *AIRequest, fn func(StreamEvent)) error {
	return b.stream.StreamAIMessage(ctx, req, fn)
}

func (b *fakeBackend) Probe(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.probeErr
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
