package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	roomchat "github.com/roomchat/roomchat-go"
)

func TestFormatMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		msg  roomchat.Message
		want string
	}{
		{"confirmed", roomchat.Message{Content: "hi", Author: roomchat.Author{ID: "u1", DisplayName: "Ada"}, CreatedAt: at}, "Ada: hi"},
		{"falls back to id", roomchat.Message{Content: "hi", Author: roomchat.Author{ID: "u1"}, CreatedAt: at}, "u1: hi"},
		{"private", roomchat.Message{Content: "psst", Author: roomchat.Author{ID: "u1"}, IsPrivate: true, CreatedAt: at}, "u1 (private): psst"},
		{"unsent", roomchat.Message{Content: "oops", Author: roomchat.Author{ID: "u1"}, IsDeleted: true, CreatedAt: at}, "u1: [message unsent]"},
		{"thinking", roomchat.Message{Author: roomchat.Author{ID: "ai"}, State: roomchat.DeliveryStreaming, CreatedAt: at}, "ai: thinking... [streaming]"},
		{"failed", roomchat.Message{ID: "m1", Content: "x", Author: roomchat.Author{ID: "u1"}, State: roomchat.DeliveryFailed, CreatedAt: at}, "u1: x [failed] (/retry m1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatMessage(tt.msg)
			if !strings.HasSuffix(got, tt.want) {
				t.Fatalf("got %q, want suffix %q", got, tt.want)
			}
		})
	}
}

func TestTimelineViewPrintsChangesOnly(t *testing.T) {
	var buf bytes.Buffer
	v := newTimelineView(&buf)
	author := roomchat.Author{ID: "u1"}

	first := []roomchat.Message{{ID: "m1", Content: "hi", Author: author, State: roomchat.DeliveryOptimistic}}
	v.render(first)
	v.render(first)
	if n := strings.Count(buf.String(), "\n"); n != 1 {
		t.Fatalf("lines = %d, want 1:\n%s", n, buf.String())
	}

	confirmed := []roomchat.Message{{ID: "m1", Content: "hi", Author: author}}
	v.render(confirmed)
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Fatalf("lines = %d, want 2:\n%s", n, buf.String())
	}
}

func TestPresenceNames(t *testing.T) {
	got := presenceNames([]roomchat.PresenceRecord{{UserID: "u1", DisplayName: "Ada"}, {UserID: "u2"}})
	if got != "Ada, u2" {
		t.Fatalf("got %q", got)
	}
}
