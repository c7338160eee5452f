package roomchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Sender delivers one message to the server.
type Sender interface {
	SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error)
}

var validate = validator.New()

// validateRequest checks a payload before any optimistic mutation happens.
func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if (fe.Field() == "Content" || fe.Field() == "Prompt") && fe.Tag() == "required" {
					return ErrEmptyContent
				}
			}
		}
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// PipelineOptions configures a SendPipeline.
type PipelineOptions struct {
	RoomID string
	User   Author
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// SendPipeline renders the sender's own messages immediately and reconciles
// them with the network outcome.
type SendPipeline struct {
	opts   PipelineOptions
	store  *OptimisticStore
	queue  *OfflineQueue
	conn   *Connectivity
	sender Sender
	logger *slog.Logger
}

// NewSendPipeline wires a pipeline. conn and queue may be nil, in which case
// every send is attempted online.
func NewSendPipeline(store *OptimisticStore, sender Sender, queue *OfflineQueue, conn *Connectivity, opts PipelineOptions) *SendPipeline {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SendPipeline{
		opts:   opts,
		store:  store,
		queue:  queue,
		conn:   conn,
		sender: sender,
		logger: opts.Logger.With("component", "send", "room", opts.RoomID),
	}
}

// Send publishes content as the session user. Offline sends go to the
// offline queue and come back tagged queued; online sends come back tagged
// optimistic and are resolved in the background of the call:
//
//   - public success leaves the optimistic copy for the broadcast echo to replace
//   - private success replaces it with a confirmed copy, since no echo will come
//   - failure marks it failed
func (p *SendPipeline) Send(ctx context.Context, content string, private bool) (Message, error) {
	return p.SendAs(ctx, p.opts.User.ID, content, private)
}

// SendAs is Send with an explicit author id, which must be the session user.
func (p *SendPipeline) SendAs(ctx context.Context, userID, content string, private bool) (Message, error) {
	if userID != p.opts.User.ID {
		return Message{}, fmt.Errorf("send as %s: %w", userID, ErrPermissionDenied)
	}
	id := uuid.NewString()
	req := &SendRequest{
		RoomID:      p.opts.RoomID,
		UserID:      userID,
		Content:     content,
		IsPrivate:   private,
		ClientMsgID: id,
	}
	if err := validateRequest(req); err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:          id,
		ClientMsgID: id,
		RoomID:      p.opts.RoomID,
		Content:     content,
		Author:      p.opts.User,
		CreatedAt:   p.opts.Clock.Now(),
		IsPrivate:   private,
		State:       DeliveryOptimistic,
	}
	if private {
		msg.RequesterID = userID
	}

	if p.queue != nil && p.conn != nil && !p.conn.Online() {
		queued, err := p.queue.Enqueue(msg, content, private)
		if err != nil {
			return Message{}, err
		}
		return queued, nil
	}

	p.store.Add(msg)
	return p.deliver(ctx, msg, req)
}

// Retry re-sends a failed online send under its original client id.
func (p *SendPipeline) Retry(ctx context.Context, id string) (Message, error) {
	var msg Message
	err := p.store.Update(id, func(m *Message) error {
		if m.State != DeliveryFailed {
			return ErrNotRetryable
		}
		if err := m.Transition(DeliveryOptimistic); err != nil {
			return err
		}
		m.CreatedAt = p.opts.Clock.Now()
		msg = *m
		return nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("retry %s: %w", id, err)
	}
	return p.deliver(ctx, msg, &SendRequest{
		RoomID:      msg.RoomID,
		UserID:      msg.Author.ID,
		Content:     msg.Content,
		IsPrivate:   msg.IsPrivate,
		ClientMsgID: msg.ClientMsgID,
	})
}

func (p *SendPipeline) deliver(ctx context.Context, msg Message, req *SendRequest) (Message, error) {
	res, err := p.sender.SendMessage(ctx, req)
	if err == nil && (res == nil || !res.Success) {
		err = errors.New("server rejected message")
	}
	if err != nil {
		p.logger.Warn("send failed", "id", msg.ID, "error", err)
		_ = p.store.Update(msg.ID, func(m *Message) error {
			return m.Transition(DeliveryFailed)
		})
		failed, _ := p.store.Get(msg.ID)
		return failed, fmt.Errorf("send %s: %w", msg.ID, err)
	}

	if msg.IsPrivate {
		confirmed := p.confirmPrivate(msg, res)
		p.logger.Debug("private message confirmed", "id", confirmed.ID, "client_msg_id", msg.ClientMsgID)
		return confirmed, nil
	}

	// The broadcast echo performs the optimistic -> confirmed swap. Recording
	// the server id lets a history refetch match the copy deterministically.
	_ = p.store.Update(msg.ID, func(m *Message) error {
		m.ServerID = res.ID
		return nil
	})
	if updated, ok := p.store.Get(msg.ID); ok {
		return updated, nil
	}
	// the echo beat the response and already replaced the local copy
	msg.ServerID = res.ID
	return msg, nil
}

// confirmPrivate replaces the optimistic copy of a private send with the
// server-confirmed one.
func (p *SendPipeline) confirmPrivate(msg Message, res *SendResult) Message {
	id := msg.ID
	if res.ID != "" && res.ID != id {
		if err := p.store.Rename(id, res.ID); err == nil {
			id = res.ID
		}
	}
	_ = p.store.Update(id, func(m *Message) error {
		if err := m.Transition(DeliveryConfirmed); err != nil {
			return err
		}
		m.ServerID = id
		if !res.CreatedAt.IsZero() {
			m.CreatedAt = res.CreatedAt
		}
		return nil
	})
	confirmed, _ := p.store.Get(id)
	return confirmed
}
