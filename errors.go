package roomchat

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrMessageNotFound   = errors.New("message not found")
	ErrNotRetryable      = errors.New("message is not in a retryable state")
	ErrInvalidTransition = errors.New("invalid delivery state transition")
	ErrQueueBusy         = errors.New("offline queue is already draining")
	ErrStreamInFlight    = errors.New("an AI response is already streaming")
	ErrNotDelivered      = errors.New("message has not reached the server yet")
)

// TransitionError reports a refused delivery state change.
type TransitionError struct {
	ID   string
	From DeliveryState
	To   DeliveryState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("message %s: %s -> %s: %v", e.ID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
