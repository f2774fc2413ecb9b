package todo

import (
	"context"

	outbox "github.com/oagudo/signup-outbox"
	"github.com/oagudo/signup-outbox/consumer"
	"github.com/oagudo/signup-outbox/internal/events"
)

// WelcomeApplier applies a USER_REGISTERED event idempotently.
type WelcomeApplier interface {
	ApplyUserRegistered(ctx context.Context, eventID, eventType, userID string) (consumer.Result, error)
}

// WelcomeHandler creates a welcome todo for every registered user.
type WelcomeHandler struct {
	applier WelcomeApplier
}

var _ consumer.Handler = (*WelcomeHandler)(nil)

// NewWelcomeHandler creates a WelcomeHandler.
func NewWelcomeHandler(applier WelcomeApplier) *WelcomeHandler {
	return &WelcomeHandler{applier: applier}
}

// EventType implements consumer.Handler.
func (h *WelcomeHandler) EventType() string { return events.UserRegistered }

// Validate implements consumer.Handler.
func (h *WelcomeHandler) Validate(env outbox.Envelope) error {
	_, err := events.DecodeUserRegistered(env)
	return err
}

// Apply implements consumer.Handler.
func (h *WelcomeHandler) Apply(ctx context.Context, env outbox.Envelope) (consumer.Result, error) {
	payload, err := events.DecodeUserRegistered(env)
	if err != nil {
		return consumer.Result{}, err
	}
	return h.applier.ApplyUserRegistered(ctx, env.EventID, env.EventType, payload.UserID)
}
