package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"speaker-id/internal/retry"
)

// Kind enumerates the centroid-store changes other replicas care about.
type Kind string

const (
	KindSwap    Kind = "swap"
	KindRestore Kind = "restore"
)

// Event announces that CURRENT changed and replicas should reload.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Kind     Kind      `json:"kind"`
	Origin   string    `json:"origin"`
	Speakers int       `json:"speakers"`
	At       time.Time `json:"at"`
}

type Handler func(context.Context, Event) error

// Notifier exposes a minimal contract to announce and observe store changes.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe blocks, invoking handler for each event, until ctx is done.
	Subscribe(ctx context.Context, handler Handler) error
}

// PublishWithRetry attempts to publish with retries and exponential backoff.
func PublishWithRetry(ctx context.Context, n Notifier, ev Event, attempts int, base time.Duration) error {
	return retry.Do(ctx, attempts, base, func(ctx context.Context) error {
		return n.Publish(ctx, ev)
	})
}
