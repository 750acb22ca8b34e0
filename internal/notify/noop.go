package notify

import "context"

// NoOp drops every event. Used when NOTIFY_PROVIDER is "none".
type NoOp struct{}

func (NoOp) Publish(context.Context, Event) error { return nil }

// Subscribe waits for ctx so callers can run it in an errgroup unconditionally.
func (NoOp) Subscribe(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}
