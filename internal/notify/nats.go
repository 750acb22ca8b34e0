package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when NOTIFY_SUBJECT is empty.
const DefaultSubject = "speakers.centroids"

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NewNATS constructs a thin NATS-based notifier. Every replica receives every
// event; events this process published itself are skipped on receipt.
func NewNATS(log *slog.Logger, nc Conn, subject, origin string) Notifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &natsNotifier{log: log, nc: nc, subject: subject, origin: origin}
}

type natsNotifier struct {
	log     *slog.Logger
	nc      Conn
	subject string
	origin  string
}

func (n *natsNotifier) Publish(_ context.Context, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Kind == "" {
		return errors.New("event kind required")
	}
	if ev.Origin == "" {
		ev.Origin = n.origin
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, body)
}

func (n *natsNotifier) Subscribe(ctx context.Context, handler Handler) error {
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		n.handleMessage(ctx, msg.Data, handler)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (n *natsNotifier) handleMessage(ctx context.Context, data []byte, handler Handler) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		n.log.Error("failed to decode event", "err", err)
		return
	}
	if ev.Origin != "" && ev.Origin == n.origin {
		return
	}
	if err := handler(ctx, ev); err != nil {
		n.log.Error("event handler failed", "id", ev.ID, "kind", ev.Kind, "origin", ev.Origin, "err", err)
	}
}
