package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/eskit-go/core/bus"
	"github.com/codewandler/eskit-go/core/es"
)

type TransportConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix for message subjects (default "eskit.bus")
}

// Transport implements bus.Transport by publishing messages to core NATS
// subjects of the form <prefix>.<kind>.<type>, with the message headers
// mapped onto NATS headers.
type Transport struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "eskit.bus"
	}

	return &Transport{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats")),
		prefix:  prefix,
	}, nil
}

func (t *Transport) Close() error {
	t.closeNc()
	return nil
}

func (t *Transport) subjectFor(msg bus.Message) string {
	return t.prefix + "." + strings.ToLower(msg.Kind.String()) + "." + sanitizeToken(msg.Type)
}

func (t *Transport) SendLocal(ctx context.Context, msg bus.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", es.ErrSubscriptionCanceled, err)
	}

	out := natsgo.NewMsg(t.subjectFor(msg))
	out.Header.Set("x-msg-id", msg.ID)
	out.Header.Set("x-msg-type", msg.Type)
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}

	switch p := msg.Payload.(type) {
	case nil:
	case []byte:
		out.Data = p
	default:
		data, err := codec.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode payload of %s: %w", msg.Type, err)
		}
		out.Data = data
	}

	if err := t.nc.PublishMsg(out); err != nil {
		if errors.Is(err, natsgo.ErrConnectionClosed) {
			return fmt.Errorf("%w: %w", es.ErrSubscriptionCanceled, err)
		}
		return fmt.Errorf("failed to publish %s: %w", out.Subject, err)
	}

	t.log.Debug(
		"sent",
		slog.String("subject", out.Subject),
		slog.String("msg_id", msg.ID),
	)
	return nil
}

var _ bus.Transport = (*Transport)(nil)
