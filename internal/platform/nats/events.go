package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"ragdesk/internal/model"
)

// EventPublisher sends document lifecycle events to a JetStream stream
// under <prefix>.document.<kind>.
type EventPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

func NewEventPublisher(ctx context.Context, url, prefix string, log *zap.Logger) (*EventPublisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats failed: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context failed: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:      strings.ToUpper(prefix) + "_EVENTS",
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		// the stream may be managed elsewhere
		log.Warn("ensure nats stream failed", zap.Error(err))
	}

	return &EventPublisher{nc: nc, js: js, prefix: prefix}, nil
}

func (p *EventPublisher) Publish(ctx context.Context, ev model.DocumentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event failed: %w", err)
	}
	subject := p.prefix + "." + ev.Type
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish event to %s failed: %w", subject, err)
	}
	return nil
}

func (p *EventPublisher) Ping() error {
	if p.nc == nil || !p.nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return nil
}

func (p *EventPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
