// Package bus publishes service lifecycle events over NATS. The bus is
// optional: a nil Publisher swallows events, so services behave the
// same with no broker configured.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
)

const subjectPrefix = "huntsman.events."

// Event is one service lifecycle or status report.
type Event struct {
	Service   string    `json:"service"`
	State     string    `json:"state"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	Queued    int       `json:"queued"`
	Time      time.Time `json:"time"`
}

// Subject returns the NATS subject carrying a service's events.
func Subject(service string) string {
	return subjectPrefix + service
}

// Publisher writes events to the bus.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.SugaredLogger
}

// Connect opens the event bus connection. When the bus is disabled it
// returns a nil publisher, which is safe to use.
func Connect(cfg *config.Config, logger *zap.SugaredLogger) (*Publisher, error) {
	if !cfg.NATS.Enabled {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.NATS.GetURL(),
		nats.Name("huntsman-drp"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event bus: %w", err)
	}
	return &Publisher{nc: nc, logger: logging.OrDefault(logger)}, nil
}

// Publish sends one event on the service's subject. Publish failures
// are logged, not returned: the pipeline never stops for the bus.
func (p *Publisher) Publish(ev Event) {
	if p == nil || p.nc == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Errorf("Failed to encode event for %s: %v", ev.Service, err)
		return
	}
	if err := p.nc.Publish(Subject(ev.Service), data); err != nil {
		p.logger.Warnf("Failed to publish event for %s: %v", ev.Service, err)
	}
}

// Close drains the connection. Safe on a nil publisher.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warnf("Failed to drain event bus: %v", err)
	}
}

// Subscribe delivers every service event to fn until the context ends.
func Subscribe(ctx context.Context, cfg *config.Config, fn func(Event)) error {
	nc, err := nats.Connect(cfg.NATS.GetURL(), nats.Name("hunt-status-watch"))
	if err != nil {
		return fmt.Errorf("failed to connect to event bus: %w", err)
	}
	defer nc.Drain()

	sub, err := nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}
