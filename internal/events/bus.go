// Package events fans project change notifications out over NATS.
//
// Events are published to subjects of the form
//
//	{prefix}.projects.{owner}.{file_id}.{type}
//
// where owner is the hex-encoded user id, so any user id is a single valid
// subject token. A subscriber receives every event for one owner.
package events

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/scratchsync/internal/events"

// DefaultPrefix is the subject prefix used when Config.Prefix is empty.
const DefaultPrefix = "scratchsync"

// Config configures a Bus.
type Config struct {
	Prefix string
	Logger *logging.Logger
	Meter  metric.Meter
}

// Bus publishes and subscribes to per-user project events.
type Bus struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger

	published metric.Int64Counter
	delivered metric.Int64Counter
}

// NewBus creates a Bus on an open connection. The caller owns nc.
func NewBus(nc *nats.Conn, cfg Config) (*Bus, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	b := &Bus{nc: nc, prefix: cfg.Prefix, logger: cfg.Logger}
	if b.prefix == "" {
		b.prefix = DefaultPrefix
	}
	if b.logger == nil {
		b.logger = logging.NewNop()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var err error
	b.published, err = meter.Int64Counter(
		"scratchsync.events.published_total",
		metric.WithDescription("Total number of project events published by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		b.logger.Warn(context.Background(), "failed to create published counter", zap.Error(err))
	}
	b.delivered, err = meter.Int64Counter(
		"scratchsync.events.delivered_total",
		metric.WithDescription("Total number of project events delivered to subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		b.logger.Warn(context.Background(), "failed to create delivered counter", zap.Error(err))
	}
	return b, nil
}

// Subject returns the subject an event for owner is published on.
func (b *Bus) Subject(owner string, ev backend.ProjectEvent) string {
	return fmt.Sprintf("%s.projects.%s.%d.%s", b.prefix, ownerToken(owner), int64(ev.FileID), ev.Type)
}

func (b *Bus) ownerSubject(owner string) string {
	return fmt.Sprintf("%s.projects.%s.>", b.prefix, ownerToken(owner))
}

func ownerToken(owner string) string {
	return hex.EncodeToString([]byte(owner))
}

// Publish sends ev to owner's subscribers.
func (b *Bus) Publish(ctx context.Context, owner string, ev backend.ProjectEvent) error {
	if ev.Type == "" {
		return errors.New("event type is required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := b.Subject(owner, ev)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	if b.published != nil {
		b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
	}
	b.logger.Debug(logging.WithUserID(ctx, owner), "project event published",
		zap.String("subject", subject), zap.String("type", ev.Type))
	return nil
}

// Subscription is an active subscription.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe stops delivery.
func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe delivers owner's events to fn on a NATS callback goroutine.
// Interest is registered with the server before Subscribe returns, so
// events published afterwards are not missed.
func (b *Bus) Subscribe(owner string, fn func(backend.ProjectEvent)) (*Subscription, error) {
	ctx := logging.WithUserID(context.Background(), owner)
	sub, err := b.nc.Subscribe(b.ownerSubject(owner), func(msg *nats.Msg) {
		var ev backend.ProjectEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn(ctx, "dropping malformed project event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if b.delivered != nil {
			b.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return &Subscription{sub: sub}, nil
}

// Flush waits until everything published so far has reached the server.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}
