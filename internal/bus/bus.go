// Package bus provides the embedded NATS wake-signal (spec §5 added
// domain-stack wiring): the Service publishes a cheap outbox.new
// notification after each ingested event, and the daemon runs the outbox
// relay's consumers when it arrives. It generalizes the teacher's
// internal/nats client (a thin wrapper over *nats.Conn with typed
// Subscribe/Publish helpers) from a multi-agent command bus into a narrower
// pub/sub nudge: durability never lives here, only in internal/storage, so
// a missed message only delays processing until a later notification (the
// relay resumes from its checkpoint) and never loses data.
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// SubjectOutboxNew is published whenever a new outbox entry is durably
	// committed (spec §4.8 Relay). The daemon has no scheduled relay job:
	// this notification is what runs the relay's consumers.
	SubjectOutboxNew = "outbox.new"

	// tocDirtyPrefix is published with the affected day's time-key suffixed
	// by NotifyTocDirty. Nothing in the daemon publishes or subscribes to it;
	// the rollup runs on its own schedule.
	tocDirtyPrefix = "toc.dirty."
)

// Bus wraps an in-process NATS server plus a client connection to it.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	log    *zap.Logger
}

// NewEmbedded starts an in-process NATS server on an OS-assigned port and
// connects to it. No network exposure is needed since every subscriber
// lives in this same process.
func NewEmbedded(logger *zap.Logger) (*Bus, error) {
	log := logger.Named("bus")
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats server: %w", err)
	}

	log.Info("embedded nats bus ready", zap.String("url", srv.ClientURL()))
	return &Bus{server: srv, conn: conn, log: log}, nil
}

// NotifyOutboxNew publishes the outbox wake signal. Failures are logged,
// not returned: a missed nudge leaves the new entries for a later run, which
// resumes from the consumer's checkpoint.
func (b *Bus) NotifyOutboxNew() {
	if err := b.conn.Publish(SubjectOutboxNew, nil); err != nil {
		b.log.Warn("failed to publish outbox wake signal", zap.Error(err))
	}
}

// NotifyTocDirty publishes that dayKey (e.g. "2026-07-30") has new segments
// contributing to its rollup.
func (b *Bus) NotifyTocDirty(dayKey string) {
	if err := b.conn.Publish(tocDirtyPrefix+dayKey, nil); err != nil {
		b.log.Warn("failed to publish toc-dirty wake signal", zap.String("day", dayKey), zap.Error(err))
	}
}

// SubscribeOutboxNew registers handler to run whenever NotifyOutboxNew
// fires anywhere in the process.
func (b *Bus) SubscribeOutboxNew(handler func()) (*nats.Subscription, error) {
	return b.conn.Subscribe(SubjectOutboxNew, func(*nats.Msg) { handler() })
}

// SubscribeTocDirty registers handler to run with the day key whenever
// NotifyTocDirty fires for any day.
func (b *Bus) SubscribeTocDirty(handler func(dayKey string)) (*nats.Subscription, error) {
	return b.conn.Subscribe(tocDirtyPrefix+"*", func(msg *nats.Msg) {
		handler(strings.TrimPrefix(msg.Subject, tocDirtyPrefix))
	})
}

// Close drains the connection and shuts down the embedded server.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
}
