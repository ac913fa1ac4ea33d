// Package eventbus provides an embedded, loopback-only NATS server
// for internal domain-event fan-out: the supervisor and recorder
// callbacks publish, and the ops API subscribes to stream state
// changes. It is never exposed beyond 127.0.0.1 and
// carries no external protocol surface. Adapted near-verbatim from the
// teacher's internal/core/eventbus.go, dropping its cross-plugin
// PortManager coordination (this process owns the NATS port outright)
// and renaming subjects to the NVR domain.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects used across the recording pipeline.
const (
	SubjectRecordingStarted   = "recording.started"
	SubjectRecordingFinalized = "recording.finalized"
	SubjectMotionBegin        = "motion.begin"
	SubjectMotionEnd          = "motion.end"
	SubjectStreamStateChanged = "stream.state_changed"
	SubjectStoreError         = "store.error"
)

// Config configures the embedded NATS server.
type Config struct {
	Host string // default 127.0.0.1
	Port int    // 0 lets the OS pick an ephemeral port
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
}

// Bus is a thin wrapper over an embedded NATS server plus connection,
// tracking subscriptions so they can be cleanly torn down on Stop.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.Mutex
	subs   map[string][]*nats.Subscription
}

// New starts an embedded NATS server bound to cfg.Host:cfg.Port and
// connects to it.
func New(cfg Config) (*Bus, error) {
	cfg.applyDefaults()

	port := cfg.Port
	if port == 0 {
		port = server.RANDOM_PORT // NATS itself reads 0 as its default port 4222
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventbus: create nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("eventbus: nats server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("eventbus: connect to embedded nats: %w", err)
	}

	bus := &Bus{
		server: ns,
		conn:   nc,
		logger: slog.Default().With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}
	bus.logger.Info("event bus started", "url", ns.ClientURL())
	return bus, nil
}

// Name satisfies shutdown.Component.
func (b *Bus) Name() string { return "eventbus" }

// ClientURL returns the loopback NATS URL, useful for diagnostics.
func (b *Bus) ClientURL() string { return b.server.ClientURL() }

// Publish marshals data as JSON and publishes it to subject.
func (b *Bus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("eventbus: marshal %s payload: %w", subject, err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe registers handler for subject and tracks the subscription
// for cleanup on Stop.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", subject, err)
	}
	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()
	return sub, nil
}

// SubscribeJSON subscribes and unmarshals each message's payload into
// a fresh *T before invoking handler.
func SubscribeJSON[T any](b *Bus, subject string, handler func(T)) (*nats.Subscription, error) {
	return b.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			b.logger.Error("failed to unmarshal message", "subject", subject, "error", err)
			return
		}
		handler(v)
	})
}

// Stop unsubscribes everything, drains the connection, and shuts down
// the embedded server. Satisfies shutdown.Component.
func (b *Bus) Stop(ctx context.Context) error {
	b.subsMu.Lock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}
	b.subs = make(map[string][]*nats.Subscription)
	b.subsMu.Unlock()

	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
	return nil
}
