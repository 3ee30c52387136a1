// ABOUTME: Forwards event bus traffic to a NATS subject hierarchy
// ABOUTME: Reads from the bus tail and never slows down bus publishers

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/DeanSCND/kokino/internal/events"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "kokino.events"

// Publisher sends one message to a subject. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Source hands out tail cursors. *events.Bus implements it.
type Source interface {
	Subscribe() *events.Cursor
}

// Config configures a Mirror.
type Config struct {
	SubjectPrefix string
	Logger        *slog.Logger
}

// Mirror copies every bus event to <prefix>.<event type>.
type Mirror struct {
	source Source
	pub    Publisher
	prefix string
	logger *slog.Logger

	forwarded atomic.Uint64
	failed    atomic.Uint64
	gaps      atomic.Uint64
}

// New creates a Mirror. Call Run to start forwarding.
func New(source Source, pub Publisher, cfg Config) *Mirror {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mirror{
		source: source,
		pub:    pub,
		prefix: cfg.SubjectPrefix,
		logger: cfg.Logger.With("component", "mirror"),
	}
}

// Subject returns the subject an event type is published to.
func (m *Mirror) Subject(t events.Type) string {
	return m.prefix + "." + string(t)
}

// Run forwards events until ctx is done or the bus closes. Publish failures
// are logged and skipped. If the mirror falls behind bus retention it logs
// the gap and resumes from the tail.
func (m *Mirror) Run(ctx context.Context) error {
	cursor := m.source.Subscribe()
	m.logger.Info("event mirror started", "prefix", m.prefix, "from_seq", cursor.Position())

	for {
		ev, err := cursor.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, events.ErrCursorEvicted):
			lost := cursor.Position()
			cursor = m.source.Subscribe()
			m.gaps.Add(1)
			m.logger.Warn("event mirror fell behind retention, resuming from tail",
				"last_forwarded_seq", lost, "resume_seq", cursor.Position())
			continue
		case errors.Is(err, events.ErrBusClosed), ctx.Err() != nil:
			m.logger.Info("event mirror stopped", "forwarded", m.forwarded.Load(), "failed", m.failed.Load())
			return nil
		default:
			return fmt.Errorf("reading event bus: %w", err)
		}

		m.forward(ev)
	}
}

func (m *Mirror) forward(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.failed.Add(1)
		m.logger.Error("failed to encode event", "seq", ev.Seq, "error", err)
		return
	}
	if err := m.pub.Publish(m.Subject(ev.Type), data); err != nil {
		m.failed.Add(1)
		m.logger.Warn("failed to publish event", "seq", ev.Seq, "type", ev.Type, "error", err)
		return
	}
	m.forwarded.Add(1)
}

// Stats reports forwarded events, failed publishes and retention gaps.
func (m *Mirror) Stats() (forwarded, failed, gaps uint64) {
	return m.forwarded.Load(), m.failed.Load(), m.gaps.Load()
}

// ConnectConfig holds NATS connection settings.
type ConnectConfig struct {
	URL            string
	Name           string
	Token          string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Connect dials NATS. Zero durations use 2s reconnect wait and 5s connect
// timeout; MaxReconnects 0 means unlimited.
func Connect(cfg ConnectConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "kokino-broker"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}
