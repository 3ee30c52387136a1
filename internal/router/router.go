// ABOUTME: Router records messages between agents and publishes one event per send
// ABOUTME: Striped pair locks keep per-(from,to) event order equal to call order

package router

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"maps"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/DeanSCND/kokino/internal/agent"
	"github.com/DeanSCND/kokino/internal/clock"
	"github.com/DeanSCND/kokino/internal/events"
	"github.com/DeanSCND/kokino/internal/store"
)

// ErrUnknownRecipient means the recipient is not a registered agent.
var ErrUnknownRecipient = errors.New("unknown recipient")

// Directory resolves agent ids. *agent.Registry implements it.
type Directory interface {
	Get(agentID string) (*agent.Agent, error)
}

// MessageStore records and reads messages. *store.SQLiteStore implements it.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
	ListInbox(ctx context.Context, agentID string, since time.Time, limit int) ([]*store.Message, error)
	ListThreadMessages(ctx context.Context, threadID string, limit int) ([]*store.Message, error)
}

// VersionLookup reads the CLI version log. *store.SQLiteStore implements it.
type VersionLookup interface {
	LatestVersion(ctx context.Context, agentID, cliType string) (*store.VersionRecord, error)
}

// Publisher receives routing events. *events.Bus implements it.
type Publisher interface {
	Publish(ev events.Event) events.Event
}

// threadKeys are the metadata keys accepted as a conversation correlation id,
// in order of precedence.
var threadKeys = []string{"thread_id", "threadId", "conversation_id"}

const pairStripes = 64

// Config wires a Router to its collaborators.
type Config struct {
	Directory Directory     // required
	Messages  MessageStore  // required
	Versions  VersionLookup // optional
	Bus       Publisher     // required
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Router routes messages from one agent to another.
type Router struct {
	dir      Directory
	messages MessageStore
	versions VersionLookup
	bus      Publisher
	clock    clock.Clock
	logger   *slog.Logger

	pairs [pairStripes]sync.Mutex

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		dir:      cfg.Directory,
		messages: cfg.Messages,
		versions: cfg.Versions,
		bus:      cfg.Bus,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "router"),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// SendRequest is one message from From to To.
type SendRequest struct {
	From     string
	To       string
	Payload  json.RawMessage
	Metadata map[string]any
}

// Send records a message and publishes exactly one message.sent event.
//
// The returned message carries the outcome. An unknown or removed recipient
// yields ErrUnknownRecipient; a store failure yields outcome failed and the
// store error. An offline recipient is not an error: the message is recorded
// with outcome recipient-offline for the recipient to poll later.
func (r *Router) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	lock := r.pairLock(req.From, req.To)
	lock.Lock()
	defer lock.Unlock()

	now := r.clock.Now().UTC()
	msg := &store.Message{
		ID:        r.newID(now),
		From:      req.From,
		To:        req.To,
		Payload:   req.Payload,
		Metadata:  maps.Clone(req.Metadata),
		CreatedAt: now,
	}
	msg.ThreadID = threadID(msg.Metadata)
	r.stampVersion(ctx, msg)

	recipient, err := r.dir.Get(req.To)
	if err != nil {
		msg.Outcome = store.OutcomeRecipientUnknown
		if serr := r.messages.SaveMessage(ctx, msg); serr != nil {
			r.logger.Warn("failed to record undeliverable message", "message_id", msg.ID, "error", serr)
		}
		r.publish(msg)
		r.logger.Info("message to unknown recipient", "message_id", msg.ID, "from", msg.From, "to", msg.To)
		return msg, fmt.Errorf("%w: %s", ErrUnknownRecipient, req.To)
	}

	msg.Outcome = store.OutcomeDelivered
	if recipient.Status == agent.StatusOffline {
		msg.Outcome = store.OutcomeRecipientOffline
	}

	if err := r.messages.SaveMessage(ctx, msg); err != nil {
		msg.Outcome = store.OutcomeFailed
		r.publish(msg)
		r.logger.Error("failed to record message", "message_id", msg.ID, "from", msg.From, "to", msg.To, "error", err)
		return msg, fmt.Errorf("recording message: %w", err)
	}

	r.publish(msg)
	r.logger.Debug("message routed",
		"message_id", msg.ID,
		"from", msg.From,
		"to", msg.To,
		"outcome", msg.Outcome,
		"thread_id", msg.ThreadID,
	)
	return msg, nil
}

// Inbox returns messages addressed to agentID created after since.
func (r *Router) Inbox(ctx context.Context, agentID string, since time.Time, limit int) ([]*store.Message, error) {
	msgs, err := r.messages.ListInbox(ctx, agentID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}
	return msgs, nil
}

// Thread returns the most recent messages sharing a correlation id.
func (r *Router) Thread(ctx context.Context, threadID string, limit int) ([]*store.Message, error) {
	msgs, err := r.messages.ListThreadMessages(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing thread: %w", err)
	}
	return msgs, nil
}

func (r *Router) pairLock(from, to string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(from))
	h.Write([]byte{0})
	h.Write([]byte(to))
	return &r.pairs[h.Sum32()%pairStripes]
}

func (r *Router) newID(now time.Time) string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), r.entropy).String()
}

// stampVersion adds the sender's active CLI version to the metadata when the
// sender is registered with a cli_type.
func (r *Router) stampVersion(ctx context.Context, msg *store.Message) {
	if r.versions == nil {
		return
	}
	sender, err := r.dir.Get(msg.From)
	if err != nil {
		return
	}
	cliType := sender.CLIType()
	if cliType == "" {
		return
	}
	rec, err := r.versions.LatestVersion(ctx, msg.From, cliType)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("cli version lookup failed", "agent_id", msg.From, "cli_type", cliType, "error", err)
		}
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any, 2)
	}
	msg.Metadata[agent.MetaCLIType] = cliType
	msg.Metadata[agent.MetaCLIVersion] = rec.Version
}

func (r *Router) publish(msg *store.Message) {
	payload := map[string]any{
		"message_id": msg.ID,
		"outcome":    msg.Outcome,
	}
	if msg.ThreadID != "" {
		payload["thread_id"] = msg.ThreadID
	}
	if len(msg.Payload) > 0 {
		payload["payload"] = msg.Payload
	}
	if len(msg.Metadata) > 0 {
		payload["metadata"] = maps.Clone(msg.Metadata)
	}
	r.bus.Publish(events.Event{
		Type:    events.TypeMessageSent,
		From:    msg.From,
		To:      msg.To,
		Payload: payload,
	})
}

func threadID(md map[string]any) string {
	for _, k := range threadKeys {
		if s, ok := md[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
