// ABOUTME: Tests for the NATS event mirror using an in-process publisher
// ABOUTME: Covers subject mapping, publish failures and retention gaps

package mirror

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeanSCND/kokino/internal/events"
)

type published struct {
	subject string
	ev      events.Event
}

type recordingPublisher struct {
	mu      sync.Mutex
	msgs    []published
	fail    func(events.Event) bool
	blockCh chan struct{}
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	if p.blockCh != nil && ev.Seq == 1 {
		<-p.blockCh
	}
	if p.fail != nil && p.fail(ev) {
		return errors.New("nats: connection closed")
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, published{subject: subject, ev: ev})
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) seqs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.ev.Seq
	}
	return out
}

// notifySource signals every time the mirror takes a cursor.
type notifySource struct {
	*events.Bus
	subscribed chan struct{}
}

func (s *notifySource) Subscribe() *events.Cursor {
	c := s.Bus.Subscribe()
	s.subscribed <- struct{}{}
	return c
}

func startMirror(t *testing.T, bus *events.Bus, pub Publisher) (*Mirror, *notifySource, <-chan error) {
	t.Helper()
	src := &notifySource{Bus: bus, subscribed: make(chan struct{}, 4)}
	m := New(src, pub, Config{SubjectPrefix: "test.events"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(cancel)

	select {
	case <-src.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not subscribe")
	}
	return m, src, done
}

func TestMirror_ForwardsBySubject(t *testing.T) {
	bus := events.NewBus(events.Config{}, nil, nil)
	defer bus.Close()
	pub := &recordingPublisher{}
	_, _, _ = startMirror(t, bus, pub)

	bus.Publish(events.Event{Type: events.TypeAgentRegistered, AgentID: "A"})
	bus.Publish(events.Event{Type: events.TypeMessageSent, From: "A", To: "B"})

	require.Eventually(t, func() bool { return len(pub.seqs()) == 2 }, 2*time.Second, time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "test.events.agent.registered", pub.msgs[0].subject)
	assert.Equal(t, "A", pub.msgs[0].ev.AgentID)
	assert.Equal(t, "test.events.message.sent", pub.msgs[1].subject)
	assert.Equal(t, "B", pub.msgs[1].ev.To)
}

func TestMirror_PublishFailureIsSkipped(t *testing.T) {
	bus := events.NewBus(events.Config{}, nil, nil)
	defer bus.Close()
	pub := &recordingPublisher{fail: func(ev events.Event) bool { return ev.Seq == 2 }}
	m, _, _ := startMirror(t, bus, pub)

	for i := 0; i < 3; i++ {
		bus.Publish(events.Event{Type: events.TypeAgentStatus, AgentID: "A"})
	}

	require.Eventually(t, func() bool { return len(pub.seqs()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{1, 3}, pub.seqs())

	forwarded, failed, gaps := m.Stats()
	assert.Equal(t, uint64(2), forwarded)
	assert.Equal(t, uint64(1), failed)
	assert.Zero(t, gaps)
}

func TestMirror_ResumesFromTailAfterEviction(t *testing.T) {
	bus := events.NewBus(events.Config{RetentionCount: 4}, nil, nil)
	defer bus.Close()
	pub := &recordingPublisher{blockCh: make(chan struct{})}
	m, src, _ := startMirror(t, bus, pub)

	bus.Publish(events.Event{Type: events.TypeMessageSent})
	// give the mirror time to pick up seq 1 and block in Publish
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 10; i++ {
		bus.Publish(events.Event{Type: events.TypeMessageSent})
	}
	close(pub.blockCh)

	select {
	case <-src.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not resubscribe after eviction")
	}

	bus.Publish(events.Event{Type: events.TypeAgentStatus})
	require.Eventually(t, func() bool { return len(pub.seqs()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{1, 12}, pub.seqs())

	_, _, gaps := m.Stats()
	assert.Equal(t, uint64(1), gaps)
}

func TestMirror_StopsOnBusClose(t *testing.T) {
	bus := events.NewBus(events.Config{}, nil, nil)
	_, _, done := startMirror(t, bus, &recordingPublisher{})

	bus.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not stop")
	}
}

func TestMirror_Subject(t *testing.T) {
	m := New(nil, nil, Config{})
	assert.Equal(t, "kokino.events.agent.status", m.Subject(events.TypeAgentStatus))
}

// getNATSConn returns a NATS connection for integration tests, or skips.
func getNATSConn(t *testing.T) *nats.Conn {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	conn, err := nats.Connect(url, nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	return conn
}

func TestMirror_NATSIntegration(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	sub, err := conn.SubscribeSync("test.events.>")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, conn.Flush())

	bus := events.NewBus(events.Config{}, nil, nil)
	defer bus.Close()
	_, _, _ = startMirror(t, bus, conn)

	bus.Publish(events.Event{Type: events.TypeAgentRegistered, AgentID: "nats-agent"})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "test.events.agent.registered", msg.Subject)

	var ev events.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "nats-agent", ev.AgentID)
}
