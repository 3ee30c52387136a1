// ABOUTME: WebSocket endpoint that streams filtered bus events to observers
// ABOUTME: One read loop for filter commands and one write loop for events, acks and pings

package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Close reason sent when an observer is dropped for falling behind.
const overrunReason = "subscriber overrun"

// HandlerConfig tunes the WebSocket endpoint. Zero values use defaults.
type HandlerConfig struct {
	PingInterval time.Duration // default 54s
	PongWait     time.Duration // default 60s; must exceed PingInterval
	WriteWait    time.Duration // default 10s
	ReadLimit    int64         // default 64 KiB
	ControlQueue int           // default 16
	CheckOrigin  func(r *http.Request) bool
	Logger       *slog.Logger
}

// Handler upgrades HTTP requests to monitoring streams.
type Handler struct {
	mgr      *Manager
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	logger   *slog.Logger
}

// NewHandler creates a Handler serving subscriptions from mgr.
func NewHandler(mgr *Manager, cfg HandlerConfig) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 10 / 9
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}
	if cfg.ControlQueue <= 0 {
		cfg.ControlQueue = 16
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		mgr: mgr,
		upgrader: websocket.Upgrader{
			CheckOrigin:     cfg.CheckOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cfg:    cfg,
		logger: cfg.Logger.With("component", "monitor-ws"),
	}
}

// connectedMessage opens every stream. Seq is the position replay starts
// after; Gap is set when the requested since had already been evicted.
type connectedMessage struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
	Seq            uint64 `json:"seq"`
	Gap            bool   `json:"gap,omitempty"`
}

// filterAckMessage is written in event order: events above Seq were
// evaluated against the new filter.
type filterAckMessage struct {
	Type   string   `json:"type"`
	Agents []string `json:"agents"`
	Types  []string `json:"types"`
	Seq    uint64   `json:"seq"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ServeHTTP handles GET /ws[?since=N]. It blocks for the life of the stream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var opts ConnectOptions
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since parameter", http.StatusBadRequest)
			return
		}
		opts.Since = &since
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	sub, err := h.mgr.Connect(r.Context(), opts)
	if err != nil {
		h.writeClose(conn, websocket.CloseGoingAway, "broker shutting down")
		return
	}
	defer h.mgr.Disconnect(sub.ID())

	logger := h.logger.With("subscription_id", sub.ID(), "remote", r.RemoteAddr)
	logger.Info("observer connected", "start_seq", sub.StartSeq(), "gap", sub.Gap())

	s := &stream{
		h:      h,
		conn:   conn,
		sub:    sub,
		ctrl:   make(chan []byte, h.cfg.ControlQueue),
		logger: logger,
	}

	hello, _ := json.Marshal(connectedMessage{Type: "connected", SubscriptionID: sub.ID(), Seq: sub.StartSeq(), Gap: sub.Gap()})
	if err := s.write(websocket.TextMessage, hello); err != nil {
		logger.Debug("failed to send connection confirmation", "error", err)
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop()
	}()

	err = s.writeLoop()

	switch {
	case errors.Is(sub.Err(), ErrSubscriberOverrun):
		h.writeClose(conn, websocket.ClosePolicyViolation, overrunReason)
	case sub.Err() != nil:
		h.writeClose(conn, websocket.CloseGoingAway, "broker shutting down")
	case err == nil:
		h.writeClose(conn, websocket.CloseNormalClosure, "")
	}
	conn.Close()
	<-readDone

	logger.Info("observer disconnected", "reason", disconnectReason(sub, err))
}

func (h *Handler) writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
}

func disconnectReason(sub *Subscription, writeErr error) string {
	if err := sub.Err(); err != nil {
		return err.Error()
	}
	if writeErr != nil {
		return writeErr.Error()
	}
	return "client closed"
}

// stream is one live WebSocket session. Only writeLoop (and the final close
// in ServeHTTP) writes to conn.
type stream struct {
	h      *Handler
	conn   *websocket.Conn
	sub    *Subscription
	ctrl   chan []byte
	logger *slog.Logger
}

func (s *stream) write(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteWait))
	return s.conn.WriteMessage(messageType, data)
}

// readLoop applies filter commands until the client goes away, then ends
// the subscription.
func (s *stream) readLoop() {
	defer s.h.mgr.Disconnect(s.sub.ID())

	s.conn.SetReadLimit(s.h.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.h.cfg.PongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("observer read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleCommand(data)
	}
}

func (s *stream) handleCommand(data []byte) {
	f, err := ParseFilterCommand(data)
	if err != nil {
		s.logger.Warn("ignoring filter command", "error", err)
		reply, _ := json.Marshal(errorMessage{Type: "error", Error: err.Error()})
		s.enqueue(reply)
		return
	}

	ack, err := s.sub.ApplyFilter(f)
	if err != nil {
		s.logger.Debug("filter ack not queued", "error", err)
		return
	}
	s.logger.Debug("filter updated", "agents", f.AgentList(), "types", f.TypeList(), "seq", ack.Seq)
}

// enqueue hands a control message to the write loop. A client that floods
// commands without reading replies is dropped like any other slow reader.
func (s *stream) enqueue(msg []byte) {
	select {
	case s.ctrl <- msg:
	default:
		s.sub.stop(ErrSubscriberOverrun)
	}
}

// writeLoop drains control messages and deliveries and keeps the connection
// alive with pings. It returns nil when the subscription ends.
func (s *stream) writeLoop() error {
	ticker := time.NewTicker(s.h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		// a finished subscription discards whatever is still queued
		select {
		case <-s.sub.Done():
			return nil
		default:
		}

		select {
		case <-s.sub.Done():
			return nil

		case msg := <-s.ctrl:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("write error: %w", err)
			}

		case d := <-s.sub.Deliveries():
			data, err := encodeDelivery(d)
			if err != nil {
				s.logger.Error("failed to encode event", "seq", d.Event.Seq, "error", err)
				continue
			}
			if err := s.write(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write error: %w", err)
			}

		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping error: %w", err)
			}
		}
	}
}

func encodeDelivery(d Delivery) ([]byte, error) {
	if d.FilterAck == nil {
		return json.Marshal(d.Event)
	}
	f := d.FilterAck.Filter
	return json.Marshal(filterAckMessage{Type: "filter.ack", Agents: f.AgentList(), Types: f.TypeList(), Seq: d.FilterAck.Seq})
}
