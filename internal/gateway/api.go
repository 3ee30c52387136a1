// ABOUTME: HTTP API handlers for agent registration, heartbeats, messaging and event replay
// ABOUTME: Maps registry and router errors to status codes with JSON error bodies

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/DeanSCND/kokino/internal/agent"
	"github.com/DeanSCND/kokino/internal/auth"
	"github.com/DeanSCND/kokino/internal/dedupe"
	"github.com/DeanSCND/kokino/internal/events"
	"github.com/DeanSCND/kokino/internal/monitor"
	"github.com/DeanSCND/kokino/internal/router"
	"github.com/DeanSCND/kokino/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// IdempotencyHeader names the optional send retry key.
const IdempotencyHeader = "Idempotency-Key"

// RegisterAgentRequest is the JSON request body for POST /api/agents.
type RegisterAgentRequest struct {
	AgentID             string         `json:"agent_id"`
	Type                string         `json:"type"`
	Mode                string         `json:"mode,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	HeartbeatIntervalMS int64          `json:"heartbeat_interval_ms,omitempty"`
}

// AgentResponse is the JSON form of an agent.
type AgentResponse struct {
	AgentID             string         `json:"agent_id"`
	Type                string         `json:"type"`
	Mode                string         `json:"mode"`
	Status              string         `json:"status"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	HeartbeatIntervalMS int64          `json:"heartbeat_interval_ms"`
	LastHeartbeat       time.Time      `json:"last_heartbeat"`
	RegisteredAt        time.Time      `json:"registered_at"`
}

// SendMessageRequest is the JSON request body for POST /api/agents/{id}/messages.
type SendMessageRequest struct {
	From     string          `json:"from"`
	Payload  json.RawMessage `json:"payload"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// SendMessageResponse reports the routing outcome of a send.
type SendMessageResponse struct {
	MessageID string `json:"message_id"`
	Outcome   string `json:"outcome"`
	ThreadID  string `json:"thread_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MessageResponse is the JSON form of a stored message.
type MessageResponse struct {
	MessageID string          `json:"message_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Outcome   string          `json:"outcome"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventsResponse is the JSON response for GET /api/events.
type EventsResponse struct {
	Events   []events.Event `json:"events"`
	LastSeq  uint64         `json:"last_seq"`
	Complete bool           `json:"complete"`
}

// sendResult is what an Idempotency-Key replays.
type sendResult struct {
	status int
	body   SendMessageResponse
}

// Handler returns the broker's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/agents", g.handleRegister)
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("GET /api/agents/{id}", g.handleGetAgent)
	api.HandleFunc("DELETE /api/agents/{id}", g.handleDeregister)
	api.HandleFunc("POST /api/agents/{id}/heartbeat", g.handleHeartbeat)
	api.HandleFunc("POST /api/agents/{id}/messages", g.handleSendMessage)
	api.HandleFunc("GET /api/agents/{id}/messages", g.handleInbox)
	api.HandleFunc("GET /api/threads/{id}/messages", g.handleThreadMessages)
	api.HandleFunc("GET /api/events", g.handleEvents)

	ws := monitor.NewHandler(g.monitor, monitor.HandlerConfig{
		PingInterval: g.config.Monitor.PingInterval,
		Logger:       g.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.verifier != nil {
		mw := auth.HTTPMiddleware(g.verifier, g.logger)
		mux.Handle("/api/", mw(api))
		mux.Handle("GET /ws", mw(ws))
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		mux.Handle("/api/", api)
		mux.Handle("GET /ws", ws)
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// registryStatus maps registry errors to HTTP status codes.
func registryStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrDuplicateAgent):
		return http.StatusConflict
	case errors.Is(err, agent.ErrInvalidAgent):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrUnknownAgent):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) registryError(w http.ResponseWriter, op string, err error) {
	status := registryStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error(op+" failed", "error", err)
		sendJSONError(w, status, "internal server error")
		return
	}
	sendJSONError(w, status, err.Error())
}

func toAgentResponse(a *agent.Agent) AgentResponse {
	return AgentResponse{
		AgentID:             a.ID,
		Type:                a.Type,
		Mode:                string(a.Mode),
		Status:              string(a.Status),
		Metadata:            a.Metadata,
		HeartbeatIntervalMS: a.HeartbeatIntervalMS(),
		LastHeartbeat:       a.LastHeartbeat,
		RegisteredAt:        a.RegisteredAt,
	}
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		MessageID: m.ID,
		From:      m.From,
		To:        m.To,
		ThreadID:  m.ThreadID,
		Payload:   m.Payload,
		Metadata:  m.Metadata,
		Outcome:   m.Outcome,
		CreatedAt: m.CreatedAt,
	}
}

func toMessageResponses(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageResponse(m)
	}
	return out
}

// handleRegister handles POST /api/agents.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.HeartbeatIntervalMS < 0 {
		sendJSONError(w, http.StatusBadRequest, "heartbeat_interval_ms must not be negative")
		return
	}

	a, err := g.registry.Register(r.Context(), agent.RegisterRequest{
		AgentID:           req.AgentID,
		Type:              req.Type,
		Mode:              agent.Mode(req.Mode),
		Metadata:          req.Metadata,
		HeartbeatInterval: time.Duration(req.HeartbeatIntervalMS) * time.Millisecond,
	})
	if err != nil {
		g.registryError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(a))
}

// handleListAgents handles GET /api/agents[?status=online].
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")

	agents := g.registry.List()
	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		if statusFilter != "" && string(a.Status) != statusFilter {
			continue
		}
		response = append(response, toAgentResponse(a))
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := g.registry.Get(r.PathValue("id"))
	if err != nil {
		g.registryError(w, "get agent", err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(a))
}

// handleHeartbeat handles POST /api/agents/{id}/heartbeat.
func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	a, err := g.registry.Heartbeat(r.Context(), r.PathValue("id"))
	if err != nil {
		g.registryError(w, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "agent_status": string(a.Status)})
}

// handleDeregister handles DELETE /api/agents/{id}.
func (g *Gateway) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := g.registry.Deregister(r.Context(), r.PathValue("id")); err != nil {
		g.registryError(w, "deregister", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(agent.StatusRemoved)})
}

// handleSendMessage handles POST /api/agents/{id}/messages. The path names
// the recipient. With an Idempotency-Key header, a retry within the TTL
// returns the first attempt's response without routing again.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	to := r.PathValue("id")

	var req SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.From == "" {
		sendJSONError(w, http.StatusBadRequest, "from is required")
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	if key != "" {
		key = fmt.Sprintf("%s\x00%s\x00%s", req.From, to, key)
		prev, state := g.idempotency.Begin(key)
		switch state {
		case dedupe.StateDone:
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, prev.status, prev.body)
			return
		case dedupe.StatePending:
			sendJSONError(w, http.StatusConflict, "a request with this idempotency key is in progress")
			return
		}
	}

	res := g.send(r, to, req)

	if key != "" {
		if res.status == http.StatusInternalServerError {
			g.idempotency.Release(key)
		} else {
			g.idempotency.Complete(key, res)
		}
	}
	writeJSON(w, res.status, res.body)
}

func (g *Gateway) send(r *http.Request, to string, req SendMessageRequest) sendResult {
	msg, err := g.router.Send(r.Context(), router.SendRequest{
		From:     req.From,
		To:       to,
		Payload:  req.Payload,
		Metadata: req.Metadata,
	})

	body := SendMessageResponse{MessageID: msg.ID, Outcome: msg.Outcome, ThreadID: msg.ThreadID}
	switch {
	case err == nil:
		return sendResult{status: http.StatusCreated, body: body}
	case errors.Is(err, router.ErrUnknownRecipient):
		body.Error = "recipient not registered"
		return sendResult{status: http.StatusNotFound, body: body}
	default:
		body.Error = "internal server error"
		return sendResult{status: http.StatusInternalServerError, body: body}
	}
}

// parseLimit reads ?limit=N, returning def when absent.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

// handleInbox handles GET /api/agents/{id}/messages?since=<RFC3339>&limit=N.
func (g *Gateway) handleInbox(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	limit, err := parseLimit(r, 100)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.router.Inbox(r.Context(), agentID, since, limit)
	if err != nil {
		g.logger.Error("failed to list inbox", "agent_id", agentID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"messages": toMessageResponses(msgs),
	})
}

// handleThreadMessages handles GET /api/threads/{id}/messages.
func (g *Gateway) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	limit, err := parseLimit(r, 50)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.router.Thread(r.Context(), threadID, limit)
	if err != nil {
		g.logger.Error("failed to get thread messages", "thread_id", threadID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if len(msgs) == 0 {
		sendJSONError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  toMessageResponses(msgs),
	})
}

// handleEvents handles GET /api/events?since=N&limit=N, a snapshot of
// retained events. complete is false when some requested events were
// already evicted.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "since must be a sequence number")
			return
		}
		since = n
	}
	limit, err := parseLimit(r, 500)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	evs, complete := g.bus.Since(since, limit)
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: evs, LastSeq: g.bus.LastSeq(), Complete: complete})
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when the store answers, 503 otherwise.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"agents":    g.registry.Count(),
		"observers": g.monitor.Count(),
		"last_seq":  g.bus.LastSeq(),
	})
}
