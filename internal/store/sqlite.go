// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent, message and CLI version persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. The path ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if memory {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the baseline tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                 TEXT PRIMARY KEY,
			type               TEXT NOT NULL,
			mode               TEXT NOT NULL,
			status             TEXT NOT NULL,
			metadata_json      TEXT,
			heartbeat_ms       INTEGER NOT NULL,
			last_heartbeat     TEXT NOT NULL,
			registered_at      TEXT NOT NULL,
			updated_at         TEXT NOT NULL,

			CHECK (mode IN ('tmux', 'headless')),
			CHECK (status IN ('registered', 'online', 'stale', 'offline', 'removed'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			from_agent    TEXT NOT NULL,
			to_agent      TEXT NOT NULL,
			thread_id     TEXT,
			payload       TEXT,
			metadata_json TEXT,
			outcome       TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_to_created ON messages(to_agent, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

		CREATE TABLE IF NOT EXISTS cli_versions (
			agent_id    TEXT NOT NULL,
			cli_type    TEXT NOT NULL,
			version     TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cli_versions_lookup ON cli_versions(agent_id, cli_type, recorded_at DESC);
		CREATE INDEX IF NOT EXISTS idx_cli_versions_recorded ON cli_versions(recorded_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings so the column stores NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func encodeMetadata(md map[string]any) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(raw.String), &md); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return md, nil
}

// SaveAgent inserts or replaces an agent record
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	md, err := encodeMetadata(agent.Metadata)
	if err != nil {
		return err
	}
	updated := agent.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	query := `
		INSERT INTO agents (id, type, mode, status, metadata_json, heartbeat_ms, last_heartbeat, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			mode = excluded.mode,
			status = excluded.status,
			metadata_json = excluded.metadata_json,
			heartbeat_ms = excluded.heartbeat_ms,
			last_heartbeat = excluded.last_heartbeat,
			registered_at = excluded.registered_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Type,
		agent.Mode,
		agent.Status,
		md,
		agent.HeartbeatInterval.Milliseconds(),
		formatTime(agent.LastHeartbeat),
		formatTime(agent.RegisteredAt),
		formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}

	s.logger.Debug("saved agent", "id", agent.ID, "status", agent.Status)
	return nil
}

// UpdateAgentStatus sets the status and last heartbeat of an agent.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id, status string, lastHeartbeat time.Time) error {
	query := `
		UPDATE agents
		SET status = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status,
		formatTime(lastHeartbeat),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const agentColumns = `id, type, mode, status, metadata_json, heartbeat_ms, last_heartbeat, registered_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var (
		a                             AgentRecord
		md                            sql.NullString
		heartbeatMS                   int64
		lastHB, registered, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.Type, &a.Mode, &a.Status, &md, &heartbeatMS, &lastHB, &registered, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if a.Metadata, err = decodeMetadata(md); err != nil {
		return nil, err
	}
	a.HeartbeatInterval = time.Duration(heartbeatMS) * time.Millisecond
	if a.LastHeartbeat, err = parseTime("last_heartbeat", lastHB); err != nil {
		return nil, err
	}
	if a.RegisteredAt, err = parseTime("registered_at", registered); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every stored agent ordered by registration time
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// SaveMessage stores a message.
// Returns ErrDuplicateMessage if the id is already present.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	md, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	var payload any
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}

	query := `
		INSERT INTO messages (id, from_agent, to_agent, thread_id, payload, metadata_json, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.From,
		msg.To,
		nullString(msg.ThreadID),
		payload,
		md,
		msg.Outcome,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "from", msg.From, "to", msg.To, "outcome", msg.Outcome)
	return nil
}

const messageColumns = `id, from_agent, to_agent, thread_id, payload, metadata_json, outcome, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                 Message
		threadID, payload sql.NullString
		md                sql.NullString
		createdAt         string
	)
	if err := row.Scan(&m.ID, &m.From, &m.To, &threadID, &payload, &md, &m.Outcome, &createdAt); err != nil {
		return nil, err
	}

	m.ThreadID = threadID.String
	if payload.Valid {
		m.Payload = json.RawMessage(payload.String)
	}
	var err error
	if m.Metadata, err = decodeMetadata(md); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// ListInbox returns messages addressed to agentID created after since, oldest
// first. Messages whose recipient was unknown are never in an inbox.
func (s *SQLiteStore) ListInbox(ctx context.Context, agentID string, since time.Time, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE to_agent = ? AND created_at > ? AND outcome != ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`
	return s.queryMessages(ctx, query, agentID, formatTime(since), OutcomeRecipientUnknown, clampLimit(limit))
}

// ListThreadMessages returns the most recent limit messages of a thread in
// chronological order.
func (s *SQLiteStore) ListThreadMessages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE thread_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`
	return s.queryMessages(ctx, query, threadID, clampLimit(limit))
}

// PruneMessages deletes messages created before the cutoff
func (s *SQLiteStore) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// RecordVersion appends an entry to the CLI version log
func (s *SQLiteStore) RecordVersion(ctx context.Context, rec *VersionRecord) error {
	recorded := rec.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cli_versions (agent_id, cli_type, version, recorded_at) VALUES (?, ?, ?, ?)`,
		rec.AgentID, rec.CLIType, rec.Version, formatTime(recorded),
	)
	if err != nil {
		return fmt.Errorf("recording cli version: %w", err)
	}
	return nil
}

// LatestVersion returns the most recent version recorded for an agent and
// CLI type. Returns ErrNotFound if none was recorded.
func (s *SQLiteStore) LatestVersion(ctx context.Context, agentID, cliType string) (*VersionRecord, error) {
	query := `
		SELECT agent_id, cli_type, version, recorded_at
		FROM cli_versions
		WHERE agent_id = ? AND cli_type = ?
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT 1
	`

	var rec VersionRecord
	var recordedAt string
	err := s.db.QueryRowContext(ctx, query, agentID, cliType).Scan(&rec.AgentID, &rec.CLIType, &rec.Version, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cli version: %w", err)
	}
	if rec.RecordedAt, err = parseTime("recorded_at", recordedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PruneVersions deletes version log entries recorded before the cutoff
func (s *SQLiteStore) PruneVersions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cli_versions WHERE recorded_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning cli versions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}
