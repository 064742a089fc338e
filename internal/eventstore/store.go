package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/config"
	_ "modernc.org/sqlite"
)

const (
	EventAttemptStarted = "speak.attempt.started"
	EventAttemptFailed  = "speak.attempt.failed"
	EventCompleted      = "speak.completed"
	EventFailed         = "speak.failed"
	EventRejected       = "speak.rejected"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event is one entry on a speak session's timeline.
type Event struct {
	ID        int64
	SessionID string
	TraceID   string
	Type      string
	Attempt   int
	Payload   []byte
	CreatedAt time.Time
}

// Session summarizes one call to speak.
type Session struct {
	ID         string
	Text       string
	Emotion    string
	Status     string
	Attempts   int
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Store is the SQLite-backed speak history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. Ephemeral mode
// returns a store that records nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS speak_sessions (
    session_id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    emotion TEXT,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS speak_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    attempt INTEGER,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES speak_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_speak_events_session_created ON speak_events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_speak_sessions_created ON speak_sessions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records a new pending session.
func (s *Store) BeginSession(ctx context.Context, sessionID, text, emotion string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speak_sessions(session_id, text, emotion, status, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET text=excluded.text, emotion=excluded.emotion`,
		sessionID, text, emotion, StatusPending, s.clock().UTC())
	return err
}

// FinishSession stores the outcome of a session. An empty errMsg marks it
// completed.
func (s *Store) FinishSession(ctx context.Context, sessionID string, attempts int, errMsg string) error {
	if !s.enabled() {
		return nil
	}
	status := StatusCompleted
	if errMsg != "" {
		status = StatusFailed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE speak_sessions SET status = ?, attempts = ?, error = ?, finished_at = ? WHERE session_id = ?`,
		status, attempts, errMsg, s.clock().UTC(), sessionID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speak_events(session_id, trace_id, event_type, attempt, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TraceID, evt.Type, evt.Attempt, evt.Payload, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, COALESCE(trace_id, ''), event_type, COALESCE(attempt, 0), payload, created_at
		 FROM speak_events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TraceID, &e.Type, &e.Attempt, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, text, COALESCE(emotion, ''), status, attempts, COALESCE(error, ''), created_at, COALESCE(finished_at, '')
		 FROM speak_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created, finished string
		if err := rows.Scan(&sess.ID, &sess.Text, &sess.Emotion, &sess.Status, &sess.Attempts, &sess.Error, &created, &finished); err != nil {
			return nil, err
		}
		sess.CreatedAt = parseTime(created)
		sess.FinishedAt = parseTime(finished)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM speak_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM speak_sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM speak_sessions WHERE session_id IN (
			SELECT session_id FROM speak_sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
