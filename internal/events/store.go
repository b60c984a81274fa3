package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// StoreConfig configures the SQLite event timeline.
type StoreConfig struct {
	// Path of the database file. Parent directories are created.
	Path string

	// RetentionDays deletes events older than this many days on [Store.Prune].
	// Zero keeps everything.
	RetentionDays int

	// QueueSize bounds the number of events waiting to be written.
	// Default: 256.
	QueueSize int
}

// Store persists events to SQLite. Emit only enqueues; a single writer
// goroutine performs the inserts so a slow disk never stalls the caller.
// When the queue is full the event is dropped and counted.
type Store struct {
	db    *sql.DB
	cfg   StoreConfig
	clock func() time.Time

	queue   chan Event
	done    chan struct{}
	mu      sync.RWMutex // guards closed against concurrent Emit
	closed  bool
	dropped atomic.Int64
}

// OpenStore opens (creating if needed) the database at cfg.Path, applies the
// schema, prunes expired rows and starts the writer.
func OpenStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("events: store path must not be empty")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("events: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("events: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("events: ping sqlite: %w", err)
	}

	s := &Store{
		db:    db,
		cfg:   cfg,
		clock: time.Now,
		queue: make(chan Event, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		slog.Warn("event store prune on start failed", "err", err)
	}

	go s.writeLoop()
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    attrs TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("events: init schema: %w", err)
	}
	return nil
}

// Emit implements [Sink]. It never blocks.
func (s *Store) Emit(_ context.Context, e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("event store queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

func (s *Store) writeLoop() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Append(ctx, e); err != nil {
			slog.Warn("event store write failed", "kind", string(e.Kind), "err", err)
		}
		cancel()
	}
}

// Append writes e synchronously.
func (s *Store) Append(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = s.clock()
	}
	attrs := []byte("{}")
	if len(e.Attrs) > 0 {
		var err error
		if attrs, err = json.Marshal(e.Attrs); err != nil {
			return fmt.Errorf("events: encode attrs: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, kind, attrs, created_at) VALUES(?, ?, ?, ?)`,
		e.SessionID, string(e.Kind), string(attrs), e.Time.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("events: insert: %w", err)
	}
	return nil
}

// ListSession returns up to limit events of a conversation, oldest first.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, kind, attrs, created_at FROM events
		 WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("events: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			kind    string
			attrs   string
			created int64
		)
		if err := rows.Scan(&e.SessionID, &kind, &attrs, &created); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.Kind = Kind(kind)
		e.Time = time.Unix(0, created)
		if attrs != "" && attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &e.Attrs); err != nil {
				return nil, fmt.Errorf("events: decode attrs: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes events older than the configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("events: prune: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		slog.Info("event store pruned", "rows", n, "retention_days", s.cfg.RetentionDays)
	}
	return nil
}

// RunPruner calls Prune every interval until ctx is cancelled.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("event store prune failed", "err", err)
			}
		}
	}
}

// Close stops accepting events, flushes the queue and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}
