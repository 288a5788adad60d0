package bus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	run_id  TEXT    NOT NULL,
	seq     INTEGER NOT NULL,
	kind    TEXT    NOT NULL,
	node_id TEXT    NOT NULL DEFAULT '',
	ts      TEXT    NOT NULL,
	payload BLOB,
	PRIMARY KEY (run_id, seq)
);
`

// SQLiteStoreConfig configures the durable event store.
type SQLiteStoreConfig struct {
	// DSN is the sqlite connection string (file path or ":memory:").
	DSN string

	// RetentionAge deletes events older than this (0 = keep forever).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run (0 = no cap).
	RetentionCount int

	// PruneInterval is how often the pruner runs (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists events in sqlite with msgpack-encoded payloads.
// WAL mode keeps replay reads from blocking the kernel's appends.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("event store: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event store: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event store: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	if !event.Kind.Valid() {
		return fmt.Errorf("event store: kind %q not in the closed set", event.Kind)
	}
	var payload []byte
	if len(event.Payload) > 0 {
		b, err := msgpack.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("event store: encode payload: %w", err)
		}
		payload = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, kind, node_id, ts, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, string(event.Kind), event.NodeID,
		event.TS.UTC().Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return fmt.Errorf("event store: append: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	query := `SELECT run_id, seq, kind, node_id, ts, payload FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("event store: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []runtime.Event
	for rows.Next() {
		var (
			ev      runtime.Event
			kind    string
			ts      string
			payload []byte
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &kind, &ev.NodeID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("event store: scan: %w", err)
		}
		ev.Kind = runtime.EventKind(kind)
		if ev.TS, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("event store: parse ts: %w", err)
		}
		if len(payload) > 0 {
			if err := msgpack.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("event store: decode payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("event store: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs one retention pass.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff); err != nil {
			return fmt.Errorf("event store: prune by age: %w", err)
		}
	}
	if s.cfg.RetentionCount > 0 {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM events WHERE (run_id, seq) IN (
				SELECT run_id, seq FROM (
					SELECT run_id, seq,
					       ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY seq DESC) AS rn
					FROM events
				) WHERE rn > ?
			)`, s.cfg.RetentionCount)
		if err != nil {
			return fmt.Errorf("event store: prune by count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = s.Prune(ctx)
			cancel()
		}
	}
}

var _ EventStore = (*SQLiteEventStore)(nil)
