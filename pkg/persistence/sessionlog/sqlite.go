package sessionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/sem"
)

// SQLiteStore is the durable archive. One row per (conversation, arrival);
// re-appends overwrite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite session log: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile builds a file DSN with WAL for concurrent readers and a busy
// timeout against transient SQLITE_BUSY.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite session log: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_events (
		  conv_id TEXT NOT NULL,
		  arrival INTEGER NOT NULL,
		  kind TEXT NOT NULL,
		  corr_id TEXT NOT NULL,
		  ts_ms INTEGER NOT NULL,
		  event_json TEXT NOT NULL,
		  PRIMARY KEY (conv_id, arrival)
		);`,
		`CREATE INDEX IF NOT EXISTS session_events_by_time
		  ON session_events(conv_id, ts_ms);`,
		`CREATE TABLE IF NOT EXISTS session_conversations (
		  conv_id TEXT PRIMARY KEY,
		  session_id TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL,
		  last_seq INTEGER NOT NULL DEFAULT 0,
		  status TEXT NOT NULL DEFAULT 'active'
		);`,
		`CREATE INDEX IF NOT EXISTS session_conversations_by_activity
		  ON session_conversations(last_activity_ms DESC, conv_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session log: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, convID string, ev *sem.Event) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session log: db is nil")
	}
	if convID == "" {
		return errors.New("sqlite session log: convID is empty")
	}
	if ev == nil {
		return errors.New("sqlite session log: event is nil")
	}
	if ev.Kind == sem.KindHeartbeat {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	arrival, err := uint64ToInt64(ev.Arrival)
	if err != nil {
		return errors.Wrap(err, "sqlite session log: arrival overflow")
	}
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "sqlite session log: marshal event")
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events(conv_id, arrival, kind, corr_id, ts_ms, event_json)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, arrival) DO UPDATE SET
		  kind = excluded.kind,
		  corr_id = excluded.corr_id,
		  ts_ms = excluded.ts_ms,
		  event_json = excluded.event_json
	`, convID, arrival, string(ev.Kind), ev.ID, ev.Timestamp.UnixMilli(), string(eventJSON)); err != nil {
		return errors.Wrap(err, "sqlite session log: append event")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_conversations (conv_id, session_id, created_at_ms, last_activity_ms, last_seq, status)
		VALUES (?, '', ?, ?, ?, 'active')
		ON CONFLICT(conv_id) DO UPDATE SET
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > session_conversations.last_activity_ms THEN excluded.last_activity_ms
				ELSE session_conversations.last_activity_ms
			END,
			last_seq = CASE
				WHEN excluded.last_seq > session_conversations.last_seq THEN excluded.last_seq
				ELSE session_conversations.last_seq
			END
	`, convID, now, now, arrival); err != nil {
		return errors.Wrap(err, "sqlite session log: update conversation progress")
	}

	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, convID string, limit int) ([]*sem.Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite session log: db is nil")
	}
	if convID == "" {
		return nil, errors.New("sqlite session log: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_json
		FROM session_events
		WHERE conv_id = ?
		ORDER BY arrival ASC
		LIMIT ?
	`, convID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session log: list events")
	}
	defer func() { _ = rows.Close() }()

	events := make([]*sem.Event, 0, 128)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev sem.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, errors.Wrap(err, "sqlite session log: unmarshal event")
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLiteStore) UpsertConversation(ctx context.Context, record ConversationRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session log: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UnixMilli()
	record = normalizeRecord(record, now)
	if record.ConvID == "" {
		return errors.New("sqlite session log: convID is empty")
	}
	lastSeq, err := uint64ToInt64(record.LastSeq)
	if err != nil {
		return errors.Wrap(err, "sqlite session log: last_seq overflow")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_conversations (conv_id, session_id, created_at_ms, last_activity_ms, last_seq, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			session_id = CASE
				WHEN excluded.session_id <> '' THEN excluded.session_id
				ELSE session_conversations.session_id
			END,
			created_at_ms = CASE
				WHEN session_conversations.created_at_ms > 0 THEN session_conversations.created_at_ms
				ELSE excluded.created_at_ms
			END,
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > session_conversations.last_activity_ms THEN excluded.last_activity_ms
				ELSE session_conversations.last_activity_ms
			END,
			last_seq = CASE
				WHEN excluded.last_seq > session_conversations.last_seq THEN excluded.last_seq
				ELSE session_conversations.last_seq
			END,
			status = CASE
				WHEN excluded.status <> '' THEN excluded.status
				ELSE session_conversations.status
			END
	`, record.ConvID, record.SessionID, record.CreatedAtMs, record.LastActivityMs, lastSeq, record.Status)
	if err != nil {
		return errors.Wrap(err, "sqlite session log: upsert conversation")
	}
	return nil
}

func (s *SQLiteStore) Conversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite session log: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT conv_id, session_id, created_at_ms, last_activity_ms, last_seq, status
		FROM session_conversations
	`
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY last_activity_ms DESC, conv_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session log: list conversations")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ConversationRecord, 0, limit)
	for rows.Next() {
		var (
			record  ConversationRecord
			lastSeq int64
		)
		if err := rows.Scan(
			&record.ConvID,
			&record.SessionID,
			&record.CreatedAtMs,
			&record.LastActivityMs,
			&lastSeq,
			&record.Status,
		); err != nil {
			return nil, errors.Wrap(err, "sqlite session log: scan conversation")
		}
		lastSeqU64, err := int64ToUint64(lastSeq)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite session log: invalid last_seq")
		}
		record.LastSeq = lastSeqU64
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite session log: iterate conversations")
	}
	return records, nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
