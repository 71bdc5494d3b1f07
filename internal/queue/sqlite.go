package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "chatrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg StoreConfig, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("queue store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Add(ctx context.Context, data []byte) (Message, error) {
	if s == nil || s.db == nil {
		return Message{}, ErrDisabled
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(data, enqueued_at, status, retry_count, last_updated)
		 VALUES(?,?,?,0,?)`,
		data, fmtTime(now), string(StatusPending), fmtTime(now),
	)
	if err != nil {
		return Message{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          id,
		Data:        data,
		EnqueuedAt:  now,
		Status:      StatusPending,
		LastUpdated: now,
	}, nil
}

const msgColumns = `id, data, enqueued_at, status, retry_count, last_error, last_updated`

func (s *sqliteStore) Get(ctx context.Context, id int64) (Message, bool, error) {
	if s == nil || s.db == nil {
		return Message{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+msgColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status Status) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+msgColumns+` FROM messages WHERE status = ? ORDER BY id ASC`,
		string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, id int64, response []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(time.Now())
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ?, last_error = NULL, last_updated = ? WHERE id = ?`,
		string(StatusSent), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if response != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO responses(message_id, response, created_at) VALUES(?,?,?)
			 ON CONFLICT(message_id) DO UPDATE SET response=excluded.response, created_at=excluded.created_at`,
			id, response, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, last_error = ?, last_updated = ? WHERE id = ?`,
		string(StatusFailed), nullStr(lastErr), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) BumpRetry(ctx context.Context, id int64, lastErr string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET retry_count = retry_count + 1, last_error = ?, last_updated = ?
		 WHERE id = ? AND status = ?`,
		nullStr(lastErr), fmtTime(time.Now()), id, string(StatusPending))
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT retry_count FROM messages WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (s *sqliteStore) Response(ctx context.Context, id int64) (Response, bool, error) {
	if s == nil || s.db == nil {
		return Response{}, false, ErrDisabled
	}
	var (
		r  Response
		at string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, response, created_at FROM responses WHERE message_id = ?`, id).
		Scan(&r.MessageID, &r.Response, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	r.CreatedAt = parseTime(at)
	return r, true, nil
}

func (s *sqliteStore) Counts(ctx context.Context) (map[Status]int, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneSentBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cut := fmtTime(cutoff)
	_, err = tx.ExecContext(ctx,
		`DELETE FROM responses WHERE message_id IN
		 (SELECT id FROM messages WHERE status = ? AND last_updated < ?)`,
		string(StatusSent), cut)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE status = ? AND last_updated < ?`,
		string(StatusSent), cut)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		m          Message
		enqueued   string
		updated    string
		status     string
		lastErrStr sql.NullString
	)
	if err := r.Scan(&m.ID, &m.Data, &enqueued, &status, &m.RetryCount, &lastErrStr, &updated); err != nil {
		return Message{}, err
	}
	m.EnqueuedAt = parseTime(enqueued)
	m.LastUpdated = parseTime(updated)
	m.Status = Status(status)
	m.LastError = lastErrStr.String
	return m, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
