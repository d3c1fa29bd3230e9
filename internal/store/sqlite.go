package store

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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
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

func (s *sqliteStore) Create(ctx context.Context, p CreateParams) (Reminder, error) {
	if p.DueAt.IsZero() {
		return Reminder{}, errors.New("due_at is required")
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	r := Reminder{
		ID:             id,
		Message:        p.Message,
		Recipient:      p.Recipient,
		DueAt:          p.DueAt,
		Recurring:      strings.TrimSpace(p.RecurrenceRule) != "",
		RecurrenceRule: strings.TrimSpace(p.RecurrenceRule),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, message, recipient, due_at, recurring, recurrence_rule, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Message, nullStr(r.Recipient), r.DueAt.UnixMilli(), r.Recurring, nullStr(r.RecurrenceRule),
		string(r.Status), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Reminder{}, err
	}
	return r, nil
}

const reminderCols = `id, message, recipient, due_at, recurring, recurrence_rule, status, last_dispatched_at, fail_reason, created_at, updated_at`

func (s *sqliteStore) Get(ctx context.Context, id string) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListDue(ctx context.Context, before time.Time, limit int) ([]Reminder, error) {
	q := `SELECT ` + reminderCols + ` FROM reminders WHERE status = ? AND due_at <= ? ORDER BY due_at ASC`
	args := []any{string(StatusPending), before.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TryMarkDispatched is the exactly-once gate: the conditional UPDATE succeeds
// for at most one caller per pending occurrence, even across processes
// sharing the database file.
func (s *sqliteStore) TryMarkDispatched(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, last_dispatched_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusDispatched), at.UnixMilli(), at.UnixMilli(), id, string(StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Advance(ctx context.Context, id string, nextDue time.Time) error {
	return s.fromDispatched(ctx, id,
		`UPDATE reminders SET status = ?, due_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusPending), nextDue.UnixMilli(), time.Now().UnixMilli(), id, string(StatusDispatched),
	)
}

func (s *sqliteStore) Requeue(ctx context.Context, id string) error {
	return s.fromDispatched(ctx, id,
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusPending), time.Now().UnixMilli(), id, string(StatusDispatched),
	)
}

func (s *sqliteStore) Complete(ctx context.Context, id string) error {
	return s.fromDispatched(ctx, id,
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusCompleted), time.Now().UnixMilli(), id, string(StatusDispatched),
	)
}

func (s *sqliteStore) fromDispatched(ctx context.Context, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	// Distinguish "deleted underneath us" from "someone else moved it first".
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM reminders WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, fail_reason = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), nullStr(reason), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ResetStuck(ctx context.Context, dispatchedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at = ?
		 WHERE status = ? AND last_dispatched_at IS NOT NULL AND last_dispatched_at <= ?`,
		string(StatusPending), time.Now().UnixMilli(), string(StatusDispatched), dispatchedBefore.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var (
		r          Reminder
		recipient  sql.NullString
		rule       sql.NullString
		status     string
		dueMS      int64
		dispMS     sql.NullInt64
		failReason sql.NullString
		createdMS  int64
		updatedMS  int64
	)
	err := row.Scan(&r.ID, &r.Message, &recipient, &dueMS, &r.Recurring, &rule, &status, &dispMS, &failReason, &createdMS, &updatedMS)
	if err != nil {
		return Reminder{}, err
	}
	r.Recipient = recipient.String
	r.RecurrenceRule = rule.String
	r.Status = Status(status)
	r.DueAt = time.UnixMilli(dueMS)
	if dispMS.Valid {
		r.LastDispatchedAt = time.UnixMilli(dispMS.Int64)
	}
	r.FailReason = failReason.String
	r.CreatedAt = time.UnixMilli(createdMS)
	r.UpdatedAt = time.UnixMilli(updatedMS)
	return r, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
