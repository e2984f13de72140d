package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"lovebot/internal/schedule"
	logx "lovebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const recordColumns = `slot_id, due_at, status, attempts, last_attempt_at, delivered_at, finished_at, last_error, updated_at`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ioErr("open", "", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go in the DSN so they apply to every connection the pool opens.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ioErr("open", "", err)
	}
	// One writer; also makes the read-then-update in mutate race free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, ioErr("migrate", "", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
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

func (s *sqliteStore) Get(ctx context.Context, slotID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM deliveries WHERE slot_id = ?`, slotID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFoundErr(slotID)
	}
	if err != nil {
		return Record{}, wrapSQL("get", slotID, err)
	}
	return rec, nil
}

func (s *sqliteStore) PutPending(ctx context.Context, slot schedule.Slot, at time.Time) (Record, error) {
	rec := newPending(slot, at)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(slot_id, due_at, status, attempts, updated_at)
		 VALUES(?,?,?,0,?)
		 ON CONFLICT(slot_id) DO NOTHING`,
		rec.SlotID, rec.DueAt.UnixMilli(), string(rec.Status), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Record{}, wrapSQL("put pending", slot.ID, err)
	}
	return s.Get(ctx, slot.ID)
}

func (s *sqliteStore) MarkAttempt(ctx context.Context, slotID string, attempts int, at time.Time, lastErr string) error {
	return s.mutate(ctx, "mark attempt", slotID, StatusPending, attempts, at, lastErr)
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, slotID string, attempts int, at time.Time) error {
	return s.mutate(ctx, "mark delivered", slotID, StatusDelivered, attempts, at, "")
}

func (s *sqliteStore) MarkAbandoned(ctx context.Context, slotID string, attempts int, at time.Time, reason string) error {
	return s.mutate(ctx, "mark abandoned", slotID, StatusAbandoned, attempts, at, reason)
}

func (s *sqliteStore) mutate(ctx context.Context, op, slotID string, to Status, attempts int, at time.Time, msg string) error {
	cur, err := s.Get(ctx, slotID)
	if err != nil {
		return err
	}
	rec, err := applyMutation(cur, to, attempts, at, msg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries
		 SET status = ?, attempts = ?, last_attempt_at = ?, delivered_at = ?, finished_at = ?, last_error = ?, updated_at = ?
		 WHERE slot_id = ? AND status = 'pending'`,
		string(rec.Status), rec.Attempts, nullTime(rec.LastAttemptAt), nullTime(rec.DeliveredAt),
		nullTime(rec.FinishedAt), nullStr(rec.LastError), rec.UpdatedAt.UnixMilli(), slotID,
	)
	if err != nil {
		return wrapSQL(op, slotID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapSQL(op, slotID, err)
	}
	if n == 0 {
		// Resolved between the read and the update.
		now, gerr := s.Get(ctx, slotID)
		if gerr != nil {
			return gerr
		}
		return terminalErr(slotID, now.Status)
	}
	return nil
}

func (s *sqliteStore) Unresolved(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM deliveries WHERE status = 'pending' ORDER BY due_at ASC`)
	if err != nil {
		return nil, wrapSQL("unresolved", "", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapSQL("unresolved", "", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQL("unresolved", "", err)
	}
	return out, nil
}

func (s *sqliteStore) Latest(ctx context.Context) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deliveries ORDER BY due_at DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, wrapSQL("latest", "", err)
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec                            Record
		status                         string
		dueAt, updatedAt               int64
		lastAttempt, delivered, finish sql.NullInt64
		lastErr                        sql.NullString
	)
	if err := sc.Scan(&rec.SlotID, &dueAt, &status, &rec.Attempts, &lastAttempt, &delivered, &finish, &lastErr, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.DueAt = time.UnixMilli(dueAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	rec.LastAttemptAt = fromNull(lastAttempt)
	rec.DeliveredAt = fromNull(delivered)
	rec.FinishedAt = fromNull(finish)
	rec.LastError = lastErr.String
	return rec, nil
}

// wrapSQL keeps context errors unwrapped so shutdown is not mistaken for a
// retryable I/O failure.
func wrapSQL(op, slotID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ioErr(op, slotID, err)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
