package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "invoiced/pkg/logx"
)

//go:embed sqlite_migrations.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY storms.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs(id, job_id, job_name, trigger_kind, started_at, duration_ms, err)
		 VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.JobID, r.JobName, r.Trigger, r.StartedAt.UnixMilli(), r.Duration.Milliseconds(), nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, jobName string, limit int) ([]RunRecord, error) {
	q := `SELECT id, job_id, job_name, trigger_kind, started_at, duration_ms, err FROM job_runs`
	args := []any{}
	if jobName != "" {
		q += ` WHERE job_name = ?`
		args = append(args, jobName)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, normLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r          RunRecord
			startedMS  int64
			durationMS int64
			errText    sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.JobName, &r.Trigger, &startedMS, &durationMS, &errText); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(startedMS)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE started_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PutInvoice(ctx context.Context, inv Invoice) (bool, error) {
	inv.MessageID = strings.TrimSpace(inv.MessageID)
	if inv.MessageID == "" {
		return false, errors.New("invoice message id is required")
	}
	inv.normalize(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices(message_id, invoice_number, vendor, amount, currency, issue_date, status, source_path, received_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(message_id) DO NOTHING`,
		inv.MessageID, inv.InvoiceNumber, inv.Vendor, inv.Amount, inv.Currency,
		inv.IssueDate.Format(time.DateOnly), inv.Status, inv.SourcePath,
		inv.ReceivedAt.Format(time.RFC3339Nano), inv.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
