package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	logx "invoiced/pkg/logx"
)

//go:embed postgres_migrations.sql
var postgresMigrations string

// Connection is the subset of *sqlx.DB and *sqlx.Tx the postgres store needs.
type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type postgresStore struct {
	db    Connection
	close func() error
	log   logx.Logger
}

type runRow struct {
	ID         string         `db:"id"`
	JobID      string         `db:"job_id"`
	JobName    string         `db:"job_name"`
	Trigger    string         `db:"trigger_kind"`
	StartedAt  time.Time      `db:"started_at"`
	DurationMS int64          `db:"duration_ms"`
	Err        sql.NullString `db:"err"`
}

func (r runRow) record() RunRecord {
	return RunRecord{
		ID:        r.ID,
		JobID:     r.JobID,
		JobName:   r.JobName,
		Trigger:   r.Trigger,
		StartedAt: r.StartedAt,
		Duration:  time.Duration(r.DurationMS) * time.Millisecond,
		Error:     r.Err.String,
	}
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, postgresMigrations); err != nil {
		return nil, errors.Join(fmt.Errorf("postgres migrate: %w", err), db.Close())
	}
	log.Debug("postgres store opened")
	return newPostgresStore(db, db.Close, log), nil
}

func newPostgresStore(db Connection, closeFn func() error, log logx.Logger) *postgresStore {
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &postgresStore{db: db, close: closeFn, log: log}
}

func (s *postgresStore) Close() error { return s.close() }

func (s *postgresStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs(id, job_id, job_name, trigger_kind, started_at, duration_ms, err)
		 VALUES($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.JobID, r.JobName, r.Trigger, r.StartedAt, r.Duration.Milliseconds(), nullStr(r.Error),
	)
	return err
}

func (s *postgresStore) ListRuns(ctx context.Context, jobName string, limit int) ([]RunRecord, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, job_id, job_name, trigger_kind, started_at, duration_ms, err
		 FROM job_runs
		 WHERE $1 = '' OR job_name = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		jobName, normLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *postgresStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE started_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *postgresStore) PutInvoice(ctx context.Context, inv Invoice) (bool, error) {
	inv.MessageID = strings.TrimSpace(inv.MessageID)
	if inv.MessageID == "" {
		return false, errors.New("invoice message id is required")
	}
	inv.normalize(time.Now())

	var created bool
	err := s.db.GetContext(ctx, &created,
		`WITH ins AS (
		   INSERT INTO invoices(message_id, invoice_number, vendor, amount, currency, issue_date, status, source_path, received_at, created_at)
		   VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		   ON CONFLICT (message_id) DO NOTHING
		   RETURNING 1
		 )
		 SELECT EXISTS(SELECT 1 FROM ins)`,
		inv.MessageID, inv.InvoiceNumber, inv.Vendor, inv.Amount, inv.Currency,
		inv.IssueDate, inv.Status, inv.SourcePath, inv.ReceivedAt, inv.CreatedAt,
	)
	return created, err
}
