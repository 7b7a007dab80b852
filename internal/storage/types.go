package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists run history and invoice records. It never holds schedule
// state: the scheduler starts fresh on every boot.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// ListRuns returns the newest runs first. An empty jobName lists every job.
	ListRuns(ctx context.Context, jobName string, limit int) ([]RunRecord, error)
	// PruneRuns deletes runs started before the cutoff and reports how many went.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
	// PutInvoice stores inv unless one with the same MessageID exists.
	PutInvoice(ctx context.Context, inv Invoice) (created bool, err error)
	Close() error
}

// RunRecord is one finished job run.
type RunRecord struct {
	ID        string        `json:"id"`
	JobID     string        `json:"job_id"`
	JobName   string        `json:"job_name"`
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Invoice is a record extracted from an inbound mail.
type Invoice struct {
	MessageID     string    `json:"message_id"`
	InvoiceNumber string    `json:"invoice_number"`
	Vendor        string    `json:"vendor"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	IssueDate     time.Time `json:"issue_date"`
	Status        string    `json:"status"`
	SourcePath    string    `json:"source_path"`
	ReceivedAt    time.Time `json:"received_at"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	InvoiceStatusPending = "pending"
	DefaultCurrency      = "GBP"
)

func (inv *Invoice) normalize(now time.Time) {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	if inv.Status == "" {
		inv.Status = InvoiceStatusPending
	}
	if inv.Currency == "" {
		inv.Currency = DefaultCurrency
	}
}
