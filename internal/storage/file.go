package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "invoiced/pkg/logx"
)

// renameFile is swapped in tests to exercise a failed prune swap.
var renameFile = os.Rename

// fileStore keeps everything in append-only JSON Lines files:
//   - <prefix>.runs.jsonl      (run history; rewritten on prune)
//   - <prefix>.invoices.jsonl  (invoice journal; replayed into a message-id index on open)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath string
	runsFile *os.File

	invoicesFile *os.File
	seen         map[string]struct{} // invoice message ids
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	invoicesPath := prefix + ".invoices.jsonl"
	seen := map[string]struct{}{}
	if err := eachLine(invoicesPath, func(b []byte) {
		var inv Invoice
		if json.Unmarshal(b, &inv) == nil && inv.MessageID != "" {
			seen[inv.MessageID] = struct{}{}
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = rf.Close()
		return nil, fmt.Errorf("replay invoices: %w", err)
	}
	inf, err := os.OpenFile(invoicesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("invoices", len(seen)))
	return &fileStore{
		log:          log,
		runsPath:     runsPath,
		runsFile:     rf,
		invoicesFile: inf,
		seen:         seen,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	if s.invoicesFile != nil {
		errs = append(errs, s.invoicesFile.Close())
		s.invoicesFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) ListRuns(ctx context.Context, jobName string, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	var out []RunRecord
	err := eachLine(s.runsPath, func(b []byte) {
		var r RunRecord
		if json.Unmarshal(b, &r) != nil {
			return
		}
		if jobName == "" || r.JobName == jobName {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneRuns rewrites the runs file without old records (tmp + rename).
func (s *fileStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return 0, ErrClosed
	}

	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	var removed int64
	err = eachLine(s.runsPath, func(b []byte) {
		var r RunRecord
		if json.Unmarshal(b, &r) == nil && r.StartedAt.Before(before) {
			removed++
			return
		}
		_, _ = w.Write(b)
		_ = w.WriteByte('\n')
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	if err := s.runsFile.Close(); err != nil {
		s.log.Debug("runs file close before swap failed", logx.Err(err))
	}
	s.runsFile = nil
	swapErr := renameFile(tmp, s.runsPath)
	if swapErr != nil {
		_ = os.Remove(tmp)
		removed = 0
	}
	// Reopen either the pruned file or, after a failed swap, the untouched original.
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, errors.Join(swapErr, err)
	}
	s.runsFile = rf
	if swapErr != nil {
		return 0, fmt.Errorf("swap pruned runs file: %w", swapErr)
	}
	return removed, nil
}

func (s *fileStore) PutInvoice(ctx context.Context, inv Invoice) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	inv.MessageID = strings.TrimSpace(inv.MessageID)
	if inv.MessageID == "" {
		return false, errors.New("invoice message id is required")
	}
	inv.normalize(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invoicesFile == nil {
		return false, ErrClosed
	}
	if _, dup := s.seen[inv.MessageID]; dup {
		return false, nil
	}
	if err := json.NewEncoder(s.invoicesFile).Encode(inv); err != nil {
		return false, err
	}
	s.seen[inv.MessageID] = struct{}{}
	return true, nil
}

// eachLine calls fn for every non-empty line of path.
func eachLine(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if b := trimNewline(line); len(b) > 0 {
			fn(b)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
