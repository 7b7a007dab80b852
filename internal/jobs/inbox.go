package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"invoiced/internal/storage"
	"invoiced/internal/task/scheduler"
	logx "invoiced/pkg/logx"
)

const (
	DefaultPollLimit = 20

	processedDir = "processed"
	rejectedDir  = "rejected"
	maxBodyBytes = 1 << 20
)

// ErrNotInvoice marks a message with nothing that looks like an invoice.
var ErrNotInvoice = errors.New("message does not look like an invoice")

// InboxPoll drains a spool directory of .eml files into invoice records.
//
// Each run handles at most Limit messages in name order. Parsed messages move
// to <spool>/processed, unparseable ones to <spool>/rejected. A message whose
// store write fails stays in the spool and is picked up again on the next run.
type InboxPoll struct {
	Spool string
	Limit int
	Store storage.Store
	Clock clockwork.Clock
	Log   logx.Logger
}

// PollResult summarizes one InboxPoll run.
type PollResult struct {
	Scanned    int `json:"scanned"`
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// Run polls the spool. A "limit" named arg overrides Limit for the run.
func (p *InboxPoll) Run(ctx context.Context, args scheduler.Args) (any, error) {
	if p.Store == nil {
		return nil, storage.ErrDisabled
	}
	spool := strings.TrimSpace(p.Spool)
	if spool == "" {
		return nil, errors.New("inbox poll: spool is required")
	}
	if err := os.MkdirAll(spool, 0o755); err != nil {
		return nil, err
	}

	files, err := p.pending(spool, p.limit(args))
	if err != nil {
		return nil, err
	}

	var (
		res  PollResult
		errs []error
	)
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res.Scanned++
		src := filepath.Join(spool, name)

		inv, err := p.parse(src)
		if err != nil {
			res.Rejected++
			p.Log.Warn("inbox message rejected", logx.String("file", name), logx.Err(err))
			if merr := moveInto(src, filepath.Join(spool, rejectedDir)); merr != nil {
				errs = append(errs, merr)
			}
			continue
		}

		dst := filepath.Join(spool, processedDir, name)
		inv.SourcePath = dst
		created, err := p.Store.PutInvoice(ctx, inv)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if created {
			res.Created++
			p.Log.Info("invoice recorded",
				logx.String("invoice", inv.InvoiceNumber),
				logx.String("vendor", inv.Vendor),
				logx.String("amount", inv.Amount),
				logx.String("currency", inv.Currency),
			)
		} else {
			res.Duplicates++
		}
		if err := moveInto(src, filepath.Join(spool, processedDir)); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (p *InboxPoll) limit(args scheduler.Args) int {
	if v, ok := args.Named["limit"]; ok {
		switch n := v.(type) {
		case int:
			if n > 0 {
				return n
			}
		case int64:
			if n > 0 {
				return int(n)
			}
		case float64:
			if n > 0 {
				return int(n)
			}
		}
	}
	if p.Limit > 0 {
		return p.Limit
	}
	return DefaultPollLimit
}

// pending lists up to limit .eml files in name order.
func (p *InboxPoll) pending(spool string, limit int) ([]string, error) {
	entries, err := os.ReadDir(spool)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, min(limit, len(entries)))
	for _, e := range entries {
		if len(out) >= limit {
			break
		}
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".eml") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

func (p *InboxPoll) parse(path string) (storage.Invoice, error) {
	f, err := os.Open(path)
	if err != nil {
		return storage.Invoice{}, err
	}
	defer f.Close()

	msg, err := mail.ReadMessage(f)
	if err != nil {
		return storage.Invoice{}, err
	}

	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	received, err := msg.Header.Date()
	if err != nil {
		received = clock.Now()
	}

	subject := decodeHeader(msg.Header.Get("Subject"))
	body, err := textBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return storage.Invoice{}, err
	}

	inv, err := extractInvoice(subject, body, decodeHeader(msg.Header.Get("From")))
	if err != nil {
		return storage.Invoice{}, err
	}
	inv.MessageID = strings.TrimSpace(msg.Header.Get("Message-Id"))
	if inv.MessageID == "" {
		inv.MessageID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	inv.ReceivedAt = received
	if inv.IssueDate.IsZero() {
		y, m, d := received.UTC().Date()
		inv.IssueDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return inv, nil
}

var (
	reInvoiceRef   = regexp.MustCompile(`(?i)\bINV[-_]?\d+\b`)
	reInvoiceLabel = regexp.MustCompile(`(?i)invoice\s*(?:no\.?|number|#)\s*[:#]?\s*([a-z0-9][a-z0-9/_-]*\d[a-z0-9/_-]*)`)
	reVendor       = regexp.MustCompile(`(?im)^\s*(?:vendor|supplier|company)\s*:\s*(.+?)\s*$`)
	reAmount       = regexp.MustCompile(`(?i)(?:total|amount|sum)(?:\s+due)?\s*:?\s*([£$€])?\s*(\d+(?:,\d{3})*(?:\.\d{1,2})?)`)
	reIssueDate    = regexp.MustCompile(`(?i)(?:invoice\s+)?date\s*:\s*(\d{4}-\d{2}-\d{2})`)
)

var currencyBySymbol = map[string]string{
	"£": "GBP",
	"$": "USD",
	"€": "EUR",
}

// extractInvoice pulls invoice fields out of a subject and plain-text body.
// A message needs at least an invoice reference or an amount to qualify.
func extractInvoice(subject, body, from string) (storage.Invoice, error) {
	text := subject + "\n" + body
	inv := storage.Invoice{
		InvoiceNumber: "UNKNOWN",
		Currency:      storage.DefaultCurrency,
		Status:        storage.InvoiceStatusPending,
	}

	foundRef := false
	if m := reInvoiceRef.FindString(text); m != "" {
		inv.InvoiceNumber = strings.ToUpper(m)
		foundRef = true
	} else if m := reInvoiceLabel.FindStringSubmatch(text); m != nil {
		inv.InvoiceNumber = m[1]
		foundRef = true
	}

	foundAmount := false
	if m := reAmount.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err == nil {
			inv.Amount = strconv.FormatFloat(v, 'f', 2, 64)
			foundAmount = true
		}
		if cur, ok := currencyBySymbol[m[1]]; ok {
			inv.Currency = cur
		}
	}
	if !foundRef && !foundAmount {
		return storage.Invoice{}, ErrNotInvoice
	}
	if !foundAmount {
		inv.Amount = "0.00"
	}

	if m := reIssueDate.FindStringSubmatch(text); m != nil {
		if d, err := time.Parse(time.DateOnly, m[1]); err == nil {
			inv.IssueDate = d
		}
	}

	if m := reVendor.FindStringSubmatch(body); m != nil {
		inv.Vendor = m[1]
	} else {
		inv.Vendor = vendorFromAddress(from)
	}
	return inv, nil
}

func vendorFromAddress(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "UNKNOWN"
	}
	if name := strings.TrimSpace(addr.Name); name != "" {
		return name
	}
	if at := strings.LastIndexByte(addr.Address, '@'); at >= 0 {
		return addr.Address[at+1:]
	}
	return addr.Address
}

var wordDecoder = new(mime.WordDecoder)

func decodeHeader(v string) string {
	out, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return out
}

// textBody returns the first text/plain part of a message body.
func textBody(contentType, encoding string, r io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || contentType == "" {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			text, err := textBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return "", err
			}
			if text != "" {
				return text, nil
			}
		}
	}
	if mediaType != "text/plain" {
		return "", nil
	}

	if strings.EqualFold(strings.TrimSpace(encoding), "quoted-printable") {
		r = quotedprintable.NewReader(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func moveInto(src, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.Rename(src, filepath.Join(dir, filepath.Base(src)))
}
