package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	reHHMM    = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reSeconds = regexp.MustCompile(`^\d+$`)
)

// ParseInterval turns a configured interval into a duration.
//
// Accepted forms:
//   - Go duration: "55m", "2h30m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - "@every <duration>", taken verbatim (no rounding to whole seconds)
//   - bare integer: seconds, "90" is 1m30s
//
// Cron expressions and calendar descriptors ("@hourly") are rejected: jobs
// run on fixed intervals only.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalidConfiguration)
	}

	if rest, ok := strings.CutPrefix(s, "@every"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return 0, fmt.Errorf("%w: invalid interval %q: %v", ErrInvalidConfiguration, raw, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidConfiguration)
		}
		return d, nil
	}
	if strings.HasPrefix(s, "@") {
		if _, err := cron.ParseStandard(s); err != nil {
			return 0, fmt.Errorf("%w: invalid interval %q: %v", ErrInvalidConfiguration, raw, err)
		}
		return 0, fmt.Errorf("%w: %q is a calendar schedule; use a fixed interval like '@every 1h'", ErrInvalidConfiguration, raw)
	}
	if strings.ContainsAny(s, " \t") {
		return 0, fmt.Errorf("%w: cron expressions are not supported (%q); use a duration like '55m'", ErrInvalidConfiguration, raw)
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidConfiguration, raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidConfiguration)
		}
		return d, nil
	}

	if reSeconds.MatchString(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0 seconds, got %q", ErrInvalidConfiguration, raw)
		}
		return time.Duration(n) * time.Second, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or a duration like '55m')", ErrInvalidConfiguration, raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidConfiguration)
	}
	return d, nil
}
