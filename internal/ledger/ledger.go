// Package ledger tracks API calls consumed against a hard monthly budget.
// The provider charges per request regardless of outcome, so every real
// call is recorded exactly once, immediately after it returns.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultMonthlyCap is the free-tier monthly request allowance.
const DefaultMonthlyCap = 60

const dayFormat = "2006-01-02"

// state is the persisted ledger record.
type state struct {
	TotalCalls    int            `json:"total_calls"`
	DailyCalls    map[string]int `json:"daily_calls"`
	EndpointCalls map[string]int `json:"endpoint_calls,omitempty"`
	LastReset     time.Time      `json:"last_reset"`
}

// Ledger is the monthly usage ledger backed by a small JSON file.
type Ledger struct {
	path       string
	monthlyCap int
	now        func() time.Time
	st         state
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMonthlyCap overrides the monthly call cap.
func WithMonthlyCap(n int) Option {
	return func(l *Ledger) { l.monthlyCap = n }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Load reads the ledger from path. A missing file starts a fresh ledger; a
// corrupt file is reinitialized with a warning rather than failing the run —
// availability over strict accounting.
func Load(path string, opts ...Option) *Ledger {
	l := &Ledger{
		path:       path,
		monthlyCap: DefaultMonthlyCap,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		l.reset()
	case err != nil:
		slog.Warn("usage ledger unreadable, reinitializing", slog.String("path", path), slog.Any("error", err))
		l.reset()
	default:
		if jsonErr := json.Unmarshal(data, &l.st); jsonErr != nil {
			slog.Warn("usage ledger corrupt, reinitializing", slog.String("path", path), slog.Any("error", jsonErr))
			l.reset()
		}
	}
	if l.st.DailyCalls == nil {
		l.st.DailyCalls = make(map[string]int)
	}
	if l.st.EndpointCalls == nil {
		l.st.EndpointCalls = make(map[string]int)
	}
	return l
}

func (l *Ledger) reset() {
	l.st = state{
		DailyCalls:    make(map[string]int),
		EndpointCalls: make(map[string]int),
		LastReset:     l.now().UTC(),
	}
}

// CanSpend reports whether n more calls fit within the monthly cap. Pure
// query; the rollover check runs here too so a stale ledger from last month
// does not block the first session of a new month.
func (l *Ledger) CanSpend(n int) bool {
	total := l.st.TotalCalls
	if l.monthRolledOver() {
		total = 0
	}
	return total+n <= l.monthlyCap
}

// Record adds n calls to the monthly total, today's bucket, and the
// endpoint bucket, resetting all counters first when the calendar month
// has changed since the stored last_reset.
func (l *Ledger) Record(n int, endpoint string) {
	if l.monthRolledOver() {
		slog.Info("usage ledger: month rollover, resetting counters",
			slog.String("previous_reset", l.st.LastReset.UTC().Format(time.RFC3339)))
		l.reset()
	}
	now := l.now().UTC()
	l.st.TotalCalls += n
	l.st.DailyCalls[now.Format(dayFormat)] += n
	if endpoint != "" {
		l.st.EndpointCalls[endpoint] += n
	}
	slog.Info("api call recorded",
		slog.String("endpoint", endpoint),
		slog.Int("cost", n),
		slog.Int("total_this_month", l.st.TotalCalls),
		slog.Int("monthly_cap", l.monthlyCap))
}

func (l *Ledger) monthRolledOver() bool {
	now := l.now().UTC()
	last := l.st.LastReset.UTC()
	return now.Year() != last.Year() || now.Month() != last.Month()
}

// TotalThisMonth returns the calls recorded in the current month.
func (l *Ledger) TotalThisMonth() int {
	if l.monthRolledOver() {
		return 0
	}
	return l.st.TotalCalls
}

// Today returns the calls recorded today.
func (l *Ledger) Today() int {
	if l.monthRolledOver() {
		return 0
	}
	return l.st.DailyCalls[l.now().UTC().Format(dayFormat)]
}

// Remaining returns the estimated credits left this month, never negative.
func (l *Ledger) Remaining() int {
	r := l.monthlyCap - l.TotalThisMonth()
	if r < 0 {
		return 0
	}
	return r
}

// MonthlyCap returns the configured cap.
func (l *Ledger) MonthlyCap() int { return l.monthlyCap }

// EndpointBreakdown returns a copy of the per-endpoint counters.
func (l *Ledger) EndpointBreakdown() map[string]int {
	out := make(map[string]int, len(l.st.EndpointCalls))
	for k, v := range l.st.EndpointCalls {
		out[k] = v
	}
	return out
}

// Save persists the ledger atomically (temp file + rename) so a crash
// mid-write cannot corrupt the record.
func (l *Ledger) Save() error {
	data, err := json.MarshalIndent(l.st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
