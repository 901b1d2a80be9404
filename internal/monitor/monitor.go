// Package monitor runs one bounded polling session: authenticate, fetch
// mentions since the checkpoint, resolve subjects, optionally analyze them,
// and report — all under a per-session call cap and the monthly ledger.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/satyvm/x-account-analysis/internal/analyzer"
	"github.com/satyvm/x-account-analysis/internal/backlog"
	"github.com/satyvm/x-account-analysis/internal/checkpoint"
	"github.com/satyvm/x-account-analysis/internal/ledger"
	"github.com/satyvm/x-account-analysis/internal/report"
	"github.com/satyvm/x-account-analysis/internal/resolver"
	"github.com/satyvm/x-account-analysis/internal/xapi"
)

// State is the orchestrator's position in the session lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateFetching       State = "fetching"
	StateResolving      State = "resolving"
	StateAnalyzing      State = "analyzing"
	StateReporting      State = "reporting"
	StateDone           State = "done"
	StateAborted        State = "aborted"
)

// Config controls one session.
type Config struct {
	// UserID is the monitored account whose mentions are fetched.
	UserID string
	// Trigger is the phrase that marks a mention as relevant.
	Trigger string
	// SessionCap bounds API calls per session.
	SessionCap int
	// MaxSubjects bounds subjects reported per session.
	MaxSubjects int
	// DeepAnalysis enables the per-subject post-history fetch and scoring.
	DeepAnalysis bool
	// SampleData marks the source as canned: calls cost nothing, so the
	// monthly ledger is neither consulted nor charged. The session cap
	// still applies to keep test runs shaped like live ones.
	SampleData bool
	// TrustCheck, when set, validates subjects against the trusted
	// accounts list during analysis. Must not spend API calls.
	TrustCheck analyzer.TrustChecker
	// RateLimitRetries bounds 429 retries during the fetch step.
	RateLimitRetries int
	// BackoffBase is the initial 429 backoff, doubled per retry.
	BackoffBase time.Duration
	// NetworkRetryDelay is the single-retry delay for transient errors.
	NetworkRetryDelay time.Duration
}

func (cfg *Config) defaults() {
	if cfg.SessionCap == 0 {
		cfg.SessionCap = 5
	}
	if cfg.MaxSubjects == 0 {
		cfg.MaxSubjects = 3
	}
	if cfg.RateLimitRetries == 0 {
		cfg.RateLimitRetries = 2
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 60 * time.Second
	}
	if cfg.NetworkRetryDelay == 0 {
		cfg.NetworkRetryDelay = 5 * time.Second
	}
}

// Summary is the deterministic session report. Exactly one is produced per
// session, whatever happened.
type Summary struct {
	SessionID  string
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	// AbortReason is set when State is StateAborted.
	AbortReason string
	// Notes collects recoverable conditions: skipped subjects, partial
	// steps, budget stops. Nothing is silently dropped.
	Notes []string

	CallsMade        int
	TotalThisMonth   int
	RemainingCredits int

	MentionsFetched  int
	SubjectsReported int
	SubjectsAnalyzed int
	SubjectsDeferred int
	SubjectsSkipped  int
	NoNewMentions    bool
}

// Session threads the ledger, checkpoint, backlog, and reports through one
// run-to-completion execution. Not safe for concurrent use; the lock file
// enforces at-most-one live session.
type Session struct {
	cfg      Config
	src      xapi.Source
	ledger   *ledger.Ledger
	ckpt     *checkpoint.Store
	backlog  *backlog.Store
	reports  *report.Writer
	analyzer *analyzer.Analyzer

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	state   State
	summary *Summary
}

// New assembles a session. The backlog store may be nil; deferral then
// degrades to a logged drop.
func New(cfg Config, src xapi.Source, led *ledger.Ledger, ckpt *checkpoint.Store,
	bl *backlog.Store, reports *report.Writer) *Session {
	cfg.defaults()
	an := analyzer.New()
	if cfg.TrustCheck != nil {
		an = an.WithTrustChecker(cfg.TrustCheck)
	}
	return &Session{
		cfg:      cfg,
		src:      src,
		ledger:   led,
		ckpt:     ckpt,
		backlog:  bl,
		reports:  reports,
		analyzer: an,
		sleep:    sleepCtx,
		now:      time.Now,
		state:    StateIdle,
	}
}

// WithSleeper overrides the backoff sleeper (tests).
func (s *Session) WithSleeper(fn func(ctx context.Context, d time.Duration) error) *Session {
	s.sleep = fn
	return s
}

// WithClock overrides the time source (tests).
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

// Run executes the session. It always returns a summary; the returned error
// is non-nil only for fatal conditions (the summary carries the same
// information for reporting).
func (s *Session) Run(ctx context.Context) (*Summary, error) {
	s.summary = &Summary{
		SessionID: uuid.NewString(),
		StartedAt: s.now().UTC(),
		State:     StateDone,
	}
	slog.Info("session starting",
		slog.String("session_id", s.summary.SessionID),
		slog.String("trigger", s.cfg.Trigger),
		slog.Int("session_cap", s.cfg.SessionCap),
		slog.Bool("deep_analysis", s.cfg.DeepAnalysis))

	var fatal error

	identity, err := s.authenticate(ctx)
	switch {
	case err != nil:
		s.abort("authentication failed: " + err.Error())
		fatal = err
	case identity == nil:
		// Budget guard stopped the session before the first call.
	default:
		fatal = s.pollAndProcess(ctx)
	}

	s.report()
	return s.summary, fatal
}

// canCall is the transition guard before every step that would consume an
// API call. A canned source never hits the provider, so only the session
// cap applies to it.
func (s *Session) canCall() bool {
	if s.summary.CallsMade >= s.cfg.SessionCap {
		return false
	}
	return s.cfg.SampleData || s.ledger.CanSpend(1)
}

// spend records one billed call immediately after it completed, success or
// failure — the provider charges regardless of outcome. Canned-source calls
// are free and leave the ledger untouched.
func (s *Session) spend(endpoint string) {
	s.summary.CallsMade++
	if s.cfg.SampleData {
		return
	}
	s.ledger.Record(1, endpoint)
	if err := s.ledger.Save(); err != nil {
		slog.Warn("ledger save failed", slog.Any("error", err))
	}
}

// authenticate issues the identity-verification call, with one short-delay
// retry for transient errors. A nil identity with nil error means the
// budget guard stopped the session first.
func (s *Session) authenticate(ctx context.Context) (*xapi.Identity, error) {
	s.state = StateAuthenticating
	retried := false

	for {
		if !s.canCall() {
			s.note("budget exhausted before authentication, nothing attempted")
			return nil, nil
		}

		identity, err := s.src.VerifyIdentity(ctx)
		s.spend("VerifyIdentity")
		if err == nil {
			slog.Info("authenticated", slog.String("username", identity.Username))
			return identity, nil
		}

		var authErr *xapi.AuthError
		if errors.As(err, &authErr) {
			// Credentials are not fixable within a session: no retry.
			return nil, err
		}
		if retried {
			return nil, fmt.Errorf("verify identity: %w", err)
		}
		retried = true
		slog.Warn("identity check failed, retrying once", slog.Any("error", err))
		if sleepErr := s.sleep(ctx, s.cfg.NetworkRetryDelay); sleepErr != nil {
			return nil, fmt.Errorf("retry delay interrupted: %w", sleepErr)
		}
	}
}

// pollAndProcess runs Fetching through Analyzing. A nil return means the
// session completed (possibly partially); a non-nil return aborted it.
func (s *Session) pollAndProcess(ctx context.Context) error {
	batch, ok, err := s.fetchMentions(ctx)
	if err != nil {
		s.abort(err.Error())
		return err
	}
	if !ok {
		// Step failed recoverably or budget ran out; partial results only.
		s.drainBacklog(ctx)
		return nil
	}

	s.summary.MentionsFetched = len(batch.Mentions)
	if len(batch.Mentions) == 0 {
		slog.Info("no new mentions since checkpoint")
		s.summary.NoNewMentions = true
		s.drainBacklog(ctx)
		return nil
	}

	s.resolveAndReport(ctx, batch)
	s.drainBacklog(ctx)
	return nil
}

// fetchMentions issues the list-mentions call with bounded 429 backoff and
// a single retry for transient network errors. ok=false without error means
// the step failed recoverably and the session should report partial results.
func (s *Session) fetchMentions(ctx context.Context) (*xapi.MentionBatch, bool, error) {
	s.state = StateFetching

	backoff := s.cfg.BackoffBase
	rateLimitAttempts := 0
	networkRetried := false

	for {
		if !s.canCall() {
			s.note("budget exhausted before fetching mentions")
			return nil, false, nil
		}

		batch, err := s.src.ListMentionsSince(ctx, s.cfg.UserID, s.ckpt.ID())
		s.spend("ListMentions")
		if err == nil {
			return batch, true, nil
		}

		var rlErr *xapi.RateLimitError
		var authErr *xapi.AuthError
		switch {
		case errors.As(err, &authErr):
			return nil, false, fmt.Errorf("fetch mentions: %w", err)

		case errors.As(err, &rlErr):
			if rateLimitAttempts >= s.cfg.RateLimitRetries {
				return nil, false, fmt.Errorf("rate limited after %d retries: %w", rateLimitAttempts, err)
			}
			rateLimitAttempts++
			slog.Warn("rate limited, backing off",
				slog.Duration("backoff", backoff),
				slog.Int("attempt", rateLimitAttempts))
			if sleepErr := s.sleep(ctx, backoff); sleepErr != nil {
				return nil, false, fmt.Errorf("backoff interrupted: %w", sleepErr)
			}
			backoff *= 2

		default:
			if networkRetried {
				s.note("fetch failed after retry: " + err.Error())
				slog.Warn("fetch step failed, reporting partial results", slog.Any("error", err))
				return nil, false, nil
			}
			networkRetried = true
			slog.Warn("fetch failed, retrying once", slog.Any("error", err))
			if sleepErr := s.sleep(ctx, s.cfg.NetworkRetryDelay); sleepErr != nil {
				return nil, false, fmt.Errorf("retry delay interrupted: %w", sleepErr)
			}
		}
	}
}

// resolveAndReport runs the resolver over the batch, advances the
// checkpoint, defers the overflow, and reports each subject.
func (s *Session) resolveAndReport(ctx context.Context, batch *xapi.MentionBatch) {
	s.state = StateResolving

	res := resolver.Resolve(batch, s.cfg.Trigger, s.subjectCap())
	s.summary.SubjectsSkipped += res.Skipped
	for i := 0; i < res.Skipped; i++ {
		s.note("relevant mention skipped: no profile resolvable")
	}

	// The checkpoint reflects the highest ID actually fetched even when
	// subjects were deferred, so the same raw mentions are never refetched.
	if s.ckpt.Advance(res.MaxFetchedID) {
		if err := s.ckpt.Save(); err != nil {
			slog.Warn("checkpoint save failed", slog.Any("error", err))
		} else {
			slog.Info("checkpoint advanced", slog.String("id", res.MaxFetchedID))
		}
	}

	for _, subj := range res.Deferred {
		s.deferSubject(ctx, subj)
	}

	s.state = StateAnalyzing
	for _, subj := range res.Reported {
		s.reportSubject(ctx, subj)
	}
}

// subjectCap bounds subjects per session: the configured max, further
// tightened by remaining budget when each subject costs an analysis call.
func (s *Session) subjectCap() int {
	limit := s.cfg.MaxSubjects
	if !s.cfg.DeepAnalysis {
		return limit
	}
	if remaining := s.cfg.SessionCap - s.summary.CallsMade; remaining < limit {
		limit = remaining
	}
	if remaining := s.ledger.Remaining(); remaining < limit {
		limit = remaining
	}
	if limit < 0 {
		limit = 0
	}
	return limit
}

// reportSubject appends the mention block and, when enabled and affordable,
// the deep analysis block. Per-subject failures never end the session.
func (s *Session) reportSubject(ctx context.Context, subj resolver.Subject) {
	if err := s.reports.AppendMention(subj); err != nil {
		slog.Warn("mention report failed, subject skipped",
			slog.String("username", subj.Profile.Username), slog.Any("error", err))
		s.summary.SubjectsSkipped++
		s.note("subject @" + subj.Profile.Username + " skipped: " + err.Error())
		return
	}
	s.summary.SubjectsReported++
	slog.Info("subject reported",
		slog.String("username", subj.Profile.Username),
		slog.Bool("reply", subj.IsReply),
		slog.Bool("unresolved", subj.Unresolved))

	if !s.cfg.DeepAnalysis {
		return
	}
	if !s.canCall() {
		s.note("analysis skipped for @" + subj.Profile.Username + ": budget exhausted")
		slog.Warn("analysis skipped, budget exhausted", slog.String("username", subj.Profile.Username))
		return
	}

	posts, err := s.src.ListRecentPosts(ctx, subj.Profile.ID, 20)
	s.spend("ListRecentPosts")
	if err != nil {
		// Degrade to empty-sample defaults rather than dropping the subject.
		s.note("post history fetch failed for @" + subj.Profile.Username + ", empty-sample analysis")
		slog.Warn("post history fetch failed",
			slog.String("username", subj.Profile.Username), slog.Any("error", err))
		posts = nil
	}

	result := s.analyzer.Analyze(subj.Profile, posts)
	if err := s.reports.AppendAnalysis(subj.Profile.Username, result); err != nil {
		slog.Warn("analysis report failed", slog.String("username", subj.Profile.Username), slog.Any("error", err))
		s.note("analysis report failed for @" + subj.Profile.Username + ": " + err.Error())
		return
	}
	s.summary.SubjectsAnalyzed++
	slog.Info("subject analyzed",
		slog.String("username", subj.Profile.Username),
		slog.Int("influence", result.InfluenceScore),
		slog.String("sentiment", result.SentimentLabel))
}

// deferSubject persists an over-cap subject for a later session.
func (s *Session) deferSubject(ctx context.Context, subj resolver.Subject) {
	if s.backlog == nil {
		s.note("subject @" + subj.Profile.Username + " dropped: over cap and no backlog store")
		slog.Warn("subject dropped, no backlog store", slog.String("username", subj.Profile.Username))
		return
	}
	err := s.backlog.Defer(ctx, backlog.Entry{
		SubjectID:   subj.Profile.ID,
		Profile:     subj.Profile,
		MentionID:   subj.MentionID,
		MentionText: subj.MentionText,
		PostedAt:    subj.PostedAt,
		Unresolved:  subj.Unresolved,
		DeferredAt:  s.now().UTC(),
	})
	if err != nil {
		slog.Warn("defer failed", slog.String("username", subj.Profile.Username), slog.Any("error", err))
		s.note("defer failed for @" + subj.Profile.Username + ": " + err.Error())
		return
	}
	s.summary.SubjectsDeferred++
	slog.Info("subject deferred to backlog", slog.String("username", subj.Profile.Username))
}

// drainBacklog reports subjects deferred by earlier sessions, up to the
// per-session subject cap, using their stored profile snapshots. A session
// that had to defer subjects itself has no spare capacity and drains nothing.
func (s *Session) drainBacklog(ctx context.Context) {
	if s.backlog == nil || s.summary.SubjectsDeferred > 0 {
		return
	}
	room := s.cfg.MaxSubjects - s.summary.SubjectsReported
	if room <= 0 {
		return
	}
	entries, err := s.backlog.Pending(ctx, room)
	if err != nil {
		slog.Warn("backlog read failed", slog.Any("error", err))
		return
	}
	for _, e := range entries {
		if s.cfg.DeepAnalysis && !s.canCall() {
			// Leave the rest queued rather than report them unanalyzed.
			slog.Info("backlog drain stopped, budget exhausted",
				slog.String("subject_id", e.SubjectID))
			return
		}
		subj := resolver.Subject{
			Profile:     e.Profile,
			MentionID:   e.MentionID,
			MentionText: e.MentionText,
			PostedAt:    e.PostedAt,
			Unresolved:  e.Unresolved,
		}
		before := s.summary.SubjectsReported
		s.reportSubject(ctx, subj)
		if s.summary.SubjectsReported == before {
			continue // report failed; keep it queued
		}
		if err := s.backlog.Remove(ctx, e.SubjectID); err != nil {
			slog.Warn("backlog remove failed", slog.String("subject_id", e.SubjectID), slog.Any("error", err))
		}
	}
}

func (s *Session) abort(reason string) {
	s.state = StateAborted
	s.summary.State = StateAborted
	s.summary.AbortReason = reason
	slog.Error("session aborted", slog.String("reason", reason))
}

func (s *Session) note(msg string) {
	s.summary.Notes = append(s.summary.Notes, msg)
}

// report finalizes the summary. It runs exactly once per session.
func (s *Session) report() {
	s.state = StateReporting
	s.summary.FinishedAt = s.now().UTC()
	s.summary.TotalThisMonth = s.ledger.TotalThisMonth()
	s.summary.RemainingCredits = s.ledger.Remaining()

	slog.Info("session summary",
		slog.String("session_id", s.summary.SessionID),
		slog.String("state", string(s.summary.State)),
		slog.Int("calls_this_session", s.summary.CallsMade),
		slog.Int("total_this_month", s.summary.TotalThisMonth),
		slog.Int("remaining_credits", s.summary.RemainingCredits),
		slog.Int("mentions_fetched", s.summary.MentionsFetched),
		slog.Int("subjects_reported", s.summary.SubjectsReported),
		slog.Int("subjects_deferred", s.summary.SubjectsDeferred),
		slog.Int("subjects_skipped", s.summary.SubjectsSkipped))

	if s.backlog != nil {
		err := s.backlog.RecordSession(context.Background(), backlog.SessionRecord{
			ID:               s.summary.SessionID,
			StartedAt:        s.summary.StartedAt,
			FinishedAt:       s.summary.FinishedAt,
			State:            string(s.summary.State),
			CallsMade:        s.summary.CallsMade,
			MentionsFetched:  s.summary.MentionsFetched,
			SubjectsReported: s.summary.SubjectsReported,
			SubjectsDeferred: s.summary.SubjectsDeferred,
			SubjectsSkipped:  s.summary.SubjectsSkipped,
		})
		if err != nil {
			slog.Warn("session history write failed", slog.Any("error", err))
		}
	}

	if s.summary.State != StateAborted {
		s.state = StateDone
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
