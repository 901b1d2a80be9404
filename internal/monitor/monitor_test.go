package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satyvm/x-account-analysis/internal/backlog"
	"github.com/satyvm/x-account-analysis/internal/checkpoint"
	"github.com/satyvm/x-account-analysis/internal/ledger"
	"github.com/satyvm/x-account-analysis/internal/report"
	"github.com/satyvm/x-account-analysis/internal/xapi"
)

type fetchStep struct {
	batch *xapi.MentionBatch
	err   error
}

type fakeSource struct {
	identity *xapi.Identity
	authErr  error
	// authErrs, when set, is consumed one per identity call; a nil entry
	// means that attempt succeeds.
	authErrs  []error
	authCalls int

	fetches    []fetchStep
	fetchCalls int
	sinceIDs   []string

	posts     []xapi.Post
	postsErr  error
	postCalls int
}

func (f *fakeSource) VerifyIdentity(_ context.Context) (*xapi.Identity, error) {
	f.authCalls++
	if len(f.authErrs) > 0 {
		err := f.authErrs[0]
		f.authErrs = f.authErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if f.authErr != nil {
		return nil, f.authErr
	}
	if f.identity == nil {
		f.identity = &xapi.Identity{ID: "100", Username: "satyvm"}
	}
	return f.identity, nil
}

func (f *fakeSource) ListMentionsSince(_ context.Context, _, sinceID string) (*xapi.MentionBatch, error) {
	f.sinceIDs = append(f.sinceIDs, sinceID)
	if f.fetchCalls >= len(f.fetches) {
		return &xapi.MentionBatch{Users: map[string]*xapi.Profile{}}, nil
	}
	step := f.fetches[f.fetchCalls]
	f.fetchCalls++
	return step.batch, step.err
}

func (f *fakeSource) ListRecentPosts(_ context.Context, _ string, _ int) ([]xapi.Post, error) {
	f.postCalls++
	if f.postsErr != nil {
		return nil, f.postsErr
	}
	return f.posts, nil
}

type fakeSleeper struct {
	slept []time.Duration
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	return nil
}

func testDeps(t *testing.T) (*ledger.Ledger, *checkpoint.Store, *backlog.Store, *report.Writer) {
	t.Helper()
	dir := t.TempDir()
	led := ledger.Load(filepath.Join(dir, "api_usage.json"))
	ckpt := checkpoint.Load(filepath.Join(dir, "last_seen_id.txt"))
	bl, err := backlog.Open(filepath.Join(dir, "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bl.Close() })
	reports := report.New(filepath.Join(dir, "mentions.txt"), filepath.Join(dir, "analysis.txt"))
	return led, ckpt, bl, reports
}

func triggeredBatch() *xapi.MentionBatch {
	return &xapi.MentionBatch{
		Mentions: []xapi.Mention{{
			ID:        "2001",
			AuthorID:  "55",
			Text:      "@satyvm acc take a look",
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}},
		Users: map[string]*xapi.Profile{
			"55": {ID: "55", Username: "curious_dev", DisplayName: "Curious Dev", Followers: 1200, Following: 300},
		},
		NewestID: "2001",
	}
}

func TestRun_AuthFailureAborts(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := &fakeSource{authErr: &xapi.AuthError{StatusCode: 401, Detail: "bad token"}}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc"}, src, led, ckpt, bl, reports)
	sum, err := s.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateAborted, sum.State)
	assert.Contains(t, sum.AbortReason, "authentication failed")
	assert.Equal(t, 1, sum.CallsMade, "the failed attempt is still billed")
	assert.Equal(t, 0, src.fetchCalls)
}

func TestRun_AuthTransientErrorRetriedOnce(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := &fakeSource{
		authErrs: []error{errors.New("connection timeout"), nil},
		fetches:  []fetchStep{{batch: triggeredBatch()}},
	}
	sleeper := &fakeSleeper{}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc"}, src, led, ckpt, bl, reports).
		WithSleeper(sleeper.sleep)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 2, src.authCalls)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.slept)
	assert.Equal(t, 3, sum.CallsMade, "both identity attempts are billed")
	assert.Equal(t, 1, sum.SubjectsReported)
}

func TestRun_AuthTransientErrorTwiceAborts(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := &fakeSource{
		authErrs: []error{errors.New("connection timeout"), errors.New("connection timeout")},
	}
	sleeper := &fakeSleeper{}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc"}, src, led, ckpt, bl, reports).
		WithSleeper(sleeper.sleep)
	sum, err := s.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, 2, src.authCalls)
	assert.Equal(t, 0, src.fetchCalls)
}

func TestRun_SampleDataNeverBillsLedger(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := xapi.NewSampleSource()

	s := New(Config{UserID: "100", Trigger: "@satyvm acc", DeepAnalysis: true, SampleData: true},
		src, led, ckpt, bl, reports)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 3, sum.CallsMade, "session cap accounting still applies")
	assert.Equal(t, 1, sum.SubjectsReported)
	assert.Equal(t, 1, sum.SubjectsAnalyzed)
	assert.Equal(t, 0, led.TotalThisMonth(), "canned calls must not touch the monthly budget")
	assert.Equal(t, led.MonthlyCap(), led.Remaining())
}

func TestRun_SampleDataRunsWithExhaustedLedger(t *testing.T) {
	dir := t.TempDir()
	led := ledger.Load(filepath.Join(dir, "api_usage.json"), ledger.WithMonthlyCap(1))
	led.Record(1, "VerifyIdentity")
	ckpt := checkpoint.Load(filepath.Join(dir, "last_seen_id.txt"))
	reports := report.New(filepath.Join(dir, "mentions.txt"), filepath.Join(dir, "analysis.txt"))
	src := xapi.NewSampleSource()

	s := New(Config{UserID: "100", Trigger: "@satyvm acc", SampleData: true}, src, led, ckpt, nil, reports)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 2, sum.CallsMade)
	assert.Equal(t, 1, sum.SubjectsReported)
	assert.Equal(t, 1, led.TotalThisMonth(), "only the pre-existing live call remains on the ledger")
}

func TestRun_NoNewMentions(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	require.True(t, ckpt.Advance("1500"))
	require.NoError(t, ckpt.Save())
	src := &fakeSource{fetches: []fetchStep{{batch: &xapi.MentionBatch{}}}}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc"}, src, led, ckpt, bl, reports)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
	assert.True(t, sum.NoNewMentions)
	assert.Equal(t, 2, sum.CallsMade)
	assert.Equal(t, "1500", ckpt.ID(), "checkpoint must not move on an empty fetch")
	assert.Equal(t, []string{"1500"}, src.sinceIDs)
}

func TestRun_RateLimitBackoffDoubles(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := &fakeSource{fetches: []fetchStep{
		{err: &xapi.RateLimitError{ResetAt: time.Now().Add(time.Minute)}},
		{err: &xapi.RateLimitError{ResetAt: time.Now().Add(time.Minute)}},
		{batch: triggeredBatch()},
	}}
	sleeper := &fakeSleeper{}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc", SessionCap: 5}, src, led, ckpt, bl, reports).
		WithSleeper(sleeper.sleep)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second}, sleeper.slept)
	assert.Equal(t, 4, sum.CallsMade, "auth plus three fetch attempts, all billed")
	assert.Equal(t, 1, sum.SubjectsReported)
}

func TestRun_RateLimitExhaustionAborts(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	rl := &xapi.RateLimitError{ResetAt: time.Now().Add(time.Minute)}
	src := &fakeSource{fetches: []fetchStep{{err: rl}, {err: rl}, {err: rl}}}
	sleeper := &fakeSleeper{}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc"}, src, led, ckpt, bl, reports).
		WithSleeper(sleeper.sleep)
	sum, err := s.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateAborted, sum.State)
	assert.Contains(t, sum.AbortReason, "rate limited after 2 retries")
	assert.Len(t, sleeper.slept, 2)
}

func TestRun_NetworkErrorRetriedOnceThenPartial(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := &fakeSource{fetches: []fetchStep{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
	}}
	sleeper := &fakeSleeper{}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc"}, src, led, ckpt, bl, reports).
		WithSleeper(sleeper.sleep)
	sum, err := s.Run(context.Background())

	require.NoError(t, err, "a failed fetch step reports partial results, it does not abort")
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.slept)
	assert.NotEmpty(t, sum.Notes)
	assert.Equal(t, 3, sum.CallsMade)
}

func TestRun_DeepAnalysisHappyPath(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := &fakeSource{
		fetches: []fetchStep{{batch: triggeredBatch()}},
		posts: []xapi.Post{
			{ID: "p1", Text: "shipping something great today", Likes: 12, Reshares: 3},
		},
	}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc", DeepAnalysis: true}, src, led, ckpt, bl, reports)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 1, sum.MentionsFetched)
	assert.Equal(t, 1, sum.SubjectsReported)
	assert.Equal(t, 1, sum.SubjectsAnalyzed)
	assert.Equal(t, 3, sum.CallsMade)
	assert.Equal(t, 1, src.postCalls)
	assert.Equal(t, "2001", ckpt.ID())
	assert.Equal(t, 3, led.TotalThisMonth())
}

func TestRun_PostFetchFailureDegradesToDefaults(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := &fakeSource{
		fetches:  []fetchStep{{batch: triggeredBatch()}},
		postsErr: &xapi.APIError{Endpoint: "ListRecentPosts", StatusCode: 500},
	}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc", DeepAnalysis: true}, src, led, ckpt, bl, reports)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, sum.SubjectsReported)
	assert.Equal(t, 1, sum.SubjectsAnalyzed, "analysis falls back to empty-sample defaults")
	assert.Equal(t, 3, sum.CallsMade, "the failed post fetch is still billed")
	assert.NotEmpty(t, sum.Notes)
}

func TestRun_BudgetExhaustedDefersSubjects(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := &fakeSource{fetches: []fetchStep{{batch: triggeredBatch()}}}

	// Two calls cover auth and fetch only; deep analysis cannot afford any
	// subject, so the resolver defers it with its profile snapshot.
	s := New(Config{UserID: "100", Trigger: "@satyvm acc", SessionCap: 2, DeepAnalysis: true},
		src, led, ckpt, bl, reports)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, sum.SubjectsReported)
	assert.Equal(t, 1, sum.SubjectsDeferred)
	assert.Equal(t, "2001", ckpt.ID(), "checkpoint still advances past deferred mentions")

	n, err := bl.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_DrainsBacklogOnQuietSession(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	require.NoError(t, bl.Defer(context.Background(), backlog.Entry{
		SubjectID:   "77",
		Profile:     &xapi.Profile{ID: "77", Username: "held_over", Followers: 500},
		MentionID:   "1800",
		MentionText: "@satyvm acc check this out",
		PostedAt:    time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC),
		DeferredAt:  time.Date(2026, 2, 28, 9, 5, 0, 0, time.UTC),
	}))
	src := &fakeSource{fetches: []fetchStep{{batch: &xapi.MentionBatch{}}}}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc"}, src, led, ckpt, bl, reports)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.True(t, sum.NoNewMentions)
	assert.Equal(t, 1, sum.SubjectsReported, "deferred snapshot reported without any extra API call")
	assert.Equal(t, 2, sum.CallsMade)

	n, err := bl.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRun_SessionHistoryRecorded(t *testing.T) {
	led, ckpt, bl, reports := testDeps(t)
	src := &fakeSource{fetches: []fetchStep{{batch: triggeredBatch()}}}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc"}, src, led, ckpt, bl, reports)
	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	recs, err := bl.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sum.SessionID, recs[0].ID)
	assert.Equal(t, string(StateDone), recs[0].State)
	assert.Equal(t, sum.CallsMade, recs[0].CallsMade)
}

func TestRun_MonthlyCapStopsBeforeFirstCall(t *testing.T) {
	dir := t.TempDir()
	led := ledger.Load(filepath.Join(dir, "api_usage.json"), ledger.WithMonthlyCap(1))
	led.Record(1, "VerifyIdentity")
	ckpt := checkpoint.Load(filepath.Join(dir, "last_seen_id.txt"))
	reports := report.New(filepath.Join(dir, "mentions.txt"), filepath.Join(dir, "analysis.txt"))
	src := &fakeSource{}

	s := New(Config{UserID: "100", Trigger: "@satyvm acc"}, src, led, ckpt, nil, reports)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 0, sum.CallsMade)
	assert.Equal(t, 0, src.fetchCalls)
	assert.NotEmpty(t, sum.Notes)
}

func TestRun_TrustCheckFlowsIntoAnalysis(t *testing.T) {
	dir := t.TempDir()
	led := ledger.Load(filepath.Join(dir, "api_usage.json"))
	ckpt := checkpoint.Load(filepath.Join(dir, "last_seen_id.txt"))
	analysisPath := filepath.Join(dir, "analysis.txt")
	reports := report.New(filepath.Join(dir, "mentions.txt"), analysisPath)
	src := &fakeSource{fetches: []fetchStep{{batch: triggeredBatch()}}}

	s := New(Config{
		UserID:       "100",
		Trigger:      "@satyvm acc",
		DeepAnalysis: true,
		TrustCheck: func(username string) (bool, string) {
			if username == "curious_dev" {
				return true, "Media/Community"
			}
			return false, ""
		},
	}, src, led, ckpt, nil, reports)
	sum, err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, sum.SubjectsAnalyzed)

	data, err := os.ReadFile(analysisPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Trusted Account: yes (Media/Community)")
	assert.Contains(t, string(data), "Trust Impact: 9.0")
}

func TestAcquireLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")

	release, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.ErrorIs(t, err, ErrLocked)

	release()
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	release2, err := AcquireLock(path)
	require.NoError(t, err)
	release2()
}
