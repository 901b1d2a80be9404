// Command xmon polls X for mentions of the monitored account and reports
// on the accounts it is asked to look at, within a strict API call budget.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/satyvm/x-account-analysis/internal/analyzer"
	"github.com/satyvm/x-account-analysis/internal/backlog"
	"github.com/satyvm/x-account-analysis/internal/checkpoint"
	"github.com/satyvm/x-account-analysis/internal/config"
	"github.com/satyvm/x-account-analysis/internal/ledger"
	"github.com/satyvm/x-account-analysis/internal/monitor"
	"github.com/satyvm/x-account-analysis/internal/report"
	"github.com/satyvm/x-account-analysis/internal/trust"
	"github.com/satyvm/x-account-analysis/internal/xapi"
)

const (
	ledgerFile         = "api_usage.json"
	checkpointFile     = "last_seen_id.txt"
	backlogFile        = "monitor.db"
	lockFile           = "monitor.lock"
	trustCacheFile     = "trust_cache.json"
	mentionReportFile  = "mention_reports.txt"
	analysisReportFile = "analysis_reports.txt"
)

var (
	flagTest  bool
	flagDeep  bool
	flagTrust bool
	flagDebug bool
)

func main() {
	root := &cobra.Command{
		Use:           "xmon",
		Short:         "Budget-capped X mention monitor and account analyzer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one monitoring session",
		RunE:  runSession,
	}
	runCmd.Flags().BoolVar(&flagTest, "test", false, "use canned sample data, no API calls")
	runCmd.Flags().BoolVar(&flagDeep, "deep", false, "fetch post history and score each subject")
	runCmd.Flags().BoolVar(&flagTrust, "trust", false, "validate subjects against the trusted accounts list")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show budget, checkpoint, and backlog without spending any calls",
		RunE:  showStatus,
	}

	root.AddCommand(runCmd, statusCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagTest {
		cfg.TestMode = true
	}
	if flagDeep {
		cfg.DeepAnalysis = true
	}
	if flagTrust {
		cfg.TrustValidation = true
	}
	if flagDebug {
		cfg.DebugMode = true
	}

	level := slog.LevelInfo
	if cfg.DebugMode {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	return cfg, nil
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	release, err := monitor.AcquireLock(filepath.Join(cfg.DataDir, lockFile))
	if err != nil {
		return err
	}
	defer release()

	var src xapi.Source
	if cfg.TestMode {
		slog.Info("test mode, using sample data")
		src = xapi.NewSampleSource()
	} else {
		src, err = xapi.NewClient(cfg.BearerToken)
		if err != nil {
			return err
		}
	}

	led := ledger.Load(filepath.Join(cfg.DataDir, ledgerFile), ledger.WithMonthlyCap(cfg.MonthlyCallCap))
	ckpt := checkpoint.Load(filepath.Join(cfg.DataDir, checkpointFile))
	reports := report.New(
		filepath.Join(cfg.DataDir, mentionReportFile),
		filepath.Join(cfg.DataDir, analysisReportFile))

	bl, err := backlog.Open(filepath.Join(cfg.DataDir, backlogFile))
	if err != nil {
		return fmt.Errorf("open backlog: %w", err)
	}
	defer bl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := monitor.New(monitor.Config{
		UserID:       cfg.UserID,
		Trigger:      cfg.Trigger,
		SessionCap:   cfg.SessionCallCap,
		MaxSubjects:  cfg.MaxSubjects,
		DeepAnalysis: cfg.DeepAnalysis,
		SampleData:   cfg.TestMode,
		TrustCheck:   loadTrustChecker(ctx, cfg),
	}, src, led, ckpt, bl, reports)

	sum, runErr := sess.Run(ctx)
	printSummary(cmd, sum)

	if sum.State == monitor.StateAborted {
		return fmt.Errorf("session aborted: %s", sum.AbortReason)
	}
	return runErr
}

// loadTrustChecker fetches (or reads from cache) the trusted accounts list.
// Nil when validation is off or the list is unavailable; either way no API
// credits are involved.
func loadTrustChecker(ctx context.Context, cfg *config.Config) analyzer.TrustChecker {
	if !cfg.TrustValidation {
		return nil
	}
	opts := []trust.Option{}
	if cfg.TrustListURL != "" {
		opts = append(opts, trust.WithListURL(cfg.TrustListURL))
	}
	loader := trust.NewLoader(filepath.Join(cfg.DataDir, trustCacheFile), opts...)
	list, err := loader.Load(ctx)
	if err != nil {
		slog.Warn("trust validation unavailable this session", slog.Any("error", err))
		return nil
	}
	return list.Check
}

func printSummary(cmd *cobra.Command, sum *monitor.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s finished: %s\n", sum.SessionID, sum.State)
	fmt.Fprintf(out, "  duration:          %s\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "  calls this run:    %d\n", sum.CallsMade)
	fmt.Fprintf(out, "  calls this month:  %d\n", sum.TotalThisMonth)
	fmt.Fprintf(out, "  remaining credits: %d\n", sum.RemainingCredits)
	fmt.Fprintf(out, "  mentions fetched:  %d\n", sum.MentionsFetched)
	fmt.Fprintf(out, "  subjects reported: %d (analyzed %d, deferred %d, skipped %d)\n",
		sum.SubjectsReported, sum.SubjectsAnalyzed, sum.SubjectsDeferred, sum.SubjectsSkipped)
	if sum.NoNewMentions {
		fmt.Fprintln(out, "  no new mentions since the last checkpoint")
	}
	for _, n := range sum.Notes {
		fmt.Fprintf(out, "  note: %s\n", n)
	}
	if sum.AbortReason != "" {
		fmt.Fprintf(out, "  abort reason: %s\n", sum.AbortReason)
	}
}

func showStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	led := ledger.Load(filepath.Join(cfg.DataDir, ledgerFile), ledger.WithMonthlyCap(cfg.MonthlyCallCap))
	fmt.Fprintf(out, "API budget: %d/%d used this month, %d today, %d remaining\n",
		led.TotalThisMonth(), led.MonthlyCap(), led.Today(), led.Remaining())
	for endpoint, n := range led.EndpointBreakdown() {
		fmt.Fprintf(out, "  %-18s %s\n", endpoint, humanize.Comma(int64(n)))
	}

	ckpt := checkpoint.Load(filepath.Join(cfg.DataDir, checkpointFile))
	if ckpt.ID() == "" {
		fmt.Fprintln(out, "checkpoint: none (first run will fetch the latest mentions)")
	} else {
		fmt.Fprintf(out, "checkpoint: %s\n", ckpt.ID())
	}

	bl, err := backlog.Open(filepath.Join(cfg.DataDir, backlogFile))
	if err != nil {
		return fmt.Errorf("open backlog: %w", err)
	}
	defer bl.Close()

	ctx := context.Background()
	pending, err := bl.PendingCount(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "backlog: %d subject(s) waiting\n", pending)

	recent, err := bl.RecentSessions(ctx, 5)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		fmt.Fprintln(out, "no sessions recorded yet")
		return nil
	}
	fmt.Fprintln(out, "recent sessions:")
	for _, r := range recent {
		fmt.Fprintf(out, "  %s  %-7s  %d call(s), %d mention(s), %d reported  (%s)\n",
			r.StartedAt.Format("2006-01-02 15:04"), r.State,
			r.CallsMade, r.MentionsFetched, r.SubjectsReported,
			humanize.Time(r.StartedAt))
	}
	return nil
}
