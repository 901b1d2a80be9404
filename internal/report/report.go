// Package report appends human-readable mention and analysis blocks to the
// output logs, one block per detected subject.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/satyvm/x-account-analysis/internal/analyzer"
	"github.com/satyvm/x-account-analysis/internal/resolver"
)

const separator = "================================================================================"

// Writer appends report blocks to the two append-only output files.
type Writer struct {
	mentionPath  string
	analysisPath string
	now          func() time.Time
}

// New creates a Writer targeting the given files.
func New(mentionPath, analysisPath string) *Writer {
	return &Writer{
		mentionPath:  mentionPath,
		analysisPath: analysisPath,
		now:          time.Now,
	}
}

// WithClock overrides the timestamp source (tests).
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// AppendMention writes one subject block to the mention report.
func (w *Writer) AppendMention(s resolver.Subject) error {
	p := s.Profile
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s ---\n", w.now().UTC().Format(time.RFC3339))
	b.WriteString(separator + "\n")
	b.WriteString("NEW MENTION DETECTED\n")
	fmt.Fprintf(&b, "Type: %s\n", mentionType(s))
	if s.IsReply {
		fmt.Fprintf(&b, "Replier: user ID %s\n", s.ReplierID)
	}
	fmt.Fprintf(&b, "Username: @%s\n", p.Username)
	fmt.Fprintf(&b, "Display Name: %s\n", p.DisplayName)
	fmt.Fprintf(&b, "Bio: %s\n", orDefault(p.Bio, "No bio available"))
	fmt.Fprintf(&b, "Location: %s\n", orDefault(p.Location, "Not specified"))
	fmt.Fprintf(&b, "Followers: %s\n", humanize.Comma(int64(p.Followers)))
	fmt.Fprintf(&b, "Following: %s\n", humanize.Comma(int64(p.Following)))
	fmt.Fprintf(&b, "Posts: %s\n", humanize.Comma(int64(p.PostCount)))
	fmt.Fprintf(&b, "Listed: %s\n", humanize.Comma(int64(p.ListedCount)))
	if !p.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Account Created: %s\n", p.CreatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Profile URL: %s\n", p.URL())
	fmt.Fprintf(&b, "Profile Image: %s\n", orDefault(p.ProfileImageURL, "N/A"))
	fmt.Fprintf(&b, "Mention Text: %s\n", s.MentionText)
	if !s.PostedAt.IsZero() {
		fmt.Fprintf(&b, "Posted: %s\n", s.PostedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Message ID: %s\n", s.MentionID)
	b.WriteString(separator + "\n\n")

	return appendFile(w.mentionPath, b.String())
}

// AppendAnalysis writes one analysis block to the deep-analysis report.
func (w *Writer) AppendAnalysis(username string, r *analyzer.Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s ---\n", w.now().UTC().Format(time.RFC3339))
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "PROFILE ANALYSIS: @%s\n", username)
	fmt.Fprintf(&b, "Account Age: %d years, %d days (%s total days)\n",
		r.AccountAgeYears, r.AccountAgeDays, humanize.Comma(int64(r.AccountAgeTotalDays)))
	fmt.Fprintf(&b, "Follower Ratio: %.2f\n", r.FollowerRatio)
	fmt.Fprintf(&b, "Bio Keywords: %s\n", orDefault(strings.Join(r.BioKeywords, ", "), "none"))
	fmt.Fprintf(&b, "Bio Has Links: %t\n", r.HasLinks)
	fmt.Fprintf(&b, "Bio Has Mentions: %t\n", r.HasMentions)
	fmt.Fprintf(&b, "Recent Posts Analyzed: %d\n", r.RecentPostsAnalyzed)
	fmt.Fprintf(&b, "Avg Likes: %.2f\n", r.AvgLikes)
	fmt.Fprintf(&b, "Avg Reshares: %.2f\n", r.AvgReshares)
	fmt.Fprintf(&b, "Avg Replies: %.2f\n", r.AvgReplies)
	fmt.Fprintf(&b, "Reply Ratio: %.2f\n", r.ReplyRatio)
	fmt.Fprintf(&b, "Top Hashtags: %s\n", orDefault(strings.Join(r.TopHashtags, ", "), "none"))
	fmt.Fprintf(&b, "Sentiment: %s (%.3f)\n", r.SentimentLabel, r.SentimentScore)
	if r.Trusted {
		fmt.Fprintf(&b, "Trusted Account: yes (%s)\n", r.TrustCategory)
	}
	fmt.Fprintf(&b, "Influence Score: %d/100\n", r.InfluenceScore)
	fmt.Fprintf(&b, "  Follower Impact: %.1f\n", r.FollowerImpact)
	fmt.Fprintf(&b, "  Ratio Impact: %.1f\n", r.RatioImpact)
	fmt.Fprintf(&b, "  Engagement Impact: %.1f\n", r.EngagementImpact)
	if r.Trusted {
		fmt.Fprintf(&b, "  Trust Impact: %.1f\n", r.TrustImpact)
	}
	b.WriteString(separator + "\n\n")

	return appendFile(w.analysisPath, b.String())
}

func mentionType(s resolver.Subject) string {
	switch {
	case s.Unresolved:
		return "Reply (original poster unresolved, showing replier)"
	case s.IsReply:
		return "Reply to original post author"
	default:
		return "Direct mention"
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func appendFile(path, block string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open report %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("append report %s: %w", path, err)
	}
	return nil
}
