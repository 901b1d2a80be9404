// Package resolver filters a fetched mention batch down to the trigger
// phrase and resolves the subject account to report for each hit: the
// original poster for replies, the mention's own author otherwise.
package resolver

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/satyvm/x-account-analysis/internal/checkpoint"
	"github.com/satyvm/x-account-analysis/internal/xapi"
)

var spaceRe = regexp.MustCompile(`\s+`)

// Subject is one resolved account together with the mention that triggered
// it.
type Subject struct {
	Profile     *xapi.Profile
	MentionID   string
	MentionText string
	PostedAt    time.Time
	IsReply     bool
	// Unresolved marks a reply whose original poster was not present in
	// the batch: the replier is reported instead, cost-free, rather than
	// spending a lookup call.
	Unresolved bool
	ReplierID  string
}

// Result is the outcome of resolving one batch.
type Result struct {
	// Reported are the subjects to profile this session, chronological.
	Reported []Subject
	// Deferred are relevant subjects beyond the session cap; they carry
	// full profile snapshots so a later session can report them without
	// refetching.
	Deferred []Subject
	// MaxFetchedID is the highest mention ID observed in the raw batch.
	// The checkpoint advances to it even when subjects were deferred, so
	// the same raw mentions are never refetched.
	MaxFetchedID string
	// Irrelevant counts fetched mentions without the trigger phrase.
	Irrelevant int
	// Skipped counts relevant mentions dropped because no profile could
	// be resolved at all.
	Skipped int
}

// Resolve processes a fetched batch. maxSubjects caps how many subjects are
// reported this session; the rest are deferred. A negative cap means
// unlimited.
func Resolve(batch *xapi.MentionBatch, trigger string, maxSubjects int) Result {
	res := Result{MaxFetchedID: batch.NewestID}

	// Normalize to chronological ascending so the earliest relevant
	// mention wins deduplication and the checkpoint ends up as the true
	// maximum.
	mentions := make([]xapi.Mention, len(batch.Mentions))
	copy(mentions, batch.Mentions)
	sort.Slice(mentions, func(i, j int) bool {
		return checkpoint.Less(mentions[i].ID, mentions[j].ID)
	})

	want := normalize(trigger)
	seen := make(map[string]bool)
	var relevant []Subject

	for _, m := range mentions {
		res.MaxFetchedID = checkpoint.Max(res.MaxFetchedID, m.ID)

		if want == "" || !strings.Contains(normalize(m.Text), want) {
			res.Irrelevant++
			continue
		}

		subj, ok := resolveSubject(&m, batch.Users)
		if !ok {
			slog.Warn("relevant mention skipped, no profile in batch",
				slog.String("mention_id", m.ID),
				slog.String("author_id", m.AuthorID))
			res.Skipped++
			continue
		}
		if seen[subj.Profile.ID] {
			continue
		}
		seen[subj.Profile.ID] = true
		relevant = append(relevant, subj)
	}

	if maxSubjects < 0 || len(relevant) <= maxSubjects {
		res.Reported = relevant
		return res
	}
	res.Reported = relevant[:maxSubjects]
	res.Deferred = relevant[maxSubjects:]
	return res
}

// resolveSubject picks the account to report for a relevant mention.
func resolveSubject(m *xapi.Mention, users map[string]*xapi.Profile) (Subject, bool) {
	subj := Subject{
		MentionID:   m.ID,
		MentionText: m.Text,
		PostedAt:    m.CreatedAt,
		IsReply:     m.IsReply(),
	}
	if m.IsReply() {
		subj.ReplierID = m.AuthorID
		if p, ok := users[m.InReplyToAuthorID]; ok {
			subj.Profile = p
			return subj, true
		}
		// Degrade to the replier and flag the record.
		subj.Unresolved = true
	}
	p, ok := users[m.AuthorID]
	if !ok {
		return Subject{}, false
	}
	subj.Profile = p
	return subj, true
}

// normalize lowercases and collapses whitespace runs so trigger matching is
// a case-insensitive, whitespace-normalized substring test.
func normalize(s string) string {
	return spaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}
