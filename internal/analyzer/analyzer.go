// Package analyzer computes account-age, bio, engagement, sentiment, and
// influence metrics for a subject profile plus its recent post history.
package analyzer

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/jonreiter/govader"

	"github.com/satyvm/x-account-analysis/internal/xapi"
)

// Influence weighting. A deliberate heuristic, not a validated model: the
// formula and clamp are fixed for output compatibility, the weights are
// tunable here.
const (
	followerWeight   = 10.0
	ratioWeight      = 3.0
	ratioCap         = 10.0
	engagementWeight = 0.5
	avgLikesCap      = 100.0
	trustBoost       = 9.0
)

const (
	maxBioKeywords = 5
	maxTopHashtags = 3
)

var (
	bioNoiseRe = regexp.MustCompile(`https?://\S+|www\.\S+|@\w+|#\w+`)
	wordRe     = regexp.MustCompile(`\b[a-zA-Z]{3,}\b`)
	linkRe     = regexp.MustCompile(`https?://|www\.`)
	mentionRe  = regexp.MustCompile(`@\w+`)
	hashtagRe  = regexp.MustCompile(`#(\w+)`)
)

// Result holds every derived metric for one subject. Recomputed per run and
// appended to the analysis report; never authoritative state.
type Result struct {
	AccountAgeYears     int
	AccountAgeDays      int // remainder after whole years
	AccountAgeTotalDays int

	FollowerRatio float64
	BioKeywords   []string
	HasLinks      bool
	HasMentions   bool

	RecentPostsAnalyzed int
	AvgLikes            float64
	AvgReshares         float64
	AvgReplies          float64
	ReplyRatio          float64
	TopHashtags         []string

	Trusted       bool
	TrustCategory string

	SentimentScore float64
	SentimentLabel string

	InfluenceScore   int
	FollowerImpact   float64
	RatioImpact      float64
	EngagementImpact float64
	TrustImpact      float64
}

// TrustChecker reports whether a username is on the trusted accounts list
// and, if so, its category. Must not spend API calls.
type TrustChecker func(username string) (bool, string)

// Analyzer scores profiles. Safe to reuse across subjects within a session.
type Analyzer struct {
	sentiment *govader.SentimentIntensityAnalyzer
	trust     TrustChecker
	now       func() time.Time
}

// New creates an Analyzer.
func New() *Analyzer {
	return &Analyzer{
		sentiment: govader.NewSentimentIntensityAnalyzer(),
		now:       time.Now,
	}
}

// WithClock overrides the time source (tests).
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// WithTrustChecker enables trust-list validation of subjects.
func (a *Analyzer) WithTrustChecker(check TrustChecker) *Analyzer {
	a.trust = check
	return a
}

// Analyze computes the full metric set. posts may be nil or empty: a failed
// or empty post-history fetch degrades to empty-sample defaults rather than
// aborting.
func (a *Analyzer) Analyze(p *xapi.Profile, posts []xapi.Post) *Result {
	r := &Result{SentimentLabel: "Neutral"}

	if !p.CreatedAt.IsZero() {
		total := int(a.now().UTC().Sub(p.CreatedAt.UTC()).Hours() / 24)
		if total < 0 {
			total = 0
		}
		r.AccountAgeTotalDays = total
		r.AccountAgeYears = total / 365
		r.AccountAgeDays = total % 365
	}

	r.FollowerRatio = round2(float64(p.Followers) / float64(max(p.Following, 1)))
	r.BioKeywords = BioKeywords(p.Bio)
	r.HasLinks = linkRe.MatchString(p.Bio)
	r.HasMentions = mentionRe.MatchString(p.Bio)

	if a.trust != nil {
		r.Trusted, r.TrustCategory = a.trust(p.Username)
	}

	a.analyzePosts(r, posts)
	a.scoreInfluence(r, p.Followers)
	return r
}

func (a *Analyzer) analyzePosts(r *Result, posts []xapi.Post) {
	r.RecentPostsAnalyzed = len(posts)
	if len(posts) == 0 {
		return
	}

	var likes, reshares, replyCount, replyPosts int
	var hashtags []string
	var texts []string
	for _, post := range posts {
		likes += post.Likes
		reshares += post.Reshares
		replyCount += post.Replies
		if post.IsReply {
			replyPosts++
		}
		for _, m := range hashtagRe.FindAllStringSubmatch(post.Text, -1) {
			hashtags = append(hashtags, strings.ToLower(m[1]))
		}
		texts = append(texts, post.Text)
	}

	n := float64(len(posts))
	r.AvgLikes = round2(float64(likes) / n)
	r.AvgReshares = round2(float64(reshares) / n)
	r.AvgReplies = round2(float64(replyCount) / n)
	r.ReplyRatio = round2(float64(replyPosts) / n)
	r.TopHashtags = rankByFrequency(hashtags, maxTopHashtags)

	combined := strings.TrimSpace(strings.Join(texts, " "))
	if combined != "" {
		score := a.sentiment.PolarityScores(combined).Compound
		r.SentimentScore = math.Max(-1, math.Min(1, round3(score)))
		r.SentimentLabel = SentimentLabel(r.SentimentScore)
	}
}

func (a *Analyzer) scoreInfluence(r *Result, followers int) {
	r.FollowerImpact = round1(math.Log10(float64(max(followers, 1))) * followerWeight)
	r.RatioImpact = round1(math.Min(r.FollowerRatio, ratioCap) * ratioWeight)
	r.EngagementImpact = round1(math.Min(r.AvgLikes, avgLikesCap) * engagementWeight)
	if r.Trusted {
		r.TrustImpact = trustBoost
	}

	score := int(r.FollowerImpact + r.RatioImpact + r.EngagementImpact + r.TrustImpact)
	if score < 1 {
		score = 1
	}
	if score > 100 {
		score = 100
	}
	r.InfluenceScore = score
}

// SentimentLabel maps a polarity score in [-1,1] onto the documented
// thresholds.
func SentimentLabel(score float64) string {
	switch {
	case score > 0.1:
		return "Positive"
	case score < -0.1:
		return "Negative"
	default:
		return "Neutral"
	}
}

// BioKeywords extracts the top meaningful bio tokens: URLs, @mentions, and
// #hashtags stripped, words of 3+ letters kept, stop words dropped, ranked
// by frequency with first-occurrence tie-break.
func BioKeywords(bio string) []string {
	if bio == "" {
		return nil
	}
	clean := bioNoiseRe.ReplaceAllString(bio, " ")
	var tokens []string
	for _, w := range wordRe.FindAllString(strings.ToLower(clean), -1) {
		if stopWords[w] {
			continue
		}
		tokens = append(tokens, w)
	}
	return rankByFrequency(tokens, maxBioKeywords)
}

// rankByFrequency returns up to limit unique tokens ordered by descending
// frequency, ties broken by first occurrence.
func rankByFrequency(tokens []string, limit int) []string {
	if len(tokens) == 0 {
		return nil
	}
	counts := make(map[string]int, len(tokens))
	var order []string
	for _, tok := range tokens {
		if counts[tok] == 0 {
			order = append(order, tok)
		}
		counts[tok]++
	}
	// Stable ranking: order already reflects first occurrence, so a simple
	// frequency sort over it keeps the tie-break.
	ranked := make([]string, len(order))
	copy(ranked, order)
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && counts[ranked[j]] > counts[ranked[j-1]]; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
