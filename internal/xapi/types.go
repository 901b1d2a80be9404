package xapi

import "time"

// Profile is a read-only snapshot of an X account, assembled from the
// user objects included in a mentions response.
type Profile struct {
	ID              string
	Username        string
	DisplayName     string
	Bio             string
	Location        string
	Followers       int
	Following       int
	PostCount       int
	ListedCount     int
	ProfileImageURL string
	CreatedAt       time.Time
}

// URL returns the canonical profile URL.
func (p *Profile) URL() string {
	return "https://x.com/" + p.Username
}

// Mention is a single tweet that mentioned the monitored account.
type Mention struct {
	ID                string
	AuthorID          string
	Text              string
	CreatedAt         time.Time
	InReplyToAuthorID string // empty for direct mentions
}

// IsReply reports whether the mention was posted in reply to another tweet.
func (m *Mention) IsReply() bool { return m.InReplyToAuthorID != "" }

// MentionBatch is the result of one list-mentions call: the mentions plus
// the expanded user objects keyed by user ID, and the newest ID reported by
// the provider.
type MentionBatch struct {
	Mentions []Mention
	Users    map[string]*Profile
	NewestID string
}

// Post is a single tweet from a subject's recent history.
type Post struct {
	ID        string
	Text      string
	CreatedAt time.Time
	Likes     int
	Reshares  int
	Replies   int
	IsReply   bool
}

// Identity is the authenticated account returned by verify-identity.
type Identity struct {
	ID       string
	Username string
}
