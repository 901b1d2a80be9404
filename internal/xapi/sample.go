package xapi

import (
	"context"
	"time"
)

// SampleSource is a canned Source for test mode: a reply mention whose
// original poster is a fully-populated profile, so a session exercises the
// reply-resolution path end to end without spending any API credits.
type SampleSource struct {
	now func() time.Time
}

// NewSampleSource returns the canned data source.
func NewSampleSource() *SampleSource {
	return &SampleSource{now: time.Now}
}

// VerifyIdentity implements Source.
func (s *SampleSource) VerifyIdentity(_ context.Context) (*Identity, error) {
	return &Identity{ID: "100000000000000001", Username: "satyvm"}, nil
}

// ListMentionsSince implements Source.
func (s *SampleSource) ListMentionsSince(_ context.Context, _, _ string) (*MentionBatch, error) {
	now := s.now().UTC()
	replier := &Profile{
		ID:          "987654321098765432",
		Username:    "testuser123",
		DisplayName: "Test Replier",
		Bio:         "Just a test account for development",
		Location:    "Test City",
		Followers:   150,
		Following:   200,
		PostCount:   500,
		ListedCount: 5,
		CreatedAt:   time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	target := &Profile{
		ID:              "555666777888999000",
		Username:        "blockchaindev_sarah",
		DisplayName:     "Sarah Chen | Blockchain Security Expert",
		Bio:             "Senior Security Researcher @CertiK | Smart Contract Auditor | DeFi Security Specialist | Building safer Web3 | sarah.eth https://sarahchen.dev",
		Location:        "San Francisco, CA",
		Followers:       28750,
		Following:       1247,
		PostCount:       4830,
		ListedCount:     423,
		ProfileImageURL: "https://example.com/sarah_avatar.jpg",
		CreatedAt:       time.Date(2019, 8, 15, 0, 0, 0, 0, time.UTC),
	}
	return &MentionBatch{
		Mentions: []Mention{
			{
				ID:                "1234567890123456789",
				AuthorID:          replier.ID,
				Text:              "Great insights on blockchain security! @satyvm acc what's your take on this new DeFi protocol?",
				CreatedAt:         now,
				InReplyToAuthorID: target.ID,
			},
		},
		Users:    map[string]*Profile{replier.ID: replier, target.ID: target},
		NewestID: "1234567890123456789",
	}, nil
}

// ListRecentPosts implements Source.
func (s *SampleSource) ListRecentPosts(_ context.Context, _ string, _ int) ([]Post, error) {
	now := s.now().UTC()
	return []Post{
		{
			ID:        "1234567890123456001",
			Text:      "Excited to share our latest smart contract audit findings! Great progress on #DeFi security this quarter.",
			CreatedAt: now.Add(-2 * time.Hour),
			Likes:     42,
			Reshares:  11,
			Replies:   6,
		},
		{
			ID:        "1234567890123456002",
			Text:      "Thanks everyone for the amazing feedback on the #Web3 security workshop. Love this community!",
			CreatedAt: now.Add(-26 * time.Hour),
			Likes:     87,
			Reshares:  19,
			Replies:   14,
		},
		{
			ID:        "1234567890123456003",
			Text:      "Reminder: always verify the contract address before interacting. #DeFi #security",
			CreatedAt: now.Add(-50 * time.Hour),
			Likes:     23,
			Reshares:  8,
			Replies:   3,
			IsReply:   true,
		},
	}, nil
}
