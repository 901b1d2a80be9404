package xapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// rawUser is the v2 user object shape shared by includes and /users/me.
type rawUser struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Username      string `json:"username"`
	Description   string `json:"description"`
	Location      string `json:"location"`
	CreatedAt     string `json:"created_at"`
	ProfileImage  string `json:"profile_image_url"`
	PublicMetrics struct {
		FollowersCount int `json:"followers_count"`
		FollowingCount int `json:"following_count"`
		TweetCount     int `json:"tweet_count"`
		ListedCount    int `json:"listed_count"`
	} `json:"public_metrics"`
}

// parseIdentity parses the /2/users/me response.
func parseIdentity(body []byte) (*Identity, error) {
	var raw struct {
		Data   rawUser    `json:"data"`
		Errors []rawError `json:"errors"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	if len(raw.Errors) > 0 {
		return nil, fmt.Errorf("identity API error: %s", raw.Errors[0].message())
	}
	if raw.Data.ID == "" {
		return nil, fmt.Errorf("identity response missing user id")
	}
	return &Identity{ID: raw.Data.ID, Username: raw.Data.Username}, nil
}

// parseMentionBatch parses the /2/users/:id/mentions response, including
// the expanded user objects.
func parseMentionBatch(body []byte) (*MentionBatch, error) {
	var raw struct {
		Data []struct {
			ID              string `json:"id"`
			Text            string `json:"text"`
			AuthorID        string `json:"author_id"`
			CreatedAt       string `json:"created_at"`
			InReplyToUserID string `json:"in_reply_to_user_id"`
		} `json:"data"`
		Includes struct {
			Users []rawUser `json:"users"`
		} `json:"includes"`
		Meta struct {
			NewestID    string `json:"newest_id"`
			ResultCount int    `json:"result_count"`
		} `json:"meta"`
		Errors []rawError `json:"errors"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal mentions: %w", err)
	}
	if len(raw.Data) == 0 && len(raw.Errors) > 0 {
		return nil, fmt.Errorf("mentions API error: %s", raw.Errors[0].message())
	}

	batch := &MentionBatch{
		Users:    make(map[string]*Profile, len(raw.Includes.Users)),
		NewestID: raw.Meta.NewestID,
	}
	for _, u := range raw.Includes.Users {
		p, err := parseUser(u)
		if err != nil {
			slog.Debug("skip user parse error", slog.Any("error", err))
			continue
		}
		batch.Users[p.ID] = p
	}
	for _, t := range raw.Data {
		if t.ID == "" {
			continue
		}
		batch.Mentions = append(batch.Mentions, Mention{
			ID:                t.ID,
			AuthorID:          t.AuthorID,
			Text:              t.Text,
			CreatedAt:         parseTime(t.CreatedAt),
			InReplyToAuthorID: t.InReplyToUserID,
		})
	}
	return batch, nil
}

// parsePosts parses the /2/users/:id/tweets response.
func parsePosts(body []byte) ([]Post, error) {
	var raw struct {
		Data []struct {
			ID              string `json:"id"`
			Text            string `json:"text"`
			CreatedAt       string `json:"created_at"`
			InReplyToUserID string `json:"in_reply_to_user_id"`
			PublicMetrics   struct {
				RetweetCount int `json:"retweet_count"`
				ReplyCount   int `json:"reply_count"`
				LikeCount    int `json:"like_count"`
			} `json:"public_metrics"`
			ReferencedTweets []struct {
				Type string `json:"type"`
			} `json:"referenced_tweets"`
		} `json:"data"`
		Errors []rawError `json:"errors"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal posts: %w", err)
	}
	if len(raw.Data) == 0 && len(raw.Errors) > 0 {
		return nil, fmt.Errorf("posts API error: %s", raw.Errors[0].message())
	}

	var posts []Post
	for _, t := range raw.Data {
		if t.ID == "" {
			continue
		}
		// Retweets are excluded server-side, but older cached responses may
		// still carry them.
		retweet := false
		for _, ref := range t.ReferencedTweets {
			if ref.Type == "retweeted" {
				retweet = true
				break
			}
		}
		if retweet {
			continue
		}
		posts = append(posts, Post{
			ID:        t.ID,
			Text:      t.Text,
			CreatedAt: parseTime(t.CreatedAt),
			Likes:     t.PublicMetrics.LikeCount,
			Reshares:  t.PublicMetrics.RetweetCount,
			Replies:   t.PublicMetrics.ReplyCount,
			IsReply:   t.InReplyToUserID != "",
		})
	}
	return posts, nil
}

func parseUser(u rawUser) (*Profile, error) {
	if u.ID == "" {
		return nil, fmt.Errorf("empty user id (username=%s)", u.Username)
	}
	return &Profile{
		ID:              u.ID,
		Username:        u.Username,
		DisplayName:     u.Name,
		Bio:             strings.TrimSpace(u.Description),
		Location:        u.Location,
		Followers:       u.PublicMetrics.FollowersCount,
		Following:       u.PublicMetrics.FollowingCount,
		PostCount:       u.PublicMetrics.TweetCount,
		ListedCount:     u.PublicMetrics.ListedCount,
		ProfileImageURL: u.ProfileImage,
		CreatedAt:       parseTime(u.CreatedAt),
	}, nil
}

// parseTime parses the v2 RFC3339 timestamp, normalized to UTC.
// Zero time on failure; timestamps are informational, not load-bearing.
func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

type rawError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e rawError) message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Title
}
