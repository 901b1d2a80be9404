// Package trust validates subjects against a community-maintained list of
// trusted accounts. The list is fetched over plain HTTP and cached locally,
// so membership checks consume no API credits.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultListURL is the community trust list this system was built around.
const DefaultListURL = "https://raw.githubusercontent.com/devsyrem/turst-list/main/list"

const cacheTTL = 24 * time.Hour

var quotedRe = regexp.MustCompile(`"([^"]+)"`)

// categoryPatterns classifies trusted accounts by username substrings.
var categoryPatterns = []struct {
	name     string
	keywords []string
}{
	{"Key Opinion Leader", []string{"aeyakovenko", "rajgokal", "vinnylingham", "tonyguoga", "austin_federa"}},
	{"DeFi Protocol", []string{"exchange", "protocol", "finance", "lending", "swap", "dex",
		"yield", "jupiter", "raydium", "orca", "kamino", "meteora",
		"drift", "solend", "marinade", "jito", "saber", "sunny"}},
	{"NFT/Gaming", []string{"nft", "mad", "magic", "bears", "ape", "fox", "backpack",
		"tensor", "lifinity", "degen", "okay", "famous", "cets"}},
	{"Infrastructure", []string{"solana", "phantom", "explorer", "wallet", "labs", "network",
		"wormhole", "helium", "pyth", "solflare", "beach"}},
	{"Media/Community", []string{"media", "wordcel", "superteam", "dao", "community", "stellar",
		"bunkr", "candy", "bridge", "tourism", "meme", "truts"}},
	{"Gaming/Metaverse", []string{"staratlas", "grape", "star", "atlas", "gaming", "metaverse"}},
}

// List is an immutable snapshot of the trusted accounts.
type List struct {
	members   map[string]bool
	FetchedAt time.Time
	Size      int
}

// Check reports whether username is on the trusted list and, if so, its
// category. Case-insensitive; costs nothing.
func (l *List) Check(username string) (bool, string) {
	if l == nil {
		return false, ""
	}
	name := strings.ToLower(strings.TrimPrefix(username, "@"))
	if !l.members[name] {
		return false, ""
	}
	return true, categorize(name)
}

func categorize(name string) string {
	for _, cat := range categoryPatterns {
		for _, kw := range cat.keywords {
			if strings.Contains(name, kw) {
				return cat.name
			}
		}
	}
	return "Community Member"
}

// cacheRecord is the on-disk cache shape.
type cacheRecord struct {
	FetchedAt time.Time `json:"fetched_at"`
	Usernames []string  `json:"usernames"`
}

// Loader fetches and caches the trust list.
type Loader struct {
	url        string
	cachePath  string
	httpClient *http.Client
	now        func() time.Time
}

// Option configures a Loader.
type Option func(*Loader)

// WithListURL overrides the list source (tests point it at a local server).
func WithListURL(u string) Option {
	return func(l *Loader) { l.url = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(l *Loader) { l.httpClient = hc }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// NewLoader creates a Loader caching at cachePath.
func NewLoader(cachePath string, opts ...Option) *Loader {
	l := &Loader{
		url:        DefaultListURL,
		cachePath:  cachePath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the trust list, from the local cache when it is younger than
// a day, fetching otherwise. When the fetch fails but a stale cache exists,
// the stale copy is used with a warning.
func (l *Loader) Load(ctx context.Context) (*List, error) {
	if cached := l.readCache(); cached != nil && l.now().UTC().Sub(cached.FetchedAt) < cacheTTL {
		slog.Debug("trust list loaded from cache",
			slog.Int("accounts", cached.Size),
			slog.Time("fetched_at", cached.FetchedAt))
		return cached, nil
	}

	list, err := l.fetch(ctx)
	if err != nil {
		if cached := l.readCache(); cached != nil {
			slog.Warn("trust list fetch failed, using stale cache",
				slog.Any("error", err),
				slog.Time("fetched_at", cached.FetchedAt))
			return cached, nil
		}
		return nil, err
	}
	l.writeCache(list)
	slog.Info("trust list fetched", slog.Int("accounts", list.Size))
	return list, nil
}

func (l *Loader) fetch(ctx context.Context) (*List, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build trust list request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch trust list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch trust list: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read trust list: %w", err)
	}
	usernames := ParseList(string(body))
	if len(usernames) == 0 {
		return nil, fmt.Errorf("trust list at %s contained no usernames", l.url)
	}
	return newList(usernames, l.now().UTC()), nil
}

// ParseList extracts usernames from the upstream list format: a bracketed
// block of quoted names, possibly with comments between them.
func ParseList(content string) []string {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end == -1 || end < start {
		return nil
	}
	var usernames []string
	for _, m := range quotedRe.FindAllStringSubmatch(content[start:end+1], -1) {
		if name := strings.TrimSpace(m[1]); name != "" {
			usernames = append(usernames, name)
		}
	}
	return usernames
}

func newList(usernames []string, fetchedAt time.Time) *List {
	members := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		members[strings.ToLower(strings.TrimPrefix(u, "@"))] = true
	}
	return &List{members: members, FetchedAt: fetchedAt, Size: len(members)}
}

func (l *Loader) readCache() *List {
	data, err := os.ReadFile(l.cachePath)
	if err != nil {
		return nil
	}
	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("trust cache corrupt, ignoring", slog.String("path", l.cachePath), slog.Any("error", err))
		return nil
	}
	if len(rec.Usernames) == 0 {
		return nil
	}
	return newList(rec.Usernames, rec.FetchedAt)
}

func (l *Loader) writeCache(list *List) {
	usernames := make([]string, 0, len(list.members))
	for u := range list.members {
		usernames = append(usernames, u)
	}
	data, err := json.MarshalIndent(cacheRecord{FetchedAt: list.FetchedAt, Usernames: usernames}, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.cachePath), 0o750); err != nil {
		slog.Warn("trust cache dir create failed", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(l.cachePath, data, 0o600); err != nil {
		slog.Warn("trust cache write failed", slog.String("path", l.cachePath), slog.Any("error", err))
	}
}
