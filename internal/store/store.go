package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRetentionDays applies to guilds that never set a retention age.
const DefaultRetentionDays = 30

var (
	ErrNotFound          = errors.New("not found")
	ErrUnsupportedScheme = errors.New("unsupported store scheme")
)

// GuildPreferences are the per-guild settings the archiver reads and writes.
type GuildPreferences struct {
	GuildID            string    `json:"guild_id"`
	RetentionDays      int       `json:"retention_days"`
	DiscussionChannels []string  `json:"discussion_channels"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// GetRetentionDays returns the guild's retention age in days.
func (p *GuildPreferences) GetRetentionDays() int {
	return p.RetentionOr(DefaultRetentionDays)
}

// RetentionOr returns the guild's retention age, or def when unset.
func (p *GuildPreferences) RetentionOr(def int) int {
	if p == nil || p.RetentionDays <= 0 {
		return def
	}
	return p.RetentionDays
}

// SetDiscussionChannels replaces the discussion channel set. Ids are sorted and deduplicated.
func (p *GuildPreferences) SetDiscussionChannels(ids []string) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	p.DiscussionChannels = out
}

func defaultPreferences(guildID string) *GuildPreferences {
	return &GuildPreferences{GuildID: guildID, DiscussionChannels: []string{}}
}

// ScrapeRun is one row of the guild scrape ledger.
type ScrapeRun struct {
	ID         uuid.UUID `json:"id"`
	GuildID    string    `json:"guild_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Channels   int       `json:"channels"`
	Synced     int       `json:"synced"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

const (
	RunStatusOK         = "ok"
	RunStatusIncomplete = "incomplete"
)

// Backend persists guild preferences and the scrape ledger.
type Backend interface {
	// LoadPreferences returns defaults for a guild with no stored preferences.
	LoadPreferences(ctx context.Context, guildID string) (*GuildPreferences, error)
	SavePreferences(ctx context.Context, prefs *GuildPreferences) error
	// ListGuilds returns every guild with stored preferences or runs, sorted.
	ListGuilds(ctx context.Context) ([]string, error)
	RecordScrapeRun(ctx context.Context, run ScrapeRun) error
	// LatestScrapeRun returns ErrNotFound when a guild was never scraped.
	LatestScrapeRun(ctx context.Context, guildID string) (*ScrapeRun, error)
	Close() error
}

// Open selects a backend by DSN scheme: postgres, sqlite or memory.
func Open(ctx context.Context, dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty store dsn")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn)
	case "sqlite", "file":
		return OpenSQLite(sqlitePath(parsed, dsn))
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// sqlitePath accepts sqlite:///abs/path, sqlite://./rel/path and sqlite:rel/path.
func sqlitePath(u *url.URL, raw string) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	if u.Host != "" {
		return u.Host + u.Path
	}
	if u.Path != "" {
		return u.Path
	}
	return strings.TrimPrefix(raw, u.Scheme+"://")
}
