package store

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// exerciseBackend runs the behaviour every backend must share.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	guild := "guild-" + uuid.New().String()[:8]

	p, err := b.LoadPreferences(ctx, guild)
	if err != nil {
		t.Fatalf("LoadPreferences (missing) failed: %v", err)
	}
	if p.GuildID != guild || p.RetentionDays != 0 || len(p.DiscussionChannels) != 0 {
		t.Errorf("expected defaults, got %+v", p)
	}
	if p.GetRetentionDays() != DefaultRetentionDays {
		t.Errorf("GetRetentionDays = %d, want %d", p.GetRetentionDays(), DefaultRetentionDays)
	}

	p.RetentionDays = 14
	p.SetDiscussionChannels([]string{"30", "10", "20", "10"})
	if err := b.SavePreferences(ctx, p); err != nil {
		t.Fatalf("SavePreferences failed: %v", err)
	}
	if p.UpdatedAt.IsZero() {
		t.Error("SavePreferences should stamp UpdatedAt")
	}

	got, err := b.LoadPreferences(ctx, guild)
	if err != nil {
		t.Fatalf("LoadPreferences failed: %v", err)
	}
	if got.GetRetentionDays() != 14 {
		t.Errorf("retention = %d, want 14", got.GetRetentionDays())
	}
	if len(got.DiscussionChannels) != 3 || got.DiscussionChannels[0] != "10" || got.DiscussionChannels[2] != "30" {
		t.Errorf("discussion channels = %v", got.DiscussionChannels)
	}

	// Overwrite with an empty set.
	got.SetDiscussionChannels(nil)
	if err := b.SavePreferences(ctx, got); err != nil {
		t.Fatalf("SavePreferences (clear) failed: %v", err)
	}
	cleared, err := b.LoadPreferences(ctx, guild)
	if err != nil {
		t.Fatalf("LoadPreferences (cleared) failed: %v", err)
	}
	if len(cleared.DiscussionChannels) != 0 {
		t.Errorf("expected no discussion channels, got %v", cleared.DiscussionChannels)
	}

	if _, err := b.LatestScrapeRun(ctx, guild); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	older := ScrapeRun{
		ID: uuid.New(), GuildID: guild,
		StartedAt: start.Add(-time.Hour), FinishedAt: start.Add(-59 * time.Minute),
		Channels: 3, Synced: 3, Status: RunStatusOK,
	}
	newer := ScrapeRun{
		ID: uuid.New(), GuildID: guild,
		StartedAt: start, FinishedAt: start.Add(time.Minute),
		Channels: 3, Synced: 1, Skipped: 1, Failed: 1,
		Status: RunStatusIncomplete, Error: "sync channel 3 (transport): boom",
	}
	for _, r := range []ScrapeRun{newer, older} {
		if err := b.RecordScrapeRun(ctx, r); err != nil {
			t.Fatalf("RecordScrapeRun failed: %v", err)
		}
	}

	latest, err := b.LatestScrapeRun(ctx, guild)
	if err != nil {
		t.Fatalf("LatestScrapeRun failed: %v", err)
	}
	if latest.ID != newer.ID {
		t.Errorf("latest run = %s, want %s", latest.ID, newer.ID)
	}
	if latest.Failed != 1 || latest.Status != RunStatusIncomplete || latest.Error != newer.Error {
		t.Errorf("latest run = %+v", latest)
	}
	if !latest.StartedAt.Equal(newer.StartedAt) || !latest.FinishedAt.Equal(newer.FinishedAt) {
		t.Errorf("run times = %v..%v, want %v..%v", latest.StartedAt, latest.FinishedAt, newer.StartedAt, newer.FinishedAt)
	}

	guilds, err := b.ListGuilds(ctx)
	if err != nil {
		t.Fatalf("ListGuilds failed: %v", err)
	}
	found := false
	for _, g := range guilds {
		if g == guild {
			found = true
		}
	}
	if !found {
		t.Errorf("ListGuilds = %v, missing %s", guilds, guild)
	}
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemory())
}

func TestSQLiteBackend(t *testing.T) {
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "archivist.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	exerciseBackend(t, b)
}

func TestSQLiteBackend_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "archivist.db")
	ctx := context.Background()

	b, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := b.SavePreferences(ctx, &GuildPreferences{GuildID: "g", RetentionDays: 3}); err != nil {
		t.Fatalf("SavePreferences failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer b.Close()
	p, err := b.LoadPreferences(ctx, "g")
	if err != nil {
		t.Fatalf("LoadPreferences failed: %v", err)
	}
	if p.RetentionDays != 3 {
		t.Errorf("retention = %d, want 3", p.RetentionDays)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		dsn     string
		want    string
		wantErr error
	}{
		{"memory", "memory://", "*store.Memory", nil},
		{"sqlite absolute", "sqlite://" + filepath.Join(dir, "a.db"), "*store.SQLite", nil},
		{"sqlite opaque", "sqlite:" + filepath.Join(dir, "b.db"), "*store.SQLite", nil},
		{"unknown scheme", "mysql://localhost/db", "", ErrUnsupportedScheme},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Open(ctx, tt.dsn)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open(%q) failed: %v", tt.dsn, err)
			}
			defer b.Close()
			if got := typeName(b); got != tt.want {
				t.Errorf("Open(%q) = %s, want %s", tt.dsn, got, tt.want)
			}
		})
	}

	if _, err := Open(ctx, "  "); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func typeName(b Backend) string {
	switch b.(type) {
	case *Memory:
		return "*store.Memory"
	case *SQLite:
		return "*store.SQLite"
	case *Postgres:
		return "*store.Postgres"
	}
	return "unknown"
}

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"sqlite://./data/archivist.db", "./data/archivist.db"},
		{"sqlite:///var/lib/archivist.db", "/var/lib/archivist.db"},
		{"sqlite:archivist.db", "archivist.db"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.dsn)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.dsn, err)
		}
		if got := sqlitePath(u, tt.dsn); got != tt.want {
			t.Errorf("sqlitePath(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}

func TestSetDiscussionChannels(t *testing.T) {
	p := &GuildPreferences{}
	p.SetDiscussionChannels([]string{"b", " a ", "", "b"})
	if len(p.DiscussionChannels) != 2 || p.DiscussionChannels[0] != "a" || p.DiscussionChannels[1] != "b" {
		t.Errorf("DiscussionChannels = %v", p.DiscussionChannels)
	}
	if p.RetentionOr(9) != 9 {
		t.Errorf("RetentionOr = %d, want 9", p.RetentionOr(9))
	}
}
