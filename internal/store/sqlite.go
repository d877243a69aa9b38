package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a single-file backend for deployments without Postgres.
// Timestamps are stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func initSQLiteSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS guild_preferences (
	guild_id            TEXT PRIMARY KEY,
	retention_days      INTEGER NOT NULL DEFAULT 0,
	discussion_channels TEXT NOT NULL DEFAULT '[]',
	updated_at_unix_ms  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS scrape_runs (
	id                  TEXT PRIMARY KEY,
	guild_id            TEXT NOT NULL,
	started_at_unix_ms  INTEGER NOT NULL,
	finished_at_unix_ms INTEGER NOT NULL,
	channels            INTEGER NOT NULL,
	synced              INTEGER NOT NULL,
	skipped             INTEGER NOT NULL,
	failed              INTEGER NOT NULL,
	status              TEXT NOT NULL,
	error               TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_guild_started ON scrape_runs(guild_id, started_at_unix_ms DESC);`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) LoadPreferences(ctx context.Context, guildID string) (*GuildPreferences, error) {
	var (
		p         = GuildPreferences{GuildID: guildID}
		channels  string
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT retention_days, discussion_channels, updated_at_unix_ms
		FROM guild_preferences
		WHERE guild_id = ?`,
		guildID,
	).Scan(&p.RetentionDays, &channels, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultPreferences(guildID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &p.DiscussionChannels); err != nil {
		return nil, fmt.Errorf("decode discussion channels: %w", err)
	}
	if p.DiscussionChannels == nil {
		p.DiscussionChannels = []string{}
	}
	p.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &p, nil
}

func (s *SQLite) SavePreferences(ctx context.Context, prefs *GuildPreferences) error {
	channels := prefs.DiscussionChannels
	if channels == nil {
		channels = []string{}
	}
	raw, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("encode discussion channels: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO guild_preferences (guild_id, retention_days, discussion_channels, updated_at_unix_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			retention_days = excluded.retention_days,
			discussion_channels = excluded.discussion_channels,
			updated_at_unix_ms = excluded.updated_at_unix_ms`,
		prefs.GuildID, prefs.RetentionDays, string(raw), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	prefs.UpdatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	return nil
}

func (s *SQLite) ListGuilds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id FROM guild_preferences
		UNION
		SELECT guild_id FROM scrape_runs
		ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) RecordScrapeRun(ctx context.Context, run ScrapeRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_runs (id, guild_id, started_at_unix_ms, finished_at_unix_ms, channels, synced, skipped, failed, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.GuildID, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		run.Channels, run.Synced, run.Skipped, run.Failed, run.Status, run.Error,
	)
	if err != nil {
		return fmt.Errorf("record scrape run: %w", err)
	}
	return nil
}

func (s *SQLite) LatestScrapeRun(ctx context.Context, guildID string) (*ScrapeRun, error) {
	var (
		r                     ScrapeRun
		id                    string
		startedMs, finishedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, guild_id, started_at_unix_ms, finished_at_unix_ms, channels, synced, skipped, failed, status, error
		FROM scrape_runs
		WHERE guild_id = ?
		ORDER BY started_at_unix_ms DESC
		LIMIT 1`,
		guildID,
	).Scan(&id, &r.GuildID, &startedMs, &finishedMs, &r.Channels, &r.Synced, &r.Skipped, &r.Failed, &r.Status, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest scrape run: %w", err)
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	r.StartedAt = time.UnixMilli(startedMs).UTC()
	r.FinishedAt = time.UnixMilli(finishedMs).UTC()
	return &r, nil
}
