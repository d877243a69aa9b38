package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS guild_preferences (
	guild_id            TEXT PRIMARY KEY,
	retention_days      INTEGER NOT NULL DEFAULT 0,
	discussion_channels TEXT[] NOT NULL DEFAULT '{}',
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS scrape_runs (
	id          UUID PRIMARY KEY,
	guild_id    TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	channels    INTEGER NOT NULL,
	synced      INTEGER NOT NULL,
	skipped     INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS scrape_runs_guild_started ON scrape_runs (guild_id, started_at DESC);`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) LoadPreferences(ctx context.Context, guildID string) (*GuildPreferences, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT guild_id, retention_days, discussion_channels, updated_at
		FROM guild_preferences
		WHERE guild_id = $1`,
		guildID,
	)

	var p GuildPreferences
	err := row.Scan(&p.GuildID, &p.RetentionDays, &p.DiscussionChannels, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaultPreferences(guildID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if p.DiscussionChannels == nil {
		p.DiscussionChannels = []string{}
	}
	return &p, nil
}

// SavePreferences upserts the preferences row and stamps UpdatedAt.
func (s *Postgres) SavePreferences(ctx context.Context, prefs *GuildPreferences) error {
	channels := prefs.DiscussionChannels
	if channels == nil {
		channels = []string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO guild_preferences (guild_id, retention_days, discussion_channels, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (guild_id)
		DO UPDATE SET
			retention_days = $2,
			discussion_channels = $3,
			updated_at = now()
		RETURNING updated_at`,
		prefs.GuildID, prefs.RetentionDays, channels,
	).Scan(&prefs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func (s *Postgres) ListGuilds(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
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

func (s *Postgres) RecordScrapeRun(ctx context.Context, run ScrapeRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_runs (id, guild_id, started_at, finished_at, channels, synced, skipped, failed, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.GuildID, run.StartedAt, run.FinishedAt,
		run.Channels, run.Synced, run.Skipped, run.Failed, run.Status, run.Error,
	)
	if err != nil {
		return fmt.Errorf("record scrape run: %w", err)
	}
	return nil
}

func (s *Postgres) LatestScrapeRun(ctx context.Context, guildID string) (*ScrapeRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, guild_id, started_at, finished_at, channels, synced, skipped, failed, status, error
		FROM scrape_runs
		WHERE guild_id = $1
		ORDER BY started_at DESC
		LIMIT 1`,
		guildID,
	)

	var r ScrapeRun
	err := row.Scan(&r.ID, &r.GuildID, &r.StartedAt, &r.FinishedAt,
		&r.Channels, &r.Synced, &r.Skipped, &r.Failed, &r.Status, &r.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest scrape run: %w", err)
	}
	return &r, nil
}
