package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                 int
	NatsURL              string
	NatsToken            string
	DatabaseURL          string
	LogLevel             string
	ArchiveDir           string
	ArchiveTimezone      string
	IndexPath            string
	DiscordAPIURL        string
	DiscordBotToken      string
	ScrapeConcurrency    int
	DefaultRetentionDays int
	MaintenanceInterval  time.Duration
	SlackBotToken        string
	SlackChannel         string
	APIToken             string
}

func Load() Config {
	return Config{
		Port:                 envInt("ARCHIVIST_PORT", 8760),
		NatsURL:              envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:            envStr("NATS_TOKEN", ""),
		DatabaseURL:          envStr("DATABASE_URL", "sqlite://./data/archivist.db"),
		LogLevel:             envStr("LOG_LEVEL", "info"),
		ArchiveDir:           envStr("ARCHIVE_DIR", "./data/archives"),
		ArchiveTimezone:      envStr("ARCHIVE_TIMEZONE", "UTC"),
		IndexPath:            envStr("INDEX_PATH", ""),
		DiscordAPIURL:        envStr("DISCORD_API_URL", "https://discord.com/api/v10"),
		DiscordBotToken:      envStr("DISCORD_BOT_TOKEN", ""),
		ScrapeConcurrency:    envInt("SCRAPE_CONCURRENCY", 5),
		DefaultRetentionDays: envInt("DEFAULT_RETENTION_DAYS", 30),
		MaintenanceInterval:  envDuration("MAINTENANCE_INTERVAL", 24*time.Hour),
		SlackBotToken:        envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:         envStr("SLACK_STATUS_CHANNEL", ""),
		APIToken:             envStr("ARCHIVIST_API_TOKEN", ""),
	}
}

// Location resolves ArchiveTimezone, the single zone used for archive timestamps and date stamps.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ArchiveTimezone)
	if err != nil {
		return nil, fmt.Errorf("load archive timezone %q: %w", c.ArchiveTimezone, err)
	}
	return loc, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
