package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local backend for tests and throwaway runs.
type Memory struct {
	mu    sync.Mutex
	prefs map[string]GuildPreferences
	runs  map[string][]ScrapeRun
}

func NewMemory() *Memory {
	return &Memory{
		prefs: make(map[string]GuildPreferences),
		runs:  make(map[string][]ScrapeRun),
	}
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) LoadPreferences(_ context.Context, guildID string) (*GuildPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[guildID]
	if !ok {
		return defaultPreferences(guildID), nil
	}
	p.DiscussionChannels = append([]string{}, p.DiscussionChannels...)
	return &p, nil
}

func (m *Memory) SavePreferences(_ context.Context, prefs *GuildPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs.UpdatedAt = time.Now().UTC()
	p := *prefs
	p.DiscussionChannels = append([]string{}, prefs.DiscussionChannels...)
	m.prefs[p.GuildID] = p
	return nil
}

func (m *Memory) ListGuilds(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for id := range m.prefs {
		seen[id] = struct{}{}
	}
	for id := range m.runs {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) RecordScrapeRun(_ context.Context, run ScrapeRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.GuildID] = append(m.runs[run.GuildID], run)
	return nil
}

func (m *Memory) LatestScrapeRun(_ context.Context, guildID string) (*ScrapeRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.runs[guildID]
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	latest := runs[0]
	for _, r := range runs[1:] {
		if !r.StartedAt.Before(latest.StartedAt) {
			latest = r
		}
	}
	return &latest, nil
}
