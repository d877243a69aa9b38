package scrape

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/archivist/internal/archive"
	"github.com/MikeSquared-Agency/archivist/internal/source"
)

const DefaultConcurrency = 5

// GuildResult joins the outcomes of every channel in one guild scrape.
type GuildResult struct {
	RunID      uuid.UUID
	GuildID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
}

func (r *GuildResult) count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

func (r *GuildResult) Synced() int  { return r.count(StatusSynced) }
func (r *GuildResult) Skipped() int { return r.count(StatusSkipped) }
func (r *GuildResult) Failed() int  { return r.count(StatusFailed) }

// OK reports whether no channel failed. Skipped channels do not count as failures.
func (r *GuildResult) OK() bool {
	return r.Failed() == 0
}

// Err joins every channel failure, or returns nil.
func (r *GuildResult) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// Orchestrator fans channel syncs of a guild out over a bounded worker pool.
type Orchestrator struct {
	root     *archive.Root
	src      source.Source
	registry *Registry
	workers  int
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(root *archive.Root, src source.Source, registry *Registry, workers int, logger *slog.Logger) *Orchestrator {
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		root:     root,
		src:      src,
		registry: registry,
		workers:  workers,
		logger:   logger,
		now:      time.Now,
	}
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// ScrapeGuild syncs every channel and blocks until all of them are terminal.
// A failed channel never cancels its siblings. The only error returned
// directly is ErrScrapeInProgress; channel failures are in the result.
func (o *Orchestrator) ScrapeGuild(ctx context.Context, guildID string, channels []string, policy RetentionPolicy) (*GuildResult, error) {
	release, err := o.registry.Begin(guildID)
	if err != nil {
		return nil, err
	}
	defer release()

	res := &GuildResult{
		RunID:     uuid.New(),
		GuildID:   guildID,
		StartedAt: o.now(),
	}
	ids := dedupe(channels)
	o.logger.Info("guild scrape started",
		"guild_id", guildID,
		"run_id", res.RunID,
		"channels", len(ids),
		"retention_days", policy.MaxAgeDays,
	)

	engine := NewEngine(o.root.Guild(guildID), o.src, o.logger.With("guild_id", guildID))
	engine.now = o.now

	jobs := make(chan string, len(ids))
	for _, id := range ids {
		jobs <- id
	}
	close(jobs)

	var outcomes sync.Map
	var wg sync.WaitGroup
	for range min(o.workers, len(ids)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				outcomes.Store(id, engine.Sync(ctx, id, policy))
			}
		}()
	}
	wg.Wait()

	res.Outcomes = make([]Outcome, 0, len(ids))
	for _, id := range ids {
		if v, ok := outcomes.Load(id); ok {
			res.Outcomes = append(res.Outcomes, v.(Outcome))
		}
	}
	res.FinishedAt = o.now()
	o.registry.Complete(res)

	o.logger.Info("guild scrape finished",
		"guild_id", guildID,
		"run_id", res.RunID,
		"synced", res.Synced(),
		"skipped", res.Skipped(),
		"failed", res.Failed(),
		"duration", res.FinishedAt.Sub(res.StartedAt),
	)
	return res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
