package processor

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MikeSquared-Agency/archivist/internal/hermes"
	"github.com/MikeSquared-Agency/archivist/internal/scrape"
)

type MaintenanceOptions struct {
	Enabled    bool
	Interval   time.Duration
	Timeout    time.Duration // per guild
	RunOnStart bool
}

func DefaultMaintenanceOptions() MaintenanceOptions {
	return MaintenanceOptions{
		Enabled:  true,
		Interval: 24 * time.Hour,
		Timeout:  30 * time.Minute,
	}
}

func sanitizeMaintenanceOptions(opts MaintenanceOptions) MaintenanceOptions {
	defaults := DefaultMaintenanceOptions()
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	return opts
}

// RunMaintenance rescrapes every known guild on a fixed interval so archives
// follow their retention window, and re-classifies them. Blocks until ctx is done.
func (p *Processor) RunMaintenance(ctx context.Context, opts MaintenanceOptions) {
	opts = sanitizeMaintenanceOptions(opts)
	if !opts.Enabled {
		return
	}
	p.logger.Info("maintenance scheduled", "interval", opts.Interval, "run_on_start", opts.RunOnStart)

	if opts.RunOnStart {
		p.maintainAll(ctx, opts.Timeout)
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maintainAll(ctx, opts.Timeout)
		}
	}
}

func (p *Processor) maintainAll(ctx context.Context, timeout time.Duration) {
	guilds, err := p.KnownGuilds(ctx)
	if err != nil {
		p.logger.Error("maintenance: list guilds failed", "error", err)
		return
	}
	p.logger.Info("maintenance started", "guilds", len(guilds))

	incomplete := 0
	for _, guildID := range guilds {
		if ctx.Err() != nil {
			return
		}
		gctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := p.ScrapeGuild(gctx, hermes.ScrapeRequested{GuildID: guildID, RequestedBy: "maintenance"})
		cancel()
		switch {
		case errors.Is(err, scrape.ErrScrapeInProgress):
			p.logger.Info("maintenance: guild busy, skipping", "guild_id", guildID)
		case err != nil:
			incomplete++
			p.logger.Error("maintenance: guild scrape failed", "guild_id", guildID, "error", err)
		case !res.OK():
			incomplete++
		}
	}
	p.logger.Info("maintenance finished", "guilds", len(guilds), "incomplete", incomplete)
}

// KnownGuilds returns every guild with stored preferences, runs or archives, sorted.
func (p *Processor) KnownGuilds(ctx context.Context) ([]string, error) {
	stored, err := p.store.ListGuilds(ctx)
	if err != nil {
		return nil, err
	}
	onDisk, err := p.root.Guilds()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(stored)+len(onDisk))
	var out []string
	for _, ids := range [][]string{stored, onDisk} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
