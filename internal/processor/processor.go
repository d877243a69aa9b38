package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MikeSquared-Agency/archivist/internal/archive"
	"github.com/MikeSquared-Agency/archivist/internal/classify"
	"github.com/MikeSquared-Agency/archivist/internal/hermes"
	"github.com/MikeSquared-Agency/archivist/internal/scrape"
	"github.com/MikeSquared-Agency/archivist/internal/slack"
	"github.com/MikeSquared-Agency/archivist/internal/source"
	"github.com/MikeSquared-Agency/archivist/internal/store"
)

// maxRunError bounds the error text kept in the scrape ledger.
const maxRunError = 2000

// ChannelLister lists the text channels of a guild.
type ChannelLister interface {
	Channels(ctx context.Context, guildID string) ([]source.Channel, error)
}

type Publisher interface {
	Publish(subject string, data any) error
}

type Notifier interface {
	PostScrapeSummary(ctx context.Context, summary slack.ScrapeSummary) (string, error)
}

type Indexer interface {
	IndexArchive(st *archive.Store, guildID, channelID string) (int, error)
	IndexGuild(st *archive.Store, guildID string) (int, error)
}

// Options wires a Processor. Publisher, Notifier and Indexer are optional.
type Options struct {
	Root                 *archive.Root
	Orchestrator         *scrape.Orchestrator
	Classifier           *classify.Classifier
	Store                store.Backend
	Channels             ChannelLister
	Publisher            Publisher
	Notifier             Notifier
	Indexer              Indexer
	DefaultRetentionDays int
	Logger               *slog.Logger
}

// Processor runs the archiver's guild pipeline: scrape, record, index, classify, report.
type Processor struct {
	root          *archive.Root
	orchestrator  *scrape.Orchestrator
	classifier    *classify.Classifier
	store         store.Backend
	channels      ChannelLister
	hermes        Publisher
	slack         Notifier
	index         Indexer
	retentionDays int
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	pendingSummaries map[string]string // slack ts -> guild id
}

func New(opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	days := opts.DefaultRetentionDays
	if days <= 0 {
		days = store.DefaultRetentionDays
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		root:             opts.Root,
		orchestrator:     opts.Orchestrator,
		classifier:       opts.Classifier,
		store:            opts.Store,
		channels:         opts.Channels,
		hermes:           opts.Publisher,
		slack:            opts.Notifier,
		index:            opts.Indexer,
		retentionDays:    days,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
		pendingSummaries: make(map[string]string),
	}
}

// HandleScrapeRequested is the NATS handler for archivist.guild.scrape.requested.
func (p *Processor) HandleScrapeRequested(subject string, data []byte) {
	var req hermes.ScrapeRequested
	if err := json.Unmarshal(data, &req); err != nil {
		p.logger.Error("failed to parse scrape request", "error", err)
		return
	}
	if err := p.StartScrape(req); err != nil {
		p.logger.Warn("scrape request rejected", "guild_id", req.GuildID, "error", err)
	}
}

// HandleClassifyRequested is the NATS handler for archivist.guild.classify.requested.
func (p *Processor) HandleClassifyRequested(subject string, data []byte) {
	var req hermes.ClassifyRequested
	if err := json.Unmarshal(data, &req); err != nil {
		p.logger.Error("failed to parse classify request", "error", err)
		return
	}
	if err := p.StartClassify(req.GuildID); err != nil {
		p.logger.Warn("classify request rejected", "guild_id", req.GuildID, "error", err)
	}
}

// HandleReaction processes reactions on scrape summaries forwarded from Slack.
func (p *Processor) HandleReaction(subject string, data []byte) {
	evt, err := slack.ParseReactionEvent(data, p.logger)
	if err != nil {
		p.logger.Error("failed to parse reaction", "error", err)
		return
	}

	action := slack.ParseReaction(evt.Reaction)
	if action == slack.ActionUnknown {
		return
	}

	p.mu.Lock()
	guildID, ok := p.pendingSummaries[evt.MessageTS]
	if ok {
		delete(p.pendingSummaries, evt.MessageTS)
	}
	p.mu.Unlock()
	if !ok {
		return // not a summary we posted
	}

	p.logger.Info("summary reaction", "guild_id", guildID, "action", string(action), "user_id", evt.UserID)
	switch action {
	case slack.ActionRescrape:
		err = p.StartScrape(hermes.ScrapeRequested{GuildID: guildID, RequestedBy: "slack:" + evt.UserID})
	case slack.ActionReclassify:
		err = p.StartClassify(guildID)
	}
	if err != nil {
		p.logger.Warn("reaction request rejected", "guild_id", guildID, "error", err)
	}
}

// StartScrape runs a guild scrape in the background. It fails fast with
// scrape.ErrScrapeInProgress when the guild is already being scraped.
func (p *Processor) StartScrape(req hermes.ScrapeRequested) error {
	if req.GuildID == "" {
		return errors.New("guild id is required")
	}
	if _, active := p.orchestrator.Registry().Active(req.GuildID); active {
		return scrape.ErrScrapeInProgress
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.ScrapeGuild(p.ctx, req); err != nil {
			p.logger.Error("guild scrape failed", "guild_id", req.GuildID, "error", err)
		}
	}()
	return nil
}

// StartClassify re-classifies a guild in the background.
func (p *Processor) StartClassify(guildID string) error {
	if guildID == "" {
		return errors.New("guild id is required")
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.Classify(p.ctx, guildID); err != nil {
			p.logger.Error("guild classification failed", "guild_id", guildID, "error", err)
		}
	}()
	return nil
}

// ScrapeGuild scrapes every text channel of a guild and runs the follow-up steps.
// Channel failures do not make it return an error; they show up in the result.
func (p *Processor) ScrapeGuild(ctx context.Context, req hermes.ScrapeRequested) (*scrape.GuildResult, error) {
	guildID := req.GuildID
	if _, active := p.orchestrator.Registry().Active(guildID); active {
		return nil, scrape.ErrScrapeInProgress
	}

	prefs, err := p.store.LoadPreferences(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if req.RetentionDays > 0 && req.RetentionDays != prefs.RetentionDays {
		prefs.RetentionDays = req.RetentionDays
		if err := p.store.SavePreferences(ctx, prefs); err != nil {
			return nil, fmt.Errorf("save preferences: %w", err)
		}
	}
	policy := scrape.RetentionPolicy{MaxAgeDays: prefs.RetentionOr(p.retentionDays)}

	chans, err := p.channels.Channels(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	ids := make([]string, 0, len(chans))
	for _, ch := range chans {
		ids = append(ids, ch.ID)
	}

	res, err := p.orchestrator.ScrapeGuild(ctx, guildID, ids, policy)
	if err != nil {
		return nil, err
	}

	if err := p.store.RecordScrapeRun(ctx, ledgerRow(res)); err != nil {
		p.logger.Error("failed to record scrape run", "guild_id", guildID, "run_id", res.RunID, "error", err)
	}

	p.reindex(res)

	discussion, err := p.Classify(ctx, guildID)
	if err != nil {
		p.logger.Error("classification after scrape failed", "guild_id", guildID, "error", err)
	}

	p.publish(hermes.SubjectScrapeCompleted, completedEvent(res))
	p.report(ctx, res, discussion, req.RequestedBy)

	if !res.OK() {
		p.logger.Warn("guild scrape encountered problems, archives are likely incomplete",
			"guild_id", guildID,
			"run_id", res.RunID,
			"failed", res.Failed(),
		)
	}
	return res, nil
}

// Classify recomputes and stores a guild's discussion channels, then announces them.
func (p *Processor) Classify(ctx context.Context, guildID string) ([]string, error) {
	ids, err := p.classifier.Run(ctx, guildID)
	if err != nil {
		return nil, err
	}
	p.publish(hermes.SubjectDiscussionClassified, hermes.DiscussionClassified{GuildID: guildID, ChannelIDs: ids})
	return ids, nil
}

// Wait blocks until background scrapes and classifications have finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Close cancels background work and waits for it to stop.
func (p *Processor) Close() {
	p.cancel()
	p.wg.Wait()
}

// reindex refreshes the search documents of every channel whose archive changed.
func (p *Processor) reindex(res *scrape.GuildResult) {
	if p.index == nil {
		return
	}
	st := p.root.Guild(res.GuildID)
	docs := 0
	for _, o := range res.Outcomes {
		changed := o.Status == scrape.StatusSynced ||
			(o.Status == scrape.StatusFailed && o.Failure == scrape.FailureCorrupt)
		if !changed {
			continue
		}
		n, err := p.index.IndexArchive(st, res.GuildID, o.ChannelID)
		if err != nil {
			p.logger.Warn("failed to index archive", "guild_id", res.GuildID, "channel_id", o.ChannelID, "error", err)
			continue
		}
		docs += n
	}
	p.logger.Debug("guild reindexed", "guild_id", res.GuildID, "documents", docs)
}

// ReindexAll rebuilds the search documents of every guild archived on disk.
// A guild that fails to index does not stop the others.
func (p *Processor) ReindexAll(ctx context.Context) error {
	if p.index == nil {
		return nil
	}
	guilds, err := p.root.Guilds()
	if err != nil {
		return fmt.Errorf("list guilds: %w", err)
	}
	var errs []error
	for _, guildID := range guilds {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.index.IndexGuild(p.root.Guild(guildID), guildID)
		if err != nil {
			errs = append(errs, fmt.Errorf("index guild %s: %w", guildID, err))
		}
		p.logger.Info("guild indexed", "guild_id", guildID, "documents", n)
	}
	return errors.Join(errs...)
}

func (p *Processor) publish(subject string, data any) {
	if p.hermes == nil {
		return
	}
	if err := p.hermes.Publish(subject, data); err != nil {
		p.logger.Error("failed to publish", "subject", subject, "error", err)
	}
}

func (p *Processor) report(ctx context.Context, res *scrape.GuildResult, discussion []string, requestedBy string) {
	if p.slack == nil {
		return
	}
	ts, err := p.slack.PostScrapeSummary(ctx, slack.ScrapeSummary{
		Result:             res,
		DiscussionChannels: discussion,
		RequestedBy:        requestedBy,
	})
	if err != nil {
		p.logger.Error("slack post failed", "guild_id", res.GuildID, "error", err)
		return
	}
	p.mu.Lock()
	p.pendingSummaries[ts] = res.GuildID
	p.mu.Unlock()
}

func ledgerRow(res *scrape.GuildResult) store.ScrapeRun {
	run := store.ScrapeRun{
		ID:         res.RunID,
		GuildID:    res.GuildID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Channels:   len(res.Outcomes),
		Synced:     res.Synced(),
		Skipped:    res.Skipped(),
		Failed:     res.Failed(),
		Status:     store.RunStatusOK,
	}
	if !res.OK() {
		run.Status = store.RunStatusIncomplete
	}
	if err := res.Err(); err != nil {
		run.Error = truncate(err.Error(), maxRunError)
	}
	return run
}

func completedEvent(res *scrape.GuildResult) hermes.ScrapeCompleted {
	evt := hermes.ScrapeCompleted{
		RunID:      res.RunID.String(),
		GuildID:    res.GuildID,
		OK:         res.OK(),
		Channels:   len(res.Outcomes),
		Synced:     res.Synced(),
		Skipped:    res.Skipped(),
		Failed:     res.Failed(),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if err := res.Err(); err != nil {
		evt.Error = truncate(err.Error(), maxRunError)
	}
	return evt
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
