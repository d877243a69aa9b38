// Package classify picks the discussion channels of a guild from its archives.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/MikeSquared-Agency/archivist/internal/archive"
	"github.com/MikeSquared-Agency/archivist/internal/store"
)

// Input is the per-channel traffic derived from one archive.
type Input struct {
	ChannelID string
	Lines     int
	Duration  time.Duration
}

// Rate is lines per second, or zero for an empty window.
func (in Input) Rate() float64 {
	secs := in.Duration.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(in.Lines) / secs
}

// AggregateRate is the guild-wide rate: total lines over total seconds.
// Channels with an empty window take no part in either sum.
func AggregateRate(inputs []Input) float64 {
	var lines int
	var secs float64
	for _, in := range inputs {
		if in.Duration <= 0 {
			continue
		}
		lines += in.Lines
		secs += in.Duration.Seconds()
	}
	if secs <= 0 || lines == 0 {
		return 0
	}
	return float64(lines) / secs
}

// Classify returns the ids, sorted, of channels whose rate meets the aggregate rate.
// A channel with an empty window is never a discussion channel.
func Classify(inputs []Input) []string {
	agg := AggregateRate(inputs)
	if agg <= 0 {
		return []string{}
	}
	out := []string{}
	for _, in := range inputs {
		if in.Duration <= 0 {
			continue
		}
		if in.Rate() >= agg {
			out = append(out, in.ChannelID)
		}
	}
	sort.Strings(out)
	return out
}

// Preferences is the part of the store the classifier writes to.
type Preferences interface {
	LoadPreferences(ctx context.Context, guildID string) (*store.GuildPreferences, error)
	SavePreferences(ctx context.Context, prefs *store.GuildPreferences) error
}

// Classifier turns a guild's finished archives into its discussion channel set.
type Classifier struct {
	root   *archive.Root
	prefs  Preferences
	logger *slog.Logger
}

func New(root *archive.Root, prefs Preferences, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{root: root, prefs: prefs, logger: logger}
}

// Inputs reads header and record count of every archive in the guild.
// Unreadable archives are logged and left out.
func (c *Classifier) Inputs(guildID string) ([]Input, error) {
	st := c.root.Guild(guildID)
	ids, err := st.List()
	if err != nil {
		return nil, err
	}
	inputs := make([]Input, 0, len(ids))
	for _, id := range ids {
		h, err := st.ReadHeader(id)
		if err != nil {
			c.logger.Warn("skipping unreadable archive", "guild_id", guildID, "channel_id", id, "error", err)
			continue
		}
		n, err := st.Count(id)
		if err != nil {
			c.logger.Warn("skipping unreadable archive", "guild_id", guildID, "channel_id", id, "error", err)
			continue
		}
		inputs = append(inputs, Input{ChannelID: id, Lines: n, Duration: h.Duration()})
	}
	return inputs, nil
}

// Run classifies a guild and stores the result in its preferences.
func (c *Classifier) Run(ctx context.Context, guildID string) ([]string, error) {
	inputs, err := c.Inputs(guildID)
	if err != nil {
		return nil, fmt.Errorf("read archives: %w", err)
	}
	ids := Classify(inputs)

	prefs, err := c.prefs.LoadPreferences(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	prefs.SetDiscussionChannels(ids)
	if err := c.prefs.SavePreferences(ctx, prefs); err != nil {
		return nil, fmt.Errorf("save preferences: %w", err)
	}

	c.logger.Info("guild classified",
		"guild_id", guildID,
		"channels", len(inputs),
		"discussion_channels", len(ids),
		"aggregate_rate", AggregateRate(inputs),
	)
	return ids, nil
}
