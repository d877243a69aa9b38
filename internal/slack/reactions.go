package slack

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ReactionEvent is the structure received from slack-forwarder via NATS.
type ReactionEvent struct {
	Reaction  string `json:"reaction"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	MessageTS string `json:"message_ts"`
}

// Action is what a reaction on a scrape summary asks for.
type Action string

const (
	ActionRescrape   Action = "rescrape"
	ActionReclassify Action = "reclassify"
	ActionUnknown    Action = "unknown"
)

// ParseReaction converts a Slack reaction emoji name to an action.
func ParseReaction(reaction string) Action {
	switch reaction {
	case "arrows_counterclockwise", "repeat":
		return ActionRescrape
	case "mag", "mag_right":
		return ActionReclassify
	default:
		return ActionUnknown
	}
}

// ParseReactionEvent parses a NATS message payload from slack-forwarder into a ReactionEvent.
func ParseReactionEvent(data []byte, logger *slog.Logger) (*ReactionEvent, error) {
	// slack-forwarder wraps the fields in metadata.
	var wrapper struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse reaction wrapper: %w", err)
	}

	evt := &ReactionEvent{
		Reaction:  wrapper.Metadata["text"],
		UserID:    wrapper.Metadata["user_id"],
		Channel:   wrapper.Metadata["channel_id"],
		MessageTS: wrapper.Metadata["message_ts"],
	}

	if len(evt.Reaction) > 2 && evt.Reaction[0] == ':' && evt.Reaction[len(evt.Reaction)-1] == ':' {
		evt.Reaction = evt.Reaction[1 : len(evt.Reaction)-1]
	}
	if evt.MessageTS == "" {
		logger.Debug("reaction without message ts", "reaction", evt.Reaction, "user_id", evt.UserID)
	}

	return evt, nil
}
