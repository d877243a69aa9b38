package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectScrapeRequested asks for a full guild scrape, e.g. on guild join or a rebuild command.
	SubjectScrapeRequested = "archivist.guild.scrape.requested"
	// SubjectClassifyRequested asks for a re-classification of a guild's archives.
	SubjectClassifyRequested = "archivist.guild.classify.requested"

	SubjectScrapeCompleted      = "archivist.guild.scrape.completed"
	SubjectDiscussionClassified = "archivist.guild.discussion.classified"
)

type ScrapeRequested struct {
	GuildID string `json:"guild_id"`
	// RetentionDays overrides and persists the guild's retention age when set.
	RetentionDays int    `json:"retention_days,omitempty"`
	RequestedBy   string `json:"requested_by,omitempty"`
}

type ClassifyRequested struct {
	GuildID string `json:"guild_id"`
}

// ScrapeCompleted summarises a finished guild scrape. OK is false when any
// channel failed and the archive set is likely incomplete.
type ScrapeCompleted struct {
	RunID      string    `json:"run_id"`
	GuildID    string    `json:"guild_id"`
	OK         bool      `json:"ok"`
	Channels   int       `json:"channels"`
	Synced     int       `json:"synced"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

type DiscussionClassified struct {
	GuildID    string   `json:"guild_id"`
	ChannelIDs []string `json:"channel_ids"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("archivist"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Subscribe joins a queue group so that several replicas split the requests.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, "archivist", func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
