package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/archivist/internal/scrape"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// maxListedFailures bounds the failed channels listed in a summary thread.
const maxListedFailures = 20

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// ScrapeSummary is what the status channel learns about one guild scrape.
type ScrapeSummary struct {
	Result             *scrape.GuildResult
	DiscussionChannels []string
	RequestedBy        string
}

// PostScrapeSummary posts a guild scrape summary to the status channel.
// Returns the message timestamp (ts), used for tracking reactions.
// Failed channels are listed in a threaded reply.
func (p *Poster) PostScrapeSummary(ctx context.Context, summary ScrapeSummary) (string, error) {
	text := formatScrapeMessage(summary)

	hint := "React: :arrows_counterclockwise: rescrape | :mag: reclassify"
	body, err := json.Marshal(map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": hint,
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	ts, err := p.post(ctx, body)
	if err != nil {
		return "", err
	}
	p.logger.Info("posted scrape summary to slack", "ts", ts, "guild_id", summary.Result.GuildID)

	if failures := formatFailures(summary.Result); failures != "" {
		if err := p.PostThread(ctx, ts, failures); err != nil {
			p.logger.Warn("failed to post failure thread", "ts", ts, "error", err)
		}
	}
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	body, err := json.Marshal(map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = p.post(ctx, body)
	return err
}

func (p *Poster) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func formatScrapeMessage(summary ScrapeSummary) string {
	res := summary.Result
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Guild:* %s\n", res.GuildID)
	if summary.RequestedBy != "" {
		fmt.Fprintf(&sb, "*Requested by:* %s\n", summary.RequestedBy)
	}
	elapsed := res.FinishedAt.Sub(res.StartedAt).Round(time.Second)
	fmt.Fprintf(&sb, "*Channels:* %d (%d synced, %d skipped, %d failed) in %s\n\n",
		len(res.Outcomes), res.Synced(), res.Skipped(), res.Failed(), elapsed)

	if res.OK() {
		sb.WriteString(":white_check_mark: Scrape complete.\n")
	} else {
		sb.WriteString(":warning: Scrape encountered problems, archives are likely incomplete.\n")
	}

	if len(summary.DiscussionChannels) > 0 {
		fmt.Fprintf(&sb, "*Discussion channels: %d*\n", len(summary.DiscussionChannels))
		for _, id := range summary.DiscussionChannels {
			fmt.Fprintf(&sb, "• <#%s>\n", id)
		}
	} else {
		sb.WriteString("_No discussion channels found._")
	}

	return sb.String()
}

func formatFailures(res *scrape.GuildResult) string {
	if res == nil || res.OK() {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Failed channels: %d*\n", res.Failed())
	listed := 0
	for _, o := range res.Outcomes {
		if o.Status != scrape.StatusFailed {
			continue
		}
		if listed == maxListedFailures {
			fmt.Fprintf(&sb, "…and %d more\n", res.Failed()-listed)
			break
		}
		fmt.Fprintf(&sb, "• <#%s> [%s] %v\n", o.ChannelID, o.Failure, o.Err)
		listed++
	}
	return sb.String()
}
