package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultDiscordURL = "https://discord.com/api/v10"

	// discordEpochMs is the first millisecond of 2015, the origin of Discord snowflakes.
	discordEpochMs = 1420070400000

	channelTypeText         = 0
	channelTypeAnnouncement = 5
)

// HTTPError is a non-retryable API failure.
type HTTPError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Channel is a text channel of a guild.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

// Discord reads guild channel histories over the Discord REST API.
type Discord struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewDiscord(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Discord {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultDiscordURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     logger,
		maxRetries: 3,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type discordMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Author    struct {
		Bot bool `json:"bot"`
	} `json:"author"`
}

// History returns up to limit messages strictly older than before, newest first.
func (d *Discord) History(ctx context.Context, channelID string, before Position, limit int) ([]Message, error) {
	if limit <= 0 || limit > DefaultPageSize {
		limit = DefaultPageSize
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	switch {
	case before.ID != "":
		q.Set("before", before.ID)
	case !before.Time.IsZero():
		q.Set("before", snowflakeBefore(before.Time))
	}

	var raw []discordMessage
	path := fmt.Sprintf("/channels/%s/messages?%s", url.PathEscape(channelID), q.Encode())
	if err := d.doJSON(ctx, path, &raw); err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, Message{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			Bot:       m.Author.Bot,
			Content:   m.Content,
		})
	}
	return msgs, nil
}

// Latest peeks at the newest message of a channel.
func (d *Discord) Latest(ctx context.Context, channelID string) (Message, bool, error) {
	msgs, err := d.History(ctx, channelID, Position{}, 1)
	if err != nil {
		return Message{}, false, err
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}
	return msgs[0], true, nil
}

// Earliest derives the channel's creation time from its snowflake id.
// Creation precedes every message, so the bound is exclusive.
func (d *Discord) Earliest(_ context.Context, channelID string) (time.Time, error) {
	t, err := TimeFromSnowflake(channelID)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(-time.Millisecond), nil
}

// Channels lists the text and announcement channels of a guild.
func (d *Discord) Channels(ctx context.Context, guildID string) ([]Channel, error) {
	var raw []Channel
	if err := d.doJSON(ctx, fmt.Sprintf("/guilds/%s/channels", url.PathEscape(guildID)), &raw); err != nil {
		return nil, fmt.Errorf("list channels %s: %w", guildID, err)
	}
	out := make([]Channel, 0, len(raw))
	for _, c := range raw {
		if c.Type == channelTypeText || c.Type == channelTypeAnnouncement {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *Discord) doJSON(ctx context.Context, path string, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+d.token)
		req.Header.Set("Accept", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			if attempt < d.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, d.retryDelay(attempt+1, 0)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			return nil
		}

		var errPayload struct {
			Code       int     `json:"code"`
			Message    string  `json:"message"`
			RetryAfter float64 `json:"retry_after"`
		}
		_ = json.Unmarshal(payload, &errPayload)

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < d.maxRetries {
			wait := parseRetryAfter(resp.Header.Get("Retry-After"))
			if wait == 0 && errPayload.RetryAfter > 0 {
				wait = time.Duration(errPayload.RetryAfter * float64(time.Second))
			}
			d.logger.Warn("discord request throttled", "path", path, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, d.retryDelay(attempt+1, wait)); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, errPayload.Message)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (d *Discord) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	maxDelay := d.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := d.baseDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds >= 0 && !math.IsInf(seconds, 0) {
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SnowflakeAt returns the smallest snowflake id that could be minted at t.
func SnowflakeAt(t time.Time) uint64 {
	ms := t.UnixMilli() - discordEpochMs
	if ms < 0 {
		ms = 0
	}
	return uint64(ms) << 22
}

// snowflakeBefore converts an exclusive time bound to an exclusive id bound.
// Ids only carry milliseconds, so a bound inside a millisecond rounds up.
func snowflakeBefore(t time.Time) string {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return strconv.FormatUint(SnowflakeAt(time.UnixMilli(ms)), 10)
}

// TimeFromSnowflake extracts the creation time encoded in a snowflake id.
func TimeFromSnowflake(id string) (time.Time, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("invalid snowflake " + strconv.Quote(id))
	}
	return time.UnixMilli(int64(n>>22) + discordEpochMs).UTC(), nil
}
