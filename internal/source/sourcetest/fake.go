// Package sourcetest provides an in-memory message source for tests.
package sourcetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/archivist/internal/source"
)

var errUnknownChannel = errors.New("unknown channel")

type channel struct {
	created time.Time
	// newest first
	msgs   []source.Message
	denied bool
	err    error
	calls  int
}

// Fake is a concurrency-safe in-memory source.Source.
type Fake struct {
	mu       sync.Mutex
	seq      int
	channels map[string]*channel
}

func New() *Fake {
	return &Fake{channels: make(map[string]*channel)}
}

// AddChannel registers a channel created at created.
func (f *Fake) AddChannel(id string, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel(id).created = created
}

// Post appends a user message at ts and returns it.
func (f *Fake) Post(channelID string, ts time.Time, content string) source.Message {
	return f.post(channelID, ts, content, false)
}

// PostBot appends a bot message at ts and returns it.
func (f *Fake) PostBot(channelID string, ts time.Time, content string) source.Message {
	return f.post(channelID, ts, content, true)
}

func (f *Fake) post(channelID string, ts time.Time, content string, bot bool) source.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	m := source.Message{
		ID:        fmt.Sprintf("%s-%06d", channelID, f.seq),
		Timestamp: ts,
		Bot:       bot,
		Content:   content,
	}
	c := f.channel(channelID)
	c.msgs = append(c.msgs, m)
	// Stable sort keeps later posts ahead of earlier ones at equal timestamps.
	sort.SliceStable(c.msgs, func(i, j int) bool {
		if c.msgs[i].Timestamp.Equal(c.msgs[j].Timestamp) {
			return c.msgs[i].ID > c.msgs[j].ID
		}
		return c.msgs[i].Timestamp.After(c.msgs[j].Timestamp)
	})
	return m
}

// Deny makes every read of the channel fail with source.ErrPermissionDenied.
func (f *Fake) Deny(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel(channelID).denied = true
}

// Fail makes every read of the channel fail with err. A nil err clears it.
func (f *Fake) Fail(channelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel(channelID).err = err
}

// HistoryCalls is the number of History and Latest requests made for a channel.
func (f *Fake) HistoryCalls(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.channels[channelID]; ok {
		return c.calls
	}
	return 0
}

// ResetCalls zeroes all request counters.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.channels {
		c.calls = 0
	}
}

func (f *Fake) channel(id string) *channel {
	c, ok := f.channels[id]
	if !ok {
		c = &channel{}
		f.channels[id] = c
	}
	return c
}

func (f *Fake) lookup(id string) (*channel, error) {
	c, ok := f.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownChannel, id)
	}
	if c.denied {
		return nil, fmt.Errorf("%w: %s", source.ErrPermissionDenied, id)
	}
	if c.err != nil {
		return nil, c.err
	}
	return c, nil
}

func (f *Fake) History(ctx context.Context, channelID string, before source.Position, limit int) ([]source.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.channels[channelID]; ok {
		c.calls++
	}
	c, err := f.lookup(channelID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = source.DefaultPageSize
	}

	start := 0
	switch {
	case before.ID != "":
		start = len(c.msgs)
		for i, m := range c.msgs {
			if m.ID == before.ID {
				start = i + 1
				break
			}
		}
	case !before.Time.IsZero():
		start = sort.Search(len(c.msgs), func(i int) bool {
			return c.msgs[i].Timestamp.Before(before.Time)
		})
	}
	end := min(start+limit, len(c.msgs))
	out := make([]source.Message, end-start)
	copy(out, c.msgs[start:end])
	return out, nil
}

func (f *Fake) Latest(ctx context.Context, channelID string) (source.Message, bool, error) {
	msgs, err := f.History(ctx, channelID, source.Position{}, 1)
	if err != nil {
		return source.Message{}, false, err
	}
	if len(msgs) == 0 {
		return source.Message{}, false, nil
	}
	return msgs[0], true, nil
}

func (f *Fake) Earliest(_ context.Context, channelID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(channelID)
	if err != nil {
		return time.Time{}, err
	}
	return c.created, nil
}

// Channels lists every registered channel as a text channel of any guild.
func (f *Fake) Channels(_ context.Context, _ string) ([]source.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]source.Channel, 0, len(f.channels))
	for id := range f.channels {
		out = append(out, source.Channel{ID: id, Name: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
