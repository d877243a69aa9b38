package source

import (
	"context"
	"fmt"
)

// Cursor lazily walks a channel's history from newest to oldest.
// A page is requested only when the previous one is exhausted and Next is
// called again, so a consumer that stops early stops fetching.
type Cursor struct {
	ctx       context.Context
	src       Source
	channelID string
	pos       Position
	pageSize  int

	buf   []Message
	idx   int
	cur   Message
	pages int
	last  bool
	err   error
}

// NewCursor returns a cursor over channelID starting at start.
func NewCursor(ctx context.Context, src Source, channelID string, start Start) *Cursor {
	return &Cursor{
		ctx:       ctx,
		src:       src,
		channelID: channelID,
		pos:       Position{Time: start.before},
		pageSize:  DefaultPageSize,
	}
}

// WithPageSize overrides the page size. Values outside 1..100 are ignored.
func (c *Cursor) WithPageSize(n int) *Cursor {
	if n > 0 && n <= DefaultPageSize {
		c.pageSize = n
	}
	return c
}

// Next advances to the next older message.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.idx >= len(c.buf) {
		if c.last {
			return false
		}
		if err := c.fetch(); err != nil {
			c.err = err
			return false
		}
		if len(c.buf) == 0 {
			return false
		}
	}
	c.cur = c.buf[c.idx]
	c.idx++
	return true
}

func (c *Cursor) fetch() error {
	page, err := c.src.History(c.ctx, c.channelID, c.pos, c.pageSize)
	c.pages++
	if err != nil {
		return fmt.Errorf("fetch history %s: %w", c.channelID, err)
	}
	c.buf = page
	c.idx = 0
	if len(page) < c.pageSize {
		c.last = true
	}
	if len(page) > 0 {
		oldest := page[len(page)-1]
		c.pos = Position{Time: oldest.Timestamp, ID: oldest.ID}
	}
	return nil
}

// Message returns the message Next advanced to.
func (c *Cursor) Message() Message {
	return c.cur
}

func (c *Cursor) Err() error {
	return c.err
}

// Pages is the number of history pages requested so far.
func (c *Cursor) Pages() int {
	return c.pages
}

// TakeWhile visits messages until shouldContinue returns false, the history
// ends, or visit fails. No page beyond the stopping message is requested.
func TakeWhile(c *Cursor, shouldContinue func(Message) bool, visit func(Message) error) error {
	for c.Next() {
		m := c.Message()
		if !shouldContinue(m) {
			return nil
		}
		if err := visit(m); err != nil {
			return err
		}
	}
	return c.Err()
}
