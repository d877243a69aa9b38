package source

import (
	"context"
	"errors"
	"time"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 100

// ErrPermissionDenied is returned when the bot may not read a channel's history.
// It is distinct from transport failures.
var ErrPermissionDenied = errors.New("permission denied")

// Message is a single chat message as seen by the archiver.
type Message struct {
	ID        string
	Timestamp time.Time
	Bot       bool
	Content   string
}

// Position is an exclusive upper bound for a history page.
// A zero Time and empty ID mean the head of the channel.
type Position struct {
	Time time.Time
	// ID, when set, continues strictly after the message with that id.
	ID string
}

// Head reports whether the position points at the newest message.
func (p Position) Head() bool {
	return p.Time.IsZero() && p.ID == ""
}

// Source is a remote, paginated, reverse-chronological message history.
type Source interface {
	// History returns up to limit messages strictly older than before, newest first.
	History(ctx context.Context, channelID string, before Position, limit int) ([]Message, error)
	// Latest peeks at the newest message of a channel.
	Latest(ctx context.Context, channelID string) (Message, bool, error)
	// Earliest returns the channel's creation bound, strictly before any of its messages.
	Earliest(ctx context.Context, channelID string) (time.Time, error)
}

// Start selects where a cursor begins.
type Start struct {
	before time.Time
}

// FromHead starts at the newest message.
func FromHead() Start {
	return Start{}
}

// Before starts with the newest message strictly older than t.
func Before(t time.Time) Start {
	return Start{before: t}
}

// AtOrBefore starts with the newest message not newer than t.
func AtOrBefore(t time.Time) Start {
	return Start{before: t.Add(time.Nanosecond)}
}
