// Package scrape keeps per-channel archives in step with a remote message source.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MikeSquared-Agency/archivist/internal/archive"
	"github.com/MikeSquared-Agency/archivist/internal/source"
)

// RetentionPolicy bounds how old an archived message may be.
type RetentionPolicy struct {
	MaxAgeDays int
}

// Cutoff returns now minus the retention age.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(p.MaxAgeDays) * 24 * time.Hour)
}

type Mode string

const (
	ModeFull    Mode = "full"
	ModeStale   Mode = "stale"
	ModePartial Mode = "partial"
)

type Status string

const (
	StatusSynced  Status = "synced"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

type FailureKind string

const (
	FailureIO        FailureKind = "io"
	FailureTransport FailureKind = "transport"
	FailureCorrupt   FailureKind = "corrupt"
)

// SyncError is the terminal failure of one channel sync.
type SyncError struct {
	ChannelID string
	Kind      FailureKind
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync channel %s (%s): %v", e.ChannelID, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Window is derived from the previous archive header and the current policy.
type Window struct {
	PreviousHead   time.Time
	PreviousCutoff time.Time
	NewCutoff      time.Time
	Mode           Mode
}

// Outcome is the terminal state of one channel sync.
type Outcome struct {
	ChannelID string
	Status    Status
	Failure   FailureKind
	Window    Window
	Header    archive.Header
	Records   int
	Fetched   int
	Pages     int
	Duration  time.Duration
	Err       error
}

// Engine reconciles the archives of one guild directory with a source.
type Engine struct {
	store  *archive.Store
	src    source.Source
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(store *archive.Store, src source.Source, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, src: src, logger: logger, now: time.Now}
}

// Sync brings one channel archive up to date. It never panics on a channel
// failure; the outcome carries the terminal status instead.
func (e *Engine) Sync(ctx context.Context, channelID string, policy RetentionPolicy) Outcome {
	start := time.Now()
	out := Outcome{ChannelID: channelID}
	err := e.sync(ctx, channelID, policy, &out)
	out.Duration = time.Since(start)

	var se *SyncError
	switch {
	case err == nil:
		out.Status = StatusSynced
		e.logger.Info("channel synced",
			"channel_id", channelID,
			"mode", out.Window.Mode,
			"records", out.Records,
			"fetched", out.Fetched,
			"pages", out.Pages,
			"duration", out.Duration,
		)
	case errors.Is(err, source.ErrPermissionDenied):
		out.Status = StatusSkipped
		out.Err = err
		e.logger.Info("channel skipped, no read permission", "channel_id", channelID)
	case errors.As(err, &se):
		out.Status = StatusFailed
		out.Failure = se.Kind
		out.Err = se
		e.logger.Error("channel sync failed", "channel_id", channelID, "kind", se.Kind, "error", se.Err)
	default:
		out.Status = StatusFailed
		out.Failure = FailureIO
		out.Err = &SyncError{ChannelID: channelID, Kind: FailureIO, Err: err}
		e.logger.Error("channel sync failed", "channel_id", channelID, "kind", FailureIO, "error", err)
	}
	return out
}

func (e *Engine) fail(channelID string, kind FailureKind, err error) error {
	return &SyncError{ChannelID: channelID, Kind: kind, Err: err}
}

func (e *Engine) sync(ctx context.Context, channelID string, policy RetentionPolicy, out *Outcome) error {
	lock, err := e.store.Lock(channelID)
	if err != nil {
		return e.fail(channelID, FailureIO, err)
	}
	defer lock.Release()

	now := e.now()
	win, err := e.window(channelID, policy.Cutoff(now))
	if err != nil {
		return e.fail(channelID, FailureIO, err)
	}
	out.Window = win

	earliest, err := e.src.Earliest(ctx, channelID)
	if err != nil {
		return e.fail(channelID, FailureTransport, fmt.Errorf("earliest message: %w", err))
	}
	cutoff := win.NewCutoff
	if earliest.After(cutoff) {
		cutoff = earliest
	}
	if win.Mode == ModePartial && win.PreviousHead.Before(cutoff) {
		win.Mode = ModeStale
		out.Window = win
	}

	// The head is pinned before fetching so the header never claims a
	// message the records do not contain.
	bound := cutoff
	if win.Mode == ModePartial {
		bound = win.PreviousHead
	}
	head := bound
	latest, ok, err := e.src.Latest(ctx, channelID)
	if err != nil {
		return e.fail(channelID, FailureTransport, fmt.Errorf("latest message: %w", err))
	}
	if ok && latest.Timestamp.After(bound) {
		head = latest.Timestamp
	}
	if head.Before(cutoff) {
		head = cutoff
	}

	w, err := e.store.Create(channelID)
	if err != nil {
		return e.fail(channelID, FailureIO, err)
	}
	defer w.Abort()

	header := archive.Header{Head: head, Cutoff: cutoff}
	if err := w.WriteHeader(header); err != nil {
		return e.fail(channelID, FailureIO, err)
	}

	// Head extension, or the whole window in full and stale mode.
	if head.After(bound) {
		if err := e.fetch(ctx, w, channelID, source.AtOrBefore(head), bound, out); err != nil {
			return err
		}
	}

	if win.Mode == ModePartial {
		if err := e.extendPartial(ctx, w, channelID, win, cutoff, out); err != nil {
			return err
		}
	}

	if err := w.Commit(); err != nil {
		return e.fail(channelID, FailureIO, err)
	}
	out.Header = header
	out.Records = w.Count()
	return nil
}

// extendPartial writes the middle splice and, when the window grew older, the tail.
func (e *Engine) extendPartial(ctx context.Context, w *archive.Writer, channelID string, win Window, cutoff time.Time, out *Outcome) error {
	if !win.PreviousCutoff.After(cutoff) {
		cutDate := e.store.DateOf(win.NewCutoff)
		return e.splice(w, channelID, func(date string) bool { return date >= cutDate })
	}

	// Spliced days may reach past the old cutoff, so the cutoff's whole day
	// comes from the tail instead of the old archive.
	prevDate := e.store.DateOf(win.PreviousCutoff)
	if err := e.splice(w, channelID, func(date string) bool { return date > prevDate }); err != nil {
		return err
	}
	next := e.nextDay(win.PreviousCutoff)
	tail := source.Before(next)
	if win.PreviousHead.Before(next) {
		tail = source.AtOrBefore(win.PreviousHead)
	}
	return e.fetch(ctx, w, channelID, tail, cutoff, out)
}

// window classifies the previous archive against the new cutoff.
func (e *Engine) window(channelID string, newCutoff time.Time) (Window, error) {
	win := Window{NewCutoff: newCutoff}
	h, err := e.store.ReadHeader(channelID)
	switch {
	case errors.Is(err, os.ErrNotExist):
		win.Mode = ModeFull
		return win, nil
	case errors.Is(err, archive.ErrCorrupt):
		e.logger.Warn("discarding archive with corrupt header", "channel_id", channelID, "error", err)
		win.Mode = ModeStale
		return win, nil
	case err != nil:
		return win, err
	}

	win.PreviousHead = h.Head
	win.PreviousCutoff = h.Cutoff
	if h.Head.Before(newCutoff) {
		win.Mode = ModeStale
	} else {
		win.Mode = ModePartial
	}
	return win, nil
}

// fetch appends every non-bot message newer than after, walking down from start.
func (e *Engine) fetch(ctx context.Context, w *archive.Writer, channelID string, start source.Start, after time.Time, out *Outcome) error {
	cur := source.NewCursor(ctx, e.src, channelID, start)
	err := source.TakeWhile(cur,
		func(m source.Message) bool { return m.Timestamp.After(after) },
		func(m source.Message) error {
			out.Fetched++
			if m.Bot {
				return nil
			}
			if err := w.WriteRecord(e.store.NewRecord(m.Timestamp, m.Content)); err != nil {
				return e.fail(channelID, FailureIO, err)
			}
			return nil
		},
	)
	out.Pages += cur.Pages()
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return e.fail(channelID, FailureTransport, err)
}

// nextDay returns midnight after t in the store's location.
func (e *Engine) nextDay(t time.Time) time.Time {
	y, m, d := t.In(e.store.Location()).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, e.store.Location())
}

// splice copies old records in file order while keep accepts their date stamp.
// A malformed record removes the archive so the next run starts over.
func (e *Engine) splice(w *archive.Writer, channelID string, keep func(date string) bool) error {
	r, err := e.store.Open(channelID)
	if err != nil {
		return e.fail(channelID, FailureIO, err)
	}
	defer r.Close()

	for r.Next() {
		rec := r.Record()
		if !keep(rec.Date) {
			break
		}
		if err := w.WriteRecord(rec); err != nil {
			return e.fail(channelID, FailureIO, err)
		}
	}
	if err := r.Err(); err != nil {
		if errors.Is(err, archive.ErrCorrupt) {
			_ = r.Close()
			if rmErr := e.store.Remove(channelID); rmErr != nil {
				e.logger.Error("failed to remove corrupt archive", "channel_id", channelID, "error", rmErr)
			}
			return e.fail(channelID, FailureCorrupt, err)
		}
		return e.fail(channelID, FailureIO, err)
	}
	return nil
}
