package archive

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Writer builds a new archive in a temp file next to the final path.
// The previous archive stays in place until Commit renames over it.
type Writer struct {
	channelID string
	path      string
	tmp       string
	loc       *time.Location
	f         *os.File
	w         *bufio.Writer
	header    bool
	count     int
	done      bool
}

// Create starts a new archive for a channel.
func (s *Store) Create(channelID string) (*Writer, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir archive dir: %w", err)
	}
	f, err := os.CreateTemp(s.dir, "."+channelID+fileSuffix+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp archive %s: %w", channelID, err)
	}
	return &Writer{
		channelID: channelID,
		path:      s.Path(channelID),
		tmp:       f.Name(),
		loc:       s.loc,
		f:         f,
		w:         bufio.NewWriter(f),
	}, nil
}

// WriteHeader writes the two header lines in the store's location. It must be
// called exactly once, before any record.
func (w *Writer) WriteHeader(h Header) error {
	if w.done {
		return errors.New("archive writer closed")
	}
	if w.header {
		return errors.New("archive header already written")
	}
	if h.Head.Before(h.Cutoff) {
		return fmt.Errorf("head %s before cutoff %s", h.Head.Format(headerLayout), h.Cutoff.Format(headerLayout))
	}
	head, cutoff := h.Head.In(w.loc).Format(headerLayout), h.Cutoff.In(w.loc).Format(headerLayout)
	if _, err := fmt.Fprintf(w.w, "%s\n%s\n", head, cutoff); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	w.header = true
	return nil
}

// WriteRecord appends one record line.
func (w *Writer) WriteRecord(r Record) error {
	if w.done {
		return errors.New("archive writer closed")
	}
	if !w.header {
		return errors.New("archive header not written")
	}
	if len(r.Date) != len(dateLayout) {
		return fmt.Errorf("bad date stamp %q", r.Date)
	}
	content := r.Content
	if strings.ContainsAny(content, "\r\n") {
		content = EncodeContent(content)
	}
	if _, err := w.w.WriteString(r.Date + content + "\n"); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	w.count++
	return nil
}

// Count is the number of records written so far.
func (w *Writer) Count() int {
	return w.count
}

// Commit flushes the temp file and atomically replaces the channel archive with it.
func (w *Writer) Commit() error {
	if w.done {
		return errors.New("archive writer closed")
	}
	if !w.header {
		_ = w.Abort()
		return errors.New("archive header not written")
	}
	if err := w.commit(); err != nil {
		_ = w.Abort()
		return fmt.Errorf("commit archive %s: %w", w.channelID, err)
	}
	w.done = true
	return nil
}

func (w *Writer) commit() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	if err := w.f.Chmod(0o644); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	w.f = nil
	return os.Rename(w.tmp, w.path)
}

// Abort discards the temp file. It is safe to call after Commit.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	if err := os.Remove(w.tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
