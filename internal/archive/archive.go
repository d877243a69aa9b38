package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// NewlineToken replaces embedded line breaks in archived message content.
const NewlineToken = "<nl>"

const (
	dateLayout   = "20060102"
	headerLayout = time.RFC3339Nano
	fileSuffix   = ".txt"
	maxLineBytes = 1 << 20
)

var (
	// ErrCorrupt marks an archive whose header or records cannot be parsed.
	ErrCorrupt = errors.New("corrupt archive")
	// ErrLocked indicates another task or process owns the channel archive.
	ErrLocked = errors.New("archive locked")
)

var newlineReplacer = strings.NewReplacer("\r\n", NewlineToken, "\n", NewlineToken, "\r", NewlineToken)

// Header describes the window an archive covers: records lie in (Cutoff, Head].
type Header struct {
	Head   time.Time
	Cutoff time.Time
}

// Duration is the length of the covered window.
func (h Header) Duration() time.Duration {
	d := h.Head.Sub(h.Cutoff)
	if d < 0 {
		return -d
	}
	return d
}

// Record is one archived message: a YYYYMMDD date stamp and encoded content.
type Record struct {
	Date    string
	Content string
}

// Store reads and writes the archives of one guild directory.
// All timestamps and date stamps use a single fixed location.
type Store struct {
	dir string
	loc *time.Location
}

// NewStore returns a store rooted at dir. A nil location means UTC.
func NewStore(dir string, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{dir: filepath.Clean(dir), loc: loc}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Location() *time.Location {
	return s.loc
}

// Path returns the archive file path for a channel.
func (s *Store) Path(channelID string) string {
	return filepath.Join(s.dir, channelID+fileSuffix)
}

// DateOf returns the calendar date stamp of t in the store's location.
func (s *Store) DateOf(t time.Time) string {
	return t.In(s.loc).Format(dateLayout)
}

// NewRecord builds a record for a message posted at t.
func (s *Store) NewRecord(t time.Time, content string) Record {
	return Record{Date: s.DateOf(t), Content: EncodeContent(content)}
}

// EncodeContent trims surrounding whitespace and replaces line breaks with NewlineToken.
func EncodeContent(content string) string {
	return newlineReplacer.Replace(strings.TrimSpace(content))
}

// DecodeContent restores line breaks replaced by EncodeContent.
func DecodeContent(content string) string {
	return strings.ReplaceAll(content, NewlineToken, "\n")
}

// ReadHeader reads the two header lines of a channel archive.
func (s *Store) ReadHeader(channelID string) (Header, error) {
	f, err := os.Open(s.Path(channelID))
	if err != nil {
		return Header{}, fmt.Errorf("open archive %s: %w", channelID, err)
	}
	defer f.Close()

	h, err := readHeader(newScanner(f), s.loc)
	if err != nil {
		return Header{}, fmt.Errorf("read archive %s: %w", channelID, err)
	}
	return h, nil
}

// Count returns the number of records in a channel archive.
func (s *Store) Count(channelID string) (int, error) {
	r, err := s.Open(channelID)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n := 0
	for r.Next() {
		n++
	}
	if err := r.Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// List returns the ids of all channels with an archive, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archives: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes a channel archive. A missing archive is not an error.
func (s *Store) Remove(channelID string) error {
	if err := os.Remove(s.Path(channelID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove archive %s: %w", channelID, err)
	}
	return nil
}

// Reader iterates the records of an archive, newest first.
type Reader struct {
	f      *os.File
	sc     *bufio.Scanner
	header Header
	rec    Record
	line   int
	err    error
}

// Open opens a channel archive and parses its header.
func (s *Store) Open(channelID string) (*Reader, error) {
	f, err := os.Open(s.Path(channelID))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", channelID, err)
	}
	sc := newScanner(f)
	h, err := readHeader(sc, s.loc)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read archive %s: %w", channelID, err)
	}
	return &Reader{f: f, sc: sc, header: h, line: 2}, nil
}

func (r *Reader) Header() Header {
	return r.header
}

// Next advances to the next record. It returns false at end of file or on error.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	if !r.sc.Scan() {
		r.err = r.sc.Err()
		return false
	}
	r.line++
	rec, err := parseRecord(r.sc.Text())
	if err != nil {
		r.err = fmt.Errorf("line %d: %w", r.line, err)
		return false
	}
	r.rec = rec
	return true
}

func (r *Reader) Record() Record {
	return r.rec
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Close() error {
	if r == nil || r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func newScanner(rd io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return sc
}

func readHeader(sc *bufio.Scanner, loc *time.Location) (Header, error) {
	head, err := scanTimestamp(sc, "head", loc)
	if err != nil {
		return Header{}, err
	}
	cutoff, err := scanTimestamp(sc, "cutoff", loc)
	if err != nil {
		return Header{}, err
	}
	if head.Before(cutoff) {
		return Header{}, fmt.Errorf("%w: head %s before cutoff %s", ErrCorrupt, head.Format(headerLayout), cutoff.Format(headerLayout))
	}
	return Header{Head: head, Cutoff: cutoff}, nil
}

func scanTimestamp(sc *bufio.Scanner, field string, loc *time.Location) (time.Time, error) {
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("%w: missing %s timestamp", ErrCorrupt, field)
	}
	t, err := time.Parse(headerLayout, strings.TrimSpace(sc.Text()))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s timestamp: %v", ErrCorrupt, field, err)
	}
	return t.In(loc), nil
}

func parseRecord(line string) (Record, error) {
	if len(line) < len(dateLayout) {
		return Record{}, fmt.Errorf("%w: short record %q", ErrCorrupt, line)
	}
	date := line[:len(dateLayout)]
	for i := 0; i < len(date); i++ {
		if date[i] < '0' || date[i] > '9' {
			return Record{}, fmt.Errorf("%w: bad date stamp %q", ErrCorrupt, date)
		}
	}
	return Record{Date: date, Content: line[len(dateLayout):]}, nil
}
