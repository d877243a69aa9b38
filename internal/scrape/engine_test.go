package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/archivist/internal/archive"
	"github.com/MikeSquared-Agency/archivist/internal/source"
	"github.com/MikeSquared-Agency/archivist/internal/source/sourcetest"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *archive.Store
	src    *sourcetest.Fake
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := archive.NewStore(t.TempDir(), time.UTC)
	src := sourcetest.New()
	e := NewEngine(store, src, quietLogger())
	e.now = func() time.Time { return testNow }
	return &fixture{store: store, src: src, engine: e}
}

func (f *fixture) sync(t *testing.T, ch string, days int) Outcome {
	t.Helper()
	return f.engine.Sync(context.Background(), ch, RetentionPolicy{MaxAgeDays: days})
}

func (f *fixture) records(t *testing.T, ch string) []string {
	t.Helper()
	r, err := f.store.Open(ch)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer r.Close()
	var out []string
	for r.Next() {
		out = append(out, archive.DecodeContent(r.Record().Content))
	}
	if err := r.Err(); err != nil {
		t.Fatalf("read archive: %v", err)
	}
	return out
}

func (f *fixture) seedArchive(t *testing.T, ch string, h archive.Header, recs ...archive.Record) {
	t.Helper()
	w, err := f.store.Create(ch)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if err := w.WriteHeader(h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for _, r := range recs {
		if err := w.WriteRecord(r); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("commit archive: %v", err)
	}
}

func assertRecords(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("records = %q, want %q", got, want)
	}
}

func TestSync_FullFetch(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	f.src.Post("c", testNow.Add(-8*day), "too old")
	f.src.Post("c", testNow.Add(-2*day), "b\nc")
	f.src.Post("c", testNow.Add(-time.Hour), "  a  ")
	f.src.PostBot("c", testNow.Add(-30*time.Minute), "bot says hi")

	out := f.sync(t, "c", 7)
	if out.Status != StatusSynced {
		t.Fatalf("status = %s, err = %v", out.Status, out.Err)
	}
	if out.Window.Mode != ModeFull {
		t.Errorf("mode = %s, want full", out.Window.Mode)
	}
	if out.Records != 2 {
		t.Errorf("records = %d, want 2", out.Records)
	}

	data, err := os.ReadFile(f.store.Path("c"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	// The bot message is not archived but still moves the head.
	want := "2026-05-10T11:30:00Z\n" +
		"2026-05-03T12:00:00Z\n" +
		"20260510a\n" +
		"20260508b<nl>c\n"
	if string(data) != want {
		t.Errorf("archive =\n%s\nwant\n%s", data, want)
	}
}

func TestSync_WindowBoundaryIsExclusive(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	f.src.Post("c", testNow.Add(-7*day), "exactly at cutoff")
	f.src.Post("c", testNow.Add(-7*day+time.Second), "just inside")

	out := f.sync(t, "c", 7)
	if out.Status != StatusSynced {
		t.Fatalf("status = %s, err = %v", out.Status, out.Err)
	}
	assertRecords(t, f.records(t, "c"), "just inside")
}

func TestSync_SpliceHasNoDuplicates(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-60*day))

	// t1 > t2 > ... > t10, with the 9-day cutoff falling between t8 and t9.
	ts := make([]time.Time, 11)
	for i := 1; i <= 10; i++ {
		ts[i] = testNow.Add(-time.Duration(i)*day - 12*time.Hour)
		f.src.Post("c", ts[i], fmt.Sprintf("m%d", i))
	}

	var prior []archive.Record
	for i := 3; i <= 7; i++ {
		prior = append(prior, f.store.NewRecord(ts[i], fmt.Sprintf("m%d", i)))
	}
	f.seedArchive(t, "c", archive.Header{Head: ts[3], Cutoff: ts[8]}, prior...)

	out := f.sync(t, "c", 9)
	if out.Status != StatusSynced {
		t.Fatalf("status = %s, err = %v", out.Status, out.Err)
	}
	if out.Window.Mode != ModePartial {
		t.Errorf("mode = %s, want partial", out.Window.Mode)
	}
	assertRecords(t, f.records(t, "c"), "m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8")

	// t1 and t2 from the head, t8 from the tail.
	if out.Fetched != 3 {
		t.Errorf("fetched = %d, want 3", out.Fetched)
	}
	h, err := f.store.ReadHeader("c")
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if !h.Head.Equal(ts[1]) {
		t.Errorf("head = %v, want %v", h.Head, ts[1])
	}
	if !h.Cutoff.Equal(testNow.Add(-9 * day)) {
		t.Errorf("cutoff = %v", h.Cutoff)
	}
}

func TestSync_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	for i := 1; i <= 5; i++ {
		f.src.Post("c", testNow.Add(-time.Duration(i)*day), fmt.Sprintf("line %d", i))
	}

	if out := f.sync(t, "c", 7); out.Status != StatusSynced {
		t.Fatalf("first sync: %v", out.Err)
	}
	first, err := os.ReadFile(f.store.Path("c"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}

	f.src.ResetCalls()
	out := f.sync(t, "c", 7)
	if out.Status != StatusSynced {
		t.Fatalf("second sync: %v", out.Err)
	}
	if out.Window.Mode != ModePartial {
		t.Errorf("mode = %s, want partial", out.Window.Mode)
	}
	if out.Fetched != 0 || out.Pages != 0 {
		t.Errorf("fetched %d messages over %d pages, want none", out.Fetched, out.Pages)
	}
	// Only the head peek reaches the source.
	if n := f.src.HistoryCalls("c"); n != 1 {
		t.Errorf("history calls = %d, want 1", n)
	}

	second, err := os.ReadFile(f.store.Path("c"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("archive changed:\n%s\nvs\n%s", first, second)
	}
}

func TestSync_HeadExtension(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	f.src.Post("c", testNow.Add(-3*day), "old")
	f.src.Post("c", testNow.Add(-2*day), "older head")

	if out := f.sync(t, "c", 7); out.Status != StatusSynced {
		t.Fatalf("first sync: %v", out.Err)
	}

	f.src.Post("c", testNow.Add(-time.Hour), "new")
	out := f.sync(t, "c", 7)
	if out.Status != StatusSynced {
		t.Fatalf("second sync: %v", out.Err)
	}
	if out.Fetched != 1 {
		t.Errorf("fetched = %d, want 1", out.Fetched)
	}
	assertRecords(t, f.records(t, "c"), "new", "older head", "old")
}

func TestSync_TailExtensionWhenRetentionGrows(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	f.src.Post("c", testNow.Add(-5*day), "five")
	f.src.Post("c", testNow.Add(-3*day), "three")
	f.src.Post("c", testNow.Add(-1*day), "one")

	if out := f.sync(t, "c", 2); out.Status != StatusSynced {
		t.Fatalf("first sync: %v", out.Err)
	}
	assertRecords(t, f.records(t, "c"), "one")

	out := f.sync(t, "c", 7)
	if out.Status != StatusSynced {
		t.Fatalf("second sync: %v", out.Err)
	}
	if out.Window.Mode != ModePartial {
		t.Errorf("mode = %s, want partial", out.Window.Mode)
	}
	assertRecords(t, f.records(t, "c"), "one", "three", "five")
}

func TestSync_SpliceKeepsCutoffDay(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	// The cutoff one day later is 2026-05-04T12:00Z.
	f.src.Post("c", time.Date(2026, 5, 3, 20, 0, 0, 0, time.UTC), "previous day")
	f.src.Post("c", time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC), "cutoff day")
	f.src.Post("c", time.Date(2026, 5, 9, 6, 0, 0, 0, time.UTC), "recent")

	if out := f.sync(t, "c", 7); out.Status != StatusSynced {
		t.Fatalf("first sync: %v", out.Err)
	}
	assertRecords(t, f.records(t, "c"), "recent", "cutoff day", "previous day")

	f.engine.now = func() time.Time { return testNow.Add(day) }
	if out := f.sync(t, "c", 7); out.Status != StatusSynced {
		t.Fatalf("second sync: %v", out.Err)
	}
	// Spliced records are compared by calendar day, so "cutoff day" survives
	// even though it is older than the new cutoff instant.
	assertRecords(t, f.records(t, "c"), "recent", "cutoff day")
}

func TestSync_TailAfterSpliceSlopHasNoDuplicates(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	f.src.Post("c", time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC), "d01")
	f.src.Post("c", time.Date(2026, 5, 3, 8, 0, 0, 0, time.UTC), "d03-08h")
	f.src.Post("c", time.Date(2026, 5, 3, 13, 0, 0, 0, time.UTC), "d03-13h")
	f.src.Post("c", time.Date(2026, 5, 3, 18, 0, 0, 0, time.UTC), "d03-18h")
	f.src.Post("c", time.Date(2026, 5, 9, 6, 0, 0, 0, time.UTC), "recent")

	if out := f.sync(t, "c", 7); out.Status != StatusSynced {
		t.Fatalf("first sync: %v", out.Err)
	}
	assertRecords(t, f.records(t, "c"), "recent", "d03-18h", "d03-13h")

	// The cutoff moves to 2026-05-03T18:00Z but the splice keeps the whole day.
	f.engine.now = func() time.Time { return testNow.Add(6 * time.Hour) }
	if out := f.sync(t, "c", 7); out.Status != StatusSynced {
		t.Fatalf("slide sync: %v", out.Err)
	}
	assertRecords(t, f.records(t, "c"), "recent", "d03-18h", "d03-13h")

	out := f.sync(t, "c", 10)
	if out.Status != StatusSynced {
		t.Fatalf("growth sync: %v", out.Err)
	}
	if out.Window.Mode != ModePartial {
		t.Errorf("mode = %s, want partial", out.Window.Mode)
	}
	got := f.records(t, "c")
	seen := make(map[string]bool)
	for _, r := range got {
		if seen[r] {
			t.Errorf("duplicate record %q", r)
		}
		seen[r] = true
	}
	assertRecords(t, got, "recent", "d03-18h", "d03-13h", "d03-08h", "d01")
	// The boundary day and everything older come from the tail.
	if out.Fetched != 4 {
		t.Errorf("fetched = %d, want 4", out.Fetched)
	}
}

func TestSync_TailStartsAtPreviousHeadOnCutoffDay(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	f.src.Post("c", time.Date(2026, 5, 9, 20, 0, 0, 0, time.UTC), "older")
	f.src.Post("c", time.Date(2026, 5, 10, 2, 0, 0, 0, time.UTC), "early")
	f.src.Post("c", time.Date(2026, 5, 10, 6, 0, 0, 0, time.UTC), "morning")

	if out := f.sync(t, "c", 0); out.Status != StatusSynced {
		t.Fatalf("first sync: %v", out.Err)
	}
	// Zero retention puts the cutoff at now, after every message.
	assertRecords(t, f.records(t, "c"))

	out := f.sync(t, "c", 1)
	if out.Status != StatusSynced {
		t.Fatalf("second sync: %v", out.Err)
	}
	if out.Window.Mode != ModePartial {
		t.Errorf("mode = %s, want partial", out.Window.Mode)
	}
	assertRecords(t, f.records(t, "c"), "morning", "early", "older")
}

func TestSync_StaleArchiveIsRebuilt(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	f.src.Post("c", testNow.Add(-day), "fresh")

	old := testNow.Add(-20 * day)
	f.seedArchive(t, "c", archive.Header{Head: old, Cutoff: old.Add(-5 * day)},
		f.store.NewRecord(old, "ancient"))

	out := f.sync(t, "c", 7)
	if out.Status != StatusSynced {
		t.Fatalf("status = %s, err = %v", out.Status, out.Err)
	}
	if out.Window.Mode != ModeStale {
		t.Errorf("mode = %s, want stale", out.Window.Mode)
	}
	assertRecords(t, f.records(t, "c"), "fresh")

	// A stale rebuild matches a fresh full fetch byte for byte.
	g := newFixture(t)
	g.src.AddChannel("c", testNow.Add(-90*day))
	g.src.Post("c", testNow.Add(-day), "fresh")
	if out := g.sync(t, "c", 7); out.Status != StatusSynced {
		t.Fatalf("full sync: %v", out.Err)
	}
	a, _ := os.ReadFile(f.store.Path("c"))
	b, _ := os.ReadFile(g.store.Path("c"))
	if string(a) != string(b) {
		t.Errorf("stale rebuild differs from full fetch:\n%s\nvs\n%s", a, b)
	}
}

func TestSync_CorruptHeaderFallsBackToFull(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	f.src.Post("c", testNow.Add(-day), "fresh")
	if err := os.MkdirAll(f.store.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.store.Path("c"), []byte("not a timestamp\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := f.sync(t, "c", 7)
	if out.Status != StatusSynced {
		t.Fatalf("status = %s, err = %v", out.Status, out.Err)
	}
	if out.Window.Mode != ModeStale {
		t.Errorf("mode = %s, want stale", out.Window.Mode)
	}
	assertRecords(t, f.records(t, "c"), "fresh")
}

func TestSync_CorruptRecordRemovesArchive(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	f.src.Post("c", testNow.Add(-time.Hour), "fresh")

	content := "2026-05-10T11:00:00Z\n2026-05-08T00:00:00Z\n20260510fresh\nbroken\n"
	if err := os.MkdirAll(f.store.Dir(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(f.store.Path("c"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out := f.sync(t, "c", 7)
	if out.Status != StatusFailed || out.Failure != FailureCorrupt {
		t.Fatalf("outcome = %s/%s, want failed/corrupt", out.Status, out.Failure)
	}
	if !errors.Is(out.Err, archive.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", out.Err)
	}
	if _, err := os.Stat(f.store.Path("c")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("corrupt archive should be removed, stat err = %v", err)
	}

	out = f.sync(t, "c", 7)
	if out.Status != StatusSynced || out.Window.Mode != ModeFull {
		t.Fatalf("rescan = %s/%s, err = %v", out.Status, out.Window.Mode, out.Err)
	}
	assertRecords(t, f.records(t, "c"), "fresh")
}

func TestSync_PermissionDeniedLeavesArchive(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	h := archive.Header{Head: testNow.Add(-day), Cutoff: testNow.Add(-7 * day)}
	f.seedArchive(t, "c", h, f.store.NewRecord(h.Head, "kept"))
	before, _ := os.ReadFile(f.store.Path("c"))

	f.src.Deny("c")
	out := f.sync(t, "c", 7)
	if out.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", out.Status)
	}
	if !errors.Is(out.Err, source.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", out.Err)
	}
	after, _ := os.ReadFile(f.store.Path("c"))
	if string(before) != string(after) {
		t.Error("archive changed on a skipped channel")
	}
	assertNoTempFiles(t, f.store)
}

func TestSync_TransportFailure(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))
	h := archive.Header{Head: testNow.Add(-day), Cutoff: testNow.Add(-7 * day)}
	f.seedArchive(t, "c", h, f.store.NewRecord(h.Head, "kept"))

	f.src.Fail("c", errors.New("connection reset"))
	out := f.sync(t, "c", 7)
	if out.Status != StatusFailed || out.Failure != FailureTransport {
		t.Fatalf("outcome = %s/%s, want failed/transport", out.Status, out.Failure)
	}
	var se *SyncError
	if !errors.As(out.Err, &se) || se.ChannelID != "c" {
		t.Errorf("expected SyncError for c, got %v", out.Err)
	}
	assertRecords(t, f.records(t, "c"), "kept")
	assertNoTempFiles(t, f.store)
}

func TestSync_LockedChannelFails(t *testing.T) {
	f := newFixture(t)
	f.src.AddChannel("c", testNow.Add(-90*day))

	lock, err := f.store.Lock("c")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer lock.Release()

	out := f.sync(t, "c", 7)
	if out.Status != StatusFailed || out.Failure != FailureIO {
		t.Fatalf("outcome = %s/%s, want failed/io", out.Status, out.Failure)
	}
	if !errors.Is(out.Err, archive.ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", out.Err)
	}
}

func TestSync_YoungChannelUsesCreationBound(t *testing.T) {
	f := newFixture(t)
	created := testNow.Add(-2 * day)
	f.src.AddChannel("c", created)

	out := f.sync(t, "c", 30)
	if out.Status != StatusSynced {
		t.Fatalf("status = %s, err = %v", out.Status, out.Err)
	}
	if out.Pages != 0 {
		t.Errorf("empty channel requested %d pages", out.Pages)
	}
	h, err := f.store.ReadHeader("c")
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if !h.Cutoff.Equal(created) || !h.Head.Equal(created) {
		t.Errorf("header = %+v, want head and cutoff at creation", h)
	}
	if h.Duration() != 0 {
		t.Errorf("duration = %v, want 0", h.Duration())
	}
}

func assertNoTempFiles(t *testing.T, s *archive.Store) {
	t.Helper()
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
