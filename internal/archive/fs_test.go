package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/keepsakehq/keepsake/config"
)

func newTestFS(t *testing.T, compressAfter time.Duration) *fsStore {
	t.Helper()
	idx, err := NewSummaryIndex()
	if err != nil {
		t.Fatalf("NewSummaryIndex: %v", err)
	}
	st, err := newFSStore(config.ArchiveConfig{Backend: "fs", Dir: t.TempDir(), CompressAfter: compressAfter}, idx)
	if err != nil {
		t.Fatalf("newFSStore: %v", err)
	}
	return st
}

func TestPutRawCompressesAndConfirms(t *testing.T) {
	st := newTestFS(t, 0)
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)
	payload := strings.Repeat("speech line\n", 50)

	dest, size, err := st.PutRaw(context.Background(), PartitionRaw, day, "speech_20250601T103000Z_a.jsonl", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("PutRaw: %v", err)
	}
	if !strings.HasSuffix(dest, "raw/2025-06-01/speech_20250601T103000Z_a.jsonl.gz") {
		t.Fatalf("unexpected destination %q", dest)
	}
	if size <= 0 || size >= int64(len(payload)) {
		t.Fatalf("expected compressed size, got %d (source %d)", size, len(payload))
	}

	if err := st.Confirm(context.Background(), dest, size); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := st.Confirm(context.Background(), dest, size+1); err == nil {
		t.Fatalf("expected size mismatch to fail confirmation")
	}

	// The stored bytes must decompress back to the original payload.
	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open dest: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	back, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(back, []byte(payload)) {
		t.Fatalf("archived payload does not round-trip")
	}
}

func TestPutRawSkipsCompressionForFreshDays(t *testing.T) {
	st := newTestFS(t, 30*24*time.Hour)
	day := time.Now()

	dest, size, err := st.PutRaw(context.Background(), PartitionEmergency, day, "vision_x.jpg", strings.NewReader("jpegbytes"))
	if err != nil {
		t.Fatalf("PutRaw: %v", err)
	}
	if strings.HasSuffix(dest, ".gz") {
		t.Fatalf("fresh file should not be compressed: %q", dest)
	}
	if size != int64(len("jpegbytes")) {
		t.Fatalf("expected verbatim size, got %d", size)
	}
	if !strings.Contains(dest, "emergency/") {
		t.Fatalf("expected emergency partition, got %q", dest)
	}
}

func TestPutSummaryWritesDocumentAndIndex(t *testing.T) {
	st := newTestFS(t, 0)
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)

	sum := Summary{Day: day, Kind: "speech", Text: "Spent the day debugging the archival scheduler."}
	if err := st.PutSummary(context.Background(), sum); err != nil {
		t.Fatalf("PutSummary: %v", err)
	}

	doc, err := os.ReadFile(st.root + "/summaries/speech/2025-06-01.txt")
	if err != nil {
		t.Fatalf("read summary doc: %v", err)
	}
	if string(doc) != sum.Text {
		t.Fatalf("unexpected summary document %q", doc)
	}

	hits, err := st.SearchSummaries(context.Background(), "archival scheduler", 5)
	if err != nil {
		t.Fatalf("SearchSummaries: %v", err)
	}
	if len(hits) != 1 || hits[0].Day != "2025-06-01" {
		t.Fatalf("expected indexed summary hit, got %#v", hits)
	}
}

func TestIndexSummariesRebuild(t *testing.T) {
	st := newTestFS(t, 0)
	sums := []Summary{
		{Day: time.Date(2025, 5, 30, 0, 0, 0, 0, time.Local), Kind: "speech", Text: "Planned the storage migration."},
		{Day: time.Date(2025, 5, 31, 0, 0, 0, 0, time.Local), Kind: "vision", Text: "Whiteboard covered in capacity math."},
	}
	if err := st.IndexSummaries(context.Background(), sums); err != nil {
		t.Fatalf("IndexSummaries: %v", err)
	}

	hits, err := st.SearchSummaries(context.Background(), "capacity", 5)
	if err != nil {
		t.Fatalf("SearchSummaries: %v", err)
	}
	if len(hits) != 1 || hits[0].Kind != "vision" {
		t.Fatalf("expected the vision summary, got %#v", hits)
	}
}

func TestReachable(t *testing.T) {
	st := newTestFS(t, 0)
	if err := st.Reachable(context.Background()); err != nil {
		t.Fatalf("Reachable: %v", err)
	}
	st.root = st.root + "-missing"
	if err := st.Reachable(context.Background()); err == nil {
		t.Fatalf("expected missing volume to be unreachable")
	}
}
