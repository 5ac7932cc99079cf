package archive

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/keepsakehq/keepsake/config"
)

// fsStore archives onto an attached or NAS-mounted volume. Copies are staged
// under a temp name and renamed, so a torn copy never looks durable.
type fsStore struct {
	root          string
	compressAfter time.Duration
	idx           *SummaryIndex
}

func newFSStore(cfg config.ArchiveConfig, idx *SummaryIndex) (*fsStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &fsStore{root: cfg.Dir, compressAfter: cfg.CompressAfter, idx: idx}, nil
}

func (f *fsStore) PutRaw(ctx context.Context, partition RawPartition, day time.Time, name string, r io.Reader) (string, int64, error) {
	compress := shouldCompress(day, f.compressAfter, time.Now())
	dir := filepath.Join(f.root, string(partition), FormatDay(day))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create partition dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(tmp)
		w = gz
	}
	if _, err := io.Copy(w, r); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("copy raw: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			tmp.Close()
			return "", 0, fmt.Errorf("finish gzip: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp: %w", err)
	}

	dest := filepath.Join(dir, rawName(name, compress))
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", 0, fmt.Errorf("publish raw: %w", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return "", 0, err
	}
	return dest, info.Size(), nil
}

// Confirm stats the destination and compares sizes; a mismatch means the copy
// cannot be trusted and the local original must stay.
func (f *fsStore) Confirm(ctx context.Context, dest string, wantSize int64) error {
	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", dest, err)
	}
	if info.Size() != wantSize {
		return fmt.Errorf("confirm %s: size %d, want %d", dest, info.Size(), wantSize)
	}
	return nil
}

func (f *fsStore) PutSummary(ctx context.Context, s Summary) error {
	dir := filepath.Join(f.root, "summaries", s.Kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create summaries dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(s.Text); err != nil {
		tmp.Close()
		return fmt.Errorf("write summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	dest := filepath.Join(dir, FormatDay(s.Day)+".txt")
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	return f.idx.Put(s)
}

func (f *fsStore) IndexSummaries(ctx context.Context, sums []Summary) error {
	return f.idx.PutAll(sums)
}

func (f *fsStore) SearchSummaries(ctx context.Context, query string, limit int) ([]SummaryHit, error) {
	return f.idx.Search(ctx, query, limit)
}

func (f *fsStore) Reachable(ctx context.Context) error {
	if _, err := os.Stat(f.root); err != nil {
		return fmt.Errorf("archive volume unreachable: %w", err)
	}
	return nil
}
