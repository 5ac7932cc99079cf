// Package archive is the remote tier: date-partitioned raw file archives plus
// summary documents with a searchable in-memory index.
package archive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/keepsakehq/keepsake/config"
)

// RawPartition separates scheduled archival from emergency eviction in the
// key layout.
type RawPartition string

const (
	PartitionRaw       RawPartition = "raw"
	PartitionEmergency RawPartition = "emergency"
)

// Summary is the archive-side copy of a daily summary document.
type Summary struct {
	Day  time.Time
	Kind string
	Text string
}

// SummaryHit is one search result from the summary index.
type SummaryHit struct {
	Day   string  `json:"day"`
	Kind  string  `json:"kind"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Store is the archive tier contract. PutRaw copies bytes to a partitioned
// destination and reports what landed; Confirm verifies the copy is durable
// before anyone deletes the local original.
type Store interface {
	PutRaw(ctx context.Context, partition RawPartition, day time.Time, name string, r io.Reader) (dest string, size int64, err error)
	Confirm(ctx context.Context, dest string, wantSize int64) error
	PutSummary(ctx context.Context, s Summary) error
	IndexSummaries(ctx context.Context, sums []Summary) error
	SearchSummaries(ctx context.Context, query string, limit int) ([]SummaryHit, error)
	Reachable(ctx context.Context) error
}

// NewStore builds the backend selected by archive.backend.
func NewStore(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	idx, err := NewSummaryIndex()
	if err != nil {
		return nil, fmt.Errorf("summary index: %w", err)
	}
	switch cfg.Backend {
	case "fs":
		return newFSStore(cfg, idx)
	case "s3":
		return newS3Store(ctx, cfg, idx)
	}
	return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
}

// rawName appends the gzip suffix when the payload is compressed on the way in.
func rawName(name string, compressed bool) string {
	if compressed && !strings.HasSuffix(name, ".gz") {
		return name + ".gz"
	}
	return name
}

// shouldCompress applies the deep-archive policy: partitions holding raws at
// least compressAfter old go in gzip-compressed. A zero policy compresses
// everything.
func shouldCompress(day time.Time, compressAfter time.Duration, now time.Time) bool {
	if compressAfter <= 0 {
		return true
	}
	return now.Sub(day) >= compressAfter
}

// FormatDay renders the partition day segment of archive keys.
func FormatDay(day time.Time) string {
	return day.Format("2006-01-02")
}
