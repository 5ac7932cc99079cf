package archive

import (
	"context"
	"sync"

	"github.com/blevesearch/bleve"
)

// SummaryIndex is the in-memory bleve index over summary documents. It is
// rebuilt from Tier-1 at startup and updated whenever a summary lands in the
// archive, so ultra-tier retrieval can search the whole summary history.
type SummaryIndex struct {
	idx  bleve.Index
	mu   sync.RWMutex
	meta map[string]Summary
}

type summaryDoc struct {
	Day  string `json:"day"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func NewSummaryIndex() (*SummaryIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &SummaryIndex{idx: index, meta: make(map[string]Summary)}, nil
}

func summaryID(s Summary) string {
	return FormatDay(s.Day) + ":" + s.Kind
}

// Put indexes one summary, replacing any previous document for its (day, kind).
func (si *SummaryIndex) Put(s Summary) error {
	id := summaryID(s)
	if err := si.idx.Index(id, summaryDoc{Day: FormatDay(s.Day), Kind: s.Kind, Text: s.Text}); err != nil {
		return err
	}
	si.mu.Lock()
	si.meta[id] = s
	si.mu.Unlock()
	return nil
}

func (si *SummaryIndex) PutAll(sums []Summary) error {
	for _, s := range sums {
		if err := si.Put(s); err != nil {
			return err
		}
	}
	return nil
}

// Search runs a query-string search, honoring the caller's deadline.
func (si *SummaryIndex) Search(ctx context.Context, query string, limit int) ([]SummaryHit, error) {
	if limit <= 0 {
		limit = 10
	}
	q := bleve.NewQueryStringQuery(query)
	searchReq := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := si.idx.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, err
	}

	si.mu.RLock()
	defer si.mu.RUnlock()
	var out []SummaryHit
	for _, hit := range res.Hits {
		s, ok := si.meta[hit.ID]
		if !ok {
			continue
		}
		out = append(out, SummaryHit{
			Day:   FormatDay(s.Day),
			Kind:  s.Kind,
			Text:  s.Text,
			Score: hit.Score,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
