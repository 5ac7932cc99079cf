// Package compose assembles bounded context bundles for a query, scaling
// retrieval depth to the query's complexity tier. Tier-1 reads are always
// local and fast; only the ultra tier consults the archive's summary index,
// and that lookup degrades to local-only results instead of failing.
package compose

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/keepsakehq/keepsake/config"
	"github.com/keepsakehq/keepsake/internal/archive"
	"github.com/keepsakehq/keepsake/internal/faults"
	"github.com/keepsakehq/keepsake/internal/store"
)

// Tier grades query complexity. Classification is supplied by the caller.
type Tier string

const (
	TierSimple  Tier = "simple"
	TierMedium  Tier = "medium"
	TierComplex Tier = "complex"
	TierUltra   Tier = "ultra"
)

// ParseTier normalizes a user-supplied tier string.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierSimple, TierMedium, TierComplex, TierUltra:
		return t, nil
	default:
		return "", faults.Validation("tier", "must be one of simple, medium, complex, ultra")
	}
}

// window bounds how much context a tier pulls. summaries < 0 means all
// available.
type window struct {
	messages  int
	summaries int
}

var windows = map[Tier]window{
	TierSimple:  {messages: 5, summaries: 0},
	TierMedium:  {messages: 15, summaries: 0},
	TierComplex: {messages: 30, summaries: 1},
	TierUltra:   {messages: 50, summaries: -1},
}

// Message is one recent observation in a bundle.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
}

// Fact is a ranked belief included in a bundle.
type Fact struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	LastSeen   time.Time `json:"last_seen"`
	Score      int       `json:"score"`
}

// Summary is a per-day condensation included in a bundle.
type Summary struct {
	Day  string `json:"day"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Bundle is the composed context for one query. RecentMessages and Summaries
// are most-recent-first; Facts are ranked by query overlap. ArchiveHits carry
// remote summary-index matches on the ultra tier, and Degraded is set when
// that remote search was attempted but failed.
type Bundle struct {
	Query          string               `json:"query"`
	Tier           Tier                 `json:"tier"`
	RecentMessages []Message            `json:"recent_messages"`
	Facts          []Fact               `json:"facts"`
	Summaries      []Summary            `json:"summaries"`
	ArchiveHits    []archive.SummaryHit `json:"archive_hits,omitempty"`
	Degraded       bool                 `json:"degraded,omitempty"`
}

// Store is the Tier-1 read surface the composer needs.
type Store interface {
	ListRecentObservations(ctx context.Context, limit int) ([]store.ObservationRecord, error)
	ListFacts(ctx context.Context) ([]store.FactRecord, error)
	ListRecentSummaries(ctx context.Context, limit int) ([]store.SummaryRecord, error)
	ListAllSummaries(ctx context.Context) ([]store.SummaryRecord, error)
}

// ArchiveSearcher is the remote summary index consulted on the ultra tier.
type ArchiveSearcher interface {
	SearchSummaries(ctx context.Context, query string, limit int) ([]archive.SummaryHit, error)
}

// Composer builds context bundles. A nil searcher disables remote lookups
// entirely; bundles then never carry archive hits.
type Composer struct {
	store         Store
	searcher      ArchiveSearcher
	factLimit     int
	remoteTimeout time.Duration
	logger        *log.Logger
}

// New builds a Composer over the Tier-1 store and an optional archive
// searcher.
func New(st Store, searcher ArchiveSearcher, cfg config.ComposeConfig) *Composer {
	cfg = cfg.Normalize()
	return &Composer{
		store:         st,
		searcher:      searcher,
		factLimit:     cfg.FactLimit,
		remoteTimeout: cfg.RemoteTimeout,
		logger:        log.New(log.Writer(), "[COMPOSE] ", log.LstdFlags),
	}
}

// Compose assembles the bundle for query at the given tier. Tier-1 read
// failures are returned to the caller; remote search failures on the ultra
// tier are logged, flagged on the bundle, and never fail the call.
func (c *Composer) Compose(ctx context.Context, query string, tier Tier) (Bundle, error) {
	win, ok := windows[tier]
	if !ok {
		return Bundle{}, faults.Validation("tier", "must be one of simple, medium, complex, ultra")
	}

	bundle := Bundle{Query: query, Tier: tier}

	recent, err := c.store.ListRecentObservations(ctx, win.messages)
	if err != nil {
		return Bundle{}, err
	}
	bundle.RecentMessages = make([]Message, 0, len(recent))
	for _, rec := range recent {
		bundle.RecentMessages = append(bundle.RecentMessages, Message{
			ID:        rec.ID,
			Timestamp: rec.Timestamp,
			Kind:      rec.Kind,
			Text:      rec.Text,
		})
	}

	facts, err := c.store.ListFacts(ctx)
	if err != nil {
		return Bundle{}, err
	}
	bundle.Facts = RankFacts(query, facts, c.factLimit)

	var sums []store.SummaryRecord
	switch {
	case win.summaries < 0:
		sums, err = c.store.ListAllSummaries(ctx)
	case win.summaries > 0:
		sums, err = c.store.ListRecentSummaries(ctx, win.summaries)
	}
	if err != nil {
		return Bundle{}, err
	}
	bundle.Summaries = make([]Summary, 0, len(sums))
	for _, s := range sums {
		bundle.Summaries = append(bundle.Summaries, Summary{
			Day:  store.FormatDay(s.Day),
			Kind: s.Kind,
			Text: s.Text,
		})
	}

	if tier == TierUltra && c.searcher != nil {
		rctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
		hits, err := c.searcher.SearchSummaries(rctx, query, c.factLimit)
		cancel()
		if err != nil {
			c.logger.Printf("warn: archive summary search failed, serving local results only: %v", err)
			bundle.Degraded = true
		} else {
			bundle.ArchiveHits = hits
		}
	}

	return bundle, nil
}

// RankFacts scores facts by query-token overlap against key+value text and
// returns the top limit, ties broken by last_seen descending then key.
// Zero-score facts are excluded. The ordering is total, so the result is
// deterministic for fixed inputs.
func RankFacts(query string, facts []store.FactRecord, limit int) []Fact {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return nil
	}

	ranked := make([]Fact, 0, len(facts))
	for _, f := range facts {
		score := overlap(queryTokens, f)
		if score == 0 {
			continue
		}
		ranked = append(ranked, Fact{
			Key:        f.Key,
			Value:      f.Value,
			Category:   f.Category,
			Confidence: f.Confidence,
			LastSeen:   f.LastSeen,
			Score:      score,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].LastSeen.Equal(ranked[j].LastSeen) {
			return ranked[i].LastSeen.After(ranked[j].LastSeen)
		}
		return ranked[i].Key < ranked[j].Key
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func overlap(queryTokens map[string]struct{}, f store.FactRecord) int {
	factTokens := tokenSet(f.Key + " " + f.Value)
	n := 0
	for tok := range queryTokens {
		if _, ok := factTokens[tok]; ok {
			n++
		}
	}
	return n
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range Tokenize(s) {
		out[tok] = struct{}{}
	}
	return out
}

// Tokenize lowercases s, splits on non-alphanumeric runes and drops stop
// words and single characters.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// stopWords are too common in conversational text to carry relevance signal.
var stopWords = map[string]bool{
	"the": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "being": true, "am": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"to": true, "of": true, "in": true, "for": true, "on": true,
	"with": true, "at": true, "by": true, "from": true, "as": true,
	"into": true, "about": true, "over": true, "under": true, "out": true,
	"up": true, "down": true, "off": true, "again": true,
	"and": true, "but": true, "or": true, "nor": true, "so": true,
	"if": true, "then": true, "else": true, "when": true, "where": true,
	"why": true, "how": true, "what": true, "who": true, "which": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "you": true, "he": true, "she": true,
	"we": true, "they": true, "my": true, "your": true, "his": true,
	"her": true, "our": true, "their": true, "me": true, "him": true,
	"us": true, "them": true, "there": true, "here": true,
	"all": true, "any": true, "both": true, "each": true, "such": true,
	"no": true, "not": true, "than": true, "too": true, "very": true,
	"can": true, "just": true, "now": true,
}
