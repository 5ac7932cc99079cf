// Package extract turns single observations into durable facts through an
// ordered table of declarative rules.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"regexp"
	"strings"

	"github.com/keepsakehq/keepsake/internal/store"
)

// Categories, evaluated in table order. Each category contributes at most one
// fact per observation; several categories may fire on the same text.
const (
	CategoryIdentity = "identity"
	CategoryProject  = "project"
	CategoryPref     = "preference"
	CategoryPlan     = "plan"
	CategoryNotable  = "notable-statement"
)

// Rule pairs a text trigger with key/value derivers. A rule whose derivers
// produce an empty key or value is logged and skipped without touching the
// rest of the record's evaluation.
type Rule struct {
	Category   string
	Kinds      []string // observation kinds the rule applies to; empty = any
	Match      func(text string) (bool, []string)
	Key        func(captured []string) string
	Value      func(captured []string) string
	Confidence float64
}

var (
	reMyName = regexp.MustCompile(`(?i)\bmy name is\s+([a-z][a-z'-]*)`)
	reIAm    = regexp.MustCompile(`(?i)\bi am\s+([a-z][a-z'-]*)`)
	reIm     = regexp.MustCompile(`(?i)\bi'm\s+([a-z][a-z'-]*)`)
	rePref   = regexp.MustCompile(`(?i)\b(i (?:don't like|like|love|prefer|hate)\s+(.+?))[.!?]*\s*$`)
	rePlan   = regexp.MustCompile(`(?i)\b((?:i'm going to|i will|i plan to|planning to)\s+(.+?))[.!?]*\s*$`)
)

// significantVerbs marks statements worth remembering in passing.
var significantVerbs = []string{
	"working", "building", "thinking", "tried", "found",
	"learned", "realized", "started", "finished",
}

func regexMatch(re *regexp.Regexp) func(string) (bool, []string) {
	return func(text string) (bool, []string) {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return false, nil
		}
		return true, m
	}
}

// rules is the fixed dispatch table. Identity only ever comes from the user's
// own speech; the remaining categories accept any kind.
var rules = []Rule{
	{
		Category:   CategoryIdentity,
		Kinds:      []string{store.KindSpeechUser},
		Match:      regexMatch(reMyName),
		Key:        func([]string) string { return "user_name" },
		Value:      func(m []string) string { return strings.TrimSpace(m[1]) },
		Confidence: 0.9,
	},
	{
		Category:   CategoryIdentity,
		Kinds:      []string{store.KindSpeechUser},
		Match:      regexMatch(reIAm),
		Key:        func([]string) string { return "user_name" },
		Value:      func(m []string) string { return strings.TrimSpace(m[1]) },
		Confidence: 0.6,
	},
	{
		Category:   CategoryIdentity,
		Kinds:      []string{store.KindSpeechUser},
		Match:      regexMatch(reIm),
		Key:        func([]string) string { return "user_name" },
		Value:      func(m []string) string { return strings.TrimSpace(m[1]) },
		Confidence: 0.5,
	},
	{
		Category: CategoryProject,
		Match: func(text string) (bool, []string) {
			if !strings.Contains(strings.ToLower(text), "project") {
				return false, nil
			}
			return true, []string{text}
		},
		Key:        func([]string) string { return "current_project" },
		Value:      func(m []string) string { return strings.TrimSpace(m[0]) },
		Confidence: 0.6,
	},
	{
		Category:   CategoryPref,
		Match:      regexMatch(rePref),
		Key:        func(m []string) string { return prefixedKey("preference", m[2]) },
		Value:      func(m []string) string { return strings.TrimSpace(m[1]) },
		Confidence: 0.7,
	},
	{
		Category:   CategoryPlan,
		Match:      regexMatch(rePlan),
		Key:        func(m []string) string { return prefixedKey("plan", m[2]) },
		Value:      func(m []string) string { return strings.TrimSpace(m[1]) },
		Confidence: 0.7,
	},
	{
		Category: CategoryNotable,
		Match: func(text string) (bool, []string) {
			trimmed := strings.TrimSpace(text)
			if len(strings.Fields(trimmed)) < 5 || strings.HasSuffix(trimmed, "?") {
				return false, nil
			}
			lower := strings.ToLower(trimmed)
			for _, verb := range significantVerbs {
				if strings.Contains(lower, verb) {
					return true, []string{trimmed}
				}
			}
			return false, nil
		},
		Key:        func(m []string) string { return "note:" + fingerprint(m[0]) },
		Value:      func(m []string) string { return m[0] },
		Confidence: 0.5,
	},
}

// Slug derives the stable key fragment for preferences and plans: lowercase,
// non-alphanumeric runs become single dashes, capped at 48 chars. Reprocessing
// the same text always derives the same key.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > 48 {
		out = strings.TrimRight(out[:48], "-")
	}
	return out
}

func prefixedKey(prefix, raw string) string {
	sl := Slug(raw)
	if sl == "" {
		return ""
	}
	return prefix + ":" + sl
}

// fingerprint returns the first 8 hex chars of the sha256 of the normalized
// text, the stable identity for notable statements.
func fingerprint(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:8]
}

// Storer is the slice of the hot store the extractor needs.
type Storer interface {
	UpsertFact(ctx context.Context, f store.FactRecord) error
}

type Extractor struct {
	store  Storer
	logger *log.Logger
}

func New(st Storer) *Extractor {
	return &Extractor{
		store:  st,
		logger: log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags),
	}
}

// Process evaluates the rule table against one observation and upserts every
// derived fact. It returns the number of facts applied. Rule derivation
// problems are logged and skipped; only store failures surface as errors.
func (e *Extractor) Process(ctx context.Context, rec store.ObservationRecord) (int, error) {
	if strings.TrimSpace(rec.Text) == "" {
		return 0, nil
	}

	applied := 0
	done := make(map[string]bool, len(rules))
	var lastErr error
	for _, rule := range rules {
		if done[rule.Category] {
			continue
		}
		if !kindAllowed(rule.Kinds, rec.Kind) {
			continue
		}
		ok, captured := rule.Match(rec.Text)
		if !ok {
			continue
		}
		key := rule.Key(captured)
		value := rule.Value(captured)
		if key == "" || value == "" {
			e.logger.Printf("warn: %s rule derived empty key/value for observation %s, skipping", rule.Category, rec.ID)
			continue
		}
		fact := store.FactRecord{
			Key:        key,
			Value:      value,
			Category:   rule.Category,
			Confidence: rule.Confidence,
			FirstSeen:  rec.Timestamp,
			LastSeen:   rec.Timestamp,
		}
		if err := e.store.UpsertFact(ctx, fact); err != nil {
			e.logger.Printf("warn: upsert fact %s: %v", key, err)
			lastErr = err
			continue
		}
		done[rule.Category] = true
		applied++
	}
	return applied, lastErr
}

func kindAllowed(kinds []string, kind string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
