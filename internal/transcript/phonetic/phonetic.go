// Package phonetic matches misheard words against a catalog of known names
// using Double Metaphone codes and Jaro-Winkler similarity.
//
// A catalog entry becomes a candidate when any Double Metaphone code of the
// input overlaps with one of the entry's codes; the candidate with the best
// Jaro-Winkler score above the phonetic threshold wins. Without a phonetic
// candidate, pure Jaro-Winkler similarity above the stricter fuzzy threshold
// is accepted instead.
//
// Multi-word names ("Silver Tower") are compared both on the full string and
// with spaces removed, keeping the better score.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matching entry. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no entry
// matches phonetically. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Catalog holds names with their phonetic codes computed once.
type Catalog struct {
	entries  []entry
	maxWords int
}

type entry struct {
	name   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// NewCatalog prepares names for repeated matching. Blank names are skipped.
func NewCatalog(names []string) *Catalog {
	c := &Catalog{}
	for _, n := range names {
		lower := strings.ToLower(strings.TrimSpace(n))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		c.entries = append(c.entries, entry{
			name:   strings.TrimSpace(n),
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		c.maxWords = max(c.maxWords, len(tokens))
	}
	return c
}

// Len returns the number of names in the catalog.
func (c *Catalog) Len() int { return len(c.entries) }

// MaxWords returns the word count of the longest name.
func (c *Catalog) MaxWords() int { return c.maxWords }

// Names returns the catalog names in their original casing.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.name
	}
	return out
}

// Match finds the name in names most similar to word. When matched is false,
// corrected equals word and confidence is 0.
func (m *Matcher) Match(word string, names []string) (corrected string, confidence float64, matched bool) {
	return m.MatchCatalog(word, NewCatalog(names))
}

// MatchCatalog is [Matcher.Match] against a prepared catalog.
func (m *Matcher) MatchCatalog(word string, c *Catalog) (corrected string, confidence float64, matched bool) {
	if c == nil || len(c.entries) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordLower := strings.ToLower(strings.TrimSpace(word))
	wordTokens := strings.Fields(wordLower)
	inputCodes := codesForTokens(wordTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, e := range c.entries {
		score := bestJWScore(wordTokens, e.tokens, wordLower, e.lower)
		if codesOverlap(inputCodes, e.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = e.name, score, true
			}
		} else if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = e.name, score
		}
	}

	if best == "" {
		return word, 0, false
	}
	return best, bestScore, true
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the higher of the full-string and space-stripped
// Jaro-Winkler scores.
func bestJWScore(inputTokens, entryTokens []string, inputFull, entryFull string) float64 {
	score := matchr.JaroWinkler(inputFull, entryFull, false)
	if len(inputTokens) > 1 || len(entryTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(entryTokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
