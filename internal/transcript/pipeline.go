package transcript

import (
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/MrWong99/callpilot/internal/transcript/phonetic"
	"github.com/MrWong99/callpilot/pkg/provider/stt"
)

const defaultMinWordLen = 4

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithMatcher replaces the default [phonetic.Matcher].
func WithMatcher(m PhoneticMatcher) PipelineOption {
	return func(p *Pipeline) { p.matcher = m }
}

// WithMinWordLen sets the shortest single word considered for correction.
// Shorter words ("for", "the") are never replaced on their own. Default: 4.
func WithMinWordLen(n int) PipelineOption {
	return func(p *Pipeline) { p.minWordLen = n }
}

// Pipeline implements [Corrector] over a replaceable product catalog.
type Pipeline struct {
	matcher    PhoneticMatcher
	minWordLen int
	catalog    atomic.Pointer[phonetic.Catalog]
}

var _ Corrector = (*Pipeline)(nil)

// NewPipeline returns a pipeline that corrects towards products.
func NewPipeline(products []string, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		matcher:    phonetic.New(),
		minWordLen: defaultMinWordLen,
	}
	for _, o := range opts {
		o(p)
	}
	p.SetProducts(products)
	return p
}

// SetProducts replaces the catalog. Calls to Correct already running keep the
// catalog they started with.
func (p *Pipeline) SetProducts(products []string) {
	p.catalog.Store(phonetic.NewCatalog(products))
}

// Products returns the current catalog names.
func (p *Pipeline) Products() []string { return p.catalog.Load().Names() }

// Keywords returns the catalog as engine keyword boosts.
func (p *Pipeline) Keywords(boost float64) []stt.KeywordBoost {
	names := p.Products()
	kws := make([]stt.KeywordBoost, len(names))
	for i, n := range names {
		kws[i] = stt.KeywordBoost{Keyword: n, Boost: boost}
	}
	return kws
}

// Correct replaces spans of text that sound like catalog names. At each word
// every window up to the longest catalog name is tried and the best scoring
// one wins; on a tie the longer window is kept.
func (p *Pipeline) Correct(text string) Result {
	res := Result{Original: text, Corrected: text}
	c := p.catalog.Load()
	if c.Len() == 0 {
		return res
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return res
	}

	match := p.matchFunc(c)
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		n, name, conf, ok := p.bestMatch(tokens[i:], c.MaxWords(), match)
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		window := tokens[i : i+n]
		_, trail := splitPunct(window[n-1])
		original := strings.Join(stripAll(window), " ")
		i += n
		if original == name {
			out = append(out, window...)
			continue
		}
		out = append(out, name+trail)
		res.Corrections = append(res.Corrections, Correction{Original: original, Corrected: name, Confidence: conf})
	}
	res.Corrected = strings.Join(out, " ")
	return res
}

func (p *Pipeline) matchFunc(c *phonetic.Catalog) func(string) (string, float64, bool) {
	if pm, ok := p.matcher.(*phonetic.Matcher); ok {
		return func(w string) (string, float64, bool) { return pm.MatchCatalog(w, c) }
	}
	names := c.Names()
	return func(w string) (string, float64, bool) { return p.matcher.Match(w, names) }
}

func (p *Pipeline) bestMatch(tokens []string, maxWords int, match func(string) (string, float64, bool)) (n int, name string, conf float64, ok bool) {
	for size := min(maxWords, len(tokens)); size >= 1; size-- {
		words := stripAll(tokens[:size])
		if size == 1 && len([]rune(words[0])) < p.minWordLen {
			continue
		}
		if cand, c, matched := match(strings.Join(words, " ")); matched && c > conf {
			n, name, conf, ok = size, cand, c, true
		}
	}
	return n, name, conf, ok
}

func stripAll(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i], _ = splitPunct(t)
	}
	return out
}

// splitPunct separates trailing punctuation from a token.
func splitPunct(tok string) (word, trail string) {
	word = strings.TrimRightFunc(tok, unicode.IsPunct)
	return word, tok[len(word):]
}
