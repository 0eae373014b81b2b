// Package transcript corrects product and brand names in finalized
// transcripts before they reach the assistance generator.
//
// Speech engines routinely mishear catalog names ("elder nacks" for
// "Eldrinax"). A [Pipeline] scans each final for word windows that sound
// like a catalog entry and substitutes the catalog spelling. Matching runs
// in-process, so it adds no network round-trip to the assistance path.
package transcript

// Correction is one substitution made by the pipeline.
type Correction struct {
	// Original is the span as produced by the speech engine.
	Original string

	// Corrected is the catalog name that replaced it.
	Corrected string

	// Confidence is the similarity score in [0.0, 1.0].
	Confidence float64
}

// Result pairs the original text with its corrected form.
type Result struct {
	Original    string
	Corrected   string
	Corrections []Correction
}

// Changed reports whether any substitution was made.
func (r Result) Changed() bool { return len(r.Corrections) > 0 }

// Corrector rewrites known names in a finalized transcript.
// Implementations must be safe for concurrent use.
type Corrector interface {
	Correct(text string) Result
}

// PhoneticMatcher resolves a word or phrase to the most similar name.
// When matched is false, corrected must equal word and confidence must be 0.
type PhoneticMatcher interface {
	Match(word string, names []string) (corrected string, confidence float64, matched bool)
}
