package stt

import "time"

// Transcript is one result from an engine session, interim or final.
type Transcript struct {
	Text string

	// IsFinal marks a segment the engine will not revise.
	IsFinal bool

	// Confidence is in [0, 1]. Zero when the engine does not report one.
	Confidence float64

	// Words is empty unless the engine reports word timings.
	Words []WordDetail

	// Timestamp and Duration locate the segment relative to the start of the
	// engine session.
	Timestamp time.Duration
	Duration  time.Duration

	// FromFinalize is set on the final a [SessionHandle.Finalize] call
	// forced out.
	FromFinalize bool
}

// WordDetail is the timing of one recognised word.
type WordDetail struct {
	Word       string
	Start, End time.Duration
	Confidence float64
}

// KeywordBoost biases recognition towards a term, usually a product or
// company name. The Boost scale is engine specific.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
