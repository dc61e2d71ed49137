package stt

import "time"

// Transcript is one recognition result. Interim results may be revised by a
// later one; a final result is never revised.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence in [0, 1]; zero when the backend does not score results.
	Confidence float64

	// Words is empty unless the backend reports word timings.
	Words []WordDetail

	// Timestamp is the utterance start as an offset into the stream and
	// Duration the length of audio it covers.
	Timestamp time.Duration
	Duration  time.Duration
}

// WordDetail is the timing and score of one recognised word.
type WordDetail struct {
	Word       string
	Start, End time.Duration
	Confidence float64
}

// KeywordBoost biases recognition towards Keyword. Boost uses the backend's
// own scale; zero means the backend default.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
