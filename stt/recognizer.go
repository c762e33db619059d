// Package stt turns a single spoken utterance into text.
package stt

import (
	"context"
	"errors"
)

var ErrNoSpeech = errors.New("no speech detected")

// Result is one recognition update. Partial results carry the whole
// hypothesis so far, not a delta. A result with Err set ends recognition.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
	Err        error
}

type Recognizer interface {
	// Listen recognizes one utterance. The channel is closed when
	// recognition ends: after the final result, on error, or when ctx is
	// cancelled. Cancellation is not reported as an error.
	Listen(ctx context.Context, language string) (<-chan Result, error)
}
