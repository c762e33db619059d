// Package device provides the microphone and audio output capabilities the
// voice engines run on.
package device

import (
	"context"
	"errors"

	"healthguard/audio"
	"healthguard/playback"
)

// DefaultFrameSize is the number of samples per captured frame.
const DefaultFrameSize = 4096

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrClosed           = errors.New("audio device closed")
)

// Stream is an open microphone. Frames are mono float32 samples at the
// rate the stream was opened with. The channel is closed after Close.
type Stream interface {
	Frames() <-chan []float32
	Close() error
}

type Microphone interface {
	// Open acquires the capture device. A refused permission is reported
	// as ErrPermissionDenied.
	Open(ctx context.Context, sampleRate, frameSize int) (Stream, error)
}

// AudioContext is a clocked audio resource.
type AudioContext interface {
	SampleRate() int
	CurrentTime() float64
	Close() error
}

// OutputContext is an AudioContext that can play buffers at scheduled
// times.
type OutputContext interface {
	AudioContext
	Start(buf *audio.Buffer, at float64, onEnded func()) (playback.Source, error)
}

type AudioContextFactory interface {
	NewInput(sampleRate int) (AudioContext, error)
	NewOutput(sampleRate int) (OutputContext, error)
}
