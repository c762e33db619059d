// Package devicetest provides in-memory microphones and audio contexts for
// tests.
package devicetest

import (
	"context"
	"sync"

	"healthguard/audio"
	"healthguard/device"
)

type Microphone struct {
	// Err is returned from Open when set, e.g. device.ErrPermissionDenied.
	Err error

	mu      sync.Mutex
	streams []*Stream
}

func (m *Microphone) Open(
	ctx context.Context,
	sampleRate, frameSize int,
) (device.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	s := &Stream{frames: make(chan []float32, 64)}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *Microphone) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Stream(nil), m.streams...)
}

type Stream struct {
	// PanicOnClose makes Close panic, to exercise guarded teardown.
	PanicOnClose bool

	mu     sync.Mutex
	frames chan []float32
	closes int
}

func (s *Stream) Frames() <-chan []float32 { return s.frames }

// Push delivers one frame as if captured. It reports false once closed.
func (s *Stream) Push(frame []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return false
	}
	s.frames <- frame
	return true
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closes++
	first := s.closes == 1
	if first {
		close(s.frames)
	}
	s.mu.Unlock()
	if s.PanicOnClose && first {
		panic("microphone driver crashed")
	}
	return nil
}

func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type Contexts struct {
	InputErr  error
	OutputErr error

	mu      sync.Mutex
	inputs  []*Input
	outputs []*Output
}

func (c *Contexts) NewInput(sampleRate int) (device.AudioContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InputErr != nil {
		return nil, c.InputErr
	}
	in := &Input{rate: sampleRate}
	c.inputs = append(c.inputs, in)
	return in, nil
}

func (c *Contexts) NewOutput(sampleRate int) (device.OutputContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OutputErr != nil {
		return nil, c.OutputErr
	}
	out := &Output{Timeline: device.NewTimeline(sampleRate)}
	c.outputs = append(c.outputs, out)
	return out, nil
}

func (c *Contexts) Inputs() []*Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Input(nil), c.inputs...)
}

func (c *Contexts) Outputs() []*Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Output(nil), c.outputs...)
}

type Input struct {
	rate int

	mu     sync.Mutex
	closes int
}

func (i *Input) SampleRate() int      { return i.rate }
func (i *Input) CurrentTime() float64 { return 0 }

func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closes++
	return nil
}

func (i *Input) Closes() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closes
}

// Output is a timeline whose clock only moves through Advance.
type Output struct {
	*device.Timeline

	mu     sync.Mutex
	closes int
}

// Advance plays the given number of seconds of output.
func (o *Output) Advance(seconds float64) {
	frames := int(seconds * float64(o.SampleRate()))
	_, _ = o.Read(make([]byte, frames*audio.SampleWidth))
}

func (o *Output) Close() error {
	o.mu.Lock()
	o.closes++
	o.mu.Unlock()
	return o.Timeline.Close()
}

func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closes
}
