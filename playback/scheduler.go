// Package playback schedules decoded assistant audio for gapless,
// non-overlapping output and cancels it on barge-in.
package playback

import (
	"fmt"
	"sync"

	"healthguard/audio"
)

// Clock reports the output device clock in seconds.
type Clock interface {
	CurrentTime() float64
}

// Source is one started buffer.
type Source interface {
	Stop() error
}

// Output starts buffers at absolute clock times. onEnded is called once the
// buffer finished playing or was stopped; it must not be called
// synchronously from Start.
type Output interface {
	Clock
	Start(buf *audio.Buffer, at float64, onEnded func()) (Source, error)
}

type entry struct {
	source Source
	start  float64
	end    float64
}

type Scheduler struct {
	mu         sync.Mutex
	out        Output
	next       float64
	generation uint64
	active     map[*entry]struct{}
}

func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[*entry]struct{}),
	}
}

// ScheduleNext reserves a slot of the given duration and returns its start
// time. The cursor read-modify-write happens under one lock.
func (s *Scheduler) ScheduleNext(duration float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(duration)
}

func (s *Scheduler) scheduleLocked(duration float64) float64 {
	start := s.next
	if now := s.out.CurrentTime(); now > start {
		start = now
	}
	s.next = start + duration
	return start
}

// Enqueue schedules buf right after everything already queued and starts
// it on the output. It returns the scheduled start time.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (float64, error) {
	s.mu.Lock()
	gen := s.generation
	start := s.scheduleLocked(buf.Seconds())
	e := &entry{start: start, end: start + buf.Seconds()}
	s.active[e] = struct{}{}
	s.mu.Unlock()

	src, err := s.out.Start(buf, start, func() { s.ended(e) })
	if err != nil {
		s.ended(e)
		return 0, fmt.Errorf("start playback: %w", err)
	}

	s.mu.Lock()
	_, stillActive := s.active[e]
	raced := gen != s.generation || !stillActive
	if !raced {
		e.source = src
	}
	s.mu.Unlock()

	// An interrupt landed between scheduling and starting.
	if raced {
		_ = src.Stop()
	}

	return start, nil
}

func (s *Scheduler) ended(e *entry) {
	s.mu.Lock()
	delete(s.active, e)
	s.mu.Unlock()
}

// Interrupt stops every scheduled buffer and resets the cursor to the
// current output clock. It returns the number of buffers cancelled.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.active))
	for e := range s.active {
		entries = append(entries, e)
	}
	s.active = make(map[*entry]struct{})
	s.generation++
	s.next = s.out.CurrentTime()
	s.mu.Unlock()

	for _, e := range entries {
		if e.source != nil {
			_ = e.source.Stop()
		}
	}
	return len(entries)
}

// Active is the number of buffers scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor is the time at which the next buffer would start, before clamping
// to the output clock.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
