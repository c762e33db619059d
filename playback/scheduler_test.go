package playback

import (
	"errors"
	"sync"
	"testing"

	"healthguard/audio"
)

type mockSource struct {
	mu      sync.Mutex
	stopped int
}

func (m *mockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	return nil
}

type started struct {
	at      float64
	source  *mockSource
	onEnded func()
}

type mockOutput struct {
	mu      sync.Mutex
	now     float64
	started []started
	fail    error
}

func (m *mockOutput) CurrentTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockOutput) advance(seconds float64) {
	m.mu.Lock()
	m.now += seconds
	m.mu.Unlock()
}

func (m *mockOutput) Start(
	buf *audio.Buffer,
	at float64,
	onEnded func(),
) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	src := &mockSource{}
	m.started = append(m.started, started{at: at, source: src, onEnded: onEnded})
	return src, nil
}

func bufferOf(seconds float64) *audio.Buffer {
	return &audio.Buffer{
		Samples:    make([]float32, int(seconds*audio.OutputSampleRate)),
		SampleRate: audio.OutputSampleRate,
		Channels:   1,
	}
}

func TestEnqueueDoesNotOverlap(t *testing.T) {
	out := &mockOutput{now: 0.25}
	s := NewScheduler(out)

	durations := []float64{0.5, 0.1, 1.0, 0.25, 0.75}
	var prevEnd float64
	for i, d := range durations {
		start, err := s.Enqueue(bufferOf(d))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if start < prevEnd {
			t.Errorf("chunk %d starts at %v before previous end %v", i, start, prevEnd)
		}
		prevEnd = start + d

		// The clock moves but never past the queued audio.
		out.advance(d / 4)
	}

	if got := out.started[0].at; got != 0.25 {
		t.Errorf("first chunk starts at %v, want output clock 0.25", got)
	}
	if s.Active() != len(durations) {
		t.Errorf("Active() = %d, want %d", s.Active(), len(durations))
	}
}

func TestScheduleNextClampsToClock(t *testing.T) {
	out := &mockOutput{}
	s := NewScheduler(out)

	if got := s.ScheduleNext(1); got != 0 {
		t.Fatalf("first start = %v, want 0", got)
	}

	// The queue drained while idle; the next buffer starts now, not in the past.
	out.advance(5)
	if got := s.ScheduleNext(1); got != 5 {
		t.Errorf("start after idle = %v, want 5", got)
	}
	if got := s.ScheduleNext(0.5); got != 6 {
		t.Errorf("back-to-back start = %v, want 6", got)
	}
}

func TestInterruptClearsQueue(t *testing.T) {
	out := &mockOutput{now: 1}
	s := NewScheduler(out)

	for i := 0; i < 4; i++ {
		if _, err := s.Enqueue(bufferOf(0.5)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	out.advance(0.3)

	if n := s.Interrupt(); n != 4 {
		t.Errorf("Interrupt() cancelled %d, want 4", n)
	}
	if s.Active() != 0 {
		t.Errorf("Active() = %d after interrupt, want 0", s.Active())
	}
	if got := s.Cursor(); got != 1.3 {
		t.Errorf("Cursor() = %v, want output clock 1.3", got)
	}
	for i, st := range out.started {
		if st.source.stopped != 1 {
			t.Errorf("source %d stopped %d times, want 1", i, st.source.stopped)
		}
	}

	start, err := s.Enqueue(bufferOf(0.5))
	if err != nil {
		t.Fatalf("Enqueue after interrupt: %v", err)
	}
	if start != 1.3 {
		t.Errorf("start after interrupt = %v, want 1.3", start)
	}
}

func TestEndedSourcesLeaveActiveSet(t *testing.T) {
	out := &mockOutput{}
	s := NewScheduler(out)

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(bufferOf(0.2)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	out.started[0].onEnded()
	out.started[1].onEnded()
	// A second callback for the same source is harmless.
	out.started[1].onEnded()

	if s.Active() != 1 {
		t.Errorf("Active() = %d, want 1", s.Active())
	}
}

func TestEnqueueStartFailure(t *testing.T) {
	out := &mockOutput{fail: errors.New("device gone")}
	s := NewScheduler(out)

	if _, err := s.Enqueue(bufferOf(0.2)); err == nil {
		t.Fatal("expected error from failing output")
	}
	if s.Active() != 0 {
		t.Errorf("Active() = %d, want 0", s.Active())
	}
}
