package device

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"healthguard/audio"
)

func constant(v float32, frames, rate int) *audio.Buffer {
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = v
	}
	return &audio.Buffer{Samples: samples, SampleRate: rate, Channels: 1}
}

func readFrames(t *testing.T, tl *Timeline, frames int) []int16 {
	t.Helper()
	p := make([]byte, frames*audio.SampleWidth)
	n, err := tl.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(p) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(p))
	}
	out := make([]int16, frames)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(p[i*2:]))
	}
	return out
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestTimelinePlaysAtScheduledTime(t *testing.T) {
	tl := NewTimeline(10)

	ended := make(chan struct{})
	if _, err := tl.Start(constant(0.5, 3, 10), 0.2, func() { close(ended) }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := readFrames(t, tl, 6)
	for i, s := range got {
		playing := i >= 2 && i < 5
		if playing && s == 0 {
			t.Errorf("frame %d is silent, want audio", i)
		}
		if !playing && s != 0 {
			t.Errorf("frame %d = %d, want silence", i, s)
		}
	}

	waitFor(t, ended, "onEnded")
	if tl.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", tl.Pending())
	}
	if got := tl.CurrentTime(); got != 0.6 {
		t.Errorf("CurrentTime() = %v, want 0.6", got)
	}
}

func TestTimelineStopSilencesClip(t *testing.T) {
	tl := NewTimeline(10)

	ended := make(chan struct{})
	src, err := tl.Start(constant(0.5, 10, 10), 0, func() { close(ended) })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	readFrames(t, tl, 2)
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, ended, "onEnded after Stop")

	for i, s := range readFrames(t, tl, 4) {
		if s != 0 {
			t.Errorf("frame %d = %d after stop, want silence", i, s)
		}
	}
	// Stopping twice only ends once.
	_ = src.Stop()
}

func TestTimelineRejectsMismatchedRate(t *testing.T) {
	tl := NewTimeline(audio.OutputSampleRate)
	if _, err := tl.Start(constant(0.1, 4, audio.InputSampleRate), 0, nil); err == nil {
		t.Error("expected error for mismatched sample rate")
	}
}

func TestTimelineClose(t *testing.T) {
	tl := NewTimeline(10)
	ended := make(chan struct{})
	if _, err := tl.Start(constant(0.1, 4, 10), 0, func() { close(ended) }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, ended, "onEnded after Close")

	if _, err := tl.Start(constant(0.1, 4, 10), 0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}
