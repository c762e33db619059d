package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"healthguard/audio"
	"healthguard/playback"
)

// Timeline is a pull-based mono mixer. An output player reads S16LE
// samples from it; its clock is the number of frames read so far.
type Timeline struct {
	mu     sync.Mutex
	rate   int
	pos    int64
	clips  map[*clip]struct{}
	closed bool
}

type clip struct {
	t       *Timeline
	samples []float32
	start   int64
	onEnded func()
	once    sync.Once
}

func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{
		rate:  sampleRate,
		clips: make(map[*clip]struct{}),
	}
}

func (t *Timeline) SampleRate() int { return t.rate }

func (t *Timeline) CurrentTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.pos) / float64(t.rate)
}

func (t *Timeline) Start(
	buf *audio.Buffer,
	at float64,
	onEnded func(),
) (playback.Source, error) {
	if buf.SampleRate != t.rate {
		return nil, fmt.Errorf(
			"buffer rate %d does not match output rate %d",
			buf.SampleRate,
			t.rate,
		)
	}
	if buf.Channels > 1 {
		return nil, fmt.Errorf("unsupported channel count %d", buf.Channels)
	}

	c := &clip{
		t:       t,
		samples: buf.Samples,
		start:   int64(math.Round(at * float64(t.rate))),
		onEnded: onEnded,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if c.start < t.pos {
		c.start = t.pos
	}
	t.clips[c] = struct{}{}
	t.mu.Unlock()

	return c, nil
}

func (c *clip) Stop() error {
	c.t.mu.Lock()
	delete(c.t.clips, c)
	c.t.mu.Unlock()
	c.finish()
	return nil
}

func (c *clip) finish() {
	c.once.Do(func() {
		if c.onEnded != nil {
			go c.onEnded()
		}
	})
}

// Read fills p with the mix of every clip covering the next frames and
// advances the clock. Gaps are silence.
func (t *Timeline) Read(p []byte) (int, error) {
	frames := len(p) / audio.SampleWidth
	mix := make([]float32, frames)

	t.mu.Lock()
	from := t.pos
	to := from + int64(frames)
	var done []*clip
	for c := range t.clips {
		end := c.start + int64(len(c.samples))
		lo, hi := max(c.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			mix[f-from] += c.samples[f-c.start]
		}
		if end <= to {
			delete(t.clips, c)
			done = append(done, c)
		}
	}
	t.pos = to
	t.mu.Unlock()

	for _, c := range done {
		c.finish()
	}

	for i, s := range mix {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(p[i*audio.SampleWidth:], uint16(int16(v*math.MaxInt16)))
	}
	return frames * audio.SampleWidth, nil
}

// Close stops every clip. Later Start calls fail with ErrClosed.
func (t *Timeline) Close() error {
	t.mu.Lock()
	t.closed = true
	clips := t.clips
	t.clips = make(map[*clip]struct{})
	t.mu.Unlock()

	for c := range clips {
		c.finish()
	}
	return nil
}

func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clips)
}
