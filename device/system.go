package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// System is the local sound hardware: malgo for capture, oto for output.
type System struct {
	log *log.Logger

	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
}

func NewSystem(logger *log.Logger) *System {
	return &System{log: logger.WithPrefix("device")}
}

func (s *System) Open(
	ctx context.Context,
	sampleRate, frameSize int,
) (Stream, error) {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("init capture context: %w", err)
	}

	m := &micStream{
		log:    s.log,
		mctx:   mctx,
		frames: make(chan []float32, 16),
		size:   frameSize,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { m.capture(input) },
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		if errors.Is(err, malgo.ErrAccessDenied) {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	m.dev = dev

	if err := dev.Start(); err != nil {
		_ = m.Close()
		if errors.Is(err, malgo.ErrAccessDenied) {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("start capture device: %w", err)
	}

	s.log.Info("microphone open", "rate", sampleRate, "frame", frameSize)

	go func() {
		<-ctx.Done()
		_ = m.Close()
	}()

	return m, nil
}

type micStream struct {
	log  *log.Logger
	mctx *malgo.AllocatedContext
	dev  *malgo.Device
	size int

	mu      sync.Mutex
	pending []float32
	frames  chan []float32
	closed  bool
	dropped int
}

func (m *micStream) Frames() <-chan []float32 { return m.frames }

func (m *micStream) capture(input []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	for i := 0; i+4 <= len(input); i += 4 {
		bits := binary.LittleEndian.Uint32(input[i:])
		m.pending = append(m.pending, math.Float32frombits(bits))
	}

	for len(m.pending) >= m.size {
		frame := make([]float32, m.size)
		copy(frame, m.pending)
		m.pending = m.pending[m.size:]
		select {
		case m.frames <- frame:
		default:
			m.dropped++
		}
	}
}

func (m *micStream) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.frames)
	dropped := m.dropped
	m.mu.Unlock()

	if m.dev != nil {
		m.dev.Uninit()
	}
	err := m.mctx.Uninit()
	m.mctx.Free()

	m.log.Info("microphone closed", "dropped", dropped)
	if err != nil {
		return fmt.Errorf("uninit capture context: %w", err)
	}
	return nil
}

// NewInput creates the capture-side context. Its clock is wall time since
// creation.
func (s *System) NewInput(sampleRate int) (AudioContext, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init input context: %w", err)
	}
	return &inputContext{
		mctx:    mctx,
		rate:    sampleRate,
		created: time.Now(),
	}, nil
}

type inputContext struct {
	mctx    *malgo.AllocatedContext
	rate    int
	created time.Time
	once    sync.Once
}

func (c *inputContext) SampleRate() int { return c.rate }

func (c *inputContext) CurrentTime() float64 {
	return time.Since(c.created).Seconds()
}

func (c *inputContext) Close() error {
	var err error
	c.once.Do(func() {
		err = c.mctx.Uninit()
		c.mctx.Free()
	})
	return err
}

// NewOutput creates a player on the process-wide oto context. oto allows a
// single context per process, so every output shares its sample rate.
func (s *System) NewOutput(sampleRate int) (OutputContext, error) {
	s.otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			s.otoErr = fmt.Errorf("init output context: %w", err)
			return
		}
		<-ready
		s.otoCtx = ctx
		s.otoRate = sampleRate
	})
	if s.otoErr != nil {
		return nil, s.otoErr
	}
	if sampleRate != s.otoRate {
		return nil, fmt.Errorf(
			"output already running at %d Hz, cannot open %d Hz",
			s.otoRate,
			sampleRate,
		)
	}

	tl := NewTimeline(sampleRate)
	player := s.otoCtx.NewPlayer(tl)
	player.Play()

	return &outputContext{Timeline: tl, player: player}, nil
}

type outputContext struct {
	*Timeline
	player *oto.Player
	once   sync.Once
}

func (o *outputContext) Close() error {
	var err error
	o.once.Do(func() {
		err = errors.Join(o.Timeline.Close(), o.player.Close())
	})
	return err
}
