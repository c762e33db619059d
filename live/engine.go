// Package live streams microphone audio to a realtime conversational
// endpoint and plays back the audio it answers with.
package live

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"healthguard/audio"
	"healthguard/device"
	"healthguard/engine"
	"healthguard/playback"
)

const DefaultHandshakeTimeout = 10 * time.Second

var (
	ErrHandshake        = errors.New("live handshake failed")
	ErrHandshakeTimeout = fmt.Errorf("%w: timed out waiting for setup", ErrHandshake)
	ErrStopped          = errors.New("live engine stopped")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateStreaming
	StateInterrupted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateInterrupted:
		return "interrupted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Instruction personalises the triage system prompt.
func Instruction(displayName string) string {
	return fmt.Sprintf(
		"You are a triage assistant for HealthGuard. Speaking with %s. Focus on symptom gathering and appointment routing.",
		displayName,
	)
}

type Config struct {
	DisplayName      string
	Model            string
	Voice            string
	HandshakeTimeout time.Duration
	FrameSize        int
}

type Engine struct {
	log      *log.Logger
	cfg      Config
	mic      device.Microphone
	contexts device.AudioContextFactory
	dialer   Dialer
	sink     engine.Sink

	mu        sync.Mutex
	state     State
	listening bool
	conn      Conn
	stream    device.Stream
	input     device.AudioContext
	output    device.OutputContext
	sched     *playback.Scheduler

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

func New(
	logger *log.Logger,
	cfg Config,
	mic device.Microphone,
	contexts device.AudioContextFactory,
	dialer Dialer,
	sink engine.Sink,
) *Engine {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = device.DefaultFrameSize
	}
	return &Engine{
		log:      logger.WithPrefix("live"),
		cfg:      cfg,
		mic:      mic,
		contexts: contexts,
		dialer:   dialer,
		sink:     sink,
		done:     make(chan struct{}),
	}
}

// Capabilities covers recognition and synthesis too; the remote model does
// both over the link.
func (e *Engine) Capabilities() engine.Capability {
	return engine.StreamAudioIn | engine.StreamAudioOut |
		engine.RecognizeSpeech | engine.SynthesizeSpeech
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// Done is closed once Stop has been called.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start acquires the microphone and audio contexts, connects and waits for
// the handshake. On any error the engine is Closed and the error returned;
// resources acquired so far are released by Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("live engine already started (%s)", e.state)
	}
	e.state = StateConnecting
	e.mu.Unlock()

	err := e.start(ctx)
	if err != nil {
		e.setState(StateClosed)
		return err
	}
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	stream, err := e.mic.Open(ctx, audio.InputSampleRate, e.cfg.FrameSize)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	if err := e.adopt(func() { e.stream = stream }, stream.Close); err != nil {
		return err
	}

	input, err := e.contexts.NewInput(audio.InputSampleRate)
	if err != nil {
		return fmt.Errorf("create input context: %w", err)
	}
	if err := e.adopt(func() { e.input = input }, input.Close); err != nil {
		return err
	}

	output, err := e.contexts.NewOutput(audio.OutputSampleRate)
	if err != nil {
		return fmt.Errorf("create output context: %w", err)
	}
	if err := e.adopt(func() {
		e.output = output
		e.sched = playback.NewScheduler(output)
	}, output.Close); err != nil {
		return err
	}

	deadline := time.Now().Add(e.cfg.HandshakeTimeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := e.dialer.Dial(dialCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := e.adopt(func() { e.conn = conn }, conn.Close); err != nil {
		return err
	}

	if err := e.handshake(dialCtx, conn); err != nil {
		return err
	}

	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		return ErrStopped
	default:
	}
	e.state = StateOpen
	e.listening = true
	e.mu.Unlock()

	e.log.Info("live link open", "voice", e.cfg.Voice, "model", e.cfg.Model)
	e.emit(engine.Opened{})

	go e.readLoop(conn)
	go e.pump(stream)

	return nil
}

// adopt records a freshly acquired resource, or releases it at once if
// Stop already ran.
func (e *Engine) adopt(set func(), release func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		_ = guard("late resource", release)
		return ErrStopped
	default:
	}
	set()
	return nil
}

func (e *Engine) handshake(ctx context.Context, conn Conn) error {
	setup := NewSetup(e.cfg.Model, Instruction(e.cfg.DisplayName), e.cfg.Voice)
	if err := conn.Send(setup); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	result := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.Receive()
			if err != nil {
				result <- err
				return
			}
			if msg.SetupComplete != nil {
				result <- nil
				return
			}
		}
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrHandshakeTimeout
		}
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) pump(stream device.Stream) {
	for frame := range stream.Frames() {
		e.SendFrame(frame)
	}
}

// SendFrame encodes and transmits one microphone frame. Frames are dropped
// unless the link is open and listening, or when the send fails.
func (e *Engine) SendFrame(frame []float32) bool {
	e.mu.Lock()
	conn := e.conn
	ok := e.listening && conn != nil &&
		(e.state == StateOpen || e.state == StateStreaming || e.state == StateInterrupted)
	e.mu.Unlock()
	if !ok {
		return false
	}

	if err := conn.Send(NewAudioInput(frame)); err != nil {
		e.log.Debug("dropping frame", "error", err)
		return false
	}
	return true
}

// SendText submits a typed user turn on the open link.
func (e *Engine) SendText(text string) error {
	e.mu.Lock()
	conn := e.conn
	open := e.state == StateOpen || e.state == StateStreaming || e.state == StateInterrupted
	e.mu.Unlock()
	if !open || conn == nil {
		return fmt.Errorf("live link not open")
	}
	return conn.Send(NewTextTurn(text))
}

// SetListening gates microphone streaming without touching the link.
func (e *Engine) SetListening(on bool) {
	e.mu.Lock()
	e.listening = on
	e.mu.Unlock()
}

func (e *Engine) ToggleListening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listening = !e.listening
	return e.listening
}

func (e *Engine) readLoop(conn Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if e.stopped() {
				return
			}
			e.setState(StateClosed)
			if !errors.Is(err, ErrConnClosed) {
				e.log.Warn("live link failed", "error", err)
				e.emit(engine.Failed{Err: err})
			}
			e.emit(engine.Closed{})
			return
		}
		e.handle(msg)
	}
}

func (e *Engine) handle(msg *ServerMessage) {
	if msg.GoAway != nil {
		e.log.Warn("server is going away", "time_left", msg.GoAway.TimeLeft)
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		e.emit(engine.TranscriptChunk{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		e.emit(engine.AssistantChunk{Text: sc.OutputTranscription.Text})
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData != nil {
				e.play(part.InlineData)
			}
		}
	}

	if sc.Interrupted {
		e.mu.Lock()
		sched := e.sched
		if e.state != StateClosed {
			e.state = StateInterrupted
		}
		e.mu.Unlock()

		cancelled := 0
		if sched != nil {
			cancelled = sched.Interrupt()
		}
		e.log.Debug("interrupted", "cancelled", cancelled)
		e.emit(engine.Interrupted{})
	}

	if sc.TurnComplete {
		e.emit(engine.TurnCompleted{})
	}
}

func (e *Engine) play(blob *Blob) {
	rate, ok := pcmRate(blob.MimeType)
	if !ok {
		e.log.Debug("ignoring inline data", "mime", blob.MimeType)
		return
	}

	raw, err := audio.Base64Decode(blob.Data)
	if err != nil {
		e.log.Warn("dropping malformed audio chunk", "error", err)
		return
	}
	buf, err := audio.DecodeToBuffer(raw, rate, 1)
	if err != nil {
		e.log.Warn("dropping malformed audio chunk", "error", err)
		return
	}

	e.mu.Lock()
	sched := e.sched
	if e.state == StateOpen || e.state == StateInterrupted {
		e.state = StateStreaming
	}
	e.mu.Unlock()
	if sched == nil {
		return
	}

	if _, err := sched.Enqueue(buf); err != nil {
		e.log.Warn("failed to schedule audio", "error", err)
		return
	}
	e.emit(engine.AssistantChunk{Audio: buf})
}

func pcmRate(mimeType string) (int, bool) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || !strings.HasPrefix(mediaType, "audio/pcm") {
		return 0, false
	}
	if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
		return r, true
	}
	return audio.OutputSampleRate, true
}

// Stop releases the transport, the microphone and both audio contexts. Each
// release runs even if another one fails or panics. Later calls return the
// first call's result.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		close(e.done)
		prev := e.state
		e.state = StateClosed
		e.listening = false
		conn, stream, input, output, sched := e.conn, e.stream, e.input, e.output, e.sched
		e.mu.Unlock()

		if sched != nil {
			sched.Interrupt()
		}

		var errs []error
		if conn != nil {
			errs = append(errs, guard("transport", conn.Close))
		}
		if stream != nil {
			errs = append(errs, guard("microphone", stream.Close))
		}
		if input != nil {
			errs = append(errs, guard("input context", input.Close))
		}
		if output != nil {
			errs = append(errs, guard("output context", output.Close))
		}
		e.stopErr = errors.Join(errs...)

		e.log.Info("live engine stopped", "from", prev, "error", e.stopErr)
	})
	return e.stopErr
}

func guard(name string, release func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("release %s: panic: %v", name, r)
		}
	}()
	if err := release(); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

func (e *Engine) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state != StateClosed {
		e.state = s
	}
	e.mu.Unlock()
}

func (e *Engine) emit(ev engine.Event) {
	if e.stopped() || e.sink == nil {
		return
	}
	e.sink(ev)
}
