// Package fallback runs voice turns on local speech recognition and
// synthesis, with the reply coming from a turn-based chat endpoint.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"healthguard/engine"
	"healthguard/llm"
	"healthguard/stt"
	"healthguard/tts"
)

const (
	StatusActive      = "Standard Voice Engine Active"
	StatusReasoning   = "Clinical reasoning..."
	StatusSynthesis   = "Synthesizing audio..."
	StatusReady       = "Ready"
	StatusRecognition = "Voice recognition error"
	StatusStall       = "Engine stall"
)

const DefaultLanguage = "en-US"

type State int

const (
	StateIdle State = iota
	StateListening
	StateRecognized
	StateResponding
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRecognized:
		return "recognized"
	case StateResponding:
		return "responding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Instruction personalises the concierge system prompt.
func Instruction(displayName string) string {
	return fmt.Sprintf(
		"You are a voice assistant for HealthGuard. You are speaking with %s. Respond briefly and professionally.",
		displayName,
	)
}

type Config struct {
	DisplayName string
	PatientID   string
	Language    string
}

type Engine struct {
	log        *log.Logger
	cfg        Config
	recognizer stt.Recognizer
	chat       llm.ChatClient
	synth      tts.Synthesizer
	sink       engine.Sink

	mu           sync.Mutex
	state        State
	turn         int
	cancelListen context.CancelFunc
	cancelTurn   context.CancelFunc
	listeners    sync.WaitGroup

	stopOnce sync.Once
	done     chan struct{}
}

func New(
	logger *log.Logger,
	cfg Config,
	recognizer stt.Recognizer,
	chat llm.ChatClient,
	synth tts.Synthesizer,
	sink engine.Sink,
) *Engine {
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	return &Engine{
		log:        logger.WithPrefix("fallback"),
		cfg:        cfg,
		recognizer: recognizer,
		chat:       chat,
		synth:      synth,
		sink:       sink,
		done:       make(chan struct{}),
	}
}

func (e *Engine) Capabilities() engine.Capability {
	var c engine.Capability
	if e.recognizer != nil {
		c |= engine.RecognizeSpeech
	}
	if e.synth != nil {
		c |= engine.SynthesizeSpeech
	}
	return c
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start announces the engine. It does not open the microphone; turns begin
// with StartTurn or ToggleListening.
func (e *Engine) Start() {
	e.log.Info("fallback engine active", "capabilities", e.Capabilities())
	e.emit(engine.StatusChanged{Status: StatusActive})
}

// ToggleListening starts a turn when idle and cancels recognition when
// listening. While a turn is being answered it does nothing. It returns
// whether the engine is listening afterwards.
func (e *Engine) ToggleListening() bool {
	switch e.State() {
	case StateIdle, StateError:
		if err := e.StartTurn(); err != nil {
			return false
		}
		return true
	case StateListening:
		e.mu.Lock()
		cancel := e.cancelListen
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return false
	default:
		e.log.Debug("toggle ignored", "state", e.State())
		return false
	}
}

// StartTurn begins recognizing one utterance.
func (e *Engine) StartTurn() error {
	e.mu.Lock()
	if e.stopped() {
		e.mu.Unlock()
		return errors.New("fallback engine stopped")
	}
	if e.state != StateIdle && e.state != StateError {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("turn already in progress (%s)", state)
	}
	if e.recognizer == nil {
		e.state = StateError
		e.mu.Unlock()
		e.emit(engine.StatusChanged{Status: StatusRecognition})
		return errors.New("no speech recognizer")
	}
	e.turn++
	turn := e.turn
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelListen = cancel
	e.state = StateListening
	e.listeners.Add(1)
	e.mu.Unlock()

	results, err := e.recognizer.Listen(ctx, e.cfg.Language)
	if err != nil {
		e.listeners.Done()
		cancel()
		e.log.Warn("recognition failed to start", "error", err)
		if e.transition(turn, StateListening, StateError) {
			e.emit(engine.StatusChanged{Status: StatusRecognition})
		}
		return err
	}

	e.emit(engine.ListeningChanged{Listening: true})
	go e.consume(turn, cancel, results)
	return nil
}

func (e *Engine) consume(
	turn int,
	cancel context.CancelFunc,
	results <-chan stt.Result,
) {
	defer e.listeners.Done()
	defer cancel()

	final := ""
	gotFinal := false
	for r := range results {
		if !e.current(turn) {
			continue
		}
		if r.Err != nil {
			e.log.Warn("voice recognition error", "error", r.Err)
			if e.transition(turn, StateListening, StateError) {
				e.emit(engine.StatusChanged{Status: StatusRecognition})
			}
			continue
		}
		e.emit(engine.TranscriptChunk{Text: r.Text, Final: r.Final})
		if r.Final {
			final = strings.TrimSpace(r.Text)
			gotFinal = true
		}
	}

	if !e.current(turn) {
		return
	}
	e.emit(engine.ListeningChanged{Listening: false})

	if gotFinal && final != "" {
		if err := e.SubmitTurn(final); err != nil {
			e.log.Debug("turn not submitted", "error", err)
		}
		return
	}
	e.transition(turn, StateListening, StateIdle)
}

// SubmitTurn sends text to the chat endpoint and speaks the reply. It is
// called with the final recognition result and may be called directly with
// typed text when the engine is idle.
func (e *Engine) SubmitTurn(text string) error {
	e.mu.Lock()
	if e.stopped() {
		e.mu.Unlock()
		return errors.New("fallback engine stopped")
	}
	switch e.state {
	case StateListening:
		if e.cancelListen != nil {
			e.cancelListen()
		}
	case StateIdle, StateError:
		e.turn++
	default:
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("turn already in progress (%s)", state)
	}
	e.state = StateRecognized
	turn := e.turn
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelTurn = cancel
	e.mu.Unlock()

	e.emit(engine.StatusChanged{Status: StatusReasoning})
	go e.respond(ctx, turn, text)
	return nil
}

func (e *Engine) respond(ctx context.Context, turn int, text string) {
	if !e.transition(turn, StateRecognized, StateResponding) {
		return
	}

	reply, err := e.stream(ctx, turn, text)
	if err != nil {
		if ctx.Err() != nil || !e.current(turn) {
			return
		}
		e.log.Error("chat request failed", "error", err)
		e.stall(turn)
		return
	}

	if e.synth == nil {
		e.finishTurn(turn, text, reply)
		return
	}

	err = e.synth.Speak(&tts.Utterance{
		Text: reply,
		OnStart: func() {
			if e.current(turn) {
				e.emit(engine.StatusChanged{Status: StatusSynthesis})
			}
		},
		OnEnd: func() {
			e.finishTurn(turn, text, reply)
		},
		OnError: func(err error) {
			if e.current(turn) {
				e.log.Error("speech synthesis failed", "error", err)
				e.stall(turn)
			}
		},
	})
	if err != nil {
		e.log.Error("speech synthesis failed", "error", err)
		e.stall(turn)
	}
}

func (e *Engine) stream(ctx context.Context, turn int, text string) (string, error) {
	req := &llm.ChatCompletionRequest{
		SystemPrompt: Instruction(e.cfg.DisplayName),
		PatientID:    e.cfg.PatientID,
	}
	chunks, err := e.chat.ChatCompletion(ctx, req.WithUserMessage(text))
	if err != nil {
		return "", err
	}

	var reply strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return reply.String(), chunk.Err
		}
		if chunk.Content == "" || !e.current(turn) {
			continue
		}
		reply.WriteString(chunk.Content)
		e.emit(engine.AssistantChunk{Text: chunk.Content})
	}
	if err := ctx.Err(); err != nil {
		return reply.String(), err
	}
	return strings.TrimSpace(reply.String()), nil
}

func (e *Engine) finishTurn(turn int, user, assistant string) {
	if !e.transition(turn, StateResponding, StateIdle) {
		return
	}
	e.emit(engine.StatusChanged{Status: StatusReady})
	e.emit(engine.TurnCompleted{User: user, Assistant: assistant})
}

func (e *Engine) stall(turn int) {
	if e.transition(turn, StateResponding, StateIdle) ||
		e.transition(turn, StateRecognized, StateIdle) {
		e.emit(engine.StatusChanged{Status: StatusStall})
	}
}

// Stop cancels recognition, the pending chat request and any speech, and
// returns once the recognizer has released the microphone. It is safe to
// call more than once.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		close(e.done)
		prev := e.state
		e.state = StateIdle
		e.turn++
		cancelListen, cancelTurn := e.cancelListen, e.cancelTurn
		e.cancelListen, e.cancelTurn = nil, nil
		e.mu.Unlock()

		if cancelListen != nil {
			cancelListen()
		}
		if cancelTurn != nil {
			cancelTurn()
		}
		if e.synth != nil {
			e.synth.Cancel()
		}
		e.listeners.Wait()
		e.log.Info("fallback engine stopped", "from", prev)
	})
	return nil
}

func (e *Engine) current(turn int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopped() && e.turn == turn
}

// transition moves from one state to another if turn is still current.
func (e *Engine) transition(turn int, from, to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped() || e.turn != turn || e.state != from {
		return false
	}
	e.state = to
	return true
}

func (e *Engine) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) emit(ev engine.Event) {
	if e.stopped() || e.sink == nil {
		return
	}
	e.sink(ev)
}
