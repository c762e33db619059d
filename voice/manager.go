// Package voice owns a voice session: it starts the live engine, fails over
// to the fallback engine when the live link cannot be had or is lost, and
// keeps the state a UI renders.
package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"healthguard/device"
	"healthguard/engine"
	"healthguard/fallback"
	"healthguard/live"
	"healthguard/llm"
	"healthguard/stt"
	"healthguard/tts"
)

const (
	StatusConnecting = "Establishing Clinical Link..."
	StatusLiveOpen   = "Secure Live Link established"
	StatusSpeaking   = "Assistant speaking..."
	StatusListening  = "Listening..."
	StatusMuted      = "Interface Muted"
)

type Mode int

const (
	ModeConnecting Mode = iota
	ModeLive
	ModeFallback
	ModeClosed
)

func (m Mode) String() string {
	switch m {
	case ModeConnecting:
		return "connecting"
	case ModeLive:
		return "live"
	case ModeFallback:
		return "fallback"
	case ModeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is the session state a UI renders.
type Snapshot struct {
	SessionID           string
	Mode                Mode
	Listening           bool
	Status              string
	UserTranscript      string
	AssistantTranscript string
	FailoverReason      string
}

// Deps are the capabilities the engines are built from.
type Deps struct {
	Microphone  device.Microphone
	Contexts    device.AudioContextFactory
	Dialer      live.Dialer
	Recognizer  stt.Recognizer
	Synthesizer tts.Synthesizer
	Chat        llm.ChatClient
	Journal     Journal
}

type Config struct {
	DisplayName string
	PatientID   string
	Language    string
	Live        live.Config
}

type liveEngine interface {
	Start(ctx context.Context) error
	ToggleListening() bool
	SendText(text string) error
	Stop() error
}

type fallbackEngine interface {
	Start()
	ToggleListening() bool
	SubmitTurn(text string) error
	Stop() error
}

type source int

const (
	fromLive source = iota
	fromFallback
)

type envelope struct {
	from source
	ev   engine.Event
}

type liveStarted struct {
	err error
}

type command func()

type Manager struct {
	log  *log.Logger
	cfg  Config
	deps Deps

	newLive     func(sink engine.Sink) liveEngine
	newFallback func(sink engine.Sink) fallbackEngine

	inbox    chan any
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	journal  *journalWriter

	startOnce    sync.Once
	shutdownOnce sync.Once

	// Owned by the loop goroutine.
	live         liveEngine
	liveDone     chan struct{}
	fallback     fallbackEngine
	fallbackDone chan struct{}
	failedOver   bool
	closing      bool
	// liveTurnDone is set once a live turn is journaled; the next chunk
	// starts a fresh exchange.
	liveTurnDone bool

	mu      sync.Mutex
	state   Snapshot
	updates chan Snapshot
}

func New(logger *log.Logger, cfg Config, deps Deps) *Manager {
	logger = logger.WithPrefix("voice")
	if cfg.Live.DisplayName == "" {
		cfg.Live.DisplayName = cfg.DisplayName
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:      logger,
		cfg:      cfg,
		deps:     deps,
		inbox:    make(chan any, 64),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan Snapshot, 1),
		state: Snapshot{
			SessionID: uuid.NewString(),
			Mode:      ModeConnecting,
			Status:    StatusConnecting,
		},
	}

	m.newLive = func(sink engine.Sink) liveEngine {
		return live.New(logger, cfg.Live, deps.Microphone, deps.Contexts, deps.Dialer, sink)
	}
	m.newFallback = func(sink engine.Sink) fallbackEngine {
		return fallback.New(
			logger,
			fallback.Config{
				DisplayName: cfg.DisplayName,
				PatientID:   cfg.PatientID,
				Language:    cfg.Language,
			},
			deps.Recognizer,
			deps.Chat,
			deps.Synthesizer,
			sink,
		)
	}

	if deps.Journal != nil {
		m.journal = newJournalWriter(logger)
	}
	return m
}

// Start opens the session and attempts the live link. It returns at once;
// progress is reported through Snapshot and Updates.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		snap := m.Snapshot()
		m.record(func(ctx context.Context, j Journal) error {
			return j.SessionStarted(ctx, snap.SessionID, m.cfg.DisplayName, time.Now())
		})
		m.publish()
		go m.loop()
		m.post(command(m.startLive))
	})
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Updates delivers the latest snapshot after every change. Slow readers
// only miss intermediate states. The channel is closed after shutdown.
func (m *Manager) Updates() <-chan Snapshot {
	return m.updates
}

// Done is closed once the session has shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.loopDone
}

// ToggleListening mutes or unmutes the session.
func (m *Manager) ToggleListening() {
	m.post(command(m.toggle))
}

// SubmitText sends a typed user turn to whichever engine is active.
func (m *Manager) SubmitText(text string) {
	m.post(command(func() { m.submit(text) }))
}

// Shutdown releases every resource the session holds. It waits for the
// event loop to exit and is safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		started := true
		m.startOnce.Do(func() { started = false })
		if !started {
			m.teardownUnstarted()
			return
		}
		m.post(command(m.teardown))
	})
	<-m.loopDone
}

func (m *Manager) post(msg any) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-m.loopDone:
		return false
	}
}

func (m *Manager) sink(from source, done <-chan struct{}) engine.Sink {
	return func(ev engine.Event) {
		select {
		case m.inbox <- envelope{from: from, ev: ev}:
		case <-done:
		case <-m.loopDone:
		}
	}
}

func (m *Manager) loop() {
	for msg := range m.inbox {
		switch msg := msg.(type) {
		case command:
			msg()
		case liveStarted:
			m.onLiveStarted(msg.err)
		case envelope:
			m.onEvent(msg.from, msg.ev)
		}
		if m.closing {
			m.finish()
			return
		}
	}
}

func (m *Manager) startLive() {
	done := make(chan struct{})
	l := m.newLive(m.sink(fromLive, done))
	m.live = l
	m.liveDone = done
	go func() {
		err := l.Start(m.ctx)
		m.post(liveStarted{err: err})
	}()
}

func (m *Manager) onLiveStarted(err error) {
	if err == nil {
		return
	}
	m.log.Warn("live link unavailable", "error", err)
	m.failover(failoverReason(err))
}

func failoverReason(err error) string {
	switch {
	case err == nil:
		return "live link failed"
	case errors.Is(err, device.ErrPermissionDenied):
		return "microphone permission denied"
	case errors.Is(err, live.ErrHandshakeTimeout):
		return "handshake timed out"
	case errors.Is(err, live.ErrHandshake):
		return "handshake failed"
	default:
		return err.Error()
	}
}

func (m *Manager) onEvent(from source, ev engine.Event) {
	if m.closing {
		return
	}
	switch from {
	case fromLive:
		if m.failedOver {
			return
		}
		m.onLiveEvent(ev)
	case fromFallback:
		m.onFallbackEvent(ev)
	}
}

func (m *Manager) onLiveEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.Opened:
		m.update(func(s *Snapshot) {
			if s.Mode == ModeConnecting {
				s.Mode = ModeLive
			}
			s.Listening = true
			s.Status = StatusLiveOpen
		})
	case engine.TranscriptChunk:
		fresh := m.nextLiveTurn()
		m.update(func(s *Snapshot) {
			if fresh {
				s.AssistantTranscript = ""
			}
			s.UserTranscript = ev.Text
		})
	case engine.AssistantChunk:
		if ev.Audio != nil {
			m.update(func(s *Snapshot) { s.Status = StatusSpeaking })
			return
		}
		fresh := m.nextLiveTurn()
		m.update(func(s *Snapshot) {
			if fresh {
				s.UserTranscript = ""
				s.AssistantTranscript = ""
			}
			s.AssistantTranscript += ev.Text
		})
	case engine.Interrupted:
		m.liveTurnDone = false
		m.update(func(s *Snapshot) {
			s.UserTranscript = ""
			s.AssistantTranscript = ""
			if s.Listening {
				s.Status = StatusListening
			}
		})
	case engine.TurnCompleted:
		if m.liveTurnDone {
			return
		}
		snap := m.Snapshot()
		m.recordTurn("live", snap.UserTranscript, snap.AssistantTranscript)
		m.liveTurnDone = true
	case engine.Failed:
		m.log.Warn("live link failed", "error", ev.Err)
		m.failover(failoverReason(ev.Err))
	case engine.Closed:
		m.failover("live link closed")
	}
}

// nextLiveTurn reports whether a chunk opens a new exchange after a
// completed live turn, and clears the marker.
func (m *Manager) nextLiveTurn() bool {
	fresh := m.liveTurnDone
	m.liveTurnDone = false
	return fresh
}

func (m *Manager) onFallbackEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.StatusChanged:
		m.update(func(s *Snapshot) { s.Status = ev.Status })
	case engine.ListeningChanged:
		m.update(func(s *Snapshot) { s.Listening = ev.Listening })
	case engine.TranscriptChunk:
		m.update(func(s *Snapshot) { s.UserTranscript = ev.Text })
	case engine.AssistantChunk:
		m.update(func(s *Snapshot) { s.AssistantTranscript += ev.Text })
	case engine.TurnCompleted:
		m.recordTurn("fallback", ev.User, ev.Assistant)
		m.update(func(s *Snapshot) {
			s.UserTranscript = ""
			s.AssistantTranscript = ""
		})
	}
}

// failover replaces the live engine with the fallback engine. Only the
// first call has any effect.
func (m *Manager) failover(reason string) {
	if m.failedOver || m.closing {
		return
	}
	m.failedOver = true
	m.log.Info("failing over to fallback engine", "reason", reason)

	m.stopLive()

	snap := m.Snapshot()
	m.record(func(ctx context.Context, j Journal) error {
		return j.FailedOver(ctx, snap.SessionID, reason, time.Now())
	})
	m.update(func(s *Snapshot) {
		s.Mode = ModeFallback
		s.Listening = false
		s.FailoverReason = reason
		s.UserTranscript = ""
		s.AssistantTranscript = ""
	})

	done := make(chan struct{})
	m.fallbackDone = done
	m.fallback = m.newFallback(m.sink(fromFallback, done))
	m.fallback.Start()
}

func (m *Manager) stopLive() {
	if m.live == nil {
		return
	}
	close(m.liveDone)
	if err := m.live.Stop(); err != nil {
		m.log.Warn("live engine released with errors", "error", err)
	}
	m.live = nil
}

func (m *Manager) toggle() {
	switch m.Snapshot().Mode {
	case ModeLive:
		if m.live == nil {
			return
		}
		on := m.live.ToggleListening()
		m.update(func(s *Snapshot) {
			s.Listening = on
			if on {
				s.Status = StatusListening
			} else {
				s.Status = StatusMuted
			}
		})
	case ModeFallback:
		if m.fallback != nil {
			m.fallback.ToggleListening()
		}
	}
}

func (m *Manager) submit(text string) {
	switch m.Snapshot().Mode {
	case ModeLive:
		if m.live == nil {
			return
		}
		if err := m.live.SendText(text); err != nil {
			m.log.Warn("typed turn not sent", "error", err)
			return
		}
		m.liveTurnDone = false
		m.update(func(s *Snapshot) {
			s.UserTranscript = text
			s.AssistantTranscript = ""
		})
	case ModeFallback:
		if m.fallback == nil {
			return
		}
		if err := m.fallback.SubmitTurn(text); err != nil {
			m.log.Debug("typed turn not submitted", "error", err)
			return
		}
		m.update(func(s *Snapshot) { s.UserTranscript = text })
	}
}

func (m *Manager) teardown() {
	m.closing = true
	m.cancel()

	prev := m.Snapshot().Mode
	m.stopLive()
	if m.fallback != nil {
		close(m.fallbackDone)
		if err := m.fallback.Stop(); err != nil {
			m.log.Warn("fallback engine released with errors", "error", err)
		}
		m.fallback = nil
	}
	m.releaseSynthesizer()

	snap := m.Snapshot()
	m.record(func(ctx context.Context, j Journal) error {
		return j.SessionEnded(ctx, snap.SessionID, prev.String(), time.Now())
	})
	m.update(func(s *Snapshot) {
		s.Mode = ModeClosed
		s.Listening = false
	})
	m.log.Info("session closed", "from", prev)
}

// teardownUnstarted closes a manager whose loop never ran.
func (m *Manager) teardownUnstarted() {
	m.closing = true
	m.cancel()
	m.releaseSynthesizer()
	m.update(func(s *Snapshot) { s.Mode = ModeClosed })
	m.finish()
}

func (m *Manager) releaseSynthesizer() {
	if m.deps.Synthesizer == nil {
		return
	}
	m.deps.Synthesizer.Cancel()
	if c, ok := m.deps.Synthesizer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			m.log.Warn("speech output released with errors", "error", err)
		}
	}
}

func (m *Manager) finish() {
	if m.journal != nil {
		m.journal.close(journalTimeout)
	}
	close(m.loopDone)
	close(m.updates)
}

func (m *Manager) recordTurn(engineName, user, assistant string) {
	sessionID := m.Snapshot().SessionID
	now := time.Now()
	if user != "" {
		m.record(func(ctx context.Context, j Journal) error {
			return j.TurnRecorded(ctx, sessionID, "user", engineName, user, now)
		})
	}
	if assistant != "" {
		m.record(func(ctx context.Context, j Journal) error {
			return j.TurnRecorded(ctx, sessionID, "assistant", engineName, assistant, now)
		})
	}
}

func (m *Manager) record(write func(ctx context.Context, j Journal) error) {
	if m.journal == nil {
		return
	}
	j := m.deps.Journal
	m.journal.add(func(ctx context.Context) error { return write(ctx, j) })
}

func (m *Manager) update(change func(s *Snapshot)) {
	m.mu.Lock()
	change(&m.state)
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) publish() {
	select {
	case <-m.loopDone:
		return
	default:
	}
	snap := m.Snapshot()
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- snap:
	default:
	}
}
