package live

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"healthguard/audio"
	"healthguard/device"
	"healthguard/device/devicetest"
	"healthguard/engine"
)

var upgrader = websocket.Upgrader{}

type testServer struct {
	*httptest.Server
	connections atomic.Int32
}

func newTestServer(t *testing.T, handle func(ws *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ts.connections.Add(1)
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) dialer() *WebsocketDialer {
	return NewWebsocketDialer(
		log.New(io.Discard),
		"ws"+strings.TrimPrefix(ts.URL, "http"),
		"",
	)
}

func readSetup(t *testing.T, ws *websocket.Conn) *Setup {
	var msg ClientMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Errorf("read setup: %v", err)
		return nil
	}
	if msg.Setup == nil {
		t.Errorf("first client message is not setup: %+v", msg)
	}
	return msg.Setup
}

func acceptSetup(t *testing.T, ws *websocket.Conn) bool {
	if readSetup(t, ws) == nil {
		return false
	}
	return ws.WriteJSON(ServerMessage{SetupComplete: &SetupComplete{}}) == nil
}

// drain reads until the client goes away.
func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

type harness struct {
	mic      *devicetest.Microphone
	contexts *devicetest.Contexts
	events   chan engine.Event
	engine   *Engine
}

func newHarness(t *testing.T, dialer Dialer, cfg Config) *harness {
	t.Helper()
	h := &harness{
		mic:      &devicetest.Microphone{},
		contexts: &devicetest.Contexts{},
		events:   make(chan engine.Event, 64),
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "Jordan Patel"
	}
	h.engine = New(
		log.New(io.Discard),
		cfg,
		h.mic,
		h.contexts,
		dialer,
		func(ev engine.Event) { h.events <- ev },
	)
	t.Cleanup(func() { _ = h.engine.Stop() })
	return h
}

func (h *harness) next(t *testing.T) engine.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine event")
		return nil
	}
}

func pcmChunk(samples int) string {
	frame := make([]float32, samples)
	for i := range frame {
		frame[i] = 0.25
	}
	return audio.Base64Encode(audio.EncodeFrame(frame))
}

func TestStartSendsSetupAndOpens(t *testing.T) {
	setups := make(chan *Setup, 1)
	ts := newTestServer(t, func(ws *websocket.Conn) {
		setup := readSetup(t, ws)
		setups <- setup
		if setup == nil {
			return
		}
		_ = ws.WriteJSON(ServerMessage{SetupComplete: &SetupComplete{}})
		drain(ws)
	})

	h := newHarness(t, ts.dialer(), Config{Voice: "Charon"})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, ok := h.next(t).(engine.Opened); !ok {
		t.Fatal("expected Opened event")
	}
	if got := h.engine.State(); got != StateOpen {
		t.Errorf("State() = %s, want open", got)
	}
	if !h.engine.Listening() {
		t.Error("engine should be listening after open")
	}
	want := engine.StreamAudioIn | engine.StreamAudioOut | engine.RecognizeSpeech | engine.SynthesizeSpeech
	if got := h.engine.Capabilities(); got != want {
		t.Errorf("Capabilities() = %v, want %v", got, want)
	}

	setup := <-setups
	if setup == nil {
		t.FailNow()
	}
	if got := setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != ModalityAudio {
		t.Errorf("responseModalities = %v, want [AUDIO]", got)
	}
	if got := setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Charon" {
		t.Errorf("voice = %q, want Charon", got)
	}
	if !strings.Contains(setup.SystemInstruction.Parts[0].Text, "Jordan Patel") {
		t.Errorf("system instruction not personalised: %q", setup.SystemInstruction.Parts[0].Text)
	}
	if setup.InputAudioTranscription == nil || setup.OutputAudioTranscription == nil {
		t.Error("transcription must be enabled in both directions")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn) {
		readSetup(t, ws)
		drain(ws)
	})

	h := newHarness(t, ts.dialer(), Config{HandshakeTimeout: 100 * time.Millisecond})
	err := h.engine.Start(context.Background())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Start = %v, want ErrHandshakeTimeout", err)
	}
	if !errors.Is(err, ErrHandshake) {
		t.Error("a handshake timeout is a handshake error")
	}
	if got := h.engine.State(); got != StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
}

func TestHandshakeRejected(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn) {
		readSetup(t, ws)
		// Hang up without answering.
	})

	h := newHarness(t, ts.dialer(), Config{})
	if err := h.engine.Start(context.Background()); !errors.Is(err, ErrHandshake) {
		t.Fatalf("Start = %v, want ErrHandshake", err)
	}
}

func TestPermissionDeniedIsFatal(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn) {
		acceptSetup(t, ws)
		drain(ws)
	})

	h := newHarness(t, ts.dialer(), Config{})
	h.mic.Err = device.ErrPermissionDenied

	err := h.engine.Start(context.Background())
	if !errors.Is(err, device.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if n := ts.connections.Load(); n != 0 {
		t.Errorf("dialed %d times after permission denial, want 0", n)
	}
	if len(h.contexts.Outputs()) != 0 {
		t.Error("no audio context should be created without a microphone")
	}
}

func TestInboundMessagesInOrder(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn) {
		if !acceptSetup(t, ws) {
			return
		}
		messages := []ServerMessage{
			{ServerContent: &ServerContent{
				InputTranscription: &Transcription{Text: "my head hurts"},
			}},
			{ServerContent: &ServerContent{
				OutputTranscription: &Transcription{Text: "I'm sorry to hear that."},
			}},
			{ServerContent: &ServerContent{ModelTurn: &Content{Parts: []Part{
				{InlineData: &Blob{MimeType: OutputMimeType, Data: pcmChunk(2400)}},
			}}}},
			// Odd byte count; dropped.
			{ServerContent: &ServerContent{ModelTurn: &Content{Parts: []Part{
				{InlineData: &Blob{MimeType: OutputMimeType, Data: audio.Base64Encode([]byte{1, 2, 3})}},
			}}}},
			{ServerContent: &ServerContent{ModelTurn: &Content{Parts: []Part{
				{InlineData: &Blob{MimeType: OutputMimeType, Data: pcmChunk(2400)}},
			}}}},
			{ServerContent: &ServerContent{Interrupted: true}},
			{ServerContent: &ServerContent{TurnComplete: true}},
		}
		for _, m := range messages {
			if err := ws.WriteJSON(m); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		drain(ws)
	})

	h := newHarness(t, ts.dialer(), Config{})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.next(t) // Opened

	if ev, ok := h.next(t).(engine.TranscriptChunk); !ok || ev.Text != "my head hurts" {
		t.Errorf("expected user transcript, got %#v", ev)
	}
	if ev, ok := h.next(t).(engine.AssistantChunk); !ok || ev.Text != "I'm sorry to hear that." {
		t.Errorf("expected assistant text, got %#v", ev)
	}
	for i := 0; i < 2; i++ {
		ev, ok := h.next(t).(engine.AssistantChunk)
		if !ok || ev.Audio == nil {
			t.Fatalf("expected assistant audio %d, got %#v", i, ev)
		}
		if got := ev.Audio.Seconds(); got != 0.1 {
			t.Errorf("audio chunk %d lasts %v, want 0.1", i, got)
		}
	}
	if _, ok := h.next(t).(engine.Interrupted); !ok {
		t.Fatal("expected Interrupted")
	}
	if _, ok := h.next(t).(engine.TurnCompleted); !ok {
		t.Fatal("expected TurnCompleted")
	}

	out := h.contexts.Outputs()[0]
	if out.Pending() != 0 {
		t.Errorf("%d buffers still scheduled after interrupt", out.Pending())
	}
}

func TestSendFrameWhileListening(t *testing.T) {
	inputs := make(chan *RealtimeInput, 8)
	ts := newTestServer(t, func(ws *websocket.Conn) {
		if !acceptSetup(t, ws) {
			return
		}
		for {
			var msg ClientMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			if msg.RealtimeInput != nil {
				inputs <- msg.RealtimeInput
			}
		}
	})

	h := newHarness(t, ts.dialer(), Config{FrameSize: 4})
	if h.engine.SendFrame([]float32{0.1}) {
		t.Error("frame sent before the link opened")
	}
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream := h.mic.Streams()[0]
	stream.Push([]float32{0, 0.5, -0.5, 0})

	select {
	case in := <-inputs:
		if in.Audio == nil || in.Audio.MimeType != InputMimeType {
			t.Fatalf("unexpected realtime input %+v", in)
		}
		raw, err := audio.Base64Decode(in.Audio.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(raw) != 8 {
			t.Errorf("frame payload is %d bytes, want 8", len(raw))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the server")
	}

	h.engine.SetListening(false)
	if h.engine.SendFrame([]float32{0.1}) {
		t.Error("frame sent while muted")
	}
	if !h.engine.ToggleListening() {
		t.Error("toggle should unmute")
	}
	if !h.engine.SendFrame([]float32{0.1}) {
		t.Error("frame dropped while listening")
	}
}

func TestUnexpectedCloseEmitsFailedThenClosed(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn) {
		acceptSetup(t, ws)
		// Returning closes the socket without a close frame.
	})

	h := newHarness(t, ts.dialer(), Config{})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.next(t) // Opened

	if _, ok := h.next(t).(engine.Failed); !ok {
		t.Fatal("expected Failed")
	}
	if _, ok := h.next(t).(engine.Closed); !ok {
		t.Fatal("expected Closed")
	}
	if got := h.engine.State(); got != StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
}

func TestStopReleasesEachResourceOnce(t *testing.T) {
	ts := newTestServer(t, func(ws *websocket.Conn) {
		acceptSetup(t, ws)
		drain(ws)
	})

	h := newHarness(t, ts.dialer(), Config{})
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.next(t) // Opened

	stream := h.mic.Streams()[0]
	stream.PanicOnClose = true

	err := h.engine.Stop()
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("Stop = %v, want captured panic", err)
	}
	if got := h.contexts.Inputs()[0].Closes(); got != 1 {
		t.Errorf("input context closed %d times, want 1", got)
	}
	if got := h.contexts.Outputs()[0].Closes(); got != 1 {
		t.Errorf("output context closed %d times, want 1", got)
	}

	if again := h.engine.Stop(); again != err {
		t.Errorf("second Stop = %v, want %v", again, err)
	}
	if got := stream.Closes(); got != 1 {
		t.Errorf("microphone closed %d times, want 1", got)
	}
	if h.engine.SendFrame([]float32{0}) {
		t.Error("frame sent after stop")
	}

	select {
	case ev := <-h.events:
		t.Errorf("event %s delivered after stop", engine.Name(ev))
	case <-time.After(100 * time.Millisecond):
	}
}
