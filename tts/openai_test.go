package tts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"

	"healthguard/audio"
	"healthguard/device/devicetest"
)

type fakeSpeechClient struct {
	pcm     []byte
	err     error
	request chan openai.CreateSpeechRequest
}

func (f *fakeSpeechClient) CreateSpeech(
	ctx context.Context,
	req openai.CreateSpeechRequest,
) (openai.RawResponse, error) {
	if f.request != nil {
		f.request <- req
	}
	if f.err != nil {
		return openai.RawResponse{}, f.err
	}
	return openai.RawResponse{ReadCloser: io.NopCloser(bytes.NewReader(f.pcm))}, nil
}

func tone(seconds float64) []byte {
	samples := make([]float32, int(seconds*audio.OutputSampleRate))
	for i := range samples {
		samples[i] = 0.2
	}
	return audio.EncodeFrame(samples)
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSpeakPlaysThenEnds(t *testing.T) {
	client := &fakeSpeechClient{
		pcm:     tone(0.25),
		request: make(chan openai.CreateSpeechRequest, 1),
	}
	contexts := &devicetest.Contexts{}
	synth := NewOpenAISynthesizer(log.New(io.Discard), client, contexts, "")

	started := make(chan struct{})
	ended := make(chan struct{})
	err := synth.Speak(&Utterance{
		Text:    "Sure, I can help with that.",
		OnStart: func() { close(started) },
		OnEnd:   func() { close(ended) },
	})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	req := <-client.request
	if req.ResponseFormat != openai.SpeechResponseFormatPcm {
		t.Errorf("response format = %q, want pcm", req.ResponseFormat)
	}
	if req.Input != "Sure, I can help with that." {
		t.Errorf("input = %q", req.Input)
	}

	wait(t, started, "OnStart")

	out := contexts.Outputs()[0]
	select {
	case <-ended:
		t.Fatal("OnEnd fired before the audio played")
	default:
	}

	// Play everything that was scheduled.
	deadline := time.After(2 * time.Second)
	for {
		out.Advance(0.5)
		select {
		case <-ended:
			if err := synth.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
			if out.Closes() != 1 {
				t.Errorf("output closed %d times, want 1", out.Closes())
			}
			return
		case <-deadline:
			t.Fatal("OnEnd never fired")
		case <-time.After(30 * time.Millisecond):
		}
	}
}

func TestCancelSuppressesOnEnd(t *testing.T) {
	client := &fakeSpeechClient{pcm: tone(1)}
	contexts := &devicetest.Contexts{}
	synth := NewOpenAISynthesizer(log.New(io.Discard), client, contexts, "alloy")

	started := make(chan struct{})
	ended := make(chan struct{}, 1)
	err := synth.Speak(&Utterance{
		Text:    "This will be cut short.",
		OnStart: func() { close(started) },
		OnEnd:   func() { ended <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	wait(t, started, "OnStart")

	synth.Cancel()
	out := contexts.Outputs()[0]
	out.Advance(2)

	select {
	case <-ended:
		t.Error("OnEnd fired after Cancel")
	case <-time.After(150 * time.Millisecond):
	}
	if out.Pending() != 0 {
		t.Errorf("%d clips still scheduled after Cancel", out.Pending())
	}
}

func TestSpeakReportsErrors(t *testing.T) {
	client := &fakeSpeechClient{err: errors.New("invalid api key")}
	synth := NewOpenAISynthesizer(log.New(io.Discard), client, &devicetest.Contexts{}, "")

	failed := make(chan struct{})
	err := synth.Speak(&Utterance{
		Text:    "hello",
		OnError: func(error) { close(failed) },
		OnEnd:   func() { t.Error("OnEnd after failure") },
	})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	wait(t, failed, "OnError")
}

func TestSpeakWithoutOutput(t *testing.T) {
	contexts := &devicetest.Contexts{OutputErr: errors.New("no sound card")}
	synth := NewOpenAISynthesizer(log.New(io.Discard), &fakeSpeechClient{}, contexts, "")
	if err := synth.Speak(&Utterance{Text: "hello"}); err == nil {
		t.Fatal("expected error without an output device")
	}
}
