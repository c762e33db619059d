package stt

import (
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

type fakeTranscriber struct {
	text    string
	err     error
	request openai.AudioRequest
	calls   int
}

func (f *fakeTranscriber) CreateTranscription(
	ctx context.Context,
	req openai.AudioRequest,
) (openai.AudioResponse, error) {
	f.calls++
	f.request = req
	if f.err != nil {
		return openai.AudioResponse{}, f.err
	}
	return openai.AudioResponse{Text: f.text}, nil
}

func frameOf(level float32, n int) []float32 {
	frame := make([]float32, n)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = level
		} else {
			frame[i] = -level
		}
	}
	return frame
}

func collect(t *testing.T, results <-chan Result) []Result {
	t.Helper()
	var out []Result
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("recognizer never finished")
		}
	}
}

func TestWhisperRecognizerEndpointing(t *testing.T) {
	mic := &devicetest.Microphone{}
	client := &fakeTranscriber{text: " I need to renew my prescription "}
	rec := NewWhisperRecognizer(log.New(io.Discard), client, mic).
		WithEndpointing(0.05, 200*time.Millisecond)

	results, err := rec.Listen(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	stream := mic.Streams()[0]
	size := audio.InputSampleRate / 10
	stream.Push(frameOf(0, size))   // leading silence, not recorded
	stream.Push(frameOf(0.3, size)) // speech
	stream.Push(frameOf(0.3, size))
	stream.Push(frameOf(0, size)) // trailing silence
	stream.Push(frameOf(0, size))

	got := collect(t, results)
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1: %+v", len(got), got)
	}
	if !got[0].Final || got[0].Text != "I need to renew my prescription" {
		t.Errorf("result = %+v", got[0])
	}
	if client.request.Language != "en" {
		t.Errorf("language = %q, want en", client.request.Language)
	}
	if client.request.Model != openai.Whisper1 {
		t.Errorf("model = %q, want whisper-1", client.request.Model)
	}
	if stream.Closes() != 1 {
		t.Errorf("microphone closed %d times, want 1", stream.Closes())
	}
}

func TestWhisperRecognizerCancel(t *testing.T) {
	mic := &devicetest.Microphone{}
	client := &fakeTranscriber{text: "unused"}
	rec := NewWhisperRecognizer(log.New(io.Discard), client, mic)

	ctx, cancel := context.WithCancel(context.Background())
	results, err := rec.Listen(ctx, "en-US")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	mic.Streams()[0].Push(frameOf(0.5, 1600))
	cancel()

	if got := collect(t, results); len(got) != 0 {
		t.Errorf("cancelled recognition produced %+v", got)
	}
	if client.calls != 0 {
		t.Errorf("transcriber called %d times after cancel", client.calls)
	}
}

func TestWhisperRecognizerTranscriptionError(t *testing.T) {
	mic := &devicetest.Microphone{}
	client := &fakeTranscriber{err: errors.New("429 rate limited")}
	rec := NewWhisperRecognizer(log.New(io.Discard), client, mic).
		WithEndpointing(0.05, 100*time.Millisecond)

	results, err := rec.Listen(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	stream := mic.Streams()[0]
	stream.Push(frameOf(0.3, 1600))
	stream.Push(frameOf(0, 1600))

	got := collect(t, results)
	if len(got) != 1 || got[0].Err == nil {
		t.Fatalf("expected a single error result, got %+v", got)
	}
}

func TestWhisperRecognizerMicrophoneDenied(t *testing.T) {
	mic := &devicetest.Microphone{Err: errors.New("denied")}
	rec := NewWhisperRecognizer(log.New(io.Discard), &fakeTranscriber{}, mic)
	if _, err := rec.Listen(context.Background(), "en-US"); err == nil {
		t.Fatal("expected error when the microphone cannot open")
	}
}

func TestKeyboardRecognizer(t *testing.T) {
	k := NewKeyboardRecognizer()
	if k.Type("x") || k.Submit("x") {
		t.Fatal("typing must be ignored while not listening")
	}

	results, err := k.Listen(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := k.Listen(context.Background(), "en-US"); !errors.Is(err, ErrAlreadyListening) {
		t.Errorf("second Listen = %v, want ErrAlreadyListening", err)
	}

	k.Type("I need")
	k.Submit("I need to renew my prescription")

	got := collect(t, results)
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Final || got[0].Text != "I need" {
		t.Errorf("partial = %+v", got[0])
	}
	if !got[1].Final || got[1].Text != "I need to renew my prescription" {
		t.Errorf("final = %+v", got[1])
	}
	if k.Active() {
		t.Error("recognizer still active after submit")
	}
}

func TestKeyboardRecognizerCancel(t *testing.T) {
	k := NewKeyboardRecognizer()
	ctx, cancel := context.WithCancel(context.Background())
	results, err := k.Listen(ctx, "en-US")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	cancel()
	if got := collect(t, results); len(got) != 0 {
		t.Errorf("cancelled recognition produced %+v", got)
	}

	// A new utterance can start once the previous one is gone.
	if _, err := k.Listen(context.Background(), "en-US"); err != nil {
		t.Errorf("Listen after cancel: %v", err)
	}
}
