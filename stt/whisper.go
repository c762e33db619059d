package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"

	"healthguard/audio"
	"healthguard/device"
)

// Transcriber is the slice of the OpenAI client the recognizer needs.
type Transcriber interface {
	CreateTranscription(
		ctx context.Context,
		req openai.AudioRequest,
	) (openai.AudioResponse, error)
}

// WhisperRecognizer records one utterance from the microphone, ending it
// after a stretch of silence, and transcribes it with Whisper.
type WhisperRecognizer struct {
	log         *log.Logger
	client      Transcriber
	mic         device.Microphone
	frameSize   int
	threshold   float64
	silenceHold time.Duration
	maxLength   time.Duration
	waitSpeech  time.Duration
}

func NewWhisperRecognizer(
	logger *log.Logger,
	client Transcriber,
	mic device.Microphone,
) *WhisperRecognizer {
	return &WhisperRecognizer{
		log:         logger.WithPrefix("whisper"),
		client:      client,
		mic:         mic,
		frameSize:   audio.InputSampleRate / 10,
		threshold:   0.01,
		silenceHold: 800 * time.Millisecond,
		maxLength:   15 * time.Second,
		waitSpeech:  8 * time.Second,
	}
}

// WithEndpointing adjusts the energy threshold and how long silence must
// last before the utterance ends.
func (w *WhisperRecognizer) WithEndpointing(
	threshold float64,
	silenceHold time.Duration,
) *WhisperRecognizer {
	w.threshold = threshold
	w.silenceHold = silenceHold
	return w
}

func (w *WhisperRecognizer) Listen(
	ctx context.Context,
	language string,
) (<-chan Result, error) {
	stream, err := w.mic.Open(ctx, audio.InputSampleRate, w.frameSize)
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}

	results := make(chan Result, 4)
	go func() {
		defer close(results)

		samples, err := w.record(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			results <- Result{Err: err}
			return
		}

		text, err := w.transcribe(ctx, samples, language)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			results <- Result{Err: err}
			return
		}
		results <- Result{Text: text, Final: true, Confidence: 1}
	}()

	return results, nil
}

// record collects frames until speech has started and then stopped.
func (w *WhisperRecognizer) record(
	ctx context.Context,
	stream device.Stream,
) ([]float32, error) {
	var (
		samples   []float32
		speaking  bool
		silence   time.Duration
		elapsed   time.Duration
		frameTime = time.Duration(w.frameSize) * time.Second / audio.InputSampleRate
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case frame, ok := <-stream.Frames():
			if !ok {
				if speaking {
					return samples, nil
				}
				return nil, fmt.Errorf("microphone closed before speech")
			}
			elapsed += frameTime

			loud := audio.RMSEnergy(frame) >= w.threshold
			if !speaking {
				if !loud {
					if elapsed >= w.waitSpeech {
						return nil, ErrNoSpeech
					}
					continue
				}
				speaking = true
				w.log.Debug("speech started")
			}

			samples = append(samples, frame...)
			if loud {
				silence = 0
			} else {
				silence += frameTime
			}

			if silence >= w.silenceHold || elapsed >= w.maxLength {
				w.log.Debug("speech ended", "seconds", float64(len(samples))/audio.InputSampleRate)
				return samples, nil
			}
		}
	}
}

func (w *WhisperRecognizer) transcribe(
	ctx context.Context,
	samples []float32,
	language string,
) (string, error) {
	wav := audio.WAV(audio.EncodeFrame(samples), audio.InputSampleRate, 1)

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wav),
		Language: isoLanguage(language),
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

// isoLanguage maps a BCP 47 tag such as en-US to the ISO 639-1 code
// Whisper expects.
func isoLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}
