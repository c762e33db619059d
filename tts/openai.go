package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"

	"healthguard/audio"
	"healthguard/device"
	"healthguard/playback"
)

// chunkBytes is 100 ms of 24 kHz mono PCM16.
const chunkBytes = audio.OutputSampleRate / 10 * audio.SampleWidth

type SpeechClient interface {
	CreateSpeech(
		ctx context.Context,
		req openai.CreateSpeechRequest,
	) (openai.RawResponse, error)
}

// OpenAISynthesizer streams raw PCM from the OpenAI speech endpoint into a
// playback scheduler. Each utterance gets its own scheduler on a shared
// output.
type OpenAISynthesizer struct {
	log      *log.Logger
	client   SpeechClient
	contexts device.AudioContextFactory
	model    openai.SpeechModel
	voice    openai.SpeechVoice
	poll     time.Duration

	mu     sync.Mutex
	output device.OutputContext
	sched  *playback.Scheduler
	cancel context.CancelFunc
}

func NewOpenAISynthesizer(
	logger *log.Logger,
	client SpeechClient,
	contexts device.AudioContextFactory,
	voice string,
) *OpenAISynthesizer {
	if voice == "" {
		voice = string(openai.VoiceOnyx)
	}
	return &OpenAISynthesizer{
		log:      logger.WithPrefix("tts"),
		client:   client,
		contexts: contexts,
		model:    openai.TTSModel1,
		voice:    openai.SpeechVoice(voice),
		poll:     20 * time.Millisecond,
	}
}

func (s *OpenAISynthesizer) Speak(u *Utterance) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.output == nil {
		out, err := s.contexts.NewOutput(audio.OutputSampleRate)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("open speech output: %w", err)
		}
		s.output = out
	}
	prev := s.sched
	sched := playback.NewScheduler(s.output)
	s.sched = sched
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if prev != nil {
		prev.Interrupt()
	}
	go s.run(ctx, sched, u)
	return nil
}

func (s *OpenAISynthesizer) run(
	ctx context.Context,
	sched *playback.Scheduler,
	u *Utterance,
) {
	err := s.stream(ctx, sched, u)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.Error("speech synthesis failed", "error", err)
		if u.OnError != nil {
			u.OnError(err)
		}
		return
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for sched.Active() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	if u.OnEnd != nil {
		u.OnEnd()
	}
}

func (s *OpenAISynthesizer) stream(
	ctx context.Context,
	sched *playback.Scheduler,
	u *Utterance,
) error {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          u.Text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	started := false
	chunk := make([]byte, chunkBytes)
	for {
		n, readErr := io.ReadFull(resp, chunk)
		if n > 0 {
			// An odd trailing byte cannot form a sample.
			n -= n % audio.SampleWidth
			buf, err := audio.DecodeToBuffer(chunk[:n], audio.OutputSampleRate, 1)
			if err != nil {
				return err
			}
			if _, err := sched.Enqueue(buf); err != nil {
				return err
			}
			if ctx.Err() != nil {
				sched.Interrupt()
				return ctx.Err()
			}
			if !started {
				started = true
				if u.OnStart != nil {
					u.OnStart()
				}
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read speech: %w", readErr)
		}
	}
}

func (s *OpenAISynthesizer) Cancel() {
	s.mu.Lock()
	cancel, sched := s.cancel, s.sched
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sched != nil {
		sched.Interrupt()
	}
}

// Close cancels speech and releases the output device.
func (s *OpenAISynthesizer) Close() error {
	s.Cancel()

	s.mu.Lock()
	out := s.output
	s.output = nil
	s.sched = nil
	s.mu.Unlock()

	if out != nil {
		return out.Close()
	}
	return nil
}
