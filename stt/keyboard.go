package stt

import (
	"context"
	"errors"
	"sync"
)

var ErrAlreadyListening = errors.New("recognizer already listening")

// KeyboardRecognizer stands in for speech recognition on machines without
// a usable microphone: the terminal UI types the utterance.
type KeyboardRecognizer struct {
	mu      sync.Mutex
	results chan Result
	ctx     context.Context
}

func NewKeyboardRecognizer() *KeyboardRecognizer {
	return &KeyboardRecognizer{}
}

func (k *KeyboardRecognizer) Listen(
	ctx context.Context,
	language string,
) (<-chan Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.results != nil {
		return nil, ErrAlreadyListening
	}

	results := make(chan Result, 16)
	k.results = results
	k.ctx = ctx

	go func() {
		<-ctx.Done()
		k.mu.Lock()
		k.finishLocked(results)
		k.mu.Unlock()
	}()

	return results, nil
}

// Active reports whether an utterance is being typed.
func (k *KeyboardRecognizer) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.results != nil
}

// Type reports the text typed so far as a partial result.
func (k *KeyboardRecognizer) Type(text string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.results == nil {
		return false
	}
	select {
	case k.results <- Result{Text: text}:
	default:
	}
	return true
}

// Submit delivers the final text and ends the utterance.
func (k *KeyboardRecognizer) Submit(text string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	results := k.results
	if results == nil {
		return false
	}
	select {
	case results <- Result{Text: text, Final: true, Confidence: 1}:
	case <-k.ctx.Done():
		return false
	}
	k.finishLocked(results)
	return true
}

func (k *KeyboardRecognizer) finishLocked(results chan Result) {
	if k.results != results {
		return
	}
	close(results)
	k.results = nil
	k.ctx = nil
}
