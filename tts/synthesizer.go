// Package tts speaks assistant replies on the local output device.
package tts

// Utterance is one piece of text to speak. The callbacks run on the
// synthesizer's goroutine; OnEnd is not called after Cancel.
type Utterance struct {
	Text    string
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

type Synthesizer interface {
	// Speak starts speaking u and returns without waiting for it. A new
	// Speak replaces whatever was playing.
	Speak(u *Utterance) error
	// Cancel stops the current utterance, if any.
	Cancel()
}
