// Package engine holds the vocabulary shared by the voice engines and the
// session manager: the events an engine reports and the capabilities it
// declares.
package engine

import (
	"fmt"
	"strings"

	"healthguard/audio"
)

// Event is one notification from an engine to its owner. The concrete
// types below form a closed set.
type Event interface {
	isEvent()
}

// Opened reports that the engine is connected and ready for audio.
type Opened struct{}

// TranscriptChunk carries recognized user speech.
type TranscriptChunk struct {
	Text  string
	Final bool
}

// AssistantChunk carries assistant output: either a text increment or a
// decoded audio buffer that has been scheduled for playback.
type AssistantChunk struct {
	Text  string
	Audio *audio.Buffer
}

// Interrupted reports that the remote side cut the assistant off.
type Interrupted struct{}

// Failed reports a transport or device failure.
type Failed struct {
	Err error
}

// Closed reports that the engine's transport is gone.
type Closed struct{}

// StatusChanged replaces the user-facing status line.
type StatusChanged struct {
	Status string
}

// ListeningChanged reports that the microphone turned on or off.
type ListeningChanged struct {
	Listening bool
}

// TurnCompleted marks the end of one request/response exchange.
type TurnCompleted struct {
	User      string
	Assistant string
}

func (Opened) isEvent()           {}
func (TranscriptChunk) isEvent()  {}
func (AssistantChunk) isEvent()   {}
func (Interrupted) isEvent()      {}
func (Failed) isEvent()           {}
func (Closed) isEvent()           {}
func (StatusChanged) isEvent()    {}
func (ListeningChanged) isEvent() {}
func (TurnCompleted) isEvent()    {}

func (e Failed) Error() string {
	if e.Err == nil {
		return "engine failed"
	}
	return e.Err.Error()
}

func (e Failed) Unwrap() error { return e.Err }

// Sink receives events from exactly one engine.
type Sink func(Event)

// Name returns a short label for logging.
func Name(ev Event) string {
	switch ev := ev.(type) {
	case Opened:
		return "opened"
	case TranscriptChunk:
		if ev.Final {
			return "transcript.final"
		}
		return "transcript.partial"
	case AssistantChunk:
		if ev.Audio != nil {
			return "assistant.audio"
		}
		return "assistant.text"
	case Interrupted:
		return "interrupted"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	case StatusChanged:
		return "status"
	case ListeningChanged:
		return "listening"
	case TurnCompleted:
		return "turn.completed"
	default:
		return fmt.Sprintf("%T", ev)
	}
}

// Capability is a bit set of what an engine can do.
type Capability uint8

const (
	StreamAudioIn Capability = 1 << iota
	StreamAudioOut
	RecognizeSpeech
	SynthesizeSpeech
)

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	names := []struct {
		bit  Capability
		name string
	}{
		{StreamAudioIn, "stream-audio-in"},
		{StreamAudioOut, "stream-audio-out"},
		{RecognizeSpeech, "recognize-speech"},
		{SynthesizeSpeech, "synthesize-speech"},
	}
	var parts []string
	for _, n := range names {
		if c.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Engine is the part of an engine the session manager drives directly.
type Engine interface {
	Capabilities() Capability
	ToggleListening() bool
	Stop() error
}
