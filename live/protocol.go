package live

import (
	"healthguard/audio"
)

const (
	ModalityAudio = "AUDIO"

	InputMimeType  = "audio/pcm;rate=16000"
	OutputMimeType = "audio/pcm;rate=24000"

	DefaultVoice = "Charon"
)

// ClientMessage is one frame sent to the live endpoint. Exactly one field
// is set.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ClientContent *ClientContent `json:"clientContent,omitempty"`
}

type Setup struct {
	Model                    string            `json:"model,omitempty"`
	GenerationConfig         GenerationConfig  `json:"generationConfig"`
	SystemInstruction        *Content          `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *TranscriptionCfg `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *TranscriptionCfg `json:"outputAudioTranscription,omitempty"`
}

type TranscriptionCfg struct{}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type RealtimeInput struct {
	Audio *Blob  `json:"audio,omitempty"`
	Text  string `json:"text,omitempty"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ServerMessage is one frame received from the live endpoint.
type ServerMessage struct {
	SetupComplete *SetupComplete `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	GoAway        *GoAway        `json:"goAway,omitempty"`
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
}

type Transcription struct {
	Text string `json:"text"`
}

type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// NewSetup builds the opening message: audio responses, the given system
// instruction and voice, and transcription in both directions.
func NewSetup(model, instruction, voice string) *ClientMessage {
	if voice == "" {
		voice = DefaultVoice
	}
	return &ClientMessage{
		Setup: &Setup{
			Model: model,
			GenerationConfig: GenerationConfig{
				ResponseModalities: []string{ModalityAudio},
				SpeechConfig: &SpeechConfig{
					VoiceConfig: VoiceConfig{
						PrebuiltVoiceConfig: PrebuiltVoiceConfig{
							VoiceName: voice,
						},
					},
				},
			},
			SystemInstruction: &Content{
				Parts: []Part{{Text: instruction}},
			},
			InputAudioTranscription:  &TranscriptionCfg{},
			OutputAudioTranscription: &TranscriptionCfg{},
		},
	}
}

// NewAudioInput wraps one captured frame as PCM16 base64.
func NewAudioInput(frame []float32) *ClientMessage {
	return &ClientMessage{
		RealtimeInput: &RealtimeInput{
			Audio: &Blob{
				MimeType: InputMimeType,
				Data:     audio.Base64Encode(audio.EncodeFrame(frame)),
			},
		},
	}
}

func NewTextTurn(text string) *ClientMessage {
	return &ClientMessage{
		ClientContent: &ClientContent{
			Turns: []Content{{
				Role:  "user",
				Parts: []Part{{Text: text}},
			}},
			TurnComplete: true,
		},
	}
}

// NewAudioOutput is the server-side counterpart of NewAudioInput, used by
// relays that synthesize speech.
func NewAudioOutput(pcm []byte) *ServerMessage {
	return &ServerMessage{
		ServerContent: &ServerContent{
			ModelTurn: &Content{
				Role: "model",
				Parts: []Part{{
					InlineData: &Blob{
						MimeType: OutputMimeType,
						Data:     audio.Base64Encode(pcm),
					},
				}},
			},
		},
	}
}
