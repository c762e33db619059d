package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sashabaranov/go-openai"

	"healthguard/audio"
	"healthguard/live"
	"healthguard/llm"
)

// 200 ms of 24 kHz PCM16 per inline audio message.
const relayChunkBytes = audio.OutputSampleRate / 5 * audio.SampleWidth

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type relaySession struct {
	ws          *websocket.Conn
	instruction string
	frames      int
	turns       int
}

func (s *Server) handleVoiceRelay(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	sess := &relaySession{ws: ws}
	started := time.Now()
	err = s.relay(r.Context(), sess)
	s.log.Info("voice relay closed",
		"duration", time.Since(started).Round(time.Second),
		"frames", sess.frames,
		"turns", sess.turns,
		"error", err,
	)
}

func (s *Server) relay(ctx context.Context, sess *relaySession) error {
	var first live.ClientMessage
	if err := sess.ws.ReadJSON(&first); err != nil {
		return fmt.Errorf("read setup: %w", err)
	}
	if first.Setup == nil {
		_ = sess.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected setup"),
			time.Now().Add(time.Second),
		)
		return errors.New("first message was not setup")
	}
	if si := first.Setup.SystemInstruction; si != nil && len(si.Parts) > 0 {
		sess.instruction = si.Parts[0].Text
	}
	if err := sess.ws.WriteJSON(live.ServerMessage{SetupComplete: &live.SetupComplete{}}); err != nil {
		return fmt.Errorf("send setupComplete: %w", err)
	}
	s.log.Info("voice relay open", "model", first.Setup.Model)

	for {
		var msg live.ClientMessage
		if err := sess.ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch {
		case msg.RealtimeInput != nil && msg.RealtimeInput.Audio != nil:
			sess.frames++
		case msg.RealtimeInput != nil && msg.RealtimeInput.Text != "":
			if err := s.answer(ctx, sess, msg.RealtimeInput.Text); err != nil {
				return err
			}
		case msg.ClientContent != nil:
			text := turnText(msg.ClientContent)
			if text == "" {
				continue
			}
			if err := s.answer(ctx, sess, text); err != nil {
				return err
			}
		}
	}
}

func turnText(cc *live.ClientContent) string {
	var parts []string
	for _, turn := range cc.Turns {
		for _, p := range turn.Parts {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
	}
	return strings.Join(parts, " ")
}

// answer streams the reply as output transcription, then as audio when a
// speech client is configured, then marks the turn complete.
func (s *Server) answer(ctx context.Context, sess *relaySession, text string) error {
	sess.turns++

	_ = sess.ws.WriteJSON(live.ServerMessage{
		ServerContent: &live.ServerContent{
			InputTranscription: &live.Transcription{Text: text},
		},
	})

	instruction := sess.instruction
	if instruction == "" {
		instruction = DefaultSystemInstruction
	}
	req := &llm.ChatCompletionRequest{SystemPrompt: instruction}
	stream, err := s.chat.ChatCompletion(ctx, req.WithUserMessage(text))
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}

	var reply strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return fmt.Errorf("chat: %w", chunk.Err)
		}
		if chunk.Content == "" {
			continue
		}
		reply.WriteString(chunk.Content)
		err := sess.ws.WriteJSON(live.ServerMessage{
			ServerContent: &live.ServerContent{
				OutputTranscription: &live.Transcription{Text: chunk.Content},
			},
		})
		if err != nil {
			return fmt.Errorf("send transcription: %w", err)
		}
	}

	if s.speech != nil {
		if err := s.speak(ctx, sess, reply.String()); err != nil {
			s.log.Warn("relay speech failed", "error", err)
		}
	}

	return sess.ws.WriteJSON(live.ServerMessage{
		ServerContent: &live.ServerContent{TurnComplete: true},
	})
}

func (s *Server) speak(ctx context.Context, sess *relaySession, text string) error {
	voice := openai.SpeechVoice(s.voice)
	if voice == "" {
		voice = openai.VoiceOnyx
	}
	resp, err := s.speech.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          voice,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	chunk := make([]byte, relayChunkBytes)
	for {
		n, readErr := io.ReadFull(resp, chunk)
		n -= n % audio.SampleWidth
		if n > 0 {
			if err := sess.ws.WriteJSON(live.NewAudioOutput(chunk[:n])); err != nil {
				return fmt.Errorf("send audio: %w", err)
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
