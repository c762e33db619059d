package llm

import (
	"context"
	"strings"
)

// ChatClient produces an assistant reply as a stream of text increments.
// The channel is closed after the last increment; a response with Err set
// ends the stream.
type ChatClient interface {
	ChatCompletion(
		ctx context.Context,
		req *ChatCompletionRequest,
	) (chan *ChatCompletionResponse, error)
}

type ChatCompletionRequest struct {
	SystemPrompt   string
	UserMessages   []string
	MaxTokens      int
	Temperature    float32
	ConversationID string
	PatientID      string
}

func (r *ChatCompletionRequest) WithUserMessage(
	message string,
) *ChatCompletionRequest {
	r.UserMessages = append(r.UserMessages, message)
	return r
}

// LastUserMessage is the message a turn-based endpoint answers.
func (r *ChatCompletionRequest) LastUserMessage() string {
	if len(r.UserMessages) == 0 {
		return ""
	}
	return r.UserMessages[len(r.UserMessages)-1]
}

type ChatCompletionResponse struct {
	Err     error
	Content string
}

// Collect drains a completion stream into one string.
func Collect(
	ctx context.Context,
	client ChatClient,
	req *ChatCompletionRequest,
) (string, error) {
	stream, err := client.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for resp := range stream {
		if resp.Err != nil {
			return sb.String(), resp.Err
		}
		sb.WriteString(resp.Content)
	}
	return sb.String(), nil
}
