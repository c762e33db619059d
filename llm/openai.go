package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"
)

type OpenAILanguageModel struct {
	client *openai.Client
	model  string
	log    *log.Logger
}

func NewOpenAILanguageModel(
	logger *log.Logger,
	client *openai.Client,
	model string,
) *OpenAILanguageModel {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAILanguageModel{
		client: client,
		model:  model,
		log:    logger.WithPrefix("openai"),
	}
}

func (o *OpenAILanguageModel) ChatCompletion(
	ctx context.Context,
	req *ChatCompletionRequest,
) (chan *ChatCompletionResponse, error) {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
	}

	for _, userMessage := range req.UserMessages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: userMessage,
		})
	}

	o.log.Debug("chat completion",
		"model", o.model,
		"messages", len(messages),
		"conversation", req.ConversationID,
	)

	resp, err := o.client.CreateChatCompletionStream(
		ctx,
		openai.ChatCompletionRequest{
			Model:       o.model,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}

	result := make(chan *ChatCompletionResponse)
	go func() {
		defer close(result)
		defer resp.Close()
		for {
			response, err := resp.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				result <- &ChatCompletionResponse{Err: err}
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			result <- &ChatCompletionResponse{
				Content: response.Choices[0].Delta.Content,
			}
		}
	}()

	return result, nil
}
