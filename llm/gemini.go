package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const DefaultGeminiModel = "gemini-1.5-flash"

type GeminiLanguageModel struct {
	client *genai.Client
	model  string
	log    *log.Logger
}

// NewGeminiLanguageModel dials the generative language API with the given
// key. The returned model owns the client; call Close when done.
func NewGeminiLanguageModel(
	ctx context.Context,
	logger *log.Logger,
	apiKey string,
	model string,
) (*GeminiLanguageModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiLanguageModel{
		client: client,
		model:  model,
		log:    logger.WithPrefix("gemini"),
	}, nil
}

func (g *GeminiLanguageModel) Close() error {
	return g.client.Close()
}

func (g *GeminiLanguageModel) generativeModel(
	req *ChatCompletionRequest,
) *genai.GenerativeModel {
	model := g.client.GenerativeModel(g.model)
	if req.MaxTokens > 0 {
		model.GenerationConfig.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		model.GenerationConfig.SetTemperature(req.Temperature)
	}
	if req.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}
	model.SafetySettings = []*genai.SafetySetting{
		{
			Category:  genai.HarmCategoryHarassment,
			Threshold: genai.HarmBlockOnlyHigh,
		},
		{
			Category:  genai.HarmCategoryHateSpeech,
			Threshold: genai.HarmBlockOnlyHigh,
		},
		{
			Category:  genai.HarmCategoryDangerousContent,
			Threshold: genai.HarmBlockOnlyHigh,
		},
	}
	return model
}

func (g *GeminiLanguageModel) ChatCompletion(
	ctx context.Context,
	req *ChatCompletionRequest,
) (chan *ChatCompletionResponse, error) {
	if len(req.UserMessages) == 0 {
		return nil, errors.New("no user message")
	}

	parts := make([]genai.Part, 0, len(req.UserMessages))
	for _, msg := range req.UserMessages {
		parts = append(parts, genai.Text(msg))
	}

	g.log.Debug("generate content",
		"model", g.model,
		"parts", len(parts),
		"conversation", req.ConversationID,
	)

	stream := g.generativeModel(req).GenerateContentStream(ctx, parts...)

	result := make(chan *ChatCompletionResponse)
	go func() {
		defer close(result)
		for {
			resp, err := stream.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				result <- &ChatCompletionResponse{
					Err: fmt.Errorf("error streaming: %w", err),
				}
				return
			}
			if chunk := responseText(resp); chunk != "" {
				result <- &ChatCompletionResponse{Content: chunk}
			}
		}
	}()

	return result, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	return sb.String()
}
