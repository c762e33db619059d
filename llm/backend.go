package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message           string `json:"message"`
	ConversationID    string `json:"conversation_id,omitempty"`
	PatientID         string `json:"patient_id,omitempty"`
	SystemInstruction string `json:"system_instruction,omitempty"`
}

type ChatResponse struct {
	Response       string   `json:"response"`
	ConversationID string   `json:"conversation_id"`
	QuickReplies   []string `json:"quick_replies,omitempty"`
	Widget         string   `json:"widget,omitempty"`
}

// BackendClient answers chat turns through the clinic's /api/chat endpoint.
// The endpoint is not streaming, so the reply is handed out one word at a
// time with a short pause between words.
type BackendClient struct {
	baseURL string
	http    *http.Client
	pace    time.Duration
	log     *log.Logger

	mu             sync.Mutex
	conversationID string
}

func NewBackendClient(logger *log.Logger, baseURL string) *BackendClient {
	return &BackendClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{Timeout: 30 * time.Second},
		pace:           20 * time.Millisecond,
		log:            logger.WithPrefix("backend"),
		conversationID: uuid.NewString(),
	}
}

// WithPace sets the delay between delivered words.
func (b *BackendClient) WithPace(d time.Duration) *BackendClient {
	b.pace = d
	return b
}

func (b *BackendClient) ConversationID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversationID
}

func (b *BackendClient) ChatCompletion(
	ctx context.Context,
	req *ChatCompletionRequest,
) (chan *ChatCompletionResponse, error) {
	conversation := req.ConversationID
	if conversation == "" {
		conversation = b.ConversationID()
	}

	body, err := json.Marshal(ChatRequest{
		Message:           req.LastUserMessage(),
		ConversationID:    conversation,
		PatientID:         req.PatientID,
		SystemInstruction: req.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		b.baseURL+"/api/chat",
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf(
			"chat endpoint returned %s: %s",
			resp.Status,
			strings.TrimSpace(string(msg)),
		)
	}

	var chat ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if chat.ConversationID != "" {
		b.mu.Lock()
		b.conversationID = chat.ConversationID
		b.mu.Unlock()
	}

	b.log.Debug("chat response",
		"conversation", chat.ConversationID,
		"chars", len(chat.Response),
		"widget", chat.Widget,
	)

	result := make(chan *ChatCompletionResponse)
	go func() {
		defer close(result)
		for i, word := range strings.Split(chat.Response, " ") {
			if i > 0 && b.pace > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.pace):
				}
			}
			select {
			case <-ctx.Done():
				return
			case result <- &ChatCompletionResponse{Content: word + " "}:
			}
		}
	}()

	return result, nil
}
