package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type TranscriptLine struct {
	At   time.Time
	Role string
	Text string
}

const summaryPrompt = "Summarize the following voice session between a patient " +
	"and the HealthGuard assistant for the care team. " +
	"Write two or three short sentences. " +
	"Mention any request that needs follow-up, such as refills, " +
	"appointments or symptoms the patient reported."

// SummarizeSession asks client for a short care-team synopsis of a
// recorded session.
func SummarizeSession(
	ctx context.Context,
	client ChatClient,
	lines []TranscriptLine,
) (string, error) {
	if len(lines) == 0 {
		return "No turns recorded for this session", nil
	}

	var transcript strings.Builder
	for _, l := range lines {
		transcript.WriteString(
			fmt.Sprintf(
				"%s %s: %s\n",
				l.At.Format("15:04:05"),
				l.Role,
				l.Text,
			),
		)
	}

	req := &ChatCompletionRequest{
		SystemPrompt: summaryPrompt,
		MaxTokens:    300,
		Temperature:  0.2,
	}
	summary, err := Collect(ctx, client, req.WithUserMessage(transcript.String()))
	if err != nil {
		return "", fmt.Errorf("summarize session: %w", err)
	}
	return strings.TrimSpace(summary), nil
}
