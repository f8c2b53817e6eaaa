package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `You are an assistant that summarizes emails for quick triage.
Summarize the email in 3-6 concise bullet points. Include intent and any deadlines.
Suggest one next action if appropriate. Keep it under 40 words.`

// OpenAI summarizes messages with a chat-completion model.
type OpenAI struct {
	client      *openai.Client
	logger      *slog.Logger
	model       string
	maxBodySize int
}

// NewOpenAI creates a model-backed summarizer.
func NewOpenAI(apiKey, model string, maxBodySize int, logger *slog.Logger) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client:      openai.NewClient(apiKey),
		logger:      logger,
		model:       model,
		maxBodySize: maxBodySize,
	}
}

// Summarize asks the model for a triage summary. Callers fall back to the
// heuristic summarizer when this fails; the failure is never fatal.
func (o *OpenAI) Summarize(ctx context.Context, subject, sender, body string) (string, error) {
	if subject == "" {
		subject = "(no subject)"
	}
	if sender == "" {
		sender = "(unknown)"
	}
	body = Truncate(body, o.maxBodySize)

	prompt := fmt.Sprintf("Subject: %s\nFrom: %s\nContent:\n%s", subject, sender, body)

	startTime := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	})
	duration := time.Since(startTime)

	if err != nil {
		o.logger.Warn("Summarization request failed",
			"model", o.model,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", errors.New("chat completion returned empty content")
	}

	o.logger.Info("Message summarized",
		"model", o.model,
		"duration_ms", duration.Milliseconds(),
		"summary_length", len(summary))
	return summary, nil
}
