package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/Latermedia/linearbot-sub006/internal/config"
	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/rs/zerolog"
)

// Client wraps the OpenAI chat API for digest narration. Optional: when the
// key is empty every call errors and the digest falls back to numbers only.
type Client struct {
	key   string
	model string
	cli   openai.Client
	log   zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	model := cfg.OpenAIModel
	if strings.TrimSpace(model) == "" {
		model = "gpt-4.1-mini"
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.OpenAIKey), option.WithRequestTimeout(cfg.OpenAITimeout))
	return &Client{key: cfg.OpenAIKey, model: model, cli: cli, log: log}
}

// Summarize turns the latest pillar payload and its trends into a short
// narrative for the weekly digest.
func (c *Client) Summarize(ctx context.Context, payload domain.MetricsPayload, trends map[string]domain.Trend) (string, error) {
	if strings.TrimSpace(c.key) == "" {
		return "", errors.New("openai: missing key")
	}
	c.log.Info().Str("model", c.model).Msg("openai Summarize call")
	userContent := ""
	if b, err := json.Marshal(map[string]any{"pillars": payload, "trends": trends}); err == nil {
		userContent = string(b)
	}
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are a senior engineering manager. Given team health, velocity, productivity and quality pillar data with trends, write a concise weekly summary: what changed, what needs attention, suggested actions. Plain text, no markdown, at most 120 words."),
			openai.UserMessage(userContent),
		},
	}
	resp, err := c.cli.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
