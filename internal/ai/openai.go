package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/deskrelay/backend/internal/models"
)

// OpenAIGenerator talks to any OpenAI-compatible endpoint through
// langchaingo. One client is kept per model.
type OpenAIGenerator struct {
	APIKey  string
	BaseURL string

	mu      sync.Mutex
	clients map[string]*openai.LLM
}

func (g *OpenAIGenerator) client(model string) (*openai.LLM, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[model]; ok {
		return c, nil
	}
	if strings.TrimSpace(g.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	opts := []openai.Option{openai.WithToken(g.APIKey), openai.WithModel(model)}
	if g.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(g.BaseURL))
	}
	c, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	if g.clients == nil {
		g.clients = map[string]*openai.LLM{}
	}
	g.clients[model] = c
	return c, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, agent models.AIAgentConfig, history []ChatMessage, message string) (string, error) {
	llm, err := g.client(agent.Model)
	if err != nil {
		return "", err
	}

	msgs := make([]llms.MessageContent, 0, len(history)+2)
	if sp := paramString(agent.Params, "system_prompt"); sp != "" {
		msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeSystem, sp))
	}
	for _, h := range history {
		role := schema.ChatMessageTypeHuman
		if h.Role == "assistant" {
			role = schema.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, h.Content))
	}
	msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeHuman, message))

	var opts []llms.CallOption
	if t, ok := paramFloat(agent.Params, "temperature"); ok {
		opts = append(opts, llms.WithTemperature(t))
	}
	if n, ok := paramInt(agent.Params, "max_tokens"); ok {
		opts = append(opts, llms.WithMaxTokens(n))
	}

	resp, err := llm.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	return resp.Choices[0].Content, nil
}
