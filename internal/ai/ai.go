package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/deskrelay/backend/internal/models"
)

var (
	ErrEmptyReply      = errors.New("ai: empty reply")
	ErrUnknownProvider = errors.New("ai: unknown provider")
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces one reply for a conversation or fails.
type Generator interface {
	Generate(ctx context.Context, agent models.AIAgentConfig, history []ChatMessage, message string) (string, error)
}

// Registry routes a call to the generator registered for the agent's
// provider. Callers never look at the provider themselves.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Generator
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Generator{}}
}

func (r *Registry) Register(provider string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(provider)] = g
}

func (r *Registry) Generate(ctx context.Context, agent models.AIAgentConfig, history []ChatMessage, message string) (string, error) {
	r.mu.RLock()
	g, ok := r.providers[strings.ToLower(agent.Provider)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, agent.Provider)
	}
	reply, err := g.Generate(ctx, agent, history, message)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

// BuildHistory turns the tail of a ticket's messages into a bounded context
// window: at most limit turns, each capped at maxChars runes. System
// messages are left out.
func BuildHistory(messages []models.Message, limit, maxChars int) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		var role string
		switch m.SenderKind {
		case models.SenderClient:
			role = "user"
		case models.SenderAgent, models.SenderAI:
			role = "assistant"
		default:
			continue
		}
		out = append(out, ChatMessage{Role: role, Content: Truncate(m.Body, maxChars)})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars])
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func paramInt(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
