package ai

import (
	"context"
	"fmt"

	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/utils"
)

// MockGenerator answers deterministically from a canned list; used when no
// real provider is configured.
type MockGenerator struct{}

var mockReplies = []string{
	"Entendi! Vou verificar isso para você.",
	"Obrigado pelo contato. Pode me dar mais detalhes?",
	"Certo, já estou analisando sua solicitação.",
	"Perfeito. Em instantes retorno com uma resposta.",
}

func (m MockGenerator) Generate(ctx context.Context, agent models.AIAgentConfig, history []ChatMessage, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := utils.HashStringToUint64(fmt.Sprintf("%s|%d|%s", agent.Model, len(history), message))
	return mockReplies[int(h%uint64(len(mockReplies)))], nil
}
