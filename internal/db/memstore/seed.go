package memstore

import (
	"context"
	"time"

	"github.com/deskrelay/backend/internal/models"
)

// Dev credentials installed by SeedDemo.
const (
	DemoAgentToken       = "dev-agent"
	DemoClientToken      = "dev-client"
	DemoIntegrationToken = "dev-integration"
)

// SeedDemo fills an empty store with a master-tenant setup good enough to
// click through locally: two departments, one of them answered by the mock
// AI agent.
func (s *Store) SeedDemo() {
	now := s.Now()
	s.PutCredential(DemoAgentToken, models.Credential{UserID: "agent-dev", Role: models.RoleAgent})
	s.PutCredential(DemoClientToken, models.Credential{UserID: "client-dev", Role: models.RoleClient})
	s.PutCredential(DemoIntegrationToken, models.Credential{UserID: "gateway-dev", Role: models.RoleIntegration})
	s.PutAIAgent(models.AIAgent{
		ID:         "ai-dev",
		Config:     models.AIAgentConfig{Provider: "mock", Model: "mock-1"},
		IsActive:   true,
		ReplyDelay: time.Second,
	})
	_ = s.CreateDepartment(context.Background(), models.Department{
		ID:                    "dep-support",
		Name:                  "Suporte",
		AIAgentID:             models.Ptr("ai-dev"),
		DefaultTimeoutSeconds: 120,
		IsDefault:             true,
		CreatedAt:             now,
	})
	_ = s.CreateDepartment(context.Background(), models.Department{
		ID:        "dep-billing",
		Name:      "Financeiro",
		CreatedAt: now,
	})
}
