package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/deskrelay/backend/internal/models"
)

// WebhookGenerator posts the conversation to an external reply service.
type WebhookGenerator struct {
	BaseURL string
	Client  *http.Client
}

type webhookRequest struct {
	Model   string         `json:"model"`
	Params  map[string]any `json:"params,omitempty"`
	History []ChatMessage  `json:"history"`
	Message string         `json:"message"`
}

type webhookResponse struct {
	Reply string `json:"reply"`
}

func (w WebhookGenerator) Generate(ctx context.Context, agent models.AIAgentConfig, history []ChatMessage, message string) (string, error) {
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	if strings.TrimSpace(w.BaseURL) == "" {
		return "", fmt.Errorf("AI_WEBHOOK_URL is not set")
	}

	payload := webhookRequest{
		Model:   agent.Model,
		Params:  agent.Params,
		History: history,
		Message: message,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(w.BaseURL, "/") + "/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ai webhook http error: %s", resp.Status)
	}
	var r webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", err
	}
	return r.Reply, nil
}
