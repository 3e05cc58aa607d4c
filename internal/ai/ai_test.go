package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/backend/internal/models"
)

type stubGen struct {
	reply string
	err   error
	calls int
}

func (s *stubGen) Generate(ctx context.Context, agent models.AIAgentConfig, history []ChatMessage, message string) (string, error) {
	s.calls++
	return s.reply, s.err
}

func TestRegistryRoutesByProvider(t *testing.T) {
	r := NewRegistry()
	a, b := &stubGen{reply: "from a"}, &stubGen{reply: "from b"}
	r.Register("alpha", a)
	r.Register("Beta", b)

	got, err := r.Generate(context.Background(), models.AIAgentConfig{Provider: "BETA"}, nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "from b", got)
	assert.Equal(t, 0, a.calls)

	_, err = r.Generate(context.Background(), models.AIAgentConfig{Provider: "gamma"}, nil, "hi")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistryRejectsBlankReply(t *testing.T) {
	r := NewRegistry()
	r.Register("p", &stubGen{reply: "   "})
	_, err := r.Generate(context.Background(), models.AIAgentConfig{Provider: "p"}, nil, "hi")
	assert.ErrorIs(t, err, ErrEmptyReply)

	boom := errors.New("boom")
	r.Register("q", &stubGen{err: boom})
	_, err = r.Generate(context.Background(), models.AIAgentConfig{Provider: "q"}, nil, "hi")
	assert.ErrorIs(t, err, boom)
}

func TestBuildHistory(t *testing.T) {
	msgs := []models.Message{
		{SenderKind: models.SenderSystem, Body: "Escolha um departamento"},
		{SenderKind: models.SenderClient, Body: "oi"},
		{SenderKind: models.SenderAI, Body: "olá"},
		{SenderKind: models.SenderAgent, Body: "posso ajudar?"},
		{SenderKind: models.SenderClient, Body: "ção" + strings.Repeat("x", 10)},
	}

	h := BuildHistory(msgs, 3, 5)
	require.Len(t, h, 3)
	assert.Equal(t, ChatMessage{Role: "assistant", Content: "olá"}, h[0])
	assert.Equal(t, "assistant", h[1].Role)
	assert.Equal(t, "posso", h[1].Content)
	assert.Equal(t, "çãoxx", h[2].Content)
	assert.Equal(t, "user", h[2].Role)

	assert.Len(t, BuildHistory(msgs, 0, 0), 4)
}

func TestMockGeneratorIsDeterministic(t *testing.T) {
	g := MockGenerator{}
	cfg := models.AIAgentConfig{Model: "m"}
	a, err := g.Generate(context.Background(), cfg, nil, "hello")
	require.NoError(t, err)
	b, _ := g.Generate(context.Background(), cfg, nil, "hello")
	assert.Equal(t, a, b)
	assert.Contains(t, mockReplies, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Generate(ctx, cfg, nil, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWebhookGenerator(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(webhookResponse{Reply: "pong"})
	}))
	defer srv.Close()

	g := WebhookGenerator{BaseURL: srv.URL + "/"}
	reply, err := g.Generate(context.Background(),
		models.AIAgentConfig{Model: "m1", Params: map[string]any{"temperature": 0.2}},
		[]ChatMessage{{Role: "user", Content: "a"}}, "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, "ping", got.Message)
	assert.Len(t, got.History, 1)
}

func TestWebhookGeneratorHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := WebhookGenerator{BaseURL: srv.URL}.Generate(context.Background(), models.AIAgentConfig{}, nil, "x")
	assert.Error(t, err)

	_, err = WebhookGenerator{}.Generate(context.Background(), models.AIAgentConfig{}, nil, "x")
	assert.Error(t, err)
}

func TestOpenAIGeneratorNeedsKey(t *testing.T) {
	g := &OpenAIGenerator{}
	_, err := g.Generate(context.Background(), models.AIAgentConfig{Model: "gpt"}, nil, "x")
	assert.Error(t, err)
}
