package presence

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/backend/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	got    []models.Envelope
	closed bool
	fail   bool
}

func (f *fakeConn) Send(env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.fail {
		return errors.New("closed")
	}
	f.got = append(f.got, env)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) envelopes() []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Envelope(nil), f.got...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func msg(body string) models.Envelope {
	return models.MessageEnvelope(models.Message{ID: body, Body: body}, false)
}

func TestSameSessionIsAdditive(t *testing.T) {
	m := NewManager(zerolog.Nop())
	p := Principal{UserID: "u1", Role: models.RoleClient}
	a, b := &fakeConn{}, &fakeConn{}

	m.Register(p, "s1", a)
	m.Register(p, "s1", b)

	assert.Equal(t, 2, m.SendToUser("u1", msg("hi")))
	assert.Len(t, a.envelopes(), 1)
	assert.Len(t, b.envelopes(), 1)
	assert.False(t, a.isClosed())
}

func TestNewSessionEvictsOld(t *testing.T) {
	m := NewManager(zerolog.Nop())
	p := Principal{UserID: "u1", Role: models.RoleAgent}
	old1, old2, fresh := &fakeConn{}, &fakeConn{}, &fakeConn{}

	h1 := m.Register(p, "s1", old1)
	m.Register(p, "s1", old2)
	m.Register(p, "s2", fresh)

	for _, c := range []*fakeConn{old1, old2} {
		require.True(t, c.isClosed())
		got := c.envelopes()
		require.Len(t, got, 1)
		assert.Equal(t, models.EnvelopeSessionReplaced, got[0].Type)
	}

	assert.Equal(t, 1, m.SendToUser("u1", msg("after")))
	assert.Len(t, fresh.envelopes(), 1)
	assert.Len(t, old1.envelopes(), 1)

	assert.False(t, m.Unregister(h1), "evicted handle should already be gone")
	assert.Equal(t, 1, m.ConnectionCount())
}

func TestUnregister(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h := m.Register(Principal{UserID: "u1"}, "s1", &fakeConn{})
	assert.True(t, m.Online("u1"))
	assert.True(t, m.Unregister(h))
	assert.False(t, m.Online("u1"))
	assert.Equal(t, 0, m.SendToUser("u1", msg("dropped")))
}

func TestBroadcastRespectsTenant(t *testing.T) {
	m := NewManager(zerolog.Nop())
	t1, t2 := "t1", "t2"
	agentT1, agentT2, agentMaster, clientT1 := &fakeConn{}, &fakeConn{}, &fakeConn{}, &fakeConn{}

	m.Register(Principal{UserID: "a1", TenantID: &t1, Role: models.RoleAgent}, "s", agentT1)
	m.Register(Principal{UserID: "a2", TenantID: &t2, Role: models.RoleAgent}, "s", agentT2)
	m.Register(Principal{UserID: "root", Role: models.RoleAgent}, "s", agentMaster)
	m.Register(Principal{UserID: "c1", TenantID: &t1, Role: models.RoleClient}, "s", clientT1)

	assert.Equal(t, 1, m.BroadcastToTenantAgents(&t1, msg("t1 only")))
	assert.Len(t, agentT1.envelopes(), 1)
	assert.Empty(t, agentT2.envelopes())
	assert.Empty(t, agentMaster.envelopes())
	assert.Empty(t, clientT1.envelopes())

	assert.Equal(t, 1, m.BroadcastToTenantAgents(nil, msg("master only")))
	assert.Len(t, agentMaster.envelopes(), 1)
	assert.Len(t, agentT1.envelopes(), 1)
}

func TestSameUserIDInTwoTenantsIsTwoUsers(t *testing.T) {
	m := NewManager(zerolog.Nop())
	t1, t2 := "t1", "t2"
	inT1, inT2 := &fakeConn{}, &fakeConn{}

	h1 := m.Register(Principal{UserID: "shared", TenantID: &t1, Role: models.RoleClient}, "s1", inT1)
	m.Register(Principal{UserID: "shared", TenantID: &t2, Role: models.RoleClient}, "s2", inT2)
	assert.False(t, inT1.isClosed(), "another tenant's session does not evict")

	assert.Equal(t, 1, m.SendToTenantUser(&t1, "shared", msg("for t1")))
	assert.Equal(t, 0, m.SendToTenantUser(nil, "shared", msg("master")))
	require.Len(t, inT1.envelopes(), 1)
	assert.Empty(t, inT2.envelopes())

	assert.True(t, m.Unregister(h1))
	assert.Equal(t, 0, m.SendToTenantUser(&t1, "shared", msg("gone")))
	assert.True(t, m.Online("shared"))
	assert.Equal(t, 1, m.ConnectionCount())
}

func TestFailedSendDropsConnection(t *testing.T) {
	m := NewManager(zerolog.Nop())
	bad := &fakeConn{fail: true}
	m.Register(Principal{UserID: "u1"}, "s1", bad)

	assert.Equal(t, 0, m.SendToUser("u1", msg("x")))
	assert.False(t, m.Online("u1"))
	assert.True(t, bad.isClosed())
}

func TestConcurrentRegisterAndSend(t *testing.T) {
	m := NewManager(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		user := fmt.Sprintf("u%d", i%5)
		go func(i int) {
			defer wg.Done()
			h := m.Register(Principal{UserID: user}, fmt.Sprintf("s%d", i%2), &fakeConn{})
			m.Unregister(h)
		}(i)
		go func() {
			defer wg.Done()
			m.SendToUser(user, msg("x"))
			m.BroadcastToTenantAgents(nil, msg("y"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.ConnectionCount())
}

func TestWSConnDeliversNoticeBeforeClose(t *testing.T) {
	m := NewManager(zerolog.Nop())
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConn(ws, 8)
		h := m.Register(Principal{UserID: "u1"}, r.URL.Query().Get("session_id"), conn)
		go conn.WritePump()
		conn.ReadPump()
		m.Unregister(h)
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	first, _, err := websocket.DefaultDialer.Dial(base+"?session_id=s1", nil)
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool { return m.Online("u1") }, time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(base+"?session_id=s2", nil)
	require.NoError(t, err)
	defer second.Close()

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	require.NoError(t, first.ReadJSON(&env))
	assert.Equal(t, models.EnvelopeSessionReplaced, env.Type)

	_, _, err = first.ReadMessage()
	assert.Error(t, err, "evicted socket should be closed")

	require.Eventually(t, func() bool { return m.SendToUser("u1", msg("hello")) == 1 }, time.Second, 10*time.Millisecond)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, second.ReadJSON(&env))
	assert.Equal(t, models.EnvelopeMessage, env.Type)
	assert.Equal(t, "hello", env.Message.Body)
}
