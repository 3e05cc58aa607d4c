package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/deskrelay/backend/internal/http/middleware"
	"github.com/deskrelay/backend/internal/presence"
)

// ServeWS upgrades an authenticated request to a delivery-only socket. The
// connection is registered under session_id; a new session for the same user
// evicts the old one.
func (h *Handler) ServeWS(c *gin.Context) {
	scope, _ := middleware.ScopeFrom(c)
	if !scope.Authenticated() {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Credential required", nil)
		return
	}
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ws, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Str("user_id", scope.UserID).Msg("websocket upgrade failed")
		return
	}
	conn := presence.NewWSConn(ws, h.SendBuffer)
	handle := h.Presence.Register(presence.Principal{
		UserID:   scope.UserID,
		TenantID: scope.TenantID,
		Role:     scope.Role,
	}, sessionID, conn)

	log := h.Logger.With().Str("user_id", scope.UserID).Str("tenant_id", scope.String()).Str("session_id", sessionID).Logger()
	log.Debug().Msg("websocket connected")

	go conn.WritePump()
	conn.ReadPump()

	h.Presence.Unregister(handle)
	log.Debug().Msg("websocket disconnected")
}
