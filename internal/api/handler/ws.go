package handler

import (
	"context"
	"net/http"

	"senvo/backend/internal/matching"
	"senvo/backend/internal/session"

	"github.com/gin-gonic/gin"
)

// MatchOptions derives the coordinator timing from the loaded config.
func (h *Handler) MatchOptions() matching.Options {
	return matching.Options{
		MaxWait:    h.Config.Match.MaxWait,
		Heartbeat:  h.Config.Match.Heartbeat,
		StaleAfter: h.Config.Match.StaleAfter,
	}
}

// ServeWebSocket upgrades the request and binds the connection to a new
// session for the caller's session id.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	sid := sessionID(c)

	sess, err := session.New(c.Request.Context(), session.Deps{
		Store:    h.Store,
		Identity: matching.StaticIdentity(sid),
		Uploader: h.Uploader,
		Match:    h.MatchOptions(),
		Logger:   h.logger,
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to start session"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.logger.Warn("websocket upgrade failed", "session", sid, "error", err)
		sess.Close(context.Background())
		return
	}

	h.Hub.Attach(conn, sess)
}
