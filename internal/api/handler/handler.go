// Package handler holds the HTTP endpoints: session tokens, the WebSocket
// gateway and room history.
package handler

import (
	"log/slog"
	"net/http"
	"slices"

	"senvo/backend/internal/chat"
	"senvo/backend/internal/config"
	"senvo/backend/internal/gateway"
	"senvo/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handler wires the gateway hub and the store into gin routes.
type Handler struct {
	Store    storage.Store
	Hub      *gateway.Hub
	Uploader chat.MediaUploader
	Config   *config.Config
	Tokens   *Tokens

	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(store storage.Store, hub *gateway.Hub, uploader chat.MediaUploader, cfg *config.Config, logger *slog.Logger) *Handler {
	h := &Handler{
		Store:    store,
		Hub:      hub,
		Uploader: uploader,
		Config:   cfg,
		Tokens:   NewTokens(cfg.SessionSecret, cfg.SessionTTL),
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)
	r.GET("/session", h.CreateSession)
	r.GET("/ws", h.RequireSession(), h.ServeWebSocket)

	rooms := r.Group("/rooms/:roomID", h.RequireSession())
	rooms.GET("/messages", h.RoomMessages)
	rooms.POST("/media", h.UploadMedia)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": h.Hub.Len()})
}

// checkOrigin accepts any origin unless CORS origins are configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origins := h.Config.AllowedOrigins
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(origins, origin)
}
