package handler

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"

	"senvo/backend/internal/chat"
	"senvo/backend/internal/gateway"
	"senvo/backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RoomMessages returns the ordered chat history of a room the caller
// belongs to.
func (h *Handler) RoomMessages(c *gin.Context) {
	roomID := c.Param("roomID")
	if _, err := uuid.Parse(roomID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room id"})
		return
	}
	sid := sessionID(c)

	messages, err := h.Store.ListChatMessages(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("listing messages", "room", roomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}

	_, live := h.roomClient(sid, roomID)
	member := live || slices.ContainsFunc(messages, func(m models.ChatMessage) bool {
		return m.SenderID == sid
	})
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a member of this room"})
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "messages": messages})
}

// roomClient returns sid's live connection when it is currently in roomID.
func (h *Handler) roomClient(sid, roomID string) (*gateway.Client, bool) {
	client, ok := h.Hub.Lookup(sid)
	if !ok {
		return nil, false
	}
	match := client.Session.Match()
	return client, match != nil && match.RoomID == roomID
}

// UploadMedia accepts a multipart "file" and posts it as a media message in
// the caller's current room. Used for files too large for a WebSocket frame.
func (h *Handler) UploadMedia(c *gin.Context) {
	roomID := c.Param("roomID")
	sid := sessionID(c)
	client, ok := h.roomClient(sid, roomID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not connected to this room"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, chat.MaxMediaBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file"})
		return
	}

	typ, err := mediaType(c.PostForm("type"), file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, err := readUpload(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}

	msg, err := client.Session.SendMedia(c.Request.Context(), file.Filename, data, typ)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, msg)
	case errors.Is(err, chat.ErrMediaTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrNoUploader):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrMediaType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("sending media", "room", roomID, "error", err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	}
}

var errUnknownMedia = errors.New("media type must be image or video")

// mediaType takes the explicit form value, else infers it from the part's
// content type.
func mediaType(explicit string, file *multipart.FileHeader) (models.MessageType, error) {
	if explicit != "" {
		typ, err := models.ParseMessageType(explicit)
		if err != nil || typ == models.MessageText {
			return "", errUnknownMedia
		}
		return typ, nil
	}
	switch ct := file.Header.Get("Content-Type"); {
	case strings.HasPrefix(ct, "image/"):
		return models.MessageImage, nil
	case strings.HasPrefix(ct, "video/"):
		return models.MessageVideo, nil
	}
	return "", errUnknownMedia
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
