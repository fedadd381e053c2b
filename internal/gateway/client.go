// Package gateway lets browsers drive a server-side session over a
// WebSocket using JSON frames.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"senvo/backend/internal/models"
	"senvo/backend/internal/session"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Large enough for SDP and small inline media; bigger files go through
	// the HTTP upload endpoint.
	maxMessageSize = 1 << 20

	closeTimeout = 5 * time.Second
)

// Client is one browser connection bound to one session.
type Client struct {
	SessionID string
	Conn      *websocket.Conn
	Session   *session.Session
	Send      chan Outbound

	hub    *Hub
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, sess *session.Session, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		SessionID: sess.SelfID(),
		Conn:      conn,
		Session:   sess,
		Send:      make(chan Outbound, 64),
		hub:       hub,
		logger:    logger.With("session", sess.SelfID()),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run starts the pumps.
func (c *Client) Run() {
	go c.writePump()
	go c.eventPump()
	go c.readPump()
}

// Done is closed once the connection has been torn down.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// Close ends the session and drops the connection. Safe to call repeatedly.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.Session.Close(ctx); err != nil {
			c.logger.Warn("closing session", "error", err)
		}
		c.hub.unregister(c)
		c.Conn.Close()
	})
}

func (c *Client) push(frame Outbound) {
	select {
	case c.Send <- frame:
	case <-c.ctx.Done():
	}
}

func (c *Client) readPump() {
	defer c.Close()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("reading frame", "error", err)
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(message, &in); err != nil {
			c.push(errorFrame("", fmt.Errorf("%w: %v", errInvalidFrame, err)))
			continue
		}
		if reply, ok := c.dispatch(in); ok {
			c.push(reply)
		}
	}
}

// dispatch runs one request against the session. Requests whose outcome
// arrives as a session event reply only on error.
func (c *Client) dispatch(in Inbound) (Outbound, bool) {
	ctx := c.ctx
	sess := c.Session

	switch in.Type {
	case FrameJoin:
		mode, err := models.ParseMode(string(in.Mode))
		if err != nil {
			return errorFrame(in.Ref, fmt.Errorf("%w: %v", errInvalidFrame, err)), true
		}
		if err := sess.Find(ctx, mode); err != nil {
			return errorFrame(in.Ref, err), true
		}
		return Outbound{}, false

	case FrameLeave:
		if err := sess.End(ctx); err != nil {
			return errorFrame(in.Ref, err), true
		}
		return Outbound{}, false

	case FrameSkip:
		if err := sess.Skip(ctx); err != nil {
			return errorFrame(in.Ref, err), true
		}
		return Outbound{}, false

	case FrameSignal:
		typ, err := models.ParseSignalType(string(in.Signal))
		if err != nil {
			return errorFrame(in.Ref, fmt.Errorf("%w: %v", errInvalidFrame, err)), true
		}
		if err := sess.SendSignal(ctx, typ, in.Payload); err != nil {
			return errorFrame(in.Ref, err), true
		}
		return Outbound{}, false

	case FrameChat:
		msg, err := sess.SendChat(ctx, in.Text)
		if err != nil {
			return errorFrame(in.Ref, err), true
		}
		return Outbound{Type: FrameChat, Ref: in.Ref, Message: msg}, true

	case FrameMedia:
		typ, err := models.ParseMessageType(string(in.MediaType))
		if err != nil {
			return errorFrame(in.Ref, fmt.Errorf("%w: %v", errInvalidFrame, err)), true
		}
		var msg *models.ChatMessage
		if in.URL != "" {
			msg, err = sess.SendMediaURL(ctx, in.URL, typ)
		} else {
			msg, err = sess.SendMedia(ctx, in.Name, in.Data, typ)
		}
		if err != nil {
			return errorFrame(in.Ref, err), true
		}
		return Outbound{Type: FrameChat, Ref: in.Ref, Message: msg}, true

	case FrameHistory:
		history, err := sess.History(ctx)
		if err != nil {
			return errorFrame(in.Ref, err), true
		}
		return Outbound{Type: FrameHistory, Ref: in.Ref, History: history}, true
	}

	return errorFrame(in.Ref, fmt.Errorf("%w: %q", errInvalidFrame, in.Type)), true
}

// eventPump forwards session events to the browser.
func (c *Client) eventPump() {
	for {
		select {
		case ev := <-c.Session.Events():
			c.push(eventFrame(ev))
		case <-c.Session.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				c.logger.Debug("writing frame", "type", frame.Type, "error", err)
				return
			}

		case <-c.ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
