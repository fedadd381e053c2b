package telegram

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"

	"senvo/backend/internal/matching"
	"senvo/backend/internal/models"
	"senvo/backend/internal/session"
)

// chatClient binds one Telegram chat to one session and renders the
// session's events as bot messages.
type chatClient struct {
	chatID    int64
	session   *session.Session
	messenger Messenger
	bridge    *Bridge
	logger    *slog.Logger

	mu sync.Mutex
	// lang follows the client's Telegram language until one is chosen
	// with /language.
	lang       string
	langChosen bool
	spoiler    bool
}

func (c *chatClient) language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lang
}

func (c *chatClient) setLanguage(lang string) {
	if lang == "" {
		return
	}
	c.mu.Lock()
	if !c.langChosen {
		c.lang = lang
	}
	c.mu.Unlock()
}

func (c *chatClient) chooseLanguage(lang string) {
	c.mu.Lock()
	c.lang, c.langChosen = lang, true
	c.mu.Unlock()
}

func (c *chatClient) setSpoiler(on bool) {
	c.mu.Lock()
	c.spoiler = on
	c.mu.Unlock()
}

func (c *chatClient) spoilerOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spoiler
}

func (c *chatClient) say(key string) {
	text := c.bridge.localizer.GetString(c.language(), key)
	if err := c.messenger.SendText(c.chatID, text); err != nil {
		c.logger.Warn("telegram send failed", "key", key, "error", err)
	}
}

// writePump forwards session events to the chat until the session closes.
func (c *chatClient) writePump() {
	defer c.logger.Debug("telegram write pump stopped")

	for {
		select {
		case ev := <-c.session.Events():
			c.render(ev)
		case <-c.session.Done():
			return
		}
	}
}

func (c *chatClient) render(ev session.Event) {
	switch ev.Kind {
	case session.EventSearching:
		c.say("searching")
	case session.EventMatched:
		c.say("match_found")
	case session.EventPeerLeft:
		c.say("chat_stopped_partner")
	case session.EventEnded:
		c.say("chat_stopped_self")
	case session.EventChat:
		c.forward(ev.Message)
	case session.EventError:
		if errors.Is(ev.Err, matching.ErrSearchTimeout) {
			c.say("search_timeout")
			return
		}
		c.logger.Warn("session error", "error", ev.Err)
		c.say("error_generic")
	}
}

// forward shows a partner's message in the chat.
func (c *chatClient) forward(msg *models.ChatMessage) {
	if msg == nil {
		return
	}
	if msg.MessageType == models.MessageText {
		if err := c.messenger.SendText(c.chatID, msg.Text()); err != nil {
			c.logger.Warn("telegram send failed", "message", msg.ID, "error", err)
		}
		return
	}

	link, ok := c.bridge.absoluteMedia(msg.Media())
	if !ok {
		c.say("unsupported_message_type")
		return
	}
	if err := c.messenger.SendMedia(c.chatID, msg.MessageType, link, c.spoilerOn()); err != nil {
		c.logger.Warn("telegram media send failed", "message", msg.ID, "error", err)
		// Telegram could not fetch the file itself; the link still works.
		c.messenger.SendText(c.chatID, link)
	}
}

func (c *chatClient) close(ctx context.Context) {
	if err := c.session.Close(ctx); err != nil {
		c.logger.Warn("closing telegram session", "error", err)
	}
}

// resolveMedia turns a stored media link into an absolute URL.
func resolveMedia(base *url.URL, link string) (string, bool) {
	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	if !u.IsAbs() {
		if base == nil {
			return "", false
		}
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}
