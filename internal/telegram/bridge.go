// Package telegram is a text-mode frontend: each Telegram chat drives its own
// session, and partner messages come back as bot messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"senvo/backend/internal/chat"
	"senvo/backend/internal/localization"
	"senvo/backend/internal/matching"
	"senvo/backend/internal/models"
	"senvo/backend/internal/session"
	"senvo/backend/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	closeTimeout    = 5 * time.Second
	downloadTimeout = 30 * time.Second
)

// Options configures a Bridge.
type Options struct {
	Store    storage.Store
	Uploader chat.MediaUploader
	Match    matching.Options
	// MediaBaseURL makes relative media links absolute so Telegram can
	// fetch them. Without it only absolute links are forwarded.
	MediaBaseURL string
}

// Bridge routes Telegram updates to per-chat sessions.
type Bridge struct {
	messenger Messenger
	localizer *localization.Localizer
	opts      Options
	mediaBase *url.URL
	http      *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	chats map[int64]*chatClient
}

func NewBridge(messenger Messenger, localizer *localization.Localizer, opts Options, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		messenger: messenger,
		localizer: localizer,
		opts:      opts,
		http:      &http.Client{Timeout: downloadTimeout},
		logger:    logger.With("component", "telegram"),
		chats:     make(map[int64]*chatClient),
	}
	if opts.MediaBaseURL != "" {
		base, err := url.Parse(opts.MediaBaseURL)
		if err != nil {
			return nil, fmt.Errorf("media base url: %w", err)
		}
		b.mediaBase = base
	}
	return b, nil
}

func (b *Bridge) absoluteMedia(link string) (string, bool) {
	return resolveMedia(b.mediaBase, link)
}

// Run consumes updates until ctx is cancelled, then ends every session.
func (b *Bridge) Run(ctx context.Context, bot BotAPI) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if in, ok := incomingFrom(update); ok {
				b.Handle(ctx, in)
			}
		}
	}
}

// client returns the chat's client, creating its session on first use.
func (b *Bridge) client(ctx context.Context, chatID int64) (*chatClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.chats[chatID]; ok {
		return c, nil
	}

	sid := "tg-" + strconv.FormatInt(chatID, 10)
	sess, err := session.New(ctx, session.Deps{
		Store:    b.opts.Store,
		Identity: matching.StaticIdentity(sid),
		Uploader: b.opts.Uploader,
		Match:    b.opts.Match,
		Logger:   b.logger,
	})
	if err != nil {
		return nil, err
	}

	c := &chatClient{
		chatID:    chatID,
		session:   sess,
		messenger: b.messenger,
		bridge:    b,
		logger:    b.logger.With("chat", chatID),
	}
	b.chats[chatID] = c
	go c.writePump()
	return c, nil
}

// Handle acts on one incoming message.
func (b *Bridge) Handle(ctx context.Context, in Incoming) {
	c, err := b.client(ctx, in.ChatID)
	if err != nil {
		b.logger.Error("creating telegram session", "chat", in.ChatID, "error", err)
		return
	}
	c.setLanguage(in.Language)

	switch {
	case in.Callback != "":
		b.handleCallback(c, in)
	case in.Command != "":
		b.handleCommand(ctx, c, in.Command)
	case in.Text != "":
		if _, err := c.session.SendChat(ctx, in.Text); err != nil {
			b.reportSendError(c, err)
		}
	case in.FileID != "":
		b.handleMedia(ctx, c, in)
	default:
		c.say("unsupported_message_type")
	}
}

func (b *Bridge) handleCommand(ctx context.Context, c *chatClient, command string) {
	if b.handlePreference(c, command) {
		return
	}
	sess := c.session

	switch command {
	case "start", "help":
		c.say("welcome")

	case "search":
		if err := sess.Find(ctx, models.ModeText); err != nil {
			if errors.Is(err, session.ErrBusy) {
				c.say("already_searching")
				return
			}
			c.logger.Warn("search failed", "error", err)
			c.say("error_generic")
		}

	case "next":
		err := sess.Skip(ctx)
		if errors.Is(err, session.ErrNotConnected) {
			err = sess.Find(ctx, models.ModeText)
		}
		if err != nil {
			c.logger.Warn("skip failed", "error", err)
			c.say("error_generic")
		}

	case "stop":
		if status := sess.Status(); status != session.StatusFinding && status != session.StatusConnected {
			c.say("not_in_chat")
			return
		}
		if err := sess.End(ctx); err != nil {
			c.logger.Warn("stop failed", "error", err)
		}

	default:
		c.say("welcome")
	}
}

func (b *Bridge) handleMedia(ctx context.Context, c *chatClient, in Incoming) {
	if c.session.Match() == nil {
		c.say("not_in_chat")
		return
	}

	link, err := b.messenger.FileURL(in.FileID)
	if err != nil {
		c.logger.Warn("resolving telegram file", "error", err)
		c.say("media_unavailable")
		return
	}
	// The direct link embeds the bot token, so the file is copied to our own
	// media store instead of being shared.
	data, err := b.download(ctx, link)
	if err != nil {
		c.logger.Warn("downloading telegram file", "error", err)
		c.say("media_unavailable")
		return
	}

	if _, err := c.session.SendMedia(ctx, in.FileName, data, in.MediaType); err != nil {
		b.reportSendError(c, err)
	}
}

func (b *Bridge) download(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, chat.MaxMediaBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > chat.MaxMediaBytes {
		return nil, chat.ErrMediaTooLarge
	}
	return data, nil
}

func (b *Bridge) reportSendError(c *chatClient, err error) {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		c.say("not_in_chat")
	case errors.Is(err, chat.ErrNoUploader), errors.Is(err, chat.ErrMediaTooLarge):
		c.say("media_unavailable")
	default:
		c.logger.Warn("relaying message failed", "error", err)
		c.say("error_generic")
	}
}

// Chats reports how many Telegram chats have a session.
func (b *Bridge) Chats() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chats)
}

// Close ends every chat's session.
func (b *Bridge) Close() {
	b.mu.Lock()
	chats := b.chats
	b.chats = make(map[int64]*chatClient)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for _, c := range chats {
		c.close(ctx)
	}
}
