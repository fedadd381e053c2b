package telegram

import (
	"fmt"
	"log/slog"

	"senvo/backend/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotAPI is the part of the Telegram client the bridge needs.
type BotAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// NewBotAPI authorizes against Telegram with token.
func NewBotAPI(token string, logger *slog.Logger) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	logger.Info("telegram bot authorized", "account", bot.Self.UserName)
	return bot, nil
}

// Choice is one inline keyboard button.
type Choice struct {
	Label string
	Data  string
}

// Messenger delivers bridge output to one Telegram chat.
type Messenger interface {
	SendText(chatID int64, text string) error
	// SendMedia posts a photo or video by URL, optionally covered by a spoiler.
	SendMedia(chatID int64, typ models.MessageType, url string, spoiler bool) error
	SendChoices(chatID int64, text string, choices []Choice) error
	AnswerCallback(callbackID string) error
	// FileURL resolves a Telegram file id to a downloadable link.
	FileURL(fileID string) (string, error)
}

// botMessenger renders messages with the Bot API.
type botMessenger struct {
	bot BotAPI
}

func NewMessenger(bot BotAPI) Messenger {
	return &botMessenger{bot: bot}
}

func (m *botMessenger) SendText(chatID int64, text string) error {
	_, err := m.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func (m *botMessenger) SendMedia(chatID int64, typ models.MessageType, url string, spoiler bool) error {
	var msg tgbotapi.Chattable
	switch typ {
	case models.MessageImage:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(url))
		photo.HasSpoiler = spoiler
		msg = photo
	case models.MessageVideo:
		video := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(url))
		video.HasSpoiler = spoiler
		msg = video
	default:
		return fmt.Errorf("unsupported media type %q", typ)
	}
	_, err := m.bot.Send(msg)
	return err
}

func (m *botMessenger) SendChoices(chatID int64, text string, choices []Choice) error {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, c := range choices {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Data))
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	_, err := m.bot.Send(msg)
	return err
}

func (m *botMessenger) AnswerCallback(callbackID string) error {
	_, err := m.bot.Request(tgbotapi.NewCallback(callbackID, ""))
	return err
}

func (m *botMessenger) FileURL(fileID string) (string, error) {
	return m.bot.GetFileDirectURL(fileID)
}

// Incoming is the part of a Telegram update the bridge acts on.
type Incoming struct {
	ChatID   int64
	Language string
	Command  string
	Text     string
	// FileID and MediaType are set for photos and videos.
	FileID    string
	MediaType models.MessageType
	FileName  string
	// CallbackID and Callback are set when an inline button was pressed.
	CallbackID string
	Callback   string
}

// incomingFrom extracts what the bridge needs from an update. It reports
// false for updates the bridge ignores.
func incomingFrom(update tgbotapi.Update) (Incoming, bool) {
	if cq := update.CallbackQuery; cq != nil && cq.From != nil {
		// Private chats share the user's id.
		return Incoming{
			ChatID:     cq.From.ID,
			Language:   cq.From.LanguageCode,
			CallbackID: cq.ID,
			Callback:   cq.Data,
		}, true
	}
	msg := update.Message
	if msg == nil {
		return Incoming{}, false
	}

	in := Incoming{ChatID: msg.Chat.ID}
	if msg.From != nil {
		in.Language = msg.From.LanguageCode
	}

	switch {
	case msg.IsCommand():
		in.Command = msg.Command()
	case msg.Text != "":
		in.Text = msg.Text
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		in.FileID, in.MediaType, in.FileName = largest.FileID, models.MessageImage, "photo.jpg"
	case msg.Video != nil:
		in.FileID, in.MediaType, in.FileName = msg.Video.FileID, models.MessageVideo, msg.Video.FileName
		if in.FileName == "" {
			in.FileName = "video.mp4"
		}
	}
	return in, true
}
