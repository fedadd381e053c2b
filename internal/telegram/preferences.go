package telegram

import "strings"

const langCallbackPrefix = "set_lang_"

// handlePreference applies the per-chat settings commands. It reports
// whether command was one of them. Settings live as long as the chat's
// session and are not stored.
func (b *Bridge) handlePreference(c *chatClient, command string) bool {
	switch command {
	case "spoiler_on", "spoiler_off":
		on := command == "spoiler_on"
		c.setSpoiler(on)
		c.say(command)
	case "language":
		b.sendLanguageMenu(c)
	default:
		return false
	}
	return true
}

func (b *Bridge) sendLanguageMenu(c *chatClient) {
	langs := b.localizer.Languages()
	choices := make([]Choice, 0, len(langs))
	for _, lang := range langs {
		choices = append(choices, Choice{
			Label: b.localizer.GetString(lang, "language_name"),
			Data:  langCallbackPrefix + lang,
		})
	}
	prompt := b.localizer.GetString(c.language(), "choose_language")
	if err := b.messenger.SendChoices(c.chatID, prompt, choices); err != nil {
		c.logger.Warn("sending language menu failed", "error", err)
	}
}

func (b *Bridge) handleCallback(c *chatClient, in Incoming) {
	if err := b.messenger.AnswerCallback(in.CallbackID); err != nil {
		c.logger.Debug("answering callback failed", "error", err)
	}

	lang, ok := strings.CutPrefix(in.Callback, langCallbackPrefix)
	if !ok {
		c.logger.Debug("ignoring callback", "data", in.Callback)
		return
	}
	if !b.localizer.Has(lang) {
		c.logger.Warn("unknown language chosen", "lang", lang)
		return
	}
	c.chooseLanguage(lang)
	c.say("language_changed")
}
