package telegram

import (
	"context"

	"safechat/backend/internal/localization"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Bot answers staff commands. /start replies with the chat id an
// administrator links to the staff account.
type Bot struct {
	api       *tgbotapi.BotAPI
	localizer *localization.Localizer
	log       *zap.Logger
}

// NewBotAPI authorizes the bot token.
func NewBotAPI(token string, log *zap.Logger) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	log.Info("telegram bot authorized", zap.String("account", api.Self.UserName))
	return api, nil
}

func NewBot(api *tgbotapi.BotAPI, localizer *localization.Localizer, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{api: api, localizer: localizer, log: log.Named("telegram_bot")}
}

// Run is the main loop for receiving Telegram updates. It returns when ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			reply := b.reply(update)
			if reply == nil {
				continue
			}
			if _, err := b.api.Send(reply); err != nil {
				b.log.Warn("telegram reply failed", zap.Error(err))
			}
		}
	}
}

// reply returns the answer to a command update, or nil.
func (b *Bot) reply(update tgbotapi.Update) tgbotapi.Chattable {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return nil
	}

	lang := localization.DefaultLanguage
	if msg.From != nil && msg.From.LanguageCode != "" {
		lang = msg.From.LanguageCode
	}

	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start", "chatid":
		return tgbotapi.NewMessage(chatID, b.localizer.Format(lang, "bot_chat_id", chatID))
	default:
		return tgbotapi.NewMessage(chatID, b.localizer.GetString(lang, "bot_help"))
	}
}
