package telegram

import (
	"testing"

	"safechat/backend/internal/localization"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func command(text string, lang string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: text,
			Entities: []tgbotapi.MessageEntity{
				{Type: "bot_command", Offset: 0, Length: len(text)},
			},
			From: &tgbotapi.User{ID: 12345, LanguageCode: lang},
			Chat: tgbotapi.Chat{ID: 12345},
		},
	}
}

func TestReply_StartReturnsChatID(t *testing.T) {
	loc, err := localization.NewLocalizer()
	require.NoError(t, err)
	bot := NewBot(nil, loc, nil)

	reply, ok := bot.reply(command("/start", "en")).(tgbotapi.MessageConfig)

	require.True(t, ok)
	assert.Contains(t, reply.Text, "Your chat id is 12345")
}

func TestReply_OtherCommandsGetHelp(t *testing.T) {
	loc, err := localization.NewLocalizer()
	require.NoError(t, err)
	bot := NewBot(nil, loc, nil)

	reply, ok := bot.reply(command("/profile", "uk")).(tgbotapi.MessageConfig)

	require.True(t, ok)
	assert.Contains(t, reply.Text, "/start")
}

func TestReply_IgnoresPlainText(t *testing.T) {
	loc, err := localization.NewLocalizer()
	require.NoError(t, err)
	bot := NewBot(nil, loc, nil)

	assert.Nil(t, bot.reply(tgbotapi.Update{Message: &tgbotapi.Message{Text: "hello", Chat: tgbotapi.Chat{ID: 1}}}))
	assert.Nil(t, bot.reply(tgbotapi.Update{}))
}
