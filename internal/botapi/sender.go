// Package botapi adapts the Bot API client to the DM egress surface: HTML
// text messages and media re-upload from in-memory buffers.
package botapi

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/keyxmakerx/relay/internal/forwarder"
	"github.com/keyxmakerx/relay/internal/telegram"
)

// Sender implements forwarder.BotSender on the Bot API.
type Sender struct {
	bot *tgbotapi.BotAPI
}

// New authenticates against the Bot API and returns a sender.
func New(token string) (*Sender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authenticating bot: %w", err)
	}
	return &Sender{bot: bot}, nil
}

// Username returns the bot's username, for log and status output.
func (s *Sender) Username() string {
	return s.bot.Self.UserName
}

// SendText sends an HTML-formatted text message.
func (s *Sender) SendText(_ context.Context, chatID int64, htmlText string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, htmlText)
	msg.ParseMode = tgbotapi.ModeHTML

	sent, err := s.bot.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("sending message: %w", err)
	}
	return sent.MessageID, nil
}

// SendMedia uploads one media payload with its caption.
func (s *Sender) SendMedia(_ context.Context, chatID int64, item forwarder.BotMediaItem) (int, error) {
	file := tgbotapi.FileBytes{Name: item.Filename, Bytes: item.Payload}

	var cfg tgbotapi.Chattable
	switch item.Kind {
	case telegram.KindPhoto:
		c := tgbotapi.NewPhoto(chatID, file)
		c.Caption = item.Caption
		c.ParseMode = tgbotapi.ModeHTML
		cfg = c
	case telegram.KindVideo:
		c := tgbotapi.NewVideo(chatID, file)
		c.Caption = item.Caption
		c.ParseMode = tgbotapi.ModeHTML
		cfg = c
	case telegram.KindAnimation:
		c := tgbotapi.NewAnimation(chatID, file)
		c.Caption = item.Caption
		c.ParseMode = tgbotapi.ModeHTML
		cfg = c
	case telegram.KindAudio:
		c := tgbotapi.NewAudio(chatID, file)
		c.Caption = item.Caption
		c.ParseMode = tgbotapi.ModeHTML
		cfg = c
	case telegram.KindVoice:
		c := tgbotapi.NewVoice(chatID, file)
		c.Caption = item.Caption
		c.ParseMode = tgbotapi.ModeHTML
		cfg = c
	case telegram.KindVideoNote:
		cfg = tgbotapi.NewVideoNote(chatID, 0, file)
	case telegram.KindSticker:
		cfg = tgbotapi.NewSticker(chatID, file)
	default:
		c := tgbotapi.NewDocument(chatID, file)
		c.Caption = item.Caption
		c.ParseMode = tgbotapi.ModeHTML
		cfg = c
	}

	sent, err := s.bot.Send(cfg)
	if err != nil {
		return 0, fmt.Errorf("sending %s: %w", item.Kind, err)
	}
	return sent.MessageID, nil
}

// SendMediaGroup uploads an album. Kinds the media-group API does not
// accept are coerced to documents.
func (s *Sender) SendMediaGroup(_ context.Context, chatID int64, items []forwarder.BotMediaItem) (int, error) {
	media := make([]interface{}, 0, len(items))
	for _, item := range items {
		file := tgbotapi.FileBytes{Name: item.Filename, Bytes: item.Payload}
		switch item.Kind {
		case telegram.KindPhoto:
			m := tgbotapi.NewInputMediaPhoto(file)
			m.Caption = item.Caption
			m.ParseMode = tgbotapi.ModeHTML
			media = append(media, m)
		case telegram.KindVideo:
			m := tgbotapi.NewInputMediaVideo(file)
			m.Caption = item.Caption
			m.ParseMode = tgbotapi.ModeHTML
			media = append(media, m)
		default:
			m := tgbotapi.NewInputMediaDocument(file)
			m.Caption = item.Caption
			m.ParseMode = tgbotapi.ModeHTML
			media = append(media, m)
		}
	}

	sent, err := s.bot.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media))
	if err != nil {
		return 0, fmt.Errorf("sending media group: %w", err)
	}
	if len(sent) == 0 {
		return 0, fmt.Errorf("media group send returned no messages")
	}
	return sent[0].MessageID, nil
}

// Notify sends a plain operational notice to a user's DM, for the
// injected notification callback.
func (s *Sender) Notify(ctx context.Context, userID int64, text string) {
	if _, err := s.SendText(ctx, userID, text); err != nil {
		// Users who never opened a chat with the bot cannot receive DMs;
		// that is their choice, not an error worth surfacing.
		return
	}
}
