package forwarder

import (
	"context"
	"fmt"
	"html"

	"github.com/keyxmakerx/relay/internal/telegram"
)

// Egress is the tagged destination variant: posts go either into a channel
// through the user's own MTProto client, or back to the user as a direct
// message through the Bot API.
type Egress interface {
	egress()
}

// ChannelEgress relays into a destination channel via MTProto copy.
type ChannelEgress struct {
	// DestinationID is the destination row id recorded on deliveries.
	DestinationID int64

	// Chat is the resolved destination channel.
	Chat telegram.ChatDescriptor
}

func (ChannelEgress) egress() {}

// DMEgress re-uploads into the owner's direct messages via the Bot API.
type DMEgress struct {
	// UserID doubles as the private chat id for the Bot API.
	UserID int64
}

func (DMEgress) egress() {}

// BotMediaItem is one media payload handed to the Bot API sender.
type BotMediaItem struct {
	Kind     telegram.MediaKind
	Payload  []byte
	Filename string

	// Caption is HTML; set on the first album item only.
	Caption string
}

// BotSender is the Bot API surface the DM path needs. Implemented by
// botapi.Sender.
type BotSender interface {
	SendText(ctx context.Context, chatID int64, htmlText string) (int, error)
	SendMedia(ctx context.Context, chatID int64, item BotMediaItem) (int, error)
	SendMediaGroup(ctx context.Context, chatID int64, items []BotMediaItem) (int, error)
}

// Bot API limits for outgoing content.
const (
	maxTextLength    = 4096
	maxCaptionLength = 1024
)

// dmHeader builds the "📢 <title> • <link>" HTML header prefixed to every
// DM-relayed post.
func dmHeader(desc telegram.ChatDescriptor, msgID int) string {
	title := desc.Title
	if title == "" && desc.Handle != "" {
		title = "@" + desc.Handle
	}
	if title == "" {
		title = fmt.Sprintf("Channel %d", desc.BareID)
	}
	link := telegram.MessageLink(desc, msgID)
	return fmt.Sprintf(`📢 <b>%s</b> • <a href="%s">Original</a>`, html.EscapeString(title), link)
}

// dmText composes a full DM text message: header, blank line, body.
func dmText(header, body string) string {
	if body == "" {
		return truncate(header, maxTextLength)
	}
	return truncate(header+"\n\n"+html.EscapeString(body), maxTextLength)
}

// dmCaption composes a media caption within the caption limit.
func dmCaption(header, body string) string {
	if body == "" {
		return truncate(header, maxCaptionLength)
	}
	return truncate(header+"\n\n"+html.EscapeString(body), maxCaptionLength)
}

// truncate cuts s to at most limit runes, ending with an ellipsis when cut.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
