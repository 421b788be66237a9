package telegram

import (
	"testing"

	"github.com/gotd/td/tg"
)

func channelMessage(id int, mutate func(*tg.Message)) *tg.Message {
	m := &tg.Message{
		ID:     id,
		PeerID: &tg.PeerChannel{ChannelID: 1234567890},
	}
	if mutate != nil {
		mutate(m)
	}
	return m
}

func TestFromTGClassification(t *testing.T) {
	videoDoc := &tg.Document{ID: 7, Size: 100, Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeVideo{},
	}}
	roundDoc := &tg.Document{ID: 8, Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeVideo{RoundMessage: true},
	}}
	voiceDoc := &tg.Document{ID: 9, Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeAudio{Voice: true},
	}}
	stickerDoc := &tg.Document{ID: 10, Attributes: []tg.DocumentAttributeClass{
		&tg.DocumentAttributeVideo{},
		&tg.DocumentAttributeSticker{},
	}}

	tests := []struct {
		name string
		msg  *tg.Message
		want MediaKind
	}{
		{"text", channelMessage(1, func(m *tg.Message) { m.Message = "hi" }), KindText},
		{"empty", channelMessage(2, nil), KindUnsupported},
		{"photo", channelMessage(3, func(m *tg.Message) {
			m.Media = &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 5}}
		}), KindPhoto},
		{"video", channelMessage(4, func(m *tg.Message) {
			m.Media = &tg.MessageMediaDocument{Document: videoDoc}
		}), KindVideo},
		{"video note", channelMessage(5, func(m *tg.Message) {
			m.Media = &tg.MessageMediaDocument{Document: roundDoc}
		}), KindVideoNote},
		{"voice", channelMessage(6, func(m *tg.Message) {
			m.Media = &tg.MessageMediaDocument{Document: voiceDoc}
		}), KindVoice},
		{"sticker wins over video attr", channelMessage(7, func(m *tg.Message) {
			m.Media = &tg.MessageMediaDocument{Document: stickerDoc}
		}), KindSticker},
		{"poll", channelMessage(8, func(m *tg.Message) {
			m.Media = &tg.MessageMediaPoll{Poll: tg.Poll{}}
		}), KindPoll},
		{"geo", channelMessage(9, func(m *tg.Message) {
			m.Media = &tg.MessageMediaGeo{}
		}), KindLocation},
		{"link preview is text", channelMessage(10, func(m *tg.Message) {
			m.Message = "look"
			m.Media = &tg.MessageMediaWebPage{}
		}), KindText},
	}

	for _, tt := range tests {
		got, ok := FromTG(tt.msg)
		if !ok {
			t.Errorf("%s: FromTG rejected message", tt.name)
			continue
		}
		if got.Kind != tt.want {
			t.Errorf("%s: kind = %s, want %s", tt.name, got.Kind, tt.want)
		}
		if got.ChatID != 1234567890 {
			t.Errorf("%s: chat id = %d", tt.name, got.ChatID)
		}
	}
}

func TestFromTGRejectsNonChannelPosts(t *testing.T) {
	if _, ok := FromTG(&tg.Message{ID: 1, PeerID: &tg.PeerUser{UserID: 5}}); ok {
		t.Error("expected user-peer message to be rejected")
	}
	if _, ok := FromTG(&tg.MessageEmpty{}); ok {
		t.Error("expected empty message to be rejected")
	}
}

func TestMediaSize(t *testing.T) {
	doc := Message{Document: &tg.Document{Size: 25 << 20}}
	if got := doc.MediaSize(); got != 25<<20 {
		t.Errorf("document size = %d", got)
	}

	photo := Message{Photo: &tg.Photo{Sizes: []tg.PhotoSizeClass{
		&tg.PhotoSize{Type: "m", Size: 1000},
		&tg.PhotoSize{Type: "x", Size: 5000},
	}}}
	if got := photo.MediaSize(); got != 5000 {
		t.Errorf("photo size = %d", got)
	}

	if got := (Message{}).MediaSize(); got != 0 {
		t.Errorf("empty size = %d", got)
	}
}
