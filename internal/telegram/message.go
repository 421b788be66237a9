package telegram

import (
	"github.com/gotd/td/tg"
)

// MediaKind classifies a channel post for routing and egress decisions.
type MediaKind string

const (
	KindText        MediaKind = "text"
	KindPhoto       MediaKind = "photo"
	KindVideo       MediaKind = "video"
	KindDocument    MediaKind = "document"
	KindAudio       MediaKind = "audio"
	KindVoice       MediaKind = "voice"
	KindVideoNote   MediaKind = "video_note"
	KindSticker     MediaKind = "sticker"
	KindAnimation   MediaKind = "animation"
	KindPoll        MediaKind = "poll"
	KindLocation    MediaKind = "location"
	KindContact     MediaKind = "contact"
	KindUnsupported MediaKind = "unsupported"
)

// Message is the normalized view of a channel post that the rest of the
// relay works with. It keeps just enough of the raw objects (photo/document
// references, poll payload, formatting entities) for the egress paths to
// rebuild the post without another history fetch.
type Message struct {
	// ID is the message id within its channel.
	ID int

	// ChatID is the bare channel id (no -100 wire prefix).
	ChatID int64

	// GroupedID ties album members together; zero for standalone posts.
	GroupedID int64

	// Kind is the media classification.
	Kind MediaKind

	// Text is the message body or media caption.
	Text string

	// Entities is the formatting entity list attached to Text.
	Entities []tg.MessageEntityClass

	// Photo is set when Kind is photo.
	Photo *tg.Photo

	// Document is set for every document-backed kind (video, audio, voice,
	// video note, sticker, animation, plain document).
	Document *tg.Document

	// Poll is set when Kind is poll.
	Poll *tg.MessageMediaPoll
}

// MediaSize returns the payload size in bytes for size-guard checks.
// Photos report their largest size variant; kinds without a payload
// report zero.
func (m Message) MediaSize() int64 {
	switch {
	case m.Document != nil:
		return m.Document.Size
	case m.Photo != nil:
		var largest int64
		for _, s := range m.Photo.Sizes {
			if sz, ok := s.(*tg.PhotoSize); ok && int64(sz.Size) > largest {
				largest = int64(sz.Size)
			}
		}
		return largest
	default:
		return 0
	}
}

// HasMediaPayload reports whether the message carries a downloadable file.
func (m Message) HasMediaPayload() bool {
	return m.Photo != nil || m.Document != nil
}

// FromTG converts a raw update message into the normalized form. The second
// return is false for messages that are not channel posts (the ingestor
// only ever monitors channels).
func FromTG(raw tg.MessageClass) (Message, bool) {
	m, ok := raw.(*tg.Message)
	if !ok {
		return Message{}, false
	}
	peer, ok := m.PeerID.(*tg.PeerChannel)
	if !ok {
		return Message{}, false
	}

	msg := Message{
		ID:        m.ID,
		ChatID:    peer.ChannelID,
		GroupedID: m.GroupedID,
		Text:      m.Message,
		Entities:  m.Entities,
	}
	msg.Kind = classify(m, &msg)
	return msg, true
}

// classify inspects media (and fills the media fields on msg) to decide the
// message kind. The document attribute checks mirror upstream semantics:
// one document class carries video, audio, voice, sticker, and animation
// posts, distinguished only by attributes.
func classify(m *tg.Message, msg *Message) MediaKind {
	if m.Media == nil {
		if m.Message == "" {
			return KindUnsupported
		}
		return KindText
	}

	switch media := m.Media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return KindUnsupported
		}
		msg.Photo = photo
		return KindPhoto

	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return KindUnsupported
		}
		msg.Document = doc
		return classifyDocument(doc)

	case *tg.MessageMediaPoll:
		msg.Poll = media
		return KindPoll

	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive, *tg.MessageMediaVenue:
		return KindLocation

	case *tg.MessageMediaContact:
		return KindContact

	case *tg.MessageMediaWebPage:
		// Link previews ride along with text posts.
		if m.Message == "" {
			return KindUnsupported
		}
		return KindText

	default:
		return KindUnsupported
	}
}

func classifyDocument(doc *tg.Document) MediaKind {
	var video *tg.DocumentAttributeVideo
	var audio *tg.DocumentAttributeAudio
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeSticker:
			return KindSticker
		case *tg.DocumentAttributeAnimated:
			return KindAnimation
		case *tg.DocumentAttributeVideo:
			video = a
		case *tg.DocumentAttributeAudio:
			audio = a
		}
	}
	switch {
	case video != nil && video.RoundMessage:
		return KindVideoNote
	case video != nil:
		return KindVideo
	case audio != nil && audio.Voice:
		return KindVoice
	case audio != nil:
		return KindAudio
	default:
		return KindDocument
	}
}

// WireChannelID converts a bare channel id to the -100-prefixed wire form
// used by the Bot API and stored identifiers.
func WireChannelID(bare int64) int64 {
	return -(1_000_000_000_000 + bare)
}

// BareChannelID normalizes any accepted channel id spelling (bare, negated,
// or -100-prefixed) to the bare form.
func BareChannelID(id int64) int64 {
	if id < -1_000_000_000_000 {
		return -id - 1_000_000_000_000
	}
	if id < 0 {
		return -id
	}
	return id
}
