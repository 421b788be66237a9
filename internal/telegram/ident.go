package telegram

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/keyxmakerx/relay/internal/apperror"
)

// IdentKind discriminates the three accepted channel identifier spellings.
type IdentKind int

const (
	// IdentHandle is a public username: @name, t.me/name.
	IdentHandle IdentKind = iota

	// IdentNumericID is a raw channel id, with or without the -100 wire prefix.
	IdentNumericID

	// IdentInviteLink is a private invite: t.me/+hash or t.me/joinchat/hash.
	IdentInviteLink
)

// Identifier is the parsed form of a user-supplied channel reference.
// Exactly one of Handle, NumericID, InviteHash is meaningful, per Kind.
type Identifier struct {
	Kind       IdentKind
	Handle     string
	NumericID  int64
	InviteHash string
}

// ChatDescriptor is the uniform result of resolving an Identifier upstream.
// WireID is the canonical stored form; lookups after resolution use it only.
type ChatDescriptor struct {
	// WireID is the -100-prefixed channel id.
	WireID int64

	// BareID is the same channel without the wire prefix.
	BareID int64

	// AccessHash authorizes MTProto calls against this channel.
	AccessHash int64

	// Title is the display title.
	Title string

	// Handle is the public username, if any.
	Handle string

	// Megagroup is true for supergroups (still accepted as sources).
	Megagroup bool

	// Broadcast is true for broadcast channels.
	Broadcast bool
}

var (
	handleLinkRe = regexp.MustCompile(`^(?:https?://)?(?:t\.me|telegram\.me)/([a-zA-Z][a-zA-Z0-9_]{3,31})/?$`)
	handleRe     = regexp.MustCompile(`^@?([a-zA-Z][a-zA-Z0-9_]{3,31})$`)
	inviteRe     = regexp.MustCompile(`^(?:https?://)?(?:t\.me|telegram\.me)/(?:\+|joinchat/)([a-zA-Z0-9_-]+)$`)
	numericRe    = regexp.MustCompile(`^-?\d{6,14}$`)
	phoneStripRe = regexp.MustCompile(`[\s\-()]`)
	phoneRe      = regexp.MustCompile(`^\+\d{10,15}$`)
)

// ParseIdentifier parses a user-supplied channel reference into one of the
// three identifier forms. Returns an input-invalid error with a specific
// reason when nothing matches.
func ParseIdentifier(input string) (Identifier, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return Identifier{}, apperror.NewInputInvalid("empty channel identifier")
	}

	// Invite links first: they share the t.me prefix with handle links.
	if m := inviteRe.FindStringSubmatch(s); m != nil {
		return Identifier{Kind: IdentInviteLink, InviteHash: m[1]}, nil
	}

	if numericRe.MatchString(s) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Identifier{}, apperror.NewInputInvalid("channel id out of range")
		}
		return Identifier{Kind: IdentNumericID, NumericID: id}, nil
	}

	if m := handleLinkRe.FindStringSubmatch(s); m != nil {
		return Identifier{Kind: IdentHandle, Handle: m[1]}, nil
	}
	if m := handleRe.FindStringSubmatch(s); m != nil {
		return Identifier{Kind: IdentHandle, Handle: m[1]}, nil
	}

	return Identifier{}, apperror.NewInputInvalid(
		"unrecognized channel identifier: use @name, t.me/name, a numeric id, or an invite link")
}

// NormalizePhone strips spaces, dashes and parentheses, prepends a missing
// plus sign, and validates the international form.
func NormalizePhone(phone string) (string, error) {
	cleaned := phoneStripRe.ReplaceAllString(strings.TrimSpace(phone), "")
	if cleaned != "" && !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}
	if !phoneRe.MatchString(cleaned) {
		return "", apperror.NewInputInvalid("phone must be in international format, e.g. +79991234567")
	}
	return cleaned, nil
}

// MessageLink builds the t.me link for a post: handle form for public
// channels, the /c/ form for private ones.
func MessageLink(desc ChatDescriptor, msgID int) string {
	if desc.Handle != "" {
		return "https://t.me/" + desc.Handle + "/" + strconv.Itoa(msgID)
	}
	return "https://t.me/c/" + strconv.FormatInt(desc.BareID, 10) + "/" + strconv.Itoa(msgID)
}
