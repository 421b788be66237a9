// Package telegram wraps the gotd MTProto client with the capability
// surface the relay needs: auth handshakes (code and QR), peer resolution,
// history fetch, copy/album/poll egress, media download, and update
// subscription. One Client per enrolled user; the Registry owns lifecycle.
package telegram

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"github.com/keyxmakerx/relay/internal/apperror"
)

// Options carries the MTProto application credentials and client-side
// rate limit shared by every per-user client.
type Options struct {
	APIID                int
	APIHash              string
	MaxMessagesPerSecond int
}

// SentCode is the result of requesting a login code.
type SentCode struct {
	PhoneCodeHash string
	DeliveryType  string
}

// SignInResult reports whether a sign-in completed or needs the 2FA step.
type SignInResult struct {
	Success  bool
	Needs2FA bool
}

// QRToken is an exported login token for QR display.
type QRToken struct {
	// URL is the tg://login deep link encoded into the QR image.
	URL string

	// ExpiresAt is when the token stops being scannable.
	ExpiresAt time.Time
}

// QRStatus is the outcome of one QR poll round.
type QRStatus string

const (
	QRPending  QRStatus = "pending"
	QRSuccess  QRStatus = "success"
	QRNeeds2FA QRStatus = "needs_2fa"
)

// blobStorage adapts an in-memory session blob to gotd's session.Storage.
// The engine round-trips the blob through the encrypted session store; the
// upstream library reads and rewrites it as keys rotate.
type blobStorage struct {
	mu   sync.Mutex
	data []byte
}

func (s *blobStorage) LoadSession(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s *blobStorage) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make([]byte, len(data))
	copy(s.data, data)
	return nil
}

func (s *blobStorage) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Client is the per-user MTProto capability surface. Created with an
// optional session plaintext; without one only the code-request and
// QR-export handshakes work.
type Client struct {
	userID     int64
	opts       Options
	sessionKey string

	store      *blobStorage
	tg         *telegram.Client
	api        *tg.Client
	dispatcher tg.UpdateDispatcher

	// peers caches channel id -> access hash, filled by warm-up and
	// resolution. Guarded by peersMu.
	peersMu sync.Mutex
	peers   map[int64]int64

	handlerMu sync.Mutex
	handler   func(Message)

	runCancel context.CancelFunc
	runDone   chan struct{}
	connected bool
	mu        sync.Mutex
}

// NewClient builds an unconnected client. sessionPlaintext may be empty for
// login handshakes.
func NewClient(userID int64, sessionPlaintext string, opts Options) *Client {
	c := &Client{
		userID:     userID,
		opts:       opts,
		sessionKey: sessionPlaintext,
		store:      &blobStorage{data: []byte(sessionPlaintext)},
		peers:      make(map[int64]int64),
	}

	c.dispatcher = tg.NewUpdateDispatcher()
	c.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		msg, ok := FromTG(u.Message)
		if !ok {
			return nil
		}
		c.handlerMu.Lock()
		h := c.handler
		c.handlerMu.Unlock()
		if h != nil {
			h(msg)
		}
		return nil
	})

	perSecond := opts.MaxMessagesPerSecond
	if perSecond <= 0 {
		perSecond = 30
	}
	c.tg = telegram.NewClient(opts.APIID, opts.APIHash, telegram.Options{
		SessionStorage: c.store,
		UpdateHandler:  c.dispatcher,
		Middlewares: []telegram.Middleware{
			ratelimit.New(rate.Every(time.Second/time.Duration(perSecond)), perSecond),
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "Desktop",
			SystemVersion: "Windows 10",
			AppVersion:    "4.16.8",
		},
	})
	c.api = c.tg.API()
	return c
}

// UserID returns the owning user's id.
func (c *Client) UserID() int64 { return c.userID }

// SessionKey returns the session plaintext the client was created with.
// The registry compares it to detect session rotation.
func (c *Client) SessionKey() string { return c.sessionKey }

// Connect starts the client's background run loop and waits until the
// connection is usable. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := c.tg.Run(runCtx, func(ctx context.Context) error {
			select {
			case ready <- nil:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && runCtx.Err() == nil {
			slog.Warn("mtproto run loop ended",
				slog.Int64("user_id", c.userID),
				slog.Any("error", err),
			)
		}
		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-done
			return fmt.Errorf("connecting mtproto client: %w", err)
		}
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}

	c.runCancel = cancel
	c.runDone = done
	c.connected = true
	return nil
}

// Disconnect stops the run loop. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.runCancel()
	<-c.runDone
	c.connected = false
}

// Subscribe installs the update handler receiving every new channel post
// the upstream pushes for this account. Only one handler is active at a
// time; Unsubscribe removes it.
func (c *Client) Subscribe(handler func(Message)) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// Unsubscribe removes the update handler.
func (c *Client) Unsubscribe() {
	c.handlerMu.Lock()
	c.handler = nil
	c.handlerMu.Unlock()
}

// --- Auth handshakes ---

// RequestCode asks the upstream to deliver a login code to phone.
func (c *Client) RequestCode(ctx context.Context, phone string) (SentCode, error) {
	sent, err := c.tg.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return SentCode{}, wrapErr("sending code", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return SentCode{}, apperror.NewInternal(fmt.Errorf("unexpected sent code type %T", sent))
	}
	return SentCode{
		PhoneCodeHash: code.PhoneCodeHash,
		DeliveryType:  code.Type.TypeName(),
	}, nil
}

// SignIn submits the login code. Needs2FA is set when the account has a
// cloud password.
func (c *Client) SignIn(ctx context.Context, phone, codeHash, code string) (SignInResult, error) {
	_, err := c.tg.Auth().SignIn(ctx, phone, code, codeHash)
	if err == nil {
		return SignInResult{Success: true}, nil
	}
	if errors.Is(err, auth.ErrPasswordAuthNeeded) || isSessionPasswordNeeded(err) {
		return SignInResult{Needs2FA: true}, nil
	}
	return SignInResult{}, wrapErr("signing in", err)
}

// CheckPassword submits the 2FA cloud password.
func (c *Client) CheckPassword(ctx context.Context, password string) error {
	if _, err := c.tg.Auth().Password(ctx, password); err != nil {
		return wrapErr("checking password", err)
	}
	return nil
}

// ExportQRToken exports a fresh login token for QR display.
func (c *Client) ExportQRToken(ctx context.Context) (QRToken, error) {
	res, err := c.api.AuthExportLoginToken(ctx, &tg.AuthExportLoginTokenRequest{
		APIID:   c.opts.APIID,
		APIHash: c.opts.APIHash,
	})
	if err != nil {
		return QRToken{}, wrapErr("exporting login token", err)
	}
	token, ok := res.(*tg.AuthLoginToken)
	if !ok {
		return QRToken{}, apperror.NewInternal(fmt.Errorf("unexpected login token type %T", res))
	}
	return QRToken{
		URL:       "tg://login?token=" + base64.RawURLEncoding.EncodeToString(token.Token),
		ExpiresAt: time.Unix(int64(token.Expires), 0),
	}, nil
}

// PollQRToken asks the upstream whether the exported token was scanned and
// accepted. The export call doubles as the poll: it returns success once
// the token was used, and SESSION_PASSWORD_NEEDED maps to the 2FA stage.
func (c *Client) PollQRToken(ctx context.Context) (QRStatus, error) {
	res, err := c.api.AuthExportLoginToken(ctx, &tg.AuthExportLoginTokenRequest{
		APIID:   c.opts.APIID,
		APIHash: c.opts.APIHash,
	})
	if err != nil {
		if isSessionPasswordNeeded(err) {
			return QRNeeds2FA, nil
		}
		return "", wrapErr("polling login token", err)
	}

	switch t := res.(type) {
	case *tg.AuthLoginToken:
		return QRPending, nil
	case *tg.AuthLoginTokenSuccess:
		return QRSuccess, nil
	case *tg.AuthLoginTokenMigrateTo:
		// The scan landed on another DC; import the token there.
		if _, err := c.api.AuthImportLoginToken(ctx, t.Token); err != nil {
			if isSessionPasswordNeeded(err) {
				return QRNeeds2FA, nil
			}
			return "", wrapErr("importing migrated login token", err)
		}
		return QRSuccess, nil
	default:
		return "", apperror.NewInternal(fmt.Errorf("unexpected login token type %T", res))
	}
}

// ExportSession returns the current session plaintext for persistence.
func (c *Client) ExportSession() string {
	return string(c.store.snapshot())
}

// WhoAmI fetches the authorized account. The auth-rejection mapping makes
// this the health probe behind sessions.Store.Verify.
func (c *Client) WhoAmI(ctx context.Context) (*tg.User, error) {
	self, err := c.tg.Self(ctx)
	if err != nil {
		return nil, wrapErr("fetching self", err)
	}
	return self, nil
}

// Ping is WhoAmI without the result, for callers that only need the
// health signal.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.WhoAmI(ctx)
	return err
}

// --- Peers and history ---

// WarmPeerCache loads up to limit dialogs so channels the account is
// subscribed to get their access hashes cached. Never fails: resolution
// errors degrade to slower per-channel lookups later.
func (c *Client) WarmPeerCache(ctx context.Context, limit int) int {
	dialogs, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		Limit:      limit,
		OffsetPeer: &tg.InputPeerEmpty{},
	})
	if err != nil {
		slog.Warn("peer cache warm-up failed",
			slog.Int64("user_id", c.userID),
			slog.Any("error", err),
		)
		return 0
	}

	var chats []tg.ChatClass
	switch d := dialogs.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	}

	loaded := 0
	c.peersMu.Lock()
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			c.peers[ch.ID] = ch.AccessHash
			loaded++
		}
	}
	c.peersMu.Unlock()
	return loaded
}

func (c *Client) peerHash(bareID int64) (int64, bool) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	hash, ok := c.peers[bareID]
	return hash, ok
}

func (c *Client) rememberChannel(ch *tg.Channel) ChatDescriptor {
	c.peersMu.Lock()
	c.peers[ch.ID] = ch.AccessHash
	c.peersMu.Unlock()
	return ChatDescriptor{
		WireID:     WireChannelID(ch.ID),
		BareID:     ch.ID,
		AccessHash: ch.AccessHash,
		Title:      ch.Title,
		Handle:     ch.Username,
		Megagroup:  ch.Megagroup,
		Broadcast:  ch.Broadcast,
	}
}

// ResolveChat resolves a parsed identifier to a chat descriptor, caching
// the access hash for later calls.
func (c *Client) ResolveChat(ctx context.Context, ident Identifier) (ChatDescriptor, error) {
	switch ident.Kind {
	case IdentHandle:
		resolved, err := c.api.ContactsResolveUsername(ctx, ident.Handle)
		if err != nil {
			return ChatDescriptor{}, wrapErr("resolving username", err)
		}
		if ch := firstChannel(resolved.Chats); ch != nil {
			return c.rememberChannel(ch), nil
		}
		return ChatDescriptor{}, apperror.NewInputInvalid("@" + ident.Handle + " is not a channel")

	case IdentNumericID:
		bare := BareChannelID(ident.NumericID)
		hash, ok := c.peerHash(bare)
		if !ok {
			c.WarmPeerCache(ctx, 200)
			if hash, ok = c.peerHash(bare); !ok {
				return ChatDescriptor{}, apperror.NewNotFound("channel not among the account's dialogs")
			}
		}
		chats, err := c.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: bare, AccessHash: hash},
		})
		if err != nil {
			return ChatDescriptor{}, wrapErr("fetching channel", err)
		}
		if ch := firstChannel(chats.GetChats()); ch != nil {
			return c.rememberChannel(ch), nil
		}
		return ChatDescriptor{}, apperror.NewNotFound("channel not found")

	case IdentInviteLink:
		invite, err := c.api.MessagesCheckChatInvite(ctx, ident.InviteHash)
		if err != nil {
			return ChatDescriptor{}, wrapErr("checking invite", err)
		}
		switch inv := invite.(type) {
		case *tg.ChatInviteAlready:
			if ch, ok := inv.Chat.(*tg.Channel); ok {
				return c.rememberChannel(ch), nil
			}
			return ChatDescriptor{}, apperror.NewInputInvalid("invite does not point at a channel")
		case *tg.ChatInvitePeek:
			if ch, ok := inv.Chat.(*tg.Channel); ok {
				return c.rememberChannel(ch), nil
			}
			return ChatDescriptor{}, apperror.NewInputInvalid("invite does not point at a channel")
		default:
			return ChatDescriptor{}, apperror.NewNotConfigured("join the private channel before adding it")
		}

	default:
		return ChatDescriptor{}, apperror.NewInputInvalid("unknown identifier kind")
	}
}

// FetchHistory returns up to limit messages newer than sinceID, newest
// first, as the upstream delivers them.
func (c *Client) FetchHistory(ctx context.Context, chat ChatDescriptor, sinceID, limit int) ([]Message, error) {
	history, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  &tg.InputPeerChannel{ChannelID: chat.BareID, AccessHash: chat.AccessHash},
		MinID: sinceID,
		Limit: limit,
	})
	if err != nil {
		return nil, wrapErr("fetching history", err)
	}

	var raw []tg.MessageClass
	switch h := history.(type) {
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	case *tg.MessagesMessages:
		raw = h.Messages
	case *tg.MessagesMessagesSlice:
		raw = h.Messages
	default:
		return nil, apperror.NewInternal(fmt.Errorf("unexpected history type %T", history))
	}

	out := make([]Message, 0, len(raw))
	for _, rm := range raw {
		if msg, ok := FromTG(rm); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// GetMessage fetches one message by id, for retry replays. Returns a
// not-found error when the message was deleted upstream.
func (c *Client) GetMessage(ctx context.Context, chat ChatDescriptor, msgID int) (Message, error) {
	res, err := c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: &tg.InputChannel{ChannelID: chat.BareID, AccessHash: chat.AccessHash},
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}},
	})
	if err != nil {
		return Message{}, wrapErr("fetching message", err)
	}

	var raw []tg.MessageClass
	switch h := res.(type) {
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	case *tg.MessagesMessages:
		raw = h.Messages
	}
	for _, rm := range raw {
		if msg, ok := FromTG(rm); ok && msg.ID == msgID {
			return msg, nil
		}
	}
	return Message{}, apperror.NewNotFound("message no longer exists")
}

// --- Egress ---

// CopyMessage re-posts a single message into dst without the forwarded-from
// header and returns the new message id.
func (c *Client) CopyMessage(ctx context.Context, dst, src ChatDescriptor, msgID int) (int, error) {
	updates, err := c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		DropAuthor: true,
		FromPeer:   &tg.InputPeerChannel{ChannelID: src.BareID, AccessHash: src.AccessHash},
		ToPeer:     &tg.InputPeerChannel{ChannelID: dst.BareID, AccessHash: dst.AccessHash},
		ID:         []int{msgID},
		RandomID:   []int64{randomID()},
	})
	if err != nil {
		return 0, wrapErr("copying message", err)
	}
	ids := sentMessageIDs(updates)
	if len(ids) == 0 {
		return 0, apperror.NewInternal(fmt.Errorf("copy produced no message id"))
	}
	return ids[0], nil
}

// SendAlbum rebuilds an album in dst from the source messages' media
// references. Caption and entities ride on the first item only.
func (c *Client) SendAlbum(ctx context.Context, dst ChatDescriptor, items []Message) ([]int, error) {
	multi := make([]tg.InputSingleMedia, 0, len(items))
	for i, item := range items {
		var media tg.InputMediaClass
		switch {
		case item.Photo != nil:
			media = &tg.InputMediaPhoto{ID: &tg.InputPhoto{
				ID:            item.Photo.ID,
				AccessHash:    item.Photo.AccessHash,
				FileReference: item.Photo.FileReference,
			}}
		case item.Document != nil:
			media = &tg.InputMediaDocument{ID: &tg.InputDocument{
				ID:            item.Document.ID,
				AccessHash:    item.Document.AccessHash,
				FileReference: item.Document.FileReference,
			}}
		default:
			continue
		}

		single := tg.InputSingleMedia{
			Media:    media,
			RandomID: randomID(),
		}
		if i == 0 {
			single.Message = item.Text
			single.Entities = item.Entities
		}
		multi = append(multi, single)
	}
	if len(multi) == 0 {
		return nil, apperror.NewPermanent("album has no re-sendable media", nil)
	}

	updates, err := c.api.MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
		Peer:       &tg.InputPeerChannel{ChannelID: dst.BareID, AccessHash: dst.AccessHash},
		MultiMedia: multi,
	})
	if err != nil {
		return nil, wrapErr("sending album", err)
	}
	ids := sentMessageIDs(updates)
	if len(ids) == 0 {
		return nil, apperror.NewInternal(fmt.Errorf("album send produced no message ids"))
	}
	return ids, nil
}

// SendPoll recreates a poll in dst preserving question, options, anonymity,
// quiz type, correct answers, and explanation.
func (c *Client) SendPoll(ctx context.Context, dst ChatDescriptor, poll *tg.MessageMediaPoll) (int, error) {
	input := &tg.InputMediaPoll{
		Poll: tg.Poll{
			Question:       poll.Poll.Question,
			Answers:        poll.Poll.Answers,
			PublicVoters:   poll.Poll.PublicVoters,
			MultipleChoice: poll.Poll.MultipleChoice,
			Quiz:           poll.Poll.Quiz,
		},
	}

	// Quiz polls need the correct option restated; it is only visible in
	// the results of the original.
	for _, res := range poll.Results.Results {
		if res.Correct {
			input.CorrectAnswers = append(input.CorrectAnswers, res.Option)
		}
	}
	if solution, ok := poll.Results.GetSolution(); ok {
		input.SetSolution(solution)
	}
	if entities, ok := poll.Results.GetSolutionEntities(); ok {
		input.SetSolutionEntities(entities)
	}

	updates, err := c.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     &tg.InputPeerChannel{ChannelID: dst.BareID, AccessHash: dst.AccessHash},
		Media:    input,
		RandomID: randomID(),
	})
	if err != nil {
		return 0, wrapErr("sending poll", err)
	}
	ids := sentMessageIDs(updates)
	if len(ids) == 0 {
		return 0, apperror.NewInternal(fmt.Errorf("poll send produced no message id"))
	}
	return ids[0], nil
}

// DownloadMedia fetches the message's media payload into memory for the
// Bot API re-upload path.
func (c *Client) DownloadMedia(ctx context.Context, msg Message) ([]byte, error) {
	var loc tg.InputFileLocationClass
	switch {
	case msg.Photo != nil:
		loc = &tg.InputPhotoFileLocation{
			ID:            msg.Photo.ID,
			AccessHash:    msg.Photo.AccessHash,
			FileReference: msg.Photo.FileReference,
			ThumbSize:     largestPhotoSize(msg.Photo),
		}
	case msg.Document != nil:
		loc = &tg.InputDocumentFileLocation{
			ID:            msg.Document.ID,
			AccessHash:    msg.Document.AccessHash,
			FileReference: msg.Document.FileReference,
		}
	default:
		return nil, apperror.NewPermanent("message has no downloadable media", nil)
	}

	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(c.api, loc).Stream(ctx, &buf); err != nil {
		return nil, wrapErr("downloading media", err)
	}
	return buf.Bytes(), nil
}

// --- Helpers ---

func firstChannel(chats []tg.ChatClass) *tg.Channel {
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return ch
		}
	}
	return nil
}

func largestPhotoSize(photo *tg.Photo) string {
	var best string
	var bestSize int
	for _, s := range photo.Sizes {
		if sz, ok := s.(*tg.PhotoSize); ok && sz.Size > bestSize {
			best, bestSize = sz.Type, sz.Size
		}
	}
	return best
}

// sentMessageIDs extracts the ids of freshly sent messages from an updates
// batch, sorted ascending and deduplicated.
func sentMessageIDs(u tg.UpdatesClass) []int {
	seen := make(map[int]struct{})
	collect := func(list []tg.UpdateClass) {
		for _, up := range list {
			switch v := up.(type) {
			case *tg.UpdateNewChannelMessage:
				if m, ok := v.Message.(*tg.Message); ok {
					seen[m.ID] = struct{}{}
				}
			case *tg.UpdateNewMessage:
				if m, ok := v.Message.(*tg.Message); ok {
					seen[m.ID] = struct{}{}
				}
			case *tg.UpdateMessageID:
				seen[v.ID] = struct{}{}
			}
		}
	}

	switch upd := u.(type) {
	case *tg.Updates:
		collect(upd.Updates)
	case *tg.UpdatesCombined:
		collect(upd.Updates)
	case *tg.UpdateShortSentMessage:
		seen[upd.ID] = struct{}{}
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func randomID() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; a zero id is
		// still a valid random_id.
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}
