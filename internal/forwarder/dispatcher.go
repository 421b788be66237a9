package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gotd/td/tg"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/sessions"
	"github.com/keyxmakerx/relay/internal/sources"
	"github.com/keyxmakerx/relay/internal/telegram"
)

// MTSender is the slice of the MTProto client the dispatcher's egress
// paths use. Satisfied by *telegram.Client.
type MTSender interface {
	CopyMessage(ctx context.Context, dst, src telegram.ChatDescriptor, msgID int) (int, error)
	SendAlbum(ctx context.Context, dst telegram.ChatDescriptor, items []telegram.Message) ([]int, error)
	SendPoll(ctx context.Context, dst telegram.ChatDescriptor, poll *tg.MessageMediaPoll) (int, error)
	DownloadMedia(ctx context.Context, msg telegram.Message) ([]byte, error)
}

// Ledger is the delivery ledger surface the dispatcher records through.
// Satisfied by *deliveries.Ledger.
type Ledger interface {
	IsDuplicate(ctx context.Context, userID, sourceID, originalMessageID int64) bool
	Open(ctx context.Context, userID, sourceID int64, destinationID *int64, originalMessageID int64) (int64, error)
	MarkSuccess(ctx context.Context, recordID int64, userID, sourceID, originalMessageID, forwardedMessageID int64) error
	MarkFailed(ctx context.Context, recordID int64, errMessage string, willRetry bool) error
}

// HighWaterStore persists per-source high-water advancement. Satisfied by
// sources.SourceRepository.
type HighWaterStore interface {
	AdvanceHighWater(ctx context.Context, id int64, messageID int64) error
}

// sourceBinding ties a stored source row to its resolved descriptor.
type sourceBinding struct {
	row  sources.Source
	desc telegram.ChatDescriptor
}

// Dispatcher serialises and performs all egress for one user. The per-user
// mutex makes a message and its high-water advancement mutually atomic and
// bounds egress to one in-flight send per user.
type Dispatcher struct {
	userID     int64
	egress     Egress
	mt         MTSender
	bot        BotSender
	ledger     Ledger
	highWater  HighWaterStore
	filter     *Filter
	gate       *Gate
	notify     sessions.Notifier
	maxDMBytes int64

	mu       sync.Mutex
	bindings map[int64]*sourceBinding
}

// NewDispatcher creates a dispatcher for one user.
func NewDispatcher(
	userID int64,
	egress Egress,
	mt MTSender,
	bot BotSender,
	ledger Ledger,
	highWater HighWaterStore,
	filter *Filter,
	gate *Gate,
	notify sessions.Notifier,
	maxDMBytes int64,
) *Dispatcher {
	return &Dispatcher{
		userID:     userID,
		egress:     egress,
		mt:         mt,
		bot:        bot,
		ledger:     ledger,
		highWater:  highWater,
		filter:     filter,
		gate:       gate,
		notify:     notify,
		maxDMBytes: maxDMBytes,
		bindings:   make(map[int64]*sourceBinding),
	}
}

// RegisterSource indexes a source under both the bare and stored id
// spellings so ingest lookups hit regardless of which form arrives.
func (d *Dispatcher) RegisterSource(row sources.Source, desc telegram.ChatDescriptor) {
	b := &sourceBinding{row: row, desc: desc}
	d.mu.Lock()
	d.bindings[row.ChannelID] = b
	d.bindings[telegram.BareChannelID(row.ChannelID)] = b
	d.bindings[desc.BareID] = b
	d.mu.Unlock()
}

// bindingBySourceID finds a binding by the source row id, for retry replays.
func (d *Dispatcher) bindingBySourceID(sourceID int64) *sourceBinding {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.bindings {
		if b.row.ID == sourceID {
			return b
		}
	}
	return nil
}

func (d *Dispatcher) lookupSource(chatID int64) *sourceBinding {
	if b, ok := d.bindings[chatID]; ok {
		return b
	}
	if b, ok := d.bindings[telegram.BareChannelID(chatID)]; ok {
		return b
	}
	return nil
}

// Single dispatches one standalone post.
func (d *Dispatcher) Single(ctx context.Context, msg telegram.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliver(ctx, []telegram.Message{msg})
}

// Album dispatches an assembled media group. A one-element group (late
// straggler) degrades to a single delivery.
func (d *Dispatcher) Album(ctx context.Context, msgs []telegram.Message) {
	if len(msgs) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliver(ctx, msgs)
}

// deliver runs the full pipeline for one post or album under the user
// mutex: gate, source lookup, dedup, filter, open, send, record outcome.
func (d *Dispatcher) deliver(ctx context.Context, msgs []telegram.Message) {
	if err := d.gate.Wait(ctx, d.userID); err != nil {
		return
	}

	first := msgs[0]
	binding := d.lookupSource(first.ChatID)
	if binding == nil {
		return
	}

	origID := int64(first.ID)
	if d.ledger.IsDuplicate(ctx, d.userID, binding.row.ID, origID) {
		return
	}

	if !d.filter.Pass(first.Text) {
		slog.Debug("post blocked by filter",
			slog.Int64("user_id", d.userID),
			slog.Int64("chat_id", first.ChatID),
			slog.Int("message_id", first.ID),
		)
		return
	}

	var destID *int64
	if ch, ok := d.egress.(ChannelEgress); ok {
		destID = &ch.DestinationID
	}
	recordID, err := d.ledger.Open(ctx, d.userID, binding.row.ID, destID, origID)
	if err != nil {
		slog.Error("opening delivery record",
			slog.Int64("user_id", d.userID),
			slog.Any("error", err),
		)
		return
	}

	attempt := uuid.NewString()
	slog.Debug("dispatching post",
		slog.String("attempt", attempt),
		slog.Int64("user_id", d.userID),
		slog.Int64("chat_id", first.ChatID),
		slog.Int("message_id", first.ID),
		slog.Int("album_size", len(msgs)),
	)

	forwardedID, err := d.send(ctx, binding, msgs)
	if err != nil {
		d.recordFailure(ctx, recordID, attempt, first, err)
		return
	}

	if err := d.ledger.MarkSuccess(ctx, recordID, d.userID, binding.row.ID, origID, int64(forwardedID)); err != nil {
		slog.Error("closing delivery record", slog.String("attempt", attempt), slog.Any("error", err))
	}

	maxID := msgs[len(msgs)-1].ID
	for _, m := range msgs {
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	if int64(maxID) > binding.row.LastMessageID {
		if err := d.highWater.AdvanceHighWater(ctx, binding.row.ID, int64(maxID)); err != nil {
			slog.Error("advancing high-water", slog.String("attempt", attempt), slog.Any("error", err))
		} else {
			binding.row.LastMessageID = int64(maxID)
		}
	}

	slog.Info("post relayed",
		slog.String("attempt", attempt),
		slog.Int64("user_id", d.userID),
		slog.Int64("source_id", binding.row.ID),
		slog.Int("message_id", first.ID),
		slog.Int("forwarded_id", forwardedID),
	)
}

func (d *Dispatcher) recordFailure(ctx context.Context, recordID int64, attempt string, first telegram.Message, err error) {
	if apperror.IsKind(err, apperror.KindRateLimited) {
		wait := apperror.RetryAfter(err)
		if mfErr := d.ledger.MarkFailed(ctx, recordID, err.Error(), true); mfErr != nil {
			slog.Error("recording rate-limited failure", slog.Any("error", mfErr))
		}
		d.gate.Block(ctx, d.userID, wait)
		return
	}

	slog.Error("forwarding failed",
		slog.String("attempt", attempt),
		slog.Int64("user_id", d.userID),
		slog.Int("message_id", first.ID),
		slog.Any("error", err),
	)
	if mfErr := d.ledger.MarkFailed(ctx, recordID, err.Error(), false); mfErr != nil {
		slog.Error("recording failure", slog.Any("error", mfErr))
	}
	if d.notify != nil && !apperror.IsKind(err, apperror.KindInternal) {
		d.notify(ctx, d.userID, "Could not relay a post: "+apperror.SafeMessage(err))
	}
}

// send routes through the egress variant and returns the (first) forwarded
// message id.
func (d *Dispatcher) send(ctx context.Context, binding *sourceBinding, msgs []telegram.Message) (int, error) {
	switch egress := d.egress.(type) {
	case ChannelEgress:
		return d.sendChannel(ctx, egress, binding, msgs)
	case DMEgress:
		return d.sendDM(ctx, egress, binding, msgs)
	default:
		return 0, apperror.NewInternal(fmt.Errorf("unknown egress %T", d.egress))
	}
}

// --- Channel path: MTProto copy ---

func (d *Dispatcher) sendChannel(ctx context.Context, egress ChannelEgress, binding *sourceBinding, msgs []telegram.Message) (int, error) {
	if len(msgs) > 1 {
		ids, err := d.mt.SendAlbum(ctx, egress.Chat, msgs)
		if err != nil {
			return 0, err
		}
		return ids[0], nil
	}

	msg := msgs[0]
	if msg.Kind == telegram.KindPoll {
		return d.mt.SendPoll(ctx, egress.Chat, msg.Poll)
	}
	return d.mt.CopyMessage(ctx, egress.Chat, binding.desc, msg.ID)
}

// --- DM path: download via MTProto, re-upload via Bot API ---

func (d *Dispatcher) sendDM(ctx context.Context, egress DMEgress, binding *sourceBinding, msgs []telegram.Message) (int, error) {
	first := msgs[0]
	header := dmHeader(binding.desc, first.ID)

	if len(msgs) > 1 {
		return d.sendDMAlbum(ctx, egress, header, msgs)
	}

	switch first.Kind {
	case telegram.KindText:
		return d.bot.SendText(ctx, egress.UserID, dmText(header, first.Text))

	case telegram.KindPoll:
		question := ""
		if first.Poll != nil {
			question = first.Poll.Poll.Question.Text
		}
		return d.bot.SendText(ctx, egress.UserID, dmText(header, "[poll] "+question))

	case telegram.KindLocation, telegram.KindContact:
		// No payload to re-upload; the link is the content.
		return d.bot.SendText(ctx, egress.UserID, dmText(header, ""))

	default:
		if !first.HasMediaPayload() {
			return d.bot.SendText(ctx, egress.UserID, dmText(header, first.Text))
		}
		if first.MediaSize() > d.maxDMBytes {
			return d.bot.SendText(ctx, egress.UserID, d.oversizeFallback(header, first.MediaSize()))
		}

		payload, err := d.mt.DownloadMedia(ctx, first)
		if err != nil {
			return 0, err
		}
		return d.bot.SendMedia(ctx, egress.UserID, BotMediaItem{
			Kind:     first.Kind,
			Payload:  payload,
			Filename: mediaFilename(first, payload),
			Caption:  dmCaption(header, first.Text),
		})
	}
}

func (d *Dispatcher) sendDMAlbum(ctx context.Context, egress DMEgress, header string, msgs []telegram.Message) (int, error) {
	var total int64
	for _, m := range msgs {
		size := m.MediaSize()
		if size > d.maxDMBytes {
			return d.bot.SendText(ctx, egress.UserID, d.oversizeFallback(header, size))
		}
		total += size
	}
	if total > d.maxDMBytes {
		return d.bot.SendText(ctx, egress.UserID, d.oversizeFallback(header, total))
	}

	items := make([]BotMediaItem, 0, len(msgs))
	for i, m := range msgs {
		if !m.HasMediaPayload() {
			continue
		}
		payload, err := d.mt.DownloadMedia(ctx, m)
		if err != nil {
			return 0, err
		}
		item := BotMediaItem{
			Kind:     m.Kind,
			Payload:  payload,
			Filename: mediaFilename(m, payload),
		}
		if i == 0 {
			item.Caption = dmCaption(header, m.Text)
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return d.bot.SendText(ctx, egress.UserID, dmText(header, msgs[0].Text))
	}
	return d.bot.SendMediaGroup(ctx, egress.UserID, items)
}

func (d *Dispatcher) oversizeFallback(header string, size int64) string {
	return dmText(header, fmt.Sprintf(
		"The original media (%.1f MB) is larger than the delivery limit; open it via the link above.",
		float64(size)/(1<<20),
	))
}

// mediaFilename picks a filename for re-upload: the document's own name
// when present, otherwise a sniffed extension.
func mediaFilename(msg telegram.Message, payload []byte) string {
	if msg.Document != nil {
		for _, attr := range msg.Document.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok && fn.FileName != "" {
				return fn.FileName
			}
		}
	}
	ext := mimetype.Detect(payload).Extension()
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%s_%d%s", msg.Kind, msg.ID, ext)
}
