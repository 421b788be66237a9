package forwarder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/sources"
	"github.com/keyxmakerx/relay/internal/telegram"
)

// --- Mocks ---

type mockMT struct {
	mu        sync.Mutex
	copyErr   error
	copies    int
	albums    [][]telegram.Message
	polls     int
	downloads int
	payload   []byte
}

func (m *mockMT) CopyMessage(_ context.Context, _, _ telegram.ChatDescriptor, msgID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.copyErr != nil {
		err := m.copyErr
		m.copyErr = nil
		return 0, err
	}
	m.copies++
	return 1000 + msgID, nil
}

func (m *mockMT) SendAlbum(_ context.Context, _ telegram.ChatDescriptor, items []telegram.Message) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.albums = append(m.albums, items)
	ids := make([]int, len(items))
	for i, it := range items {
		ids[i] = 2000 + it.ID
	}
	return ids, nil
}

func (m *mockMT) SendPoll(_ context.Context, _ telegram.ChatDescriptor, _ *tg.MessageMediaPoll) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	return 3000, nil
}

func (m *mockMT) DownloadMedia(_ context.Context, _ telegram.Message) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads++
	if m.payload != nil {
		return m.payload, nil
	}
	return []byte("payload"), nil
}

func (m *mockMT) copyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copies
}

type mockBot struct {
	mu     sync.Mutex
	texts  []string
	media  []BotMediaItem
	groups [][]BotMediaItem
}

func (m *mockBot) SendText(_ context.Context, _ int64, htmlText string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, htmlText)
	return 1, nil
}

func (m *mockBot) SendMedia(_ context.Context, _ int64, item BotMediaItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media = append(m.media, item)
	return 2, nil
}

func (m *mockBot) SendMediaGroup(_ context.Context, _ int64, items []BotMediaItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, items)
	return 3, nil
}

type ledgerRecord struct {
	id        int64
	userID    int64
	sourceID  int64
	origID    int64
	status    string
	willRetry bool
	errText   string
}

type mockLedger struct {
	mu      sync.Mutex
	nextID  int64
	records []*ledgerRecord
}

func (m *mockLedger) IsDuplicate(_ context.Context, userID, sourceID, originalMessageID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.userID == userID && r.sourceID == sourceID && r.origID == originalMessageID && r.status == "success" {
			return true
		}
	}
	return false
}

func (m *mockLedger) Open(_ context.Context, userID, sourceID int64, _ *int64, originalMessageID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.records = append(m.records, &ledgerRecord{
		id: m.nextID, userID: userID, sourceID: sourceID, origID: originalMessageID, status: "pending",
	})
	return m.nextID, nil
}

func (m *mockLedger) MarkSuccess(_ context.Context, recordID int64, _, _, _, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.id == recordID {
			r.status = "success"
		}
	}
	return nil
}

func (m *mockLedger) MarkFailed(_ context.Context, recordID int64, errMessage string, willRetry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.id == recordID {
			r.status = "failed"
			r.willRetry = willRetry
			r.errText = errMessage
		}
	}
	return nil
}

func (m *mockLedger) byStatus(status string) []*ledgerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledgerRecord
	for _, r := range m.records {
		if r.status == status {
			out = append(out, r)
		}
	}
	return out
}

type mockHighWater struct {
	mu       sync.Mutex
	advances map[int64]int64
}

func (m *mockHighWater) AdvanceHighWater(_ context.Context, id, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advances == nil {
		m.advances = make(map[int64]int64)
	}
	if messageID > m.advances[id] {
		m.advances[id] = messageID
	}
	return nil
}

func (m *mockHighWater) get(id int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advances[id]
}

// --- Helpers ---

var testSource = sources.Source{ID: 10, UserID: 1, ChannelID: -1001234567890, ChannelTitle: "News", LastMessageID: 100, IsActive: true}

var testDesc = telegram.ChatDescriptor{
	WireID: -1001234567890, BareID: 1234567890, AccessHash: 99, Title: "News", Handle: "news", Broadcast: true,
}

func newChannelDispatcher(mt *mockMT, ledger *mockLedger, hw *mockHighWater, gate *Gate) *Dispatcher {
	d := NewDispatcher(
		1,
		ChannelEgress{DestinationID: 5, Chat: telegram.ChatDescriptor{BareID: 777, AccessHash: 1}},
		mt, &mockBot{}, ledger, hw,
		NewFilter(nil, ModeBlacklist, false),
		gate, nil, 20<<20,
	)
	d.RegisterSource(testSource, testDesc)
	return d
}

func textMsg(id int) telegram.Message {
	return telegram.Message{ID: id, ChatID: 1234567890, Kind: telegram.KindText, Text: "hello"}
}

// --- Tests ---

func TestDispatchDedup(t *testing.T) {
	mt := &mockMT{}
	ledger := &mockLedger{}
	hw := &mockHighWater{}
	d := newChannelDispatcher(mt, ledger, hw, NewGate(nil, 1))
	ctx := context.Background()

	// Baseline high-water 100; message 101 arrives twice.
	d.Single(ctx, textMsg(101))
	d.Single(ctx, textMsg(101))

	if got := mt.copyCount(); got != 1 {
		t.Errorf("sends = %d, want exactly 1", got)
	}
	if got := len(ledger.byStatus("success")); got != 1 {
		t.Errorf("success records = %d, want exactly 1", got)
	}
	if got := hw.get(10); got != 101 {
		t.Errorf("high-water = %d, want 101", got)
	}
}

func TestDispatchUnknownChatDropped(t *testing.T) {
	mt := &mockMT{}
	ledger := &mockLedger{}
	d := newChannelDispatcher(mt, ledger, &mockHighWater{}, NewGate(nil, 1))

	d.Single(context.Background(), telegram.Message{ID: 1, ChatID: 555, Kind: telegram.KindText})

	if mt.copyCount() != 0 || len(ledger.records) != 0 {
		t.Error("unknown chat must be dropped before the ledger")
	}
}

func TestDispatchFilterBlocksSilently(t *testing.T) {
	mt := &mockMT{}
	ledger := &mockLedger{}
	d := NewDispatcher(
		1, ChannelEgress{DestinationID: 5}, mt, &mockBot{}, ledger, &mockHighWater{},
		NewFilter([]string{"promo"}, ModeBlacklist, false),
		NewGate(nil, 1), nil, 20<<20,
	)
	d.RegisterSource(testSource, testDesc)

	msg := textMsg(101)
	msg.Text = "free promo today"
	d.Single(context.Background(), msg)

	if mt.copyCount() != 0 {
		t.Error("blocked post must not send")
	}
	if len(ledger.records) != 0 {
		t.Error("blocked post must not open a delivery record")
	}
}

func TestDispatchRateLimitGatesUser(t *testing.T) {
	mt := &mockMT{copyErr: apperror.NewRateLimited(150 * time.Millisecond)}
	ledger := &mockLedger{}
	hw := &mockHighWater{}
	d := newChannelDispatcher(mt, ledger, hw, NewGate(nil, 1))
	ctx := context.Background()

	d.Single(ctx, textMsg(101))

	failed := ledger.byStatus("failed")
	if len(failed) != 1 || !failed[0].willRetry {
		t.Fatalf("expected one failed record with will_retry, got %+v", failed)
	}
	if hw.get(10) != 0 {
		t.Errorf("high-water must not advance on rate limit, got %d", hw.get(10))
	}

	// The next dispatch must not start until the pause elapses.
	start := time.Now()
	d.Single(ctx, textMsg(102))
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Errorf("second dispatch started after %s, want >= retry_after", elapsed)
	}
	if mt.copyCount() != 1 {
		t.Errorf("post-gate sends = %d, want 1", mt.copyCount())
	}
}

func TestDispatchPermanentFailureNotifies(t *testing.T) {
	mt := &mockMT{copyErr: apperror.NewPermanent("not allowed to post into the target chat", nil)}
	ledger := &mockLedger{}
	hw := &mockHighWater{}

	var notified []int64
	d := NewDispatcher(
		1, ChannelEgress{DestinationID: 5}, mt, &mockBot{}, ledger, hw,
		NewFilter(nil, ModeBlacklist, false), NewGate(nil, 1),
		func(_ context.Context, userID int64, _ string) { notified = append(notified, userID) },
		20<<20,
	)
	d.RegisterSource(testSource, testDesc)

	d.Single(context.Background(), textMsg(101))

	failed := ledger.byStatus("failed")
	if len(failed) != 1 || failed[0].willRetry {
		t.Fatalf("expected one non-retryable failure, got %+v", failed)
	}
	if len(notified) != 1 || notified[0] != 1 {
		t.Errorf("notifications = %v", notified)
	}
	if hw.get(10) != 0 {
		t.Error("high-water must not advance on failure")
	}
}

func TestDispatchAlbumChannelPath(t *testing.T) {
	mt := &mockMT{}
	ledger := &mockLedger{}
	hw := &mockHighWater{}
	d := newChannelDispatcher(mt, ledger, hw, NewGate(nil, 1))

	album := []telegram.Message{
		{ID: 203, ChatID: 1234567890, Kind: telegram.KindPhoto, GroupedID: 7, Photo: &tg.Photo{ID: 1}},
		{ID: 204, ChatID: 1234567890, Kind: telegram.KindPhoto, GroupedID: 7, Photo: &tg.Photo{ID: 2}},
		{ID: 205, ChatID: 1234567890, Kind: telegram.KindVideo, GroupedID: 7, Document: &tg.Document{ID: 3}},
	}
	d.Album(context.Background(), album)

	if len(mt.albums) != 1 || len(mt.albums[0]) != 3 {
		t.Fatalf("albums sent = %+v", mt.albums)
	}
	// High-water advances to the album's max id.
	if got := hw.get(10); got != 205 {
		t.Errorf("high-water = %d, want 205", got)
	}
	if got := len(ledger.byStatus("success")); got != 1 {
		t.Errorf("success records = %d, want 1 (one per album)", got)
	}
}

func TestDispatchPollChannelPath(t *testing.T) {
	mt := &mockMT{}
	d := newChannelDispatcher(mt, &mockLedger{}, &mockHighWater{}, NewGate(nil, 1))

	d.Single(context.Background(), telegram.Message{
		ID: 101, ChatID: 1234567890, Kind: telegram.KindPoll,
		Poll: &tg.MessageMediaPoll{Poll: tg.Poll{Question: tg.TextWithEntities{Text: "q?"}}},
	})

	if mt.polls != 1 {
		t.Errorf("polls sent = %d, want 1 (recreated, not copied)", mt.polls)
	}
	if mt.copyCount() != 0 {
		t.Error("polls must not go through copy")
	}
}

func TestDMTextPath(t *testing.T) {
	mt := &mockMT{}
	bot := &mockBot{}
	ledger := &mockLedger{}
	d := NewDispatcher(
		1, DMEgress{UserID: 1}, mt, bot, ledger, &mockHighWater{},
		NewFilter(nil, ModeBlacklist, false), NewGate(nil, 1), nil, 20<<20,
	)
	d.RegisterSource(testSource, testDesc)

	msg := textMsg(101)
	msg.Text = "body <tag> text"
	d.Single(context.Background(), msg)

	if len(bot.texts) != 1 {
		t.Fatalf("texts sent = %d", len(bot.texts))
	}
	sent := bot.texts[0]
	if !strings.Contains(sent, "📢 <b>News</b>") {
		t.Errorf("missing header: %q", sent)
	}
	if !strings.Contains(sent, "https://t.me/news/101") {
		t.Errorf("missing original link: %q", sent)
	}
	if !strings.Contains(sent, "&lt;tag&gt;") {
		t.Errorf("body must be HTML-escaped: %q", sent)
	}
}

func TestDMSizeGuard(t *testing.T) {
	mt := &mockMT{}
	bot := &mockBot{}
	ledger := &mockLedger{}
	d := NewDispatcher(
		1, DMEgress{UserID: 1}, mt, bot, ledger, &mockHighWater{},
		NewFilter(nil, ModeBlacklist, false), NewGate(nil, 1), nil, 20<<20,
	)
	d.RegisterSource(testSource, testDesc)

	// 25 MB video against a 20 MB limit.
	d.Single(context.Background(), telegram.Message{
		ID: 101, ChatID: 1234567890, Kind: telegram.KindVideo,
		Document: &tg.Document{ID: 3, Size: 25 << 20, Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeVideo{},
		}},
	})

	if mt.downloads != 0 {
		t.Error("oversized media must not be downloaded")
	}
	if len(bot.media) != 0 {
		t.Error("oversized media must not be uploaded")
	}
	if len(bot.texts) != 1 {
		t.Fatalf("expected one text fallback, got %d", len(bot.texts))
	}
	sent := bot.texts[0]
	if !strings.Contains(sent, "📢 <b>News</b>") || !strings.Contains(sent, "larger than the delivery limit") {
		t.Errorf("fallback text = %q", sent)
	}
	// The fallback counts as a delivered post.
	if got := len(ledger.byStatus("success")); got != 1 {
		t.Errorf("success records = %d, want 1", got)
	}
}

func TestDMMediaReupload(t *testing.T) {
	mt := &mockMT{payload: []byte("\x89PNG\r\n\x1a\nfakeimage")}
	bot := &mockBot{}
	d := NewDispatcher(
		1, DMEgress{UserID: 1}, mt, bot, &mockLedger{}, &mockHighWater{},
		NewFilter(nil, ModeBlacklist, false), NewGate(nil, 1), nil, 20<<20,
	)
	d.RegisterSource(testSource, testDesc)

	d.Single(context.Background(), telegram.Message{
		ID: 101, ChatID: 1234567890, Kind: telegram.KindPhoto, Text: "caption",
		Photo: &tg.Photo{ID: 5, Sizes: []tg.PhotoSizeClass{&tg.PhotoSize{Type: "x", Size: 4096}}},
	})

	if mt.downloads != 1 {
		t.Errorf("downloads = %d, want 1", mt.downloads)
	}
	if len(bot.media) != 1 {
		t.Fatalf("media sends = %d, want 1", len(bot.media))
	}
	item := bot.media[0]
	if item.Kind != telegram.KindPhoto {
		t.Errorf("kind = %s", item.Kind)
	}
	if !strings.Contains(item.Caption, "caption") || !strings.Contains(item.Caption, "📢") {
		t.Errorf("caption = %q", item.Caption)
	}
}

func TestDMAlbumCaptionOnFirstItemOnly(t *testing.T) {
	mt := &mockMT{}
	bot := &mockBot{}
	d := NewDispatcher(
		1, DMEgress{UserID: 1}, mt, bot, &mockLedger{}, &mockHighWater{},
		NewFilter(nil, ModeBlacklist, false), NewGate(nil, 1), nil, 20<<20,
	)
	d.RegisterSource(testSource, testDesc)

	album := []telegram.Message{
		{ID: 203, ChatID: 1234567890, Kind: telegram.KindPhoto, GroupedID: 7, Text: "album caption",
			Photo: &tg.Photo{ID: 1, Sizes: []tg.PhotoSizeClass{&tg.PhotoSize{Size: 100}}}},
		{ID: 204, ChatID: 1234567890, Kind: telegram.KindPhoto, GroupedID: 7,
			Photo: &tg.Photo{ID: 2, Sizes: []tg.PhotoSizeClass{&tg.PhotoSize{Size: 100}}}},
	}
	d.Album(context.Background(), album)

	if len(bot.groups) != 1 {
		t.Fatalf("media groups = %d", len(bot.groups))
	}
	items := bot.groups[0]
	if len(items) != 2 {
		t.Fatalf("group items = %d", len(items))
	}
	if items[0].Caption == "" || items[1].Caption != "" {
		t.Error("caption must ride on the first item only")
	}
}

func TestSingletonAlbumDegradesToSingle(t *testing.T) {
	mt := &mockMT{}
	d := newChannelDispatcher(mt, &mockLedger{}, &mockHighWater{}, NewGate(nil, 1))

	d.Album(context.Background(), []telegram.Message{textMsg(101)})

	if mt.copyCount() != 1 {
		t.Errorf("copies = %d, want 1 (singleton album falls back to copy)", mt.copyCount())
	}
	if len(mt.albums) != 0 {
		t.Error("one-message group must not go through the album sender")
	}
}
