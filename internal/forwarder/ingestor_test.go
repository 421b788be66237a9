package forwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keyxmakerx/relay/internal/telegram"
)

// --- Mocks ---

type mockIngestClient struct {
	mu         sync.Mutex
	history    map[int64][]telegram.Message // bare chat id -> newest first
	handler    func(telegram.Message)
	subscribes int
	unsubs     int
}

func (m *mockIngestClient) Subscribe(handler func(telegram.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	m.subscribes++
}

func (m *mockIngestClient) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = nil
	m.unsubs++
}

func (m *mockIngestClient) FetchHistory(_ context.Context, chat telegram.ChatDescriptor, sinceID, limit int) ([]telegram.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []telegram.Message
	for _, msg := range m.history[chat.BareID] {
		if msg.ID > sinceID {
			out = append(out, msg)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockIngestClient) push(msg telegram.Message) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	singles []telegram.Message
	albums  [][]telegram.Message
}

func (s *recordingSink) Single(_ context.Context, msg telegram.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles = append(s.singles, msg)
}

func (s *recordingSink) Album(_ context.Context, msgs []telegram.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.albums = append(s.albums, msgs)
}

func (s *recordingSink) singleIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, len(s.singles))
	for i, m := range s.singles {
		ids[i] = m.ID
	}
	return ids
}

// --- Tests ---

func TestIngestorBaseline(t *testing.T) {
	client := &mockIngestClient{history: map[int64][]telegram.Message{
		1234567890: {textMsg(150), textMsg(149)},
	}}
	sink := &recordingSink{}
	ing := NewIngestor(1, client, sink, time.Hour)
	ing.Watch(testSource, testDesc)

	ing.Baseline(context.Background())

	// Nothing replays: baseline swallowed the backlog.
	ing.pollOnce(context.Background())
	if got := sink.singleIDs(); len(got) != 0 {
		t.Errorf("baseline leak: %v", got)
	}
}

func TestIngestorPollReplaysOldestFirst(t *testing.T) {
	client := &mockIngestClient{history: map[int64][]telegram.Message{
		1234567890: {textMsg(103), textMsg(102), textMsg(101)}, // newest first
	}}
	sink := &recordingSink{}
	ing := NewIngestor(1, client, sink, time.Hour)
	ing.Watch(testSource, testDesc) // high-water 100 from the stored row

	ing.pollOnce(context.Background())

	got := sink.singleIDs()
	if len(got) != 3 || got[0] != 101 || got[1] != 102 || got[2] != 103 {
		t.Errorf("replay order = %v, want [101 102 103]", got)
	}

	// Second poll is a no-op: the in-memory high-water advanced.
	ing.pollOnce(context.Background())
	if got := sink.singleIDs(); len(got) != 3 {
		t.Errorf("poll re-delivered: %v", got)
	}
}

func TestIngestorDropsUnknownChats(t *testing.T) {
	client := &mockIngestClient{}
	sink := &recordingSink{}
	ing := NewIngestor(1, client, sink, time.Hour)
	ing.Watch(testSource, testDesc)

	ing.Handle(context.Background(), telegram.Message{ID: 1, ChatID: 999, Kind: telegram.KindText})

	if len(sink.singleIDs()) != 0 {
		t.Error("message from unwatched chat must drop")
	}
}

func TestIngestorDropsUnsupported(t *testing.T) {
	client := &mockIngestClient{}
	sink := &recordingSink{}
	ing := NewIngestor(1, client, sink, time.Hour)
	ing.Watch(testSource, testDesc)

	ing.Handle(context.Background(), telegram.Message{ID: 101, ChatID: 1234567890, Kind: telegram.KindUnsupported})

	if len(sink.singleIDs()) != 0 {
		t.Error("unsupported message must drop")
	}
}

func TestIngestorRoutesGroupsThroughAssembler(t *testing.T) {
	client := &mockIngestClient{}
	sink := &recordingSink{}
	ing := NewIngestor(1, client, sink, time.Hour)
	ing.Watch(testSource, testDesc)

	assembler := NewAssembler(30*time.Millisecond, func(msgs []telegram.Message) {
		sink.Album(context.Background(), msgs)
	})
	defer assembler.Stop()
	ing.SetAssembler(assembler)

	for _, id := range []int{205, 203, 204} {
		ing.Handle(context.Background(), telegram.Message{
			ID: id, ChatID: 1234567890, Kind: telegram.KindPhoto, GroupedID: 7,
		})
	}

	time.Sleep(100 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.albums) != 1 {
		t.Fatalf("albums = %d, want 1", len(sink.albums))
	}
	album := sink.albums[0]
	if len(album) != 3 || album[0].ID != 203 || album[2].ID != 205 {
		t.Errorf("album = %+v", album)
	}
	if len(sink.singles) != 0 {
		t.Error("grouped messages must not dispatch singly")
	}
}

func TestIngestorSubscriptionFeedsHandler(t *testing.T) {
	client := &mockIngestClient{history: map[int64][]telegram.Message{}}
	sink := &recordingSink{}
	ing := NewIngestor(1, client, sink, time.Hour)
	ing.Watch(testSource, testDesc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ing.Run(ctx)
	}()

	waitForCond(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.handler != nil
	})

	client.push(textMsg(101))
	waitForCond(t, func() bool { return len(sink.singleIDs()) == 1 })

	cancel()
	<-done
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
