package sources

import (
	"context"
	"testing"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/telegram"
)

// --- Mock repository ---

type mockSourceRepo struct {
	byChannel map[int64]*Source
	count     int
	created   []*Source
	activated []int64
}

func (m *mockSourceRepo) Create(ctx context.Context, s *Source) error {
	s.ID = int64(len(m.created) + 1)
	m.created = append(m.created, s)
	return nil
}

func (m *mockSourceRepo) FindByChannel(ctx context.Context, userID, channelID int64) (*Source, error) {
	if s, ok := m.byChannel[channelID]; ok {
		return s, nil
	}
	return nil, apperror.NewNotFound("source not found")
}

func (m *mockSourceRepo) ListActiveByUser(ctx context.Context, userID int64) ([]Source, error) {
	return nil, nil
}

func (m *mockSourceRepo) CountActiveByUser(ctx context.Context, userID int64) (int, error) {
	return m.count, nil
}

func (m *mockSourceRepo) SetActive(ctx context.Context, id int64, active bool) error {
	if active {
		m.activated = append(m.activated, id)
	}
	return nil
}

func (m *mockSourceRepo) AdvanceHighWater(ctx context.Context, id, messageID int64) error {
	return nil
}

func (m *mockSourceRepo) UsersWithActiveSources(ctx context.Context) ([]int64, error) {
	return nil, nil
}

// --- Mock resolver ---

type mockResolver struct {
	descs map[string]telegram.ChatDescriptor
	err   error
}

func (m *mockResolver) Resolve(_ context.Context, _ int64, ident telegram.Identifier) (telegram.ChatDescriptor, error) {
	if m.err != nil {
		return telegram.ChatDescriptor{}, m.err
	}
	if d, ok := m.descs[ident.Handle]; ok {
		return d, nil
	}
	return telegram.ChatDescriptor{}, apperror.NewNotFound("channel not found or not accessible")
}

// --- Tests ---

func TestAddSourcesMixedOutcomes(t *testing.T) {
	repo := &mockSourceRepo{byChannel: map[int64]*Source{}}
	resolver := &mockResolver{descs: map[string]telegram.ChatDescriptor{
		"goodnews": {WireID: -1001111111111, BareID: 1111111111, Title: "Good News", Handle: "goodnews", Broadcast: true},
		"somebody": {WireID: -1002222222222, BareID: 2222222222, Title: "Somebody", Handle: "somebody"}, // a user, not a channel
	}}
	svc := NewSourceService(repo, resolver)

	outcomes, err := svc.AddSources(context.Background(), 42, []string{
		"@goodnews",
		"@somebody",
		"@missing",
		"!!!",
	})
	if err != nil {
		t.Fatalf("AddSources: %v", err)
	}
	if len(outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(outcomes))
	}

	if outcomes[0].Source == nil {
		t.Errorf("@goodnews: expected success, got %q", outcomes[0].Reason)
	} else if outcomes[0].Source.ChannelID != -1001111111111 {
		t.Errorf("@goodnews: stored id %d, want wire form", outcomes[0].Source.ChannelID)
	}
	for i, name := range map[int]string{1: "@somebody", 2: "@missing", 3: "!!!"} {
		if outcomes[i].Source != nil || outcomes[i].Reason == "" {
			t.Errorf("%s: expected failure with reason, got %+v", name, outcomes[i])
		}
	}
	if len(repo.created) != 1 {
		t.Errorf("expected exactly 1 created source, got %d", len(repo.created))
	}
}

func TestAddSourcesReactivates(t *testing.T) {
	existing := &Source{ID: 9, UserID: 42, ChannelID: -1001111111111, IsActive: false}
	repo := &mockSourceRepo{byChannel: map[int64]*Source{-1001111111111: existing}}
	resolver := &mockResolver{descs: map[string]telegram.ChatDescriptor{
		"goodnews": {WireID: -1001111111111, BareID: 1111111111, Broadcast: true},
	}}
	svc := NewSourceService(repo, resolver)

	outcomes, err := svc.AddSources(context.Background(), 42, []string{"@goodnews"})
	if err != nil {
		t.Fatalf("AddSources: %v", err)
	}
	if outcomes[0].Source == nil {
		t.Fatalf("expected reactivation, got %q", outcomes[0].Reason)
	}
	if len(repo.activated) != 1 || repo.activated[0] != 9 {
		t.Errorf("expected SetActive(9, true), got %v", repo.activated)
	}
	if len(repo.created) != 0 {
		t.Error("reactivation must not create a new row")
	}
}

func TestAddSourcesDuplicateActive(t *testing.T) {
	existing := &Source{ID: 9, UserID: 42, ChannelID: -1001111111111, IsActive: true}
	repo := &mockSourceRepo{byChannel: map[int64]*Source{-1001111111111: existing}}
	resolver := &mockResolver{descs: map[string]telegram.ChatDescriptor{
		"goodnews": {WireID: -1001111111111, Broadcast: true},
	}}
	svc := NewSourceService(repo, resolver)

	outcomes, _ := svc.AddSources(context.Background(), 42, []string{"@goodnews"})
	if outcomes[0].Source != nil || outcomes[0].Reason != "already added" {
		t.Errorf("expected already-added outcome, got %+v", outcomes[0])
	}
}

func TestAddSourcesLimit(t *testing.T) {
	repo := &mockSourceRepo{count: MaxPerUser}
	svc := NewSourceService(repo, &mockResolver{})

	if _, err := svc.AddSources(context.Background(), 42, []string{"@goodnews"}); err == nil {
		t.Fatal("expected limit error")
	} else if !apperror.IsKind(err, apperror.KindConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestRemoveSource(t *testing.T) {
	existing := &Source{ID: 9, UserID: 42, ChannelID: -1001111111111, IsActive: true}
	repo := &mockSourceRepo{byChannel: map[int64]*Source{-1001111111111: existing}}
	svc := NewSourceService(repo, &mockResolver{})

	if err := svc.RemoveSource(context.Background(), 42, -1001111111111); err != nil {
		t.Fatalf("RemoveSource: %v", err)
	}
	if err := svc.RemoveSource(context.Background(), 42, -1009999999999); err == nil {
		t.Error("expected not-found for unknown channel")
	}
}
