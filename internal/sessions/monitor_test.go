package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/cryptobox"
	"github.com/keyxmakerx/relay/internal/users"
)

type mockUserRepo struct {
	running      []users.User
	stateUpdates map[int64]users.State
}

func (m *mockUserRepo) Upsert(ctx context.Context, id int64) (*users.User, error) {
	return &users.User{ID: id}, nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id int64) (*users.User, error) {
	return nil, apperror.NewNotFound("user not found")
}

func (m *mockUserRepo) UpdateState(ctx context.Context, id int64, state users.State) error {
	if m.stateUpdates == nil {
		m.stateUpdates = make(map[int64]users.State)
	}
	m.stateUpdates[id] = state
	return nil
}

func (m *mockUserRepo) ListByState(ctx context.Context, state users.State) ([]users.User, error) {
	if state == users.StateRunning {
		return m.running, nil
	}
	return nil, nil
}

func (m *mockUserRepo) ListActive(ctx context.Context) ([]users.User, error) {
	return m.running, nil
}

func TestMonitorDemotesExpiredSessions(t *testing.T) {
	box := cryptobox.New("master")
	ct, err := box.Encrypt(7, []byte("sess"))
	if err != nil {
		t.Fatal(err)
	}

	repo := &mockSessionRepo{
		findValidFn: func(_ context.Context, userID int64) (*Session, error) {
			if userID == 7 {
				return &Session{UserID: 7, Ciphertext: ct, IsValid: true}, nil
			}
			return nil, apperror.NewNotFound("no valid session")
		},
	}
	// User 7's probe fails with auth rejection; user 8 has no session at all.
	store := NewStore(repo, box, proberReturning(&mockProber{
		pingErr: apperror.NewAuthRejected(nil),
	}))

	userRepo := &mockUserRepo{running: []users.User{{ID: 7}, {ID: 8}}}

	var notified []int64
	notify := func(_ context.Context, userID int64, _ string) {
		notified = append(notified, userID)
	}

	monitor := NewMonitor(store, userRepo, time.Minute, notify)
	monitor.CheckOnce(context.Background())

	for _, id := range []int64{7, 8} {
		if userRepo.stateUpdates[id] != users.StateSessionExpired {
			t.Errorf("user %d: state = %q, want session_expired", id, userRepo.stateUpdates[id])
		}
	}
	if len(notified) != 2 {
		t.Errorf("expected 2 notifications, got %v", notified)
	}
}

func TestMonitorLeavesHealthyUsersAlone(t *testing.T) {
	box := cryptobox.New("master")
	ct, err := box.Encrypt(7, []byte("sess"))
	if err != nil {
		t.Fatal(err)
	}

	repo := &mockSessionRepo{
		findValidFn: func(context.Context, int64) (*Session, error) {
			return &Session{UserID: 7, Ciphertext: ct, IsValid: true}, nil
		},
	}
	store := NewStore(repo, box, proberReturning(&mockProber{}))
	userRepo := &mockUserRepo{running: []users.User{{ID: 7}}}

	notifyCount := 0
	monitor := NewMonitor(store, userRepo, time.Minute, func(context.Context, int64, string) {
		notifyCount++
	})
	monitor.CheckOnce(context.Background())

	if len(userRepo.stateUpdates) != 0 {
		t.Errorf("unexpected state updates: %v", userRepo.stateUpdates)
	}
	if notifyCount != 0 {
		t.Errorf("unexpected notifications: %d", notifyCount)
	}
}
