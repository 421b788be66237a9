package deliveries

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/relay/internal/apperror"
)

// --- Mock repository ---

type memoryDeliveryRepo struct {
	nextID  int64
	records map[int64]*Record
}

func newMemoryDeliveryRepo() *memoryDeliveryRepo {
	return &memoryDeliveryRepo{records: make(map[int64]*Record)}
}

func (m *memoryDeliveryRepo) FindByMessage(_ context.Context, userID, sourceID, originalMessageID int64) (*Record, error) {
	var latest *Record
	for _, rec := range m.records {
		if rec.UserID == userID && rec.SourceID == sourceID && rec.OriginalMessageID == originalMessageID {
			if latest == nil || rec.ID > latest.ID {
				latest = rec
			}
		}
	}
	if latest == nil {
		return nil, apperror.NewNotFound("delivery record not found")
	}
	cp := *latest
	return &cp, nil
}

func (m *memoryDeliveryRepo) CreatePending(_ context.Context, userID, sourceID int64, destinationID *int64, originalMessageID int64) (int64, error) {
	m.nextID++
	m.records[m.nextID] = &Record{
		ID:                m.nextID,
		UserID:            userID,
		SourceID:          sourceID,
		DestinationID:     destinationID,
		OriginalMessageID: originalMessageID,
		Status:            StatusPending,
		CreatedAt:         time.Now().UTC(),
	}
	return m.nextID, nil
}

func (m *memoryDeliveryRepo) MarkSuccess(_ context.Context, id int64, forwardedMessageID int64) error {
	rec := m.records[id]
	rec.Status = StatusSuccess
	rec.ForwardedMessageID = &forwardedMessageID
	now := time.Now().UTC()
	rec.CompletedAt = &now
	return nil
}

func (m *memoryDeliveryRepo) MarkFailed(_ context.Context, id int64, errMessage string, incrementRetry bool) error {
	rec := m.records[id]
	rec.Status = StatusFailed
	rec.ErrorMessage = errMessage
	if incrementRetry {
		rec.RetryCount++
	}
	now := time.Now().UTC()
	rec.CompletedAt = &now
	return nil
}

func (m *memoryDeliveryRepo) Stats(_ context.Context, userID int64, since time.Time) (Stats, error) {
	var stats Stats
	for _, rec := range m.records {
		if rec.UserID != userID || rec.CreatedAt.Before(since) {
			continue
		}
		switch rec.Status {
		case StatusSuccess:
			stats.Success++
		case StatusFailed:
			stats.Failed++
		case StatusPending:
			stats.Pending++
		}
	}
	return stats, nil
}

func (m *memoryDeliveryRepo) LastSuccess(_ context.Context, userID int64) (*Record, error) {
	return nil, apperror.NewNotFound("no successful delivery yet")
}

func (m *memoryDeliveryRepo) DueRetries(_ context.Context, maxRetries, limit int) ([]Record, error) {
	var out []Record
	for _, rec := range m.records {
		if rec.Status == StatusFailed && rec.RetryCount < maxRetries {
			out = append(out, *rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// --- Tests ---

func TestDedupLifecycle(t *testing.T) {
	repo := newMemoryDeliveryRepo()
	ledger := NewLedger(repo, testRedis(t))
	ctx := context.Background()

	if ledger.IsDuplicate(ctx, 1, 10, 101) {
		t.Fatal("fresh key must not be a duplicate")
	}

	id, err := ledger.Open(ctx, 1, 10, nil, 101)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Pending is not a duplicate: a crashed send must stay retryable.
	if ledger.IsDuplicate(ctx, 1, 10, 101) {
		t.Error("pending record must not count as duplicate")
	}

	if err := ledger.MarkSuccess(ctx, id, 1, 10, 101, 555); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	if !ledger.IsDuplicate(ctx, 1, 10, 101) {
		t.Error("successful record must be a duplicate")
	}
	// A different message id is independent.
	if ledger.IsDuplicate(ctx, 1, 10, 102) {
		t.Error("different message must not be a duplicate")
	}
}

func TestFailedIsNotDuplicate(t *testing.T) {
	repo := newMemoryDeliveryRepo()
	ledger := NewLedger(repo, nil) // no cache: exercise the DB path
	ctx := context.Background()

	id, err := ledger.Open(ctx, 1, 10, nil, 101)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ledger.MarkFailed(ctx, id, "boom", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if ledger.IsDuplicate(ctx, 1, 10, 101) {
		t.Error("failed record must stay retryable")
	}
	if repo.records[id].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", repo.records[id].RetryCount)
	}
}

func TestMarkFailedWithoutRetryBudget(t *testing.T) {
	repo := newMemoryDeliveryRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	id, _ := ledger.Open(ctx, 1, 10, nil, 101)
	if err := ledger.MarkFailed(ctx, id, "peer id invalid", false); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if repo.records[id].RetryCount != 0 {
		t.Errorf("non-retryable failure must not consume budget, count = %d", repo.records[id].RetryCount)
	}
}

func TestDedupSurvivesCacheLoss(t *testing.T) {
	repo := newMemoryDeliveryRepo()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ledger := NewLedger(repo, rdb)
	ctx := context.Background()

	id, _ := ledger.Open(ctx, 1, 10, nil, 101)
	if err := ledger.MarkSuccess(ctx, id, 1, 10, 101, 555); err != nil {
		t.Fatal(err)
	}

	// Flush the cache: the DB record must still answer the dedup check,
	// and the cache must be re-seeded by the read-through.
	mr.FlushAll()
	if !ledger.IsDuplicate(ctx, 1, 10, 101) {
		t.Fatal("dedup must survive cache loss")
	}
	if !mr.Exists("relay:delivered:1:10:101") {
		t.Error("read-through must re-seed the cache")
	}
}

func TestStatsWindow(t *testing.T) {
	repo := newMemoryDeliveryRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()

	a, _ := ledger.Open(ctx, 1, 10, nil, 101)
	ledger.MarkSuccess(ctx, a, 1, 10, 101, 1)
	b, _ := ledger.Open(ctx, 1, 10, nil, 102)
	ledger.MarkFailed(ctx, b, "x", true)
	ledger.Open(ctx, 1, 10, nil, 103)

	stats, err := ledger.Stats(ctx, 1, 24*time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Success != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
