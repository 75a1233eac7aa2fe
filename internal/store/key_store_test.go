package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const bucket = 2 * time.Hour

func setupStore(t *testing.T) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return st
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testKey(keyDate time.Time, data string) domain.DiagnosisKey {
	return domain.DiagnosisKey{
		KeyData:            []byte(data),
		RollingStartNumber: domain.TenMinuteInterval(keyDate),
		RollingPeriod:      144,
		CountryOfOrigin:    "ES",
		ReportType:         1,
	}
}

func TestBatchReleaseTime(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	receivedAt := time.Date(2014, 1, 28, 0, 0, 0, 0, time.UTC)
	keyDate := receivedAt.AddDate(0, 0, -2)

	keys := st.WithClock(fixedClock(receivedAt)).Keys(bucket)
	inserted := []domain.DiagnosisKey{testKey(keyDate, "key555-aaaaaaaaa")}
	if err := keys.InsertBatch(ctx, inserted); err != nil {
		t.Fatalf("insert: %v", err)
	}

	batchTime := time.Date(2014, 1, 28, 2, 0, 0, 0, time.UTC)

	returned, err := keys.FindReleased(ctx, keyDate, nil, batchTime)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(returned) != 1 {
		t.Fatalf("expected 1 key, got %d", len(returned))
	}
	if string(returned[0].KeyData) != "key555-aaaaaaaaa" {
		t.Fatalf("unexpected key data %q", returned[0].KeyData)
	}
	if returned[0].ID != inserted[0].ID {
		t.Fatalf("expected id %d, got %d", inserted[0].ID, returned[0].ID)
	}

	next, err := keys.FindReleased(ctx, keyDate, &batchTime, batchTime.Add(bucket))
	if err != nil {
		t.Fatalf("find next bucket: %v", err)
	}
	if len(next) != 0 {
		t.Fatalf("expected empty next bucket, got %d keys", len(next))
	}
}

func TestBoundaryKeyBelongsToEndingBucket(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	boundary := time.Date(2014, 1, 28, 2, 0, 0, 0, time.UTC)
	keyDate := boundary.AddDate(0, 0, -1)

	keys := st.WithClock(fixedClock(boundary)).Keys(bucket)
	if err := keys.InsertBatch(ctx, []domain.DiagnosisKey{testKey(keyDate, "boundary-key-abc")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := keys.FindReleased(ctx, keyDate, nil, boundary)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("key at boundary must belong to the bucket ending there, got %d keys", len(got))
	}

	after, err := keys.FindReleased(ctx, keyDate, &boundary, boundary.Add(bucket))
	if err != nil {
		t.Fatalf("find after: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("key at boundary must not reappear in the next bucket")
	}
}

func TestIncrementalPollingMatchesFullRange(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	keyDate := time.Date(2014, 1, 26, 0, 0, 0, 0, time.UTC)
	receiveTimes := []time.Time{
		time.Date(2014, 1, 28, 0, 30, 0, 0, time.UTC),
		time.Date(2014, 1, 28, 1, 59, 0, 0, time.UTC),
		time.Date(2014, 1, 28, 2, 0, 0, 0, time.UTC),
		time.Date(2014, 1, 28, 3, 15, 0, 0, time.UTC),
		time.Date(2014, 1, 28, 5, 59, 0, 0, time.UTC),
	}
	for i, at := range receiveTimes {
		keys := st.WithClock(fixedClock(at)).Keys(bucket)
		if err := keys.InsertBatch(ctx, []domain.DiagnosisKey{testKey(keyDate, fmt.Sprintf("incremental-%04d", i))}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	keys := st.Keys(bucket)
	finalTime := time.Date(2014, 1, 28, 6, 0, 0, 0, time.UTC)

	full, err := keys.FindReleased(ctx, keyDate, nil, finalTime)
	if err != nil {
		t.Fatalf("full range: %v", err)
	}
	if len(full) != len(receiveTimes) {
		t.Fatalf("expected %d keys in full range, got %d", len(receiveTimes), len(full))
	}

	var paged []domain.DiagnosisKey
	var cursor *time.Time
	for step := time.Date(2014, 1, 28, 2, 0, 0, 0, time.UTC); !step.After(finalTime); step = step.Add(bucket) {
		page, err := keys.FindReleased(ctx, keyDate, cursor, step)
		if err != nil {
			t.Fatalf("page at %v: %v", step, err)
		}
		paged = append(paged, page...)
		boundary := step
		cursor = &boundary
	}

	if len(paged) != len(full) {
		t.Fatalf("paged union has %d keys, full range has %d", len(paged), len(full))
	}
	seen := map[int64]bool{}
	for i, key := range paged {
		if seen[key.ID] {
			t.Fatalf("duplicate key id %d in paged results", key.ID)
		}
		seen[key.ID] = true
		if key.ID != full[i].ID {
			t.Fatalf("paged order diverges at %d: %d vs %d", i, key.ID, full[i].ID)
		}
	}
}

func TestInsertOrderMatchesIDOrder(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	keyDate := time.Date(2014, 1, 27, 0, 0, 0, 0, time.UTC)
	receivedAt := time.Date(2014, 1, 28, 0, 10, 0, 0, time.UTC)

	keys := st.WithClock(fixedClock(receivedAt)).Keys(bucket)
	batch := []domain.DiagnosisKey{
		testKey(keyDate, "ordered-key-0001"),
		testKey(keyDate, "ordered-key-0002"),
		testKey(keyDate, "ordered-key-0003"),
	}
	if err := keys.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 1; i < len(batch); i++ {
		if batch[i].ID <= batch[i-1].ID {
			t.Fatalf("ids not increasing in insertion order: %d then %d", batch[i-1].ID, batch[i].ID)
		}
		if !batch[i].ReceivedAt.Equal(batch[i-1].ReceivedAt) {
			t.Fatalf("rows of one batch must share a receive time")
		}
	}
}

func TestCleanupRemovesKeysPastRetention(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	now := time.Date(2014, 2, 18, 12, 0, 0, 0, time.UTC)
	receivedAt := now.AddDate(0, 0, -21).Add(-time.Minute)
	keyDate := receivedAt.AddDate(0, 0, -1)

	insertKeys := st.WithClock(fixedClock(receivedAt)).Keys(bucket)
	if err := insertKeys.InsertBatch(ctx, []domain.DiagnosisKey{testKey(keyDate, "stale-key-000001")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	keys := st.WithClock(fixedClock(now)).Keys(bucket)
	before, err := keys.FindReleased(ctx, keyDate, nil, now)
	if err != nil {
		t.Fatalf("find before cleanup: %v", err)
	}
	if len(before) == 0 {
		t.Fatalf("expected key visible before cleanup")
	}

	deleted, err := keys.Cleanup(ctx, 21*24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}

	after, err := keys.FindReleased(ctx, keyDate, nil, now)
	if err != nil {
		t.Fatalf("find after cleanup: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected no keys after cleanup, got %d", len(after))
	}
}
