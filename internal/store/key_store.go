package store

import (
	"context"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"

	"gorm.io/gorm"
)

// KeyStore persists submitted diagnosis keys and answers release-bucketed
// range queries over them. Keys only ever become visible at completed bucket
// boundaries, so the finest temporal resolution exposed to a downloader is the
// bucket duration, never the submission instant.
type KeyStore struct {
	db     *gorm.DB
	bucket time.Duration
	now    func() time.Time
}

func (s *Store) Keys(bucket time.Duration) *KeyStore {
	return &KeyStore{db: s.DB, bucket: bucket, now: s.now}
}

// InsertBatch stores keys, stamping every row with the same server-side
// receive time. Row ids are assigned in insertion order, so id order is
// consistent with received_at order.
func (k *KeyStore) InsertBatch(ctx context.Context, keys []domain.DiagnosisKey) error {
	if len(keys) == 0 {
		return nil
	}
	receivedAt := k.now()
	for i := range keys {
		keys[i].ID = 0
		keys[i].ReceivedAt = receivedAt
	}
	return k.db.WithContext(ctx).Create(&keys).Error
}

// CompletedBoundary returns the greatest multiple of the bucket duration not
// exceeding t.
func (k *KeyStore) CompletedBoundary(t time.Time) time.Time {
	return t.Truncate(k.bucket)
}

// FindReleased returns, ordered by id, every key whose rolling start falls on
// sinceKeyDate or later and whose received_at lies in the half-open interval
// (publishedAfter, CompletedBoundary(publishedUntil)]. A key received exactly
// at a boundary belongs to the bucket ending there, so repeated calls that
// advance publishedAfter to the previous boundary never duplicate and never
// skip a key.
func (k *KeyStore) FindReleased(ctx context.Context, sinceKeyDate time.Time, publishedAfter *time.Time, publishedUntil time.Time) ([]domain.DiagnosisKey, error) {
	tx := k.db.WithContext(ctx).
		Where("rolling_start_number >= ?", domain.TenMinuteInterval(domain.StartOfDayUTC(sinceKeyDate))).
		Where("received_at <= ?", k.CompletedBoundary(publishedUntil))
	if publishedAfter != nil {
		tx = tx.Where("received_at > ?", *publishedAfter)
	}

	var keys []domain.DiagnosisKey
	if err := tx.Order("id asc").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// Cleanup deletes keys received before now-retention and reports how many
// rows went. Must run under the cross-instance job lock.
func (k *KeyStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res := k.db.WithContext(ctx).
		Where("received_at < ?", k.now().Add(-retention)).
		Delete(&domain.DiagnosisKey{})
	return res.RowsAffected, res.Error
}
