package store

import (
	"context"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RedemptionStore records one-time publish tokens. The primary key on the
// token column is the sole idempotency guard: a conflicting insert writes
// nothing and reports the token as already redeemed.
type RedemptionStore struct {
	db  *gorm.DB
	now func() time.Time
}

func (s *Store) Redemptions() *RedemptionStore {
	return &RedemptionStore{db: s.DB, now: s.now}
}

// TryRedeem inserts token with the insertion day (not the full timestamp) and
// returns true exactly when no live row for that token existed.
func (r *RedemptionStore) TryRedeem(ctx context.Context, token string) (bool, error) {
	row := domain.RedemptionToken{
		Token:      token,
		InsertedAt: domain.StartOfDayUTC(r.now()),
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Cleanup deletes tokens whose insertion day lies strictly before
// today-retention. Because inserted_at is day truncated, a token stays
// rejected through its insertion day plus retention and only becomes
// redeemable again after a sweep whose day threshold has moved past it.
func (r *RedemptionStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := domain.StartOfDayUTC(r.now()).Add(-retention)
	res := r.db.WithContext(ctx).
		Where("inserted_at < ?", threshold).
		Delete(&domain.RedemptionToken{})
	return res.RowsAffected, res.Error
}
