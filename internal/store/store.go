package store

import (
	"context"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"

	"gorm.io/gorm"
)

type Store struct {
	DB  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy of the store that reads time from now. Used by
// tests to pin day boundaries and release buckets.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{DB: s.DB, now: now}
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&domain.DiagnosisKey{},
		&domain.RedemptionToken{},
		&domain.JobLock{},
	)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx, now: s.now})
	})
}
