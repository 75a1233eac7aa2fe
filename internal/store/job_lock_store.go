package store

import (
	"context"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobLockStore hands out database-backed leases so that periodic jobs run at
// most once per interval across the whole fleet. A lease that outlives its
// holder is taken over once locked_until has passed.
type JobLockStore struct {
	db  *gorm.DB
	now func() time.Time
}

func (s *Store) JobLocks() *JobLockStore {
	return &JobLockStore{db: s.DB, now: s.now}
}

// Acquire attempts to take the lease for name on behalf of holder, valid for
// maxHold. Returns false when another live holder has it.
func (j *JobLockStore) Acquire(ctx context.Context, name, holder string, maxHold time.Duration) (bool, error) {
	now := j.now()
	row := domain.JobLock{Name: name, LockedBy: holder, LockedUntil: now.Add(maxHold)}

	res := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Row exists: take it over only if the previous lease has expired.
	res = j.db.WithContext(ctx).
		Model(&domain.JobLock{}).
		Where("name = ? AND locked_until <= ?", name, now).
		Updates(map[string]any{"locked_by": holder, "locked_until": now.Add(maxHold)})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release ends holder's lease early so the next interval is not blocked for
// the remainder of maxHold. Releasing a lease that was taken over is a no-op.
func (j *JobLockStore) Release(ctx context.Context, name, holder string) error {
	err := j.db.WithContext(ctx).
		Model(&domain.JobLock{}).
		Where("name = ? AND locked_by = ?", name, holder).
		Update("locked_until", j.now()).Error
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	return err
}
