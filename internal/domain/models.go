package domain

import "time"

// TenMinuteInterval returns the number of ten-minute epochs between the Unix
// epoch and t. Diagnosis keys identify the day they govern through this value.
func TenMinuteInterval(t time.Time) uint32 {
	return uint32(t.Unix() / 600)
}

// StartOfDayUTC truncates t to midnight UTC.
func StartOfDayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DiagnosisKey is a temporary exposure key submitted by a diagnosed user's
// device. ReceivedAt is assigned by the server at insertion and is the sole
// basis for release bucketing and retention; the client-supplied timestamps
// are never trusted for either.
type DiagnosisKey struct {
	ID                    int64     `gorm:"primaryKey;autoIncrement"`
	KeyData               []byte    `gorm:"type:bytea;not null"`
	RollingStartNumber    uint32    `gorm:"not null;index"`
	RollingPeriod         uint32    `gorm:"not null"`
	TransmissionRiskLevel int32     `gorm:"not null"`
	CountryOfOrigin       string    `gorm:"size:8;not null"`
	ReportType            int32     `gorm:"not null"`
	ReceivedAt            time.Time `gorm:"not null;index"`

	// Fake marks synthetic padding entries. They only ever exist in
	// transient query results and are never persisted.
	Fake bool `gorm:"-"`
}

// RedemptionToken records a consumed one-time publish token. InsertedAt is
// truncated to the calendar day on insertion, which makes housekeeping a plain
// day comparison at the cost of an effective lifetime between retention and
// retention+1 days.
type RedemptionToken struct {
	Token      string    `gorm:"primaryKey;size:64"`
	InsertedAt time.Time `gorm:"not null;index"`
}

// JobLock is a lease row granting one fleet instance the right to run a named
// background job. A holder crash is tolerated by letting the lease expire.
type JobLock struct {
	Name        string    `gorm:"primaryKey;size:64"`
	LockedBy    string    `gorm:"size:64;not null"`
	LockedUntil time.Time `gorm:"not null"`
}
