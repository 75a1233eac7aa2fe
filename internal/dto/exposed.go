package dto

import "time"

// ExposedBatch is a signed, serialized release for one key date.
type ExposedBatch struct {
	Body           []byte
	PublishedUntil time.Time
	MaxID          int64
}
