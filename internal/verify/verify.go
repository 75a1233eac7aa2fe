// Package verify wraps the remote diagnosis verification service. The core
// only ever sees the three-way outcome; retries and circuit breaking live in
// the adapter, never in the call sites.
package verify

import "context"

type Outcome int

const (
	// Accepted means the verification service vouched for the submission.
	Accepted Outcome = iota
	// Rejected means the submission is invalid and must not be persisted.
	Rejected
	// Unavailable means no final answer could be obtained. The submission
	// must not be persisted, but the caller may retry later.
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "unavailable"
	}
}

// Gateway submits a publish payload for external verification.
type Gateway interface {
	Verify(ctx context.Context, payload []byte) (Outcome, error)
}

// NoopGateway accepts everything. Used when no verification service is
// configured.
type NoopGateway struct{}

func (NoopGateway) Verify(context.Context, []byte) (Outcome, error) {
	return Accepted, nil
}
