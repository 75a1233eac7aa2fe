package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/dto"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/export"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/fakekey"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/signature"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/store"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/tokens"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/verify"

	"github.com/google/uuid"
)

// Options carries the policy knobs the service needs at construction time.
// They come from configuration, never from ambient state, so the padded count
// for a day cannot drift between requests.
type Options struct {
	KeySizeBytes  int
	RetentionDays int
	FakeKeyTarget int
	Region        string
	CountryOrigin string
	ReportType    int32
}

type Service struct {
	keys    *store.KeyStore
	redeem  *store.RedemptionStore
	fake    *fakekey.Provider
	signer  *signature.Signer
	gateway verify.Gateway
	issuer  *tokens.Issuer
	opts    Options
	now     func() time.Time
}

func New(keys *store.KeyStore, redeem *store.RedemptionStore, fake *fakekey.Provider, signer *signature.Signer, gateway verify.Gateway, issuer *tokens.Issuer, opts Options) *Service {
	return &Service{
		keys:    keys,
		redeem:  redeem,
		fake:    fake,
		signer:  signer,
		gateway: gateway,
		issuer:  issuer,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock pins the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Publish validates a submission, runs it past the verification gateway,
// consumes the one-time token and stores the real keys. Fake entries in the
// submission exist only as cover traffic and are dropped before insertion.
func (s *Service) Publish(ctx context.Context, req dto.PublishRequest) (dto.PublishResponse, error) {
	if _, err := uuid.Parse(req.Token); err != nil {
		return dto.PublishResponse{}, fmt.Errorf("%w: malformed token", ErrInvalidRequest)
	}
	if len(req.GaenKeys) == 0 {
		return dto.PublishResponse{}, fmt.Errorf("%w: no keys", ErrInvalidRequest)
	}

	real := make([]domain.DiagnosisKey, 0, len(req.GaenKeys))
	for _, k := range req.GaenKeys {
		raw, err := s.validateKey(k)
		if err != nil {
			return dto.PublishResponse{}, err
		}
		if k.Fake != 0 {
			continue
		}
		real = append(real, domain.DiagnosisKey{
			KeyData:               raw,
			RollingStartNumber:    k.RollingStartNumber,
			RollingPeriod:         k.RollingPeriod,
			TransmissionRiskLevel: k.TransmissionRiskLevel,
			CountryOfOrigin:       s.opts.CountryOrigin,
			ReportType:            s.opts.ReportType,
		})
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return dto.PublishResponse{}, err
	}
	outcome, err := s.gateway.Verify(ctx, payload)
	if err != nil {
		return dto.PublishResponse{}, err
	}
	switch outcome {
	case verify.Rejected:
		return dto.PublishResponse{}, ErrValidationRejected
	case verify.Unavailable:
		return dto.PublishResponse{}, ErrValidationUnavailable
	}

	redeemed, err := s.redeem.TryRedeem(ctx, req.Token)
	if err != nil {
		return dto.PublishResponse{}, err
	}
	if !redeemed {
		return dto.PublishResponse{}, ErrTokenAlreadyRedeemed
	}

	if err := s.keys.InsertBatch(ctx, real); err != nil {
		return dto.PublishResponse{}, err
	}

	delayed, err := s.issuer.IssueDelayedKeyToken(s.now())
	if err != nil {
		return dto.PublishResponse{}, err
	}

	slog.Info("keys published", "inserted", len(real), "submitted", len(req.GaenKeys))
	return dto.PublishResponse{InsertedKeys: len(real), DelayedKeyToken: delayed}, nil
}

func (s *Service) validateKey(k dto.GaenKey) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(k.KeyData)
	if err != nil {
		return nil, fmt.Errorf("%w: key data is not base64", ErrInvalidRequest)
	}
	if len(raw) != s.opts.KeySizeBytes {
		return nil, fmt.Errorf("%w: key data must be %d bytes", ErrInvalidRequest, s.opts.KeySizeBytes)
	}
	if k.RollingPeriod < 1 || k.RollingPeriod > 144 {
		return nil, fmt.Errorf("%w: rolling period out of range", ErrInvalidRequest)
	}
	now := s.now()
	oldest := domain.TenMinuteInterval(domain.StartOfDayUTC(now).AddDate(0, 0, -s.opts.RetentionDays))
	newest := domain.TenMinuteInterval(domain.StartOfDayUTC(now).AddDate(0, 0, 1))
	if k.RollingStartNumber < oldest || k.RollingStartNumber > newest {
		return nil, fmt.Errorf("%w: rolling start outside retention window", ErrInvalidRequest)
	}
	return raw, nil
}

// Exposed assembles the signed release for one key date: every key published
// up to the last completed bucket boundary, padded per calendar day to the
// configured target, encoded and signed.
func (s *Service) Exposed(ctx context.Context, keyDate time.Time, publishedAfter *time.Time) (dto.ExposedBatch, error) {
	until := s.now()
	boundary := s.keys.CompletedBoundary(until)

	found, err := s.keys.FindReleased(ctx, keyDate, publishedAfter, until)
	if err != nil {
		return dto.ExposedBatch{}, err
	}
	// found is id ordered, so the watermark comes from the same rows the
	// body carries even when inserts land mid-request.
	var maxID int64
	if len(found) > 0 {
		maxID = found[len(found)-1].ID
	}

	padded := s.padPerDay(found, keyDate, until)

	windowStart := domain.StartOfDayUTC(keyDate)
	if publishedAfter != nil {
		windowStart = *publishedAfter
	}

	body, err := export.Encode(padded, windowStart, boundary, s.opts.Region, s.signer)
	if err != nil {
		return dto.ExposedBatch{}, err
	}

	return dto.ExposedBatch{Body: body, PublishedUntil: boundary, MaxID: maxID}, nil
}

// padPerDay pads every calendar day from keyDate through today separately.
// Padding the days as one aggregate would let a downloader subtract the known
// target and read the true per-day diagnosis counts out of the rolling start
// numbers.
func (s *Service) padPerDay(found []domain.DiagnosisKey, keyDate, now time.Time) []domain.DiagnosisKey {
	byDay := make(map[time.Time][]domain.DiagnosisKey)
	for _, k := range found {
		byDay[keyDay(k)] = append(byDay[keyDay(k)], k)
	}

	today := domain.StartOfDayUTC(now)
	padded := make([]domain.DiagnosisKey, 0, len(found))
	for day := domain.StartOfDayUTC(keyDate); !day.After(today); day = day.AddDate(0, 0, 1) {
		padded = append(padded, s.fake.Pad(byDay[day], s.opts.FakeKeyTarget, day)...)
		delete(byDay, day)
	}
	// A rolling start one day ahead is accepted at publish time, so a key
	// may be dated past today. Such days get no padding.
	for _, k := range found {
		if _, left := byDay[keyDay(k)]; left {
			padded = append(padded, k)
		}
	}
	return padded
}

func keyDay(k domain.DiagnosisKey) time.Time {
	return domain.StartOfDayUTC(time.Unix(int64(k.RollingStartNumber)*600, 0).UTC())
}

// CleanupExpired removes diagnosis keys past the retention horizon and
// redemption tokens past their dedup lifetime. Runs hourly under the
// cross-instance job lock; safe to repeat.
func (s *Service) CleanupExpired(ctx context.Context, retention time.Duration) error {
	keysGone, err := s.keys.Cleanup(ctx, retention)
	if err != nil {
		return err
	}
	tokensGone, err := s.redeem.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		return err
	}
	slog.Info("retention cleanup finished", "keys_deleted", keysGone, "tokens_deleted", tokensGone)
	return nil
}

// RefreshFakeKeys rotates the padding pool. Runs daily under the job lock.
func (s *Service) RefreshFakeKeys(context.Context) error {
	return s.fake.Refresh(s.opts.FakeKeyTarget)
}
