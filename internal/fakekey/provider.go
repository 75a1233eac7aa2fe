// Package fakekey pads a day's diagnosis key list with synthetic entries so
// that the size of a download never reveals how many true diagnoses were
// reported for that day.
package fakekey

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"

	"golang.org/x/crypto/hkdf"
)

const dayFormat = "2006-01-02"

type Config struct {
	KeySizeBytes  int
	LookbackDays  int
	RollingPeriod uint32
	CountryOrigin string
	ReportType    int32
}

// Provider generates padding keys. Padding material comes from a per-day pool
// that a daily job rotates; days missing from the pool fall back to fresh
// random bytes. Only the material varies between refreshes, never the padded
// count, which is what the privacy guarantee rests on.
type Provider struct {
	cfg Config
	now func() time.Time

	mu   sync.RWMutex
	pool map[string][][]byte
}

func New(cfg Config) *Provider {
	if cfg.RollingPeriod == 0 {
		cfg.RollingPeriod = 144
	}
	return &Provider{
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
		pool: map[string][][]byte{},
	}
}

// WithClock pins the provider's notion of the current day. Test hook.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Pad extends existing up to target entries for the given day. Days older
// than the lookback horizon are returned unchanged: their real keys are
// already past retention and need no population-count cover. When existing
// already holds target or more entries everything returned is real.
func (p *Provider) Pad(existing []domain.DiagnosisKey, target int, day time.Time) []domain.DiagnosisKey {
	dayStart := domain.StartOfDayUTC(day)
	horizon := domain.StartOfDayUTC(p.now()).AddDate(0, 0, -p.cfg.LookbackDays)
	if dayStart.Before(horizon) {
		return existing
	}
	if len(existing) >= target {
		return existing
	}

	need := target - len(existing)
	material := p.poolMaterial(dayStart, need)

	padded := make([]domain.DiagnosisKey, 0, target)
	padded = append(padded, existing...)
	for i := 0; i < need; i++ {
		padded = append(padded, domain.DiagnosisKey{
			KeyData:               material[i],
			RollingStartNumber:    domain.TenMinuteInterval(dayStart),
			RollingPeriod:         p.cfg.RollingPeriod,
			TransmissionRiskLevel: 0,
			CountryOfOrigin:       p.cfg.CountryOrigin,
			ReportType:            p.cfg.ReportType,
			Fake:                  true,
		})
	}
	return padded
}

func (p *Provider) poolMaterial(dayStart time.Time, need int) [][]byte {
	p.mu.RLock()
	cached := p.pool[dayStart.Format(dayFormat)]
	p.mu.RUnlock()

	material := make([][]byte, 0, need)
	for i := 0; i < need && i < len(cached); i++ {
		material = append(material, cached[i])
	}
	for len(material) < need {
		material = append(material, p.randomKey())
	}
	return material
}

func (p *Provider) randomKey() []byte {
	key := make([]byte, p.cfg.KeySizeBytes)
	if _, err := rand.Read(key); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("fakekey: read random: %v", err))
	}
	return key
}

// Refresh rotates the padding pool: a fresh random seed is expanded with HKDF
// into target keys for every day inside the lookback window. Runs daily under
// the cross-instance job lock and is idempotent, a double run just rotates
// the material twice.
func (p *Provider) Refresh(target int) error {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("fakekey: seed: %w", err)
	}
	expand := hkdf.New(sha256.New, seed, nil, []byte("diagnosis key padding"))

	today := domain.StartOfDayUTC(p.now())
	next := make(map[string][][]byte, p.cfg.LookbackDays+1)
	for offset := 0; offset <= p.cfg.LookbackDays; offset++ {
		day := today.AddDate(0, 0, -offset)
		keys := make([][]byte, target)
		for i := range keys {
			keys[i] = make([]byte, p.cfg.KeySizeBytes)
			if _, err := io.ReadFull(expand, keys[i]); err != nil {
				return fmt.Errorf("fakekey: expand: %w", err)
			}
		}
		next[day.Format(dayFormat)] = keys
	}

	p.mu.Lock()
	p.pool = next
	p.mu.Unlock()
	return nil
}
