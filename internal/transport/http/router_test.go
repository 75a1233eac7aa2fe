package http_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/domain"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/dto"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/fakekey"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/observability/metrics"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/service"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/signature"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/store"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/tokens"
	httptransport "github.com/fokoua5/radar-covid-backend-dp3t-server/internal/transport/http"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/verify"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("test")
	os.Exit(m.Run())
}

func newTestRouter(t *testing.T, at time.Time) http.Handler {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	clock := func() time.Time { return at }
	st := store.New(db).WithClock(clock)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	signer, err := signature.NewFromBase64("", signature.Metadata{
		BundleID:      "org.dpppt.ios.demo",
		KeyVersion:    "v1",
		KeyIdentifier: "228",
		Region:        "ch",
	})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	issuer, err := tokens.NewFromBase64("", "dp3t-server")
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	fake := fakekey.New(fakekey.Config{
		KeySizeBytes:  16,
		LookbackDays:  21,
		CountryOrigin: "ES",
		ReportType:    1,
	}).WithClock(clock)

	svc := service.New(st.Keys(2*time.Hour), st.Redemptions(), fake, signer, verify.NoopGateway{}, issuer, service.Options{
		KeySizeBytes:  16,
		RetentionDays: 14,
		FakeKeyTarget: 10,
		Region:        "ch",
		CountryOrigin: "ES",
		ReportType:    1,
	}).WithClock(clock)

	return httptransport.NewRouter(svc, httptransport.Options{
		RequestTime:  0,
		CacheControl: 5 * time.Minute,
	})
}

func publishBody(t *testing.T, token string, day time.Time) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(dto.PublishRequest{
		Token: token,
		GaenKeys: []dto.GaenKey{{
			KeyData:            base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")),
			RollingStartNumber: domain.TenMinuteInterval(domain.StartOfDayUTC(day)),
			RollingPeriod:      144,
		}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(body)
}

func TestPublishEndpoint(t *testing.T) {
	t0 := time.Date(2020, 5, 10, 1, 0, 0, 0, time.UTC)
	router := newTestRouter(t, t0)

	token := uuid.NewString()
	req := httptest.NewRequest(http.MethodPost, "/v1/gaen/exposed", publishBody(t, token, t0))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var res dto.PublishResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.InsertedKeys != 1 {
		t.Fatalf("inserted keys %d, want 1", res.InsertedKeys)
	}
	if res.DelayedKeyToken == "" {
		t.Fatalf("expected a next-day token in the response")
	}

	// Same token again: forbidden.
	req = httptest.NewRequest(http.MethodPost, "/v1/gaen/exposed", publishBody(t, token, t0))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reused token: status %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestPublishRejectsMalformedBody(t *testing.T) {
	t0 := time.Date(2020, 5, 10, 1, 0, 0, 0, time.UTC)
	router := newTestRouter(t, t0)

	req := httptest.NewRequest(http.MethodPost, "/v1/gaen/exposed", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestExposedEndpoint(t *testing.T) {
	t0 := time.Date(2020, 5, 10, 3, 30, 0, 0, time.UTC)
	router := newTestRouter(t, t0)

	keyDate := domain.StartOfDayUTC(t0)
	req := httptest.NewRequest(http.MethodGet, "/v1/gaen/exposed/"+strconv.FormatInt(keyDate.UnixMilli(), 10), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("content type %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "max-age=300" {
		t.Fatalf("cache control %q", cc)
	}
	wantBoundary := time.Date(2020, 5, 10, 2, 0, 0, 0, time.UTC)
	if got := rec.Header().Get("X-Published-Until"); got != strconv.FormatInt(wantBoundary.UnixMilli(), 10) {
		t.Fatalf("published-until header %q", got)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected a non-empty batch body")
	}
}

func TestExposedRejectsBadKeyDate(t *testing.T) {
	t0 := time.Date(2020, 5, 10, 1, 0, 0, 0, time.UTC)
	router := newTestRouter(t, t0)

	req := httptest.NewRequest(http.MethodGet, "/v1/gaen/exposed/notadate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
