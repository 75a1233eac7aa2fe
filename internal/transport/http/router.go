package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/dto"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/observability/metrics"
	obsmw "github.com/fokoua5/radar-covid-backend-dp3t-server/internal/observability/middleware"
	"github.com/fokoua5/radar-covid-backend-dp3t-server/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	// RequestTime is the floor on publish request duration, so response
	// timing does not reveal whether verification work happened.
	RequestTime  time.Duration
	CacheControl time.Duration
}

type Handler struct {
	svc  *service.Service
	opts Options
}

func NewRouter(svc *service.Service, opts Options) http.Handler {
	h := &Handler{svc: svc, opts: opts}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(obsmw.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(httprate.LimitByIP(60, time.Minute)).Post("/v1/gaen/exposed", h.handlePublish)
	r.Get("/v1/gaen/exposed/{keyDate}", h.handleExposed)

	return r
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.holdUntilFloor(start)

	var req dto.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.KeysPublishedTotal.WithLabelValues("failure").Inc()
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res, err := h.svc.Publish(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, service.ErrTokenAlreadyRedeemed), errors.Is(err, service.ErrValidationRejected):
			status = http.StatusForbidden
		case errors.Is(err, service.ErrValidationUnavailable):
			status = http.StatusServiceUnavailable
		}
		metrics.KeysPublishedTotal.WithLabelValues("failure").Inc()
		slog.Warn("publish failed", "error", err, "status", status)
		http.Error(w, err.Error(), status)
		return
	}

	metrics.KeysPublishedTotal.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusCreated, res)
}

// holdUntilFloor keeps every publish response at the configured minimum
// duration, success and failure alike.
func (h *Handler) holdUntilFloor(start time.Time) {
	if remaining := h.opts.RequestTime - time.Since(start); remaining > 0 {
		time.Sleep(remaining)
	}
}

func (h *Handler) handleExposed(w http.ResponseWriter, r *http.Request) {
	keyDateMillis, err := strconv.ParseInt(chi.URLParam(r, "keyDate"), 10, 64)
	if err != nil {
		metrics.ExposedDownloadsTotal.WithLabelValues("failure").Inc()
		http.Error(w, "invalid key date", http.StatusBadRequest)
		return
	}
	keyDate := time.UnixMilli(keyDateMillis).UTC()

	var publishedAfter *time.Time
	if raw := r.URL.Query().Get("publishedafter"); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			metrics.ExposedDownloadsTotal.WithLabelValues("failure").Inc()
			http.Error(w, "invalid publishedafter", http.StatusBadRequest)
			return
		}
		t := time.UnixMilli(millis).UTC()
		publishedAfter = &t
	}

	batch, err := h.svc.Exposed(r.Context(), keyDate, publishedAfter)
	if err != nil {
		metrics.ExposedDownloadsTotal.WithLabelValues("failure").Inc()
		slog.Error("exposed list failed", "error", err, "key_date", keyDate)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	metrics.ExposedDownloadsTotal.WithLabelValues("success").Inc()
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(h.opts.CacheControl.Seconds())))
	w.Header().Set("X-Published-Until", strconv.FormatInt(batch.PublishedUntil.UnixMilli(), 10))
	w.Header().Set("X-Batch-Max-Id", strconv.FormatInt(batch.MaxID, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(batch.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
