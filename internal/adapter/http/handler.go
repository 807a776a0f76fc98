package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bnema/audiograb/internal/adapter/http/ratelimit"
	"github.com/bnema/audiograb/internal/adapter/http/validation"
	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/service"
)

const maxRequestBody = 64 << 10

// maxSeconds is the largest whole-second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// ConversionService is the application surface the handlers call.
type ConversionService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetJobBySourceKey(ctx context.Context, locator string) (*domain.Job, error)
	OpenArtifact(ctx context.Context, id string) (*service.Download, error)
	Stats(ctx context.Context) (*service.Stats, error)
	AddBlock(ctx context.Context, kind domain.BlockKind, value, reason string) (*domain.BlockEntry, error)
	RemoveBlock(ctx context.Context, kind domain.BlockKind, value string) error
	ListBlocks(ctx context.Context) ([]domain.BlockEntry, error)
}

type Handlers struct {
	svc     ConversionService
	submits *ratelimit.ClientLimiter
	logger  *zap.Logger
}

func NewHandlers(svc ConversionService, submits *ratelimit.ClientLimiter, logger *zap.Logger) *Handlers {
	return &Handlers{svc: svc, submits: submits, logger: logger}
}

type submitRequest struct {
	Locator      string  `json:"locator"`
	Quality      string  `json:"quality"`
	TrimStart    float64 `json:"trim_start"`
	TrimDuration float64 `json:"trim_duration"`
	// ExpireAfter is in seconds.
	ExpireAfter int64 `json:"expire_after"`
}

type jobResponse struct {
	ID           string     `json:"id"`
	SourceKey    string     `json:"source_key"`
	State        string     `json:"state"`
	Quality      string     `json:"quality"`
	TrimStart    float64    `json:"trim_start,omitempty"`
	TrimDuration float64    `json:"trim_duration,omitempty"`
	Title        string     `json:"title,omitempty"`
	Size         int64      `json:"size,omitempty"`
	Duration     float64    `json:"duration,omitempty"`
	Progress     int        `json:"progress"`
	Error        string     `json:"error,omitempty"`
	RequestedAt  time.Time  `json:"requested_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	DownloadURL  string     `json:"download_url,omitempty"`
}

func toJobResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:           job.ID,
		SourceKey:    job.SourceKey,
		State:        string(job.State),
		Quality:      job.Quality,
		TrimStart:    job.Trim.Start.Seconds(),
		TrimDuration: job.Trim.Duration.Seconds(),
		Title:        job.Title,
		Size:         job.Size,
		Duration:     job.Duration,
		Progress:     job.Progress,
		Error:        job.ErrorMessage,
		RequestedAt:  job.RequestedAt,
		UpdatedAt:    job.UpdatedAt,
		ExpiresAt:    job.ExpiresAt,
	}
	if job.CompletedAt.Valid {
		t := job.CompletedAt.Time
		resp.CompletedAt = &t
	}
	if job.State == domain.JobStateDone {
		resp.DownloadURL = "/api/download/" + job.ID
	}
	return resp
}

func (h *Handlers) SubmitJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := h.submits.Allow(clientID(r)); !ok {
			w.Header().Set("Retry-After", retryAfter(wait))
			writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
			return
		}

		var req submitRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		job, err := h.svc.Submit(r.Context(), service.SubmitRequest{
			Locator: req.Locator,
			Quality: req.Quality,
			Trim: domain.Trim{
				Start:    seconds(req.TrimStart),
				Duration: seconds(req.TrimDuration),
			},
			ExpireAfter: time.Duration(max(-maxSeconds, min(req.ExpireAfter, maxSeconds))) * time.Second,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}

		status := http.StatusAccepted
		if job.State.Terminal() {
			status = http.StatusOK
		}
		writeJSON(w, status, toJobResponse(job))
	}
}

func (h *Handlers) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := h.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// FindJob looks up the latest job for ?source=.
func (h *Handlers) FindJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		if source == "" {
			writeError(w, http.StatusBadRequest, "missing source parameter")
			return
		}
		job, err := h.svc.GetJobBySourceKey(r.Context(), source)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

func (h *Handlers) Download() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dl, err := h.svc.OpenArtifact(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if dl.RemoteURL != "" {
			http.Redirect(w, r, dl.RemoteURL, http.StatusFound)
			return
		}
		defer dl.File.Close() //nolint:errcheck

		name := validation.DownloadFilename(dl.Job.Title, dl.Job.SourceKey)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Disposition", validation.ContentDisposition(name, false))
		http.ServeContent(w, r, name, dl.Info.ModTime(), dl.File)
	}
}

func (h *Handlers) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := h.svc.Stats(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (h *Handlers) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type blockRequest struct {
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (h *Handlers) ListBlocks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := h.svc.ListBlocks(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if entries == nil {
			entries = []domain.BlockEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (h *Handlers) AddBlock() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req blockRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		entry, err := h.svc.AddBlock(r.Context(), domain.BlockKind(req.Kind), req.Value, req.Reason)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	}
}

func (h *Handlers) RemoveBlock() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := domain.BlockKind(chi.URLParam(r, "kind"))
		if err := h.svc.RemoveBlock(r.Context(), kind, chi.URLParam(r, "value")); err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// fail maps err to a status and a message safe for callers. Anything
// unexpected is logged with the full error.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeError(w, status, msg)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrBlocked), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, domain.UserMessage(err)
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "job not found"
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone, "job has expired, please resubmit"
	case errors.Is(err, domain.ErrStorage), errors.Is(err, domain.ErrLockAcquisition), errors.Is(err, domain.ErrBusy):
		return http.StatusServiceUnavailable, domain.UserMessage(err)
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// clientID is the remote host. Behind a proxy, RealIP has already rewritten
// RemoteAddr from the forwarding headers.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfter(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// seconds converts a JSON number of seconds, saturating instead of wrapping.
func seconds(f float64) time.Duration {
	switch {
	case f >= float64(maxSeconds):
		return time.Duration(maxSeconds) * time.Second
	case f <= -float64(maxSeconds):
		return -time.Duration(maxSeconds) * time.Second
	}
	return time.Duration(f * float64(time.Second))
}
