package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/service"
)

// EventSource is the per-job event log streamed to clients.
type EventSource interface {
	Subscribe(ctx context.Context, jobID string) <-chan service.Event
	Events(jobID string) []service.Event
}

type SSEHandler struct {
	svc       ConversionService
	events    EventSource
	keepAlive time.Duration
	logger    *zap.Logger
}

func NewSSEHandler(svc ConversionService, events EventSource, keepAlive time.Duration, logger *zap.Logger) *SSEHandler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &SSEHandler{svc: svc, events: events, keepAlive: keepAlive, logger: logger}
}

// sseWrite writes an SSE event, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, id int, eventName string, data string) {
	if id > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", id)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// sendKeepAlive writes an SSE comment to keep the connection active.
func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sendEvent(w http.ResponseWriter, ev service.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	sseWrite(w, ev.Seq, string(ev.Type), string(data))
	return nil
}

// finalEvent rebuilds the terminal event of a job whose log is gone, for
// example after a restart.
func finalEvent(job *domain.Job) service.Event {
	ev := service.Event{
		JobID:    job.ID,
		Type:     service.EventCompleted,
		Progress: 100,
		Time:     job.UpdatedAt,
	}
	if job.State == domain.JobStateFailed {
		ev.Type = service.EventFailed
		ev.Progress = job.Progress
		ev.Message = job.ErrorMessage
	}
	return ev
}

func (h *SSEHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := h.svc.GetJob(r.Context(), id)
		if err != nil {
			status, msg := errorStatus(err)
			writeError(w, status, msg)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		ctx := r.Context()

		// If already terminal with no log to replay, send the final event and
		// wait for client close.
		if job.State.Terminal() && len(h.events.Events(id)) == 0 {
			_ = sendEvent(w, finalEvent(job))
			<-ctx.Done()
			return
		}

		lastID, _ := strconv.Atoi(r.Header.Get("Last-Event-ID"))
		ch := h.events.Subscribe(ctx, id)

		keepAlive := time.NewTicker(h.keepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				sendKeepAlive(w)
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Seq <= lastID {
					continue
				}
				if err := sendEvent(w, ev); err != nil {
					h.logger.Error("encode event", zap.String("job_id", id), zap.Error(err))
					return
				}
				// Let client close connection when terminal
				if ev.Final() {
					<-ctx.Done()
					return
				}
			}
		}
	}
}
