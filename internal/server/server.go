// Package server is the thin HTTP/SSE front-end over the job queue. It
// shapes requests and streams events; all interesting state lives in the
// queue manager.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bengillin/walkietalkiebot-sub001/internal/queue"
	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// Server serves the job control surface.
type Server struct {
	manager     *queue.Manager
	idleTimeout time.Duration
	mux         *http.ServeMux
}

// New creates a Server. idleTimeout force-closes event streams with no
// traffic, a backstop against leaked subscriptions.
func New(manager *queue.Manager, idleTimeout time.Duration) *Server {
	s := &Server{manager: manager, idleTimeout: idleTimeout, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	s.mux.HandleFunc("GET /jobs/{id}/events", s.handleStreamEvents)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type createJobRequest struct {
	ConversationID string       `json:"conversation_id"`
	Prompt         string       `json:"prompt"`
	Source         string       `json:"source,omitempty"`
	History        []types.Turn `json:"history,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		req.Source = "web"
	}
	job, err := s.manager.CreateJob(req.ConversationID, req.Prompt, req.Source, req.History)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": job.ID, "status": job.Status})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter types.JobFilter
	if v := r.URL.Query().Get("status"); v != "" {
		status := types.JobStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("conversation_id"); v != "" {
		filter.ConversationID = &v
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := s.manager.Jobs(filter, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Job(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.manager.Cancel(r.PathValue("id"))
	var notCancellable *queue.NotCancellableError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": types.JobCancelled})
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &notCancellable):
		writeError(w, http.StatusConflict, notCancellable.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleStreamEvents streams a job's events as SSE: replay of the
// persisted log, then live events, terminated by a synthetic done event
// carrying the final status. Subscribing before reading the replay cursor
// guarantees the replay/live boundary neither drops nor reorders events;
// duplicates are filtered by event id.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.manager.Job(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	live := make(chan types.JobEvent, 256)
	unsubscribe := s.manager.Subscribe(id, func(ev types.JobEvent) error {
		select {
		case live <- ev:
			return nil
		default:
			return errors.New("subscriber buffer full")
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	replay, err := s.manager.Events(id, 0)
	if err != nil {
		return
	}
	var lastID int64
	for _, ev := range replay {
		writeSSE(w, ev)
		lastID = ev.ID
	}
	flusher.Flush()

	// The job may have finished between replay and now; the live channel
	// would never deliver done for a subscription this late. Events
	// published during the replay window are already buffered on the live
	// channel, so drain them before closing out the stream.
	job, err = s.manager.Job(id)
	if err != nil || job == nil {
		return
	}
	if job.Status.Terminal() {
		for {
			select {
			case ev := <-live:
				if ev.ID != 0 && ev.ID <= lastID {
					continue
				}
				writeSSE(w, ev)
				if ev.Type == types.EventDone {
					flusher.Flush()
					return
				}
			default:
				writeSSE(w, doneEvent(id, job.Status))
				flusher.Flush()
				return
			}
		}
	}

	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-idle.C:
			return
		case ev := <-live:
			if ev.ID != 0 && ev.ID <= lastID {
				continue // already sent during replay
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.idleTimeout)
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == types.EventDone {
				return
			}
		}
	}
}

func doneEvent(jobID string, status types.JobStatus) types.JobEvent {
	data, _ := json.Marshal(map[string]string{"status": string(status)})
	return types.JobEvent{
		JobID: jobID,
		Type:  types.EventDone,
		Data:  string(data),
		TS:    time.Now().UnixMilli(),
	}
}

func writeSSE(w http.ResponseWriter, ev types.JobEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
