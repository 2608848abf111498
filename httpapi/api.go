// Package httpapi exposes the task manager over HTTP: submission, status,
// cancellation, a live SSE event stream, and the interactive relay surface.
// Auth is the caller's concern; mount the router behind whatever middleware
// the deployment needs.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dcshock/genpipe/pipeline"
	"github.com/dcshock/genpipe/task"
)

// Server wires the manager's operations onto a chi router.
type Server struct {
	mgr *task.Manager
	log *slog.Logger
}

// NewServer returns a Server over mgr. A nil logger falls back to
// slog.Default.
func NewServer(mgr *task.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{mgr: mgr, log: log}
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.status)
			r.Delete("/", s.cancel)
			r.Get("/events", s.events)
			r.Get("/prompt", s.prompt)
			r.Post("/stages/{stage}/result", s.stageResult)
		})
	})
	return r
}

type submitRequest struct {
	Pipeline   string `json:"pipeline"`
	Input      string `json:"input"`
	Priority   string `json:"priority"`
	Mode       string `json:"mode"`
	MaxRetries int    `json:"max_retries"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	prio, err := task.ParsePriority(req.Priority)
	if err != nil {
		s.error(w, http.StatusBadRequest, err)
		return
	}
	mode := pipeline.ModeAutomatic
	switch req.Mode {
	case "", string(pipeline.ModeAutomatic):
	case string(pipeline.ModeInteractive):
		mode = pipeline.ModeInteractive
	default:
		s.error(w, http.StatusBadRequest, fmt.Errorf("unknown mode %q", req.Mode))
		return
	}
	id, err := s.mgr.Submit(r.Context(), task.Submission{
		Pipeline:   req.Pipeline,
		Input:      req.Input,
		Priority:   prio,
		Mode:       mode,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		switch {
		case errors.Is(err, task.ErrQueueFull):
			s.error(w, http.StatusTooManyRequests, err)
		case errors.Is(err, task.ErrUnknownPipeline):
			s.error(w, http.StatusBadRequest, err)
		default:
			s.error(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.json(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mgr.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.error(w, http.StatusNotFound, err)
		return
	}
	s.json(w, http.StatusOK, snap)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.mgr.Status(id); err != nil {
		s.error(w, http.StatusNotFound, err)
		return
	}
	if !s.mgr.Cancel(id) {
		s.error(w, http.StatusConflict, fmt.Errorf("task %s already finished", id))
		return
	}
	s.json(w, http.StatusAccepted, map[string]string{"id": id, "cancelling": "true"})
}

func (s *Server) prompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.mgr.CurrentPrompt(id)
	if err != nil {
		if errors.Is(err, task.ErrUnknownTask) {
			s.error(w, http.StatusNotFound, err)
			return
		}
		s.error(w, http.StatusConflict, err)
		return
	}
	s.json(w, http.StatusOK, p)
}

type stageResultRequest struct {
	Response string `json:"response"`
}

func (s *Server) stageResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stage := chi.URLParam(r, "stage")
	var req stageResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	res, err := s.mgr.SubmitStageResult(r.Context(), id, stage, req.Response)
	if err != nil {
		if errors.Is(err, task.ErrUnknownTask) {
			s.error(w, http.StatusNotFound, err)
			return
		}
		s.error(w, http.StatusBadRequest, err)
		return
	}
	s.json(w, http.StatusOK, res)
}

// events streams the task's live events as server-sent events until the
// client disconnects or the stream is dropped.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.mgr.Subscribe(id)
	if err != nil {
		s.error(w, http.StatusNotFound, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.error(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("encode event", "task", id, "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "err", err)
	}
}

func (s *Server) error(w http.ResponseWriter, code int, err error) {
	s.json(w, code, map[string]string{"error": err.Error()})
}
