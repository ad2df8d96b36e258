// Package webhook implements thingosdci's HTTP surface: one POST endpoint
// per forge service, a manual trigger endpoint, and a plain-text log-tail
// endpoint used to link commit statuses back to build output.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/thingos/thingosdci/internal/reposervice"
)

const defaultLogTailLines = 100

// EventHandler receives a decoded webhook event for dispatch into the
// matching release orchestrator.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev reposervice.Event)
}

// Trigger is the subset of Orchestrator the manual /trigger endpoint needs.
type Trigger interface {
	TriggerNightly(ctx context.Context, branch string) error
	TriggerTag(ctx context.Context, tag string) error
}

// LogTailer serves a trailing slice of a build container's log.
type LogTailer interface {
	LogTail(id string, lastN int) (string, error)
}

// Server is the HTTP surface for one configured repo service: webhook
// ingestion, manual triggers, and log-tail lookups.
type Server struct {
	mux *http.ServeMux

	serviceName string
	service     reposervice.Service
	handler     EventHandler
	trigger     Trigger
	containers  LogTailer
	log         *zap.SugaredLogger
}

// New builds a Server. serviceName matches the configured repoService
// ("github", "gitlab", or "bitbucket") and is used both as the webhook
// path segment and the log-tail path segment.
func New(serviceName string, service reposervice.Service, handler EventHandler, trigger Trigger, containers LogTailer, log *zap.SugaredLogger) *Server {
	s := &Server{
		serviceName: serviceName,
		service:     service,
		handler:     handler,
		trigger:     trigger,
		containers:  containers,
		log:         log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /"+serviceName, s.handleWebhook)
	mux.HandleFunc("GET /"+serviceName, s.handleLogTail)
	mux.HandleFunc("POST /trigger", s.handleTrigger)
	s.mux = mux

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ev, err := s.service.DecodeWebhook(r)
	if err != nil {
		s.log.Warnw("webhook rejected", "service", s.serviceName, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.handler.HandleEvent(r.Context(), ev)
	w.WriteHeader(http.StatusNoContent)
}

// handleLogTail serves GET /{service}?id=...&lines=N — the target of the
// URL a commit status points back at.
func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	lines := defaultLogTailLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines = n
		}
	}

	out, err := s.containers.LogTail(id, lines)
	if err != nil {
		s.log.Warnw("log tail failed", "id", id, "error", err)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, out)
}

// handleTrigger serves POST /trigger?type=nightly&branch=... or
// ?type=tag&tag=..., replaying trigger.py's manual trigger semantics: an
// absent commit id falls back to persisted state.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var err error

	switch q.Get("type") {
	case "nightly":
		branch := q.Get("branch")
		if branch == "" {
			http.Error(w, "missing branch", http.StatusBadRequest)
			return
		}
		err = s.trigger.TriggerNightly(r.Context(), branch)
	case "tag":
		tag := q.Get("tag")
		if tag == "" {
			http.Error(w, "missing tag", http.StatusBadRequest)
			return
		}
		err = s.trigger.TriggerTag(r.Context(), tag)
	default:
		http.Error(w, "unknown trigger type", http.StatusBadRequest)
		return
	}

	if err != nil {
		s.log.Warnw("manual trigger failed", "error", err)
		http.Error(w, "trigger failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
