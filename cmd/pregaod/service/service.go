package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	golog "github.com/ipfs/go-log/v2"

	"github.com/licitabr/pregao-core/cmd/pregaod/cast"
	engine "github.com/licitabr/pregao-core/cmd/pregaod/pregao"
	core "github.com/licitabr/pregao-core/pregao"
)

var log = golog.Logger("pregao/service")

// Config defines params for Service configuration.
type Config struct {
	Listener net.Listener
}

// Service is the HTTP/WebSocket surface over the session engine: REST
// endpoints for the surrounding procurement system and the real-time
// session channel for participants.
type Service struct {
	server *http.Server
	lib    *engine.Engine
}

// New returns a new Service serving lib on conf.Listener.
func New(conf Config, lib *engine.Engine) (*Service, error) {
	s := &Service{lib: lib}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{id}", s.handleGetSession)
	r.Get("/sessions/{id}/minutes", s.handleGetMinutes)
	r.Post("/sessions/{id}/cancel", s.handleCancelSession)
	r.Post("/sessions/{id}/phase", s.handleAdvancePhase)
	r.Get("/sessions/{id}/ws", s.handleSessionSocket)

	s.server = &http.Server{Handler: r}
	go func() {
		if err := s.server.Serve(conf.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server error: %v", err)
		}
	}()

	log.Info("service started")
	return s, nil
}

// Close the service.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	err := s.server.Shutdown(ctx)
	log.Info("service was shutdown")
	return err
}

type createSessionRequest struct {
	ID            string `json:"id"`
	ProcurementID string `json:"procurement_id"`
	Items         []struct {
		ID          string `json:"id"`
		Description string `json:"description"`
	} `json:"items"`
}

// handleCreateSession consumes the surrounding system's "procurement record
// confirmed ready for dispute" event.
func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	items := make([]core.Item, len(req.Items))
	for i, item := range req.Items {
		items[i] = core.Item{ID: item.ID, Description: item.Description}
	}
	sess, err := s.lib.CreateSession(r.Context(), req.ID, req.ProcurementID, items)
	if err != nil {
		httpError(w, statusOf(err), err.Error())
		return
	}
	snap, err := s.lib.Snapshot(sess.ID)
	if err != nil {
		httpError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Service) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.lib.ListSessions())
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.lib.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleGetMinutes serves the session's electronic minutes, also for
// sessions that already closed.
func (s *Service) handleGetMinutes(w http.ResponseWriter, r *http.Request) {
	events, err := s.lib.ListMinutes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cast.EventViews(events))
}

// handleCancelSession terminates a session on behalf of the surrounding
// system, e.g. when the procurement record is revoked.
func (s *Service) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if req.Reason == "" {
		httpError(w, http.StatusBadRequest, "a reason is required to cancel a session")
		return
	}
	if err := s.lib.CancelSession(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Actor); err != nil {
		httpError(w, statusOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdvancePhase records the legal-workflow stage advanced by the
// surrounding procurement system.
func (s *Service) handleAdvancePhase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase string `json:"phase"`
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if err := s.lib.AdvancePhase(r.Context(), chi.URLParam(r, "id"), core.Phase(req.Phase), req.Actor); err != nil {
		httpError(w, statusOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encoding response: %v", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, cast.ErrorView{Code: http.StatusText(status), Message: msg})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, core.ErrItemNotFound),
		errors.Is(err, core.ErrBidNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, core.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
