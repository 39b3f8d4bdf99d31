package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/prudhvinik1/medsync/internal/services"
)

type Server struct {
	outbox      *services.Outbox
	sync        *services.SyncCoordinator
	medications *MedicationViews
	deadLetters repositories.DeadLetterReader
	jwtSecret   string
	logger      *log.Logger
}

type ServerOptions struct {
	JWTSecret string
	// DeadLetters backs GET /v1/sync/dead-letters; without it the route answers 404.
	DeadLetters repositories.DeadLetterReader
	Logger      *log.Logger
}

func NewServer(outbox *services.Outbox, coordinator *services.SyncCoordinator, medications *MedicationViews, opts ServerOptions) *Server {
	s := &Server{
		outbox:      outbox,
		sync:        coordinator,
		medications: medications,
		deadLetters: opts.DeadLetters,
		jwtSecret:   opts.JWTSecret,
		logger:      opts.Logger,
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[http] ", log.LstdFlags)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	// Health check endpoints
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(s.jwtSecret))

		r.Get("/sync/stats", s.handleStats)
		r.Get("/sync/dead-letters", s.handleDeadLetters)

		r.Get("/outbox/events", s.handleListEvents)
		r.Post("/outbox/events", s.handleEnqueue)
		r.Delete("/outbox/events", s.handleClearOutbox)
		r.Post("/outbox/flush", s.handleFlush)

		r.Put("/sync/entities/{entityID}", s.handleStartEntitySync)
		r.Delete("/sync/entities/{entityID}", s.handleStopEntitySync)
		r.Put("/sync/devices/{deviceID}", s.handleStartDeviceSync)
		r.Delete("/sync/devices/{deviceID}", s.handleStopDeviceSync)

		r.Get("/patients/{patientID}/medications", s.handleMedications)
	})

	return router
}

type statsResponse struct {
	Sync          models.SyncStatistics `json:"sync"`
	OutboxPending int                   `json:"outboxPending"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Sync:          s.sync.SyncStatistics(),
		OutboxPending: s.outbox.PendingCount(),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events := s.outbox.AllEvents()
	if events == nil {
		events = []models.QueuedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var ev models.NewEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	queued, err := s.outbox.Enqueue(r.Context(), ev)
	if err != nil {
		if errors.Is(err, models.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Printf("ERROR: failed to enqueue event: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue event")
		return
	}
	writeJSON(w, http.StatusCreated, queued)
}

func (s *Server) handleClearOutbox(w http.ResponseWriter, r *http.Request) {
	if err := s.outbox.ClearQueue(r.Context()); err != nil {
		s.logger.Printf("ERROR: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to clear queue")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.outbox.Flush(r.Context()))
}

type entitySyncRequest struct {
	TargetID string `json:"targetId"`
}

// The listener outlives the request, so it is detached from request cancellation.
func (s *Server) handleStartEntitySync(w http.ResponseWriter, r *http.Request) {
	var req entitySyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "targetId is required")
		return
	}

	entityID := chi.URLParam(r, "entityID")
	if err := s.sync.StartEntitySync(context.WithoutCancel(r.Context()), entityID, req.TargetID); err != nil {
		s.logger.Printf("ERROR: %v", err)
		writeError(w, http.StatusServiceUnavailable, "failed to start entity sync")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopEntitySync(w http.ResponseWriter, r *http.Request) {
	s.sync.StopEntitySync(chi.URLParam(r, "entityID"))
	w.WriteHeader(http.StatusNoContent)
}

type deviceSyncRequest struct {
	EntityID string `json:"entityId"`
}

func (s *Server) handleStartDeviceSync(w http.ResponseWriter, r *http.Request) {
	var req deviceSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entityId is required")
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	if err := s.sync.StartDeviceEventSync(context.WithoutCancel(r.Context()), deviceID, req.EntityID); err != nil {
		s.logger.Printf("ERROR: %v", err)
		writeError(w, http.StatusServiceUnavailable, "failed to start device event sync")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopDeviceSync(w http.ResponseWriter, r *http.Request) {
	s.sync.StopDeviceEventSync(chi.URLParam(r, "deviceID"))
	w.WriteHeader(http.StatusNoContent)
}

// handleDeadLetters lists abandoned sync operations of the queue named by
// ?queue=, or of both queues when it is absent.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letters are not recorded")
		return
	}

	queues := []string{services.QueueOutbound, services.QueueInbound}
	switch queue := r.URL.Query().Get("queue"); queue {
	case "":
	case services.QueueOutbound, services.QueueInbound:
		queues = []string{queue}
	default:
		writeError(w, http.StatusBadRequest, "unknown queue "+queue)
		return
	}

	letters := []repositories.DeadLetter{}
	for _, queue := range queues {
		found, err := s.deadLetters.ListByQueue(r.Context(), queue)
		if err != nil {
			s.logger.Printf("ERROR: failed to list dead letters: %v", err)
			writeError(w, http.StatusServiceUnavailable, "failed to list dead letters")
			return
		}
		letters = append(letters, found...)
	}
	writeJSON(w, http.StatusOK, letters)
}

type medicationsResponse struct {
	Source    services.Source   `json:"source"`
	IsLoading bool              `json:"isLoading"`
	Data      []models.Document `json:"data"`
	Error     string            `json:"error,omitempty"`
}

func (s *Server) handleMedications(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	refresh := r.URL.Query().Get("refresh") == "true"

	state := s.medications.Read(r.Context(), patientID, refresh)

	resp := medicationsResponse{
		Source:    state.Source,
		IsLoading: state.IsLoading,
		Data:      state.Data,
	}
	if resp.Data == nil {
		resp.Data = []models.Document{}
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
