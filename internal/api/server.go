// Package api is the local HTTP surface of the daemon. The CLI and
// the phone shortcut layer talk to it; nothing here is reachable from
// outside the machine unless the user binds it wider on purpose.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ghostcoach/ghostcoach/internal/backend"
	"github.com/ghostcoach/ghostcoach/internal/calendar"
	"github.com/ghostcoach/ghostcoach/internal/companion"
	"github.com/ghostcoach/ghostcoach/internal/core"
	"github.com/ghostcoach/ghostcoach/internal/cycle"
	"github.com/ghostcoach/ghostcoach/internal/health"
	"github.com/ghostcoach/ghostcoach/internal/notify"
	"github.com/ghostcoach/ghostcoach/internal/opqueue"
	"github.com/ghostcoach/ghostcoach/internal/phenome"
	"github.com/ghostcoach/ghostcoach/internal/receipts"
	"github.com/ghostcoach/ghostcoach/internal/recovery"
	"github.com/ghostcoach/ghostcoach/internal/trust"
)

// Server is the local HTTP API.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	trust    *trust.Store
	receipts *receipts.Store
	phenome  *phenome.Store
	calendar *calendar.Scheduler
	governor *notify.Governor
	queue    *opqueue.Queue
	backend  *backend.Client
	orch     *cycle.Orchestrator
	hub      *companion.Hub

	location  *time.Location
	startedAt time.Time
	version   string
	now       func() time.Time
}

// Config wires the server to the daemon's components. Backend and Hub
// may be nil; the routes that need them answer 503.
type Config struct {
	Port     int
	Host     string
	Location *time.Location
	Version  string

	Trust    *trust.Store
	Receipts *receipts.Store
	Phenome  *phenome.Store
	Calendar *calendar.Scheduler
	Governor *notify.Governor
	Queue    *opqueue.Queue
	Backend  *backend.Client
	Orch     *cycle.Orchestrator
	Hub      *companion.Hub
}

// New creates the API server.
func New(cfg Config) *Server {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}

	s := &Server{
		trust:    cfg.Trust,
		receipts: cfg.Receipts,
		phenome:  cfg.Phenome,
		calendar: cfg.Calendar,
		governor: cfg.Governor,
		queue:    cfg.Queue,
		backend:  cfg.Backend,
		orch:     cfg.Orch,
		hub:      cfg.Hub,
		location: cfg.Location,
		version:  cfg.Version,
		now:      time.Now,
	}
	s.startedAt = s.now()

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetClock overrides the time source for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/trust", s.handleGetTrust)
		r.Get("/trust/events", s.handleGetTrustEvents)
		r.Post("/trust/events", s.handlePostTrustEvent)

		r.Post("/health/signals", s.handleIngestSignals)

		r.Get("/recovery/today", s.handleRecoveryToday)
		r.Get("/recovery/history", s.handleRecoveryHistory)

		r.Get("/blocks", s.handleListBlocks)
		r.Get("/blocks/{blockID}", s.handleGetBlock)
		r.Post("/blocks/{blockID}/accept", s.handleAcceptBlock)
		r.Post("/blocks/{blockID}/reject", s.handleRejectBlock)
		r.Post("/blocks/{blockID}/cancel", s.handleCancelBlock)
		r.Delete("/blocks/{blockID}", s.handleDeleteBlock)

		r.Get("/receipts", s.handleQueryReceipts)
		r.Get("/receipts/summary", s.handleReceiptsSummary)
		r.Post("/receipts/verify", s.handleVerifyReceipts)

		r.Get("/notifications/pending", s.handlePendingNotification)
		r.Get("/notifications/log", s.handleNotificationLog)

		r.Post("/cycles/{kind}/run", s.handleRunCycle)
		r.Post("/emergency", s.handleEmergency)

		r.Get("/queue", s.handleQueueStatus)
		r.Post("/queue/flush", s.handleQueueFlush)

		r.Post("/pair/ticket", s.handlePairTicket)
		r.Get("/pair/peers", s.handlePairPeers)
	})

	s.router = r
}

// Start blocks serving the API.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ----- Response helpers -----

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// blockError maps the scheduler's sentinel errors onto status codes.
func (s *Server) blockError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrBlockNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrBlockImmutable),
		errors.Is(err, core.ErrOriginProtected),
		errors.Is(err, core.ErrSacredTime),
		errors.Is(err, core.ErrSlotConflict):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrPhaseDenied):
		s.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrInvalidWorkout):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrCalendarUnavailable):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// ----- Status -----

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"version":    s.version,
		"uptime":     s.now().Sub(s.startedAt).Round(time.Second).String(),
		"time":       s.now().In(s.location).Format(time.RFC3339),
		"calendar":   s.calendar != nil && s.calendar.Connected(),
		"companions": 0,
	}

	if s.trust != nil {
		if state, err := s.trust.State(); err == nil {
			status["trust_score"] = state.Score
			status["trust_phase"] = state.Phase
		}
	}
	if s.phenome != nil {
		date := s.now().In(s.location).Format("2006-01-02")
		if snap, err := s.phenome.SnapshotFor(r.Context(), date); err == nil && snap != nil {
			status["recovery_score"] = snap.Score
			status["recovery_level"] = recovery.Level(snap.Score)
		}
	}
	if s.queue != nil {
		if n, err := s.queue.Len(r.Context()); err == nil {
			status["queued_ops"] = n
		}
	}
	if s.backend != nil && s.backend.Enabled() {
		status["backend_online"] = s.backend.Online(r.Context())
	}
	if s.hub != nil {
		status["companions"] = len(s.hub.Peers())
	}

	s.respondJSON(w, http.StatusOK, status)
}

// ----- Trust -----

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	state, err := s.trust.State()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetTrustEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.trust.Events(limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, events)
}

type trustEventRequest struct {
	Kind      string `json:"kind"`
	DedupeKey string `json:"dedupe_key"`
	Note      string `json:"note,omitempty"`
}

// handlePostTrustEvent is the ingress for externally observed trust
// events, chiefly calendar deletions spotted by the phone layer.
func (s *Server) handlePostTrustEvent(w http.ResponseWriter, r *http.Request) {
	var req trustEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DedupeKey == "" {
		s.respondError(w, http.StatusBadRequest, "dedupe_key is required")
		return
	}

	kind := trust.EventKind(req.Kind)
	switch kind {
	case trust.EventWorkoutCompleted, trust.EventWorkoutMissed,
		trust.EventProposalAccepted, trust.EventProposalRejected,
		trust.EventBlockDeleted, trust.EventHealthEmergency:
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown event kind %q", req.Kind))
		return
	}

	if kind == trust.EventHealthEmergency && s.orch != nil {
		if err := s.orch.Emergency(r.Context(), "api", req.Note); err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		state, err := s.trust.State()
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, state)
		return
	}

	state, err := s.trust.RecordEvent(r.Context(), trust.Event{
		Kind:      kind,
		DedupeKey: req.DedupeKey,
		Note:      req.Note,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, state)
}

// ----- Health ingress -----

type ingestRequest struct {
	Signals []core.HealthSignal `json:"signals"`
}

// handleIngestSignals accepts measurements pushed by the shortcut
// layer: overnight sleep readings, and workout completions that the
// evening cycle matches against blocks.
func (s *Server) handleIngestSignals(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Signals) == 0 {
		s.respondError(w, http.StatusBadRequest, "signals is required")
		return
	}

	accepted := health.Normalize(req.Signals)
	if err := s.phenome.RecordSignals(r.Context(), accepted); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]int{
		"accepted": len(accepted),
		"rejected": len(req.Signals) - len(accepted),
	})
}

// ----- Recovery -----

func (s *Server) handleRecoveryToday(w http.ResponseWriter, r *http.Request) {
	date := s.now().In(s.location).Format("2006-01-02")
	snap, err := s.phenome.SnapshotFor(r.Context(), date)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		s.respondError(w, http.StatusNotFound, "no recovery snapshot for today")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot": snap,
		"level":    recovery.Level(snap.Score),
	})
}

func (s *Server) handleRecoveryHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 14
	}
	snaps, err := s.phenome.RecentSnapshots(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, snaps)
}

// ----- Blocks -----

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if status := r.URL.Query().Get("status"); status != "" {
		blocks, err := s.calendar.Blocks().ByStatus(ctx, core.BlockStatus(status))
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, blocks)
		return
	}

	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}
	now := s.now()
	blocks, err := s.calendar.Blocks().InRange(ctx, now.AddDate(0, 0, -1), now.AddDate(0, 0, days))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, blocks)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	id := core.BlockID(chi.URLParam(r, "blockID"))
	block, err := s.calendar.Blocks().Get(r.Context(), id)
	if err != nil {
		s.blockError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, block)
}

func (s *Server) handleAcceptBlock(w http.ResponseWriter, r *http.Request) {
	id := core.BlockID(chi.URLParam(r, "blockID"))

	block, err := s.calendar.AcceptProposal(r.Context(), id, false)
	if err != nil {
		s.blockError(w, err)
		return
	}

	if _, err := s.trust.RecordEvent(r.Context(), trust.Event{
		Kind:      trust.EventProposalAccepted,
		DedupeKey: "accept:" + string(id),
	}); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, block)
}

func (s *Server) handleRejectBlock(w http.ResponseWriter, r *http.Request) {
	id := core.BlockID(chi.URLParam(r, "blockID"))

	if err := s.calendar.RejectProposal(r.Context(), id); err != nil {
		s.blockError(w, err)
		return
	}

	if _, err := s.trust.RecordEvent(r.Context(), trust.Event{
		Kind:      trust.EventProposalRejected,
		DedupeKey: "reject:" + string(id),
	}); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelBlock(w http.ResponseWriter, r *http.Request) {
	id := core.BlockID(chi.URLParam(r, "blockID"))

	var req cancelRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "user_cancelled"
	}

	if err := s.calendar.CancelBlock(r.Context(), id, receipts.ActorUser, req.Reason); err != nil {
		s.blockError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleDeleteBlock is the hostile sibling of cancel: the user ripped
// a ghost placement out, which costs trust and can trip the breaker.
func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	id := core.BlockID(chi.URLParam(r, "blockID"))

	block, err := s.calendar.Blocks().Get(r.Context(), id)
	if err != nil {
		s.blockError(w, err)
		return
	}

	if err := s.calendar.CancelBlock(r.Context(), id, receipts.ActorUser, "user_deleted"); err != nil {
		s.blockError(w, err)
		return
	}

	// Deleting your own block is neutral; deleting the ghost's is not
	state, err := s.trust.State()
	if err == nil && block.Origin != core.OriginUser {
		state, err = s.trust.RecordEvent(r.Context(), trust.Event{
			Kind:      trust.EventBlockDeleted,
			DedupeKey: "delete:" + string(id),
		})
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "deleted",
		"trust":  state,
	})
}

// ----- Receipts -----

func (s *Server) handleQueryReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := receipts.QueryOptions{
		Action:     q.Get("action"),
		Actor:      q.Get("actor"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Outcome:    core.Outcome(q.Get("outcome")),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = v
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = t
	}

	recs, err := s.receipts.Query(opts)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleReceiptsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.receipts.GetSummary()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleVerifyReceipts(w http.ResponseWriter, r *http.Request) {
	if err := s.receipts.VerifyChain(); err != nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

// ----- Notifications -----

func (s *Server) handlePendingNotification(w http.ResponseWriter, r *http.Request) {
	pending, err := s.governor.Pending()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"pending": nil})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

func (s *Server) handleNotificationLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	entries, err := s.governor.Log(limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

// ----- Cycles -----

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		s.respondError(w, http.StatusServiceUnavailable, "cycles not configured")
		return
	}

	kind := chi.URLParam(r, "kind")
	if err := s.orch.Trigger(r.Context(), kind); err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "completed", "kind": kind})
}

type emergencyRequest struct {
	Source string `json:"source,omitempty"`
	Note   string `json:"note,omitempty"`
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		s.respondError(w, http.StatusServiceUnavailable, "cycles not configured")
		return
	}

	var req emergencyRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Source == "" {
		req.Source = "api"
	}

	if err := s.orch.Emergency(r.Context(), req.Source, req.Note); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "emergency_handled"})
}

// ----- Queue -----

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ops, err := s.queue.Pending(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"length": len(ops),
		"ops":    ops,
	})
}

func (s *Server) handleQueueFlush(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil || !s.backend.Enabled() {
		s.respondError(w, http.StatusServiceUnavailable, "no backend configured")
		return
	}
	result, err := s.backend.Flush(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// ----- Pairing -----

func (s *Server) handlePairTicket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.respondError(w, http.StatusServiceUnavailable, "companion sync not enabled")
		return
	}
	code, expires, err := s.hub.IssueTicket()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"code":       code,
		"expires_at": expires,
	})
}

func (s *Server) handlePairPeers(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.respondError(w, http.StatusServiceUnavailable, "companion sync not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, s.hub.Peers())
}
