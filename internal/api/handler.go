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
	"go.uber.org/zap"

	"github.com/nidhogg/aitown/internal/agent"
	"github.com/nidhogg/aitown/internal/memory"
	"github.com/nidhogg/aitown/internal/store"
)

// Queue is the admin view of one job queue.
type Queue interface {
	Enqueue(ctx context.Context, j store.Job) error
	Get(ctx context.Context, requestID int64) (*store.Job, error)
	ListUnprocessed(ctx context.Context) ([]store.Job, error)
	ListUnprocessedForAgent(ctx context.Context, npcID int) ([]store.Job, error)
	Delete(ctx context.Context, requestID int64) error
	DeleteAll(ctx context.Context) error
	MarkAllProcessed(ctx context.Context) error
	ReleaseExpired(ctx context.Context, ttl time.Duration) (int64, error)
	Stats(ctx context.Context) (store.QueueStats, error)
}

// Backend is the database behind the queues. Reflections and schedules
// are produced elsewhere and only written through here.
type Backend interface {
	Ping(ctx context.Context) error
	PendingInstructions(ctx context.Context, npcID int) ([]store.Instruction, error)
	SaveReflection(ctx context.Context, r memory.Reflection) error
	SaveSchedule(ctx context.Context, sc memory.Schedule) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	backend    Backend
	queues     map[store.Kind]Queue
	characters *agent.Characters
	lease      time.Duration
	minLease   time.Duration
	logger     *zap.Logger
}

// NewHandler creates a new API handler. lease is the default age after
// which a claim may be released; zero means callers must name a ttl.
// Releases must be older than taskTimeout so a claim held by a running
// task is never handed out again.
func NewHandler(backend Backend, queues map[store.Kind]Queue, characters *agent.Characters, lease, taskTimeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		backend:    backend,
		queues:     queues,
		characters: characters,
		lease:      lease,
		minLease:   taskTimeout,
		logger:     logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/{npcId}/instructions", h.pendingInstructions)
		r.Post("/agents/{npcId}/reflections", h.saveReflection)
		r.Post("/agents/{npcId}/schedules", h.saveSchedule)

		r.Route("/queues/{kind}", func(r chi.Router) {
			r.Get("/stats", h.queueStats)
			r.Get("/jobs", h.listJobs)
			r.Post("/jobs", h.enqueueJob)
			r.Delete("/jobs", h.purgeJobs)
			r.Get("/jobs/{requestId}", h.getJob)
			r.Delete("/jobs/{requestId}", h.deleteJob)
			r.Get("/agents/{npcId}/pending", h.pendingForAgent)
			r.Post("/release", h.releaseExpired)
			r.Post("/skip", h.skipAll)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type agentSummary struct {
	NPCID   int    `json:"npc_id"`
	Name    string `json:"name"`
	Actions int    `json:"actions"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	out := []agentSummary{}
	if h.characters != nil {
		for _, c := range h.characters.All() {
			out = append(out, agentSummary{NPCID: c.NPCID, Name: c.Name, Actions: len(c.AvailableActions)})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) pendingInstructions(w http.ResponseWriter, r *http.Request) {
	npcID, ok := intParam(w, r, "npcId")
	if !ok {
		return
	}
	out, err := h.backend.PendingInstructions(r.Context(), npcID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

type textRequest struct {
	Time int64  `json:"time"` // unix milliseconds, defaults to now
	Text string `json:"text"`
}

func decodeText(w http.ResponseWriter, r *http.Request) (int, textRequest, bool) {
	var req textRequest
	npcID, ok := intParam(w, r, "npcId")
	if !ok {
		return 0, req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return 0, req, false
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return 0, req, false
	}
	return npcID, req, true
}

func requestTime(ms int64) time.Time {
	if ms == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func (h *Handler) saveReflection(w http.ResponseWriter, r *http.Request) {
	npcID, req, ok := decodeText(w, r)
	if !ok {
		return
	}
	refl := memory.Reflection{NPCID: npcID, Time: requestTime(req.Time), Text: req.Text}
	if err := h.backend.SaveReflection(r.Context(), refl); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, refl)
}

func (h *Handler) saveSchedule(w http.ResponseWriter, r *http.Request) {
	npcID, req, ok := decodeText(w, r)
	if !ok {
		return
	}
	sc := memory.Schedule{NPCID: npcID, Time: requestTime(req.Time), Text: req.Text}
	if err := h.backend.SaveSchedule(r.Context(), sc); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	st, err := q.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	jobs, err := q.ListUnprocessed(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

type enqueueRequest struct {
	RequestID  int64  `json:"request_id"`
	Time       int64  `json:"time"` // unix milliseconds
	NPCID      int    `json:"npc_id"`
	Content    string `json:"content"`
	MsgID      int    `json:"msg_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	PrivateMsg bool   `json:"private_msg"`
}

func (h *Handler) enqueueJob(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.RequestID == 0 || req.NPCID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request_id and npc_id are required"})
		return
	}
	j := store.Job{
		RequestID:  req.RequestID,
		Time:       requestTime(req.Time),
		NPCID:      req.NPCID,
		Content:    req.Content,
		MsgID:      req.MsgID,
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		PrivateMsg: req.PrivateMsg,
	}
	if err := q.Enqueue(r.Context(), j); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *Handler) purgeJobs(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	if err := q.DeleteAll(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Warn("queue purged", zap.String("kind", chi.URLParam(r, "kind")))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	id, ok := int64Param(w, r, "requestId")
	if !ok {
		return
	}
	j, err := q.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	id, ok := int64Param(w, r, "requestId")
	if !ok {
		return
	}
	if err := q.Delete(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pendingForAgent(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	npcID, ok := intParam(w, r, "npcId")
	if !ok {
		return
	}
	jobs, err := q.ListUnprocessedForAgent(r.Context(), npcID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(jobs))
}

type releaseRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (h *Handler) releaseExpired(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	ttl := h.lease
	var req releaseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl <= 0 || ttl <= h.minLease {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("ttl_seconds must exceed the task timeout of %ds", int(h.minLease.Seconds())),
		})
		return
	}
	n, err := q.ReleaseExpired(r.Context(), ttl)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": n, "ttl_seconds": int(ttl.Seconds())})
}

func (h *Handler) skipAll(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	if err := q.MarkAllProcessed(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) (Queue, bool) {
	kind, err := store.ParseKind(chi.URLParam(r, "kind"))
	if err == nil {
		if q, ok := h.queues[kind]; ok {
			return q, true
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "queue not found"})
	return nil, false
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	h.logger.Error("admin request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
