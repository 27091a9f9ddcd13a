package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tally-sync/internal/archive"
	"tally-sync/internal/handshake"
	"tally-sync/internal/models"
	"tally-sync/internal/ratelimit"
	"tally-sync/internal/store"
	"tally-sync/internal/submit"
	"tally-sync/internal/telemetry"
	"tally-sync/internal/worker"
)

// Store is the queue the API reads and buffers into.
type Store interface {
	Add(ctx context.Context, rec models.NewRecord) (int64, error)
	List(ctx context.Context) ([]models.Record, error)
	Get(ctx context.Context, id int64) (models.Record, bool, error)
	Update(ctx context.Context, id int64, p models.Patch) error
	Remove(ctx context.Context, id int64) error
}

// Submitter makes the online attempt and answers mesa lookups.
type Submitter interface {
	Attempt(ctx context.Context, payload map[string]any, credential string) submit.Result
	LookupMesa(ctx context.Context, numero string) (models.MesaInfo, error)
}

// Confirmations is the operator side of the conflict handshake.
type Confirmations interface {
	Pending() []handshake.Prompt
	Recover(ctx context.Context) (int, error)
	Resolve(ctx context.Context, recordID int64, overwrite bool) (models.Record, error)
}

// DrainRequester is the manual drain trigger.
type DrainRequester interface {
	RequestDrain(ctx context.Context) error
}

// Limiter throttles enqueue requests per operator.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Archiver exports audit snapshots.
type Archiver interface {
	Export(ctx context.Context) (archive.Result, error)
}

// Deps are the collaborators a Server needs. Limiter and Archiver are optional.
type Deps struct {
	Store         Store
	Submitter     Submitter
	Confirmations Confirmations
	Drain         DrainRequester
	Limiter       Limiter
	Archiver      Archiver
	Logger        *slog.Logger
	// OfflineFirst skips the online attempt and queues every submission.
	OfflineFirst bool
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	Deps
}

// New constructs the API server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{Deps: d}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/submissions", s.handleSubmit)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/drain", s.handleDrain)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleRemove)
		r.Post("/{id}/retry", s.handleRetry)
	})

	r.Get("/confirmations", s.handleConfirmations)
	r.Post("/confirmations/{id}", s.handleResolve)

	r.Get("/mesas/{numero}", s.handleMesa)
	r.Post("/archive", s.handleArchive)
	return r
}

type submitRequest struct {
	Payload    json.RawMessage `json:"payload"`
	Credential string          `json:"credential"`
}

type submitResponse struct {
	Status  string `json:"status"`
	Queued  bool   `json:"queued,omitempty"`
	ID      int64  `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var sub models.Submission
	if err := json.Unmarshal(req.Payload, &sub); err != nil || sub.MesaID <= 0 {
		writeError(w, http.StatusBadRequest, "payload.mesa_id is required")
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "payload must be an object")
		return
	}

	if s.Limiter != nil {
		dec, err := s.Limiter.Allow(r.Context(), "operator:"+operatorFromRequest(r))
		if err != nil {
			// Refusing a tally because the limiter is down would lose it.
			s.Logger.Warn("rate limiter unavailable, accepting submission", "error", err)
		} else if !dec.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	existing, dup, err := s.queuedFor(r.Context(), sub.MesaID)
	if err != nil {
		s.writeStoreError(w, "check queue", err)
		return
	}
	if dup {
		writeJSON(w, http.StatusConflict, submitResponse{
			Status:  "duplicate",
			Queued:  true,
			ID:      existing.ID,
			Message: fmt.Sprintf("La mesa %d ya tiene un envío en cola (%s)", sub.MesaID, existing.Status),
		})
		return
	}

	if !s.OfflineFirst {
		res := s.Submitter.Attempt(r.Context(), payload, req.Credential)
		telemetry.OnlineSubmissions.WithLabelValues(string(res.Kind)).Inc()
		switch res.Kind {
		case submit.Success:
			writeJSON(w, http.StatusOK, submitResponse{Status: "ok"})
			return
		case submit.Conflict:
			writeJSON(w, http.StatusConflict, submitResponse{Status: "conflict", Message: res.Message})
			return
		case submit.AuthBlock:
			writeJSON(w, http.StatusUnauthorized, submitResponse{Status: "auth_blocked", Message: res.Describe()})
			return
		}
		s.Logger.Info("online attempt failed, buffering", "mesa_id", sub.MesaID, "reason", res.Describe())
	}

	id, err := s.Store.Add(r.Context(), models.NewRecord{Payload: payload, Credential: req.Credential})
	if err != nil {
		s.writeStoreError(w, "enqueue", err)
		return
	}
	telemetry.EnqueueCounter.Inc()
	s.Logger.Info("submission queued", "id", id, "mesa_id", sub.MesaID)
	writeJSON(w, http.StatusAccepted, submitResponse{Status: "queued", Queued: true, ID: id})
}

// queuedFor finds a record for mesa that is still in flight or awaiting a decision.
func (s *Server) queuedFor(ctx context.Context, mesa int64) (models.Record, bool, error) {
	recs, err := s.Store.List(ctx)
	if err != nil {
		return models.Record{}, false, err
	}
	for _, rec := range recs {
		if rec.Status != models.StatusPending && rec.Status != models.StatusNeedsConfirm {
			continue
		}
		if id, ok := rec.MesaID(); ok && id == mesa {
			return rec, true, nil
		}
	}
	return models.Record{}, false, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Store.List(r.Context())
	if err != nil {
		s.writeStoreError(w, "list queue", err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if rec.Status == status {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	if recs == nil {
		recs = []models.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := worker.Discard(r.Context(), s.Store, id); err != nil {
		s.writeQueueError(w, "remove record", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type retryRequest struct {
	Credential string `json:"credential"`
}

// handleRetry is the explicit caller action that returns a parked record to pending.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	var req retryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	rec, err := worker.Requeue(r.Context(), s.Store, id, req.Credential)
	if err != nil {
		s.writeQueueError(w, "retry record", err)
		return
	}
	s.requestDrain(r.Context())
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	s.requestDrain(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]bool{"requested": true})
}

func (s *Server) requestDrain(ctx context.Context) {
	if s.Drain == nil {
		return
	}
	if err := s.Drain.RequestDrain(ctx); err != nil {
		s.Logger.Warn("drain request failed", "error", err)
	}
}

// handleConfirmations lists open prompts. It first reopens any the push channel missed, so a
// conflict flagged while this process was not listening still reaches the operator.
func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Confirmations.Recover(r.Context()); err != nil {
		s.Logger.Warn("reopen confirmations from queue", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmations": s.Confirmations.Pending()})
}

type resolveRequest struct {
	Overwrite *bool `json:"overwrite"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Overwrite == nil {
		writeError(w, http.StatusBadRequest, "overwrite is required")
		return
	}
	rec, err := s.Confirmations.Resolve(r.Context(), id, *req.Overwrite)
	switch {
	case errors.Is(err, handshake.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, handshake.ErrNotAwaitingDecision):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeStoreError(w, "resolve confirmation", err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) handleMesa(w http.ResponseWriter, r *http.Request) {
	info, err := s.Submitter.LookupMesa(r.Context(), chi.URLParam(r, "numero"))
	switch {
	case errors.Is(err, submit.ErrMesaNotFound):
		writeError(w, http.StatusNotFound, "Mesa no encontrada")
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, info)
	}
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.Archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "archive bucket not configured")
		return
	}
	res, err := s.Archiver.Export(r.Context())
	if err != nil {
		s.Logger.Error("archive export failed", "error", err)
		writeError(w, http.StatusBadGateway, "archive export failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) loadRecord(w http.ResponseWriter, r *http.Request) (models.Record, bool) {
	id, ok := recordID(w, r)
	if !ok {
		return models.Record{}, false
	}
	rec, ok, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, "load record", err)
		return models.Record{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "record not found")
		return models.Record{}, false
	}
	return rec, true
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// writeQueueError maps operator action errors to statuses.
func (s *Server) writeQueueError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, worker.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, worker.ErrNotRetryable), errors.Is(err, worker.ErrStillPending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeStoreError(w, op, err)
	}
}

// writeStoreError answers 507 for storage failures so the operator sees the buffer is not
// protecting their data.
func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	s.Logger.Error(op+" failed", "error", err)
	if errors.Is(err, store.ErrStorage) {
		telemetry.StoreErrors.Inc()
		writeError(w, http.StatusInsufficientStorage, "local queue unavailable: "+err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func operatorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Operator-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
