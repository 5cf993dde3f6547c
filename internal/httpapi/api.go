// Package httpapi is the service's HTTP boundary: note intake, status,
// search, streaming upgrade, and job control. It holds no pipeline logic;
// handlers translate between HTTP and the orchestrator, searcher, and
// streaming session.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"voice-notes-service/internal/adapters/transcription"
	"voice-notes-service/internal/audio"
	"voice-notes-service/internal/config"
	"voice-notes-service/internal/events"
	"voice-notes-service/internal/ledger"
	"voice-notes-service/internal/models"
	"voice-notes-service/internal/notes"
	"voice-notes-service/internal/observability/logging"
	"voice-notes-service/internal/orchestrator"
	"voice-notes-service/internal/retrieval"
	"voice-notes-service/internal/store"
	"voice-notes-service/internal/streaming"
)

// StreamFactory opens a fresh streaming STT connection; each websocket
// session gets its own.
type StreamFactory func(ctx context.Context) (transcription.StreamingTranscriber, error)

// Options wires the API's collaborators.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Searcher     *retrieval.Searcher
	Store        *store.Store
	Ledger       *ledger.Ledger
	Audio        audio.Store
	Events       *events.Publisher
	Streams      StreamFactory
	Streaming    config.StreamingConfig
	Search       config.SearchConfig
}

// API serves the /v1 routes.
type API struct {
	orc       *orchestrator.Orchestrator
	searcher  *retrieval.Searcher
	store     *store.Store
	ledger    *ledger.Ledger
	audio     audio.Store
	events    *events.Publisher
	streams   StreamFactory
	streamCfg config.StreamingConfig
	searchCfg config.SearchConfig
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// New creates the API.
func New(opts Options) *API {
	return &API{
		orc:       opts.Orchestrator,
		searcher:  opts.Searcher,
		store:     opts.Store,
		ledger:    opts.Ledger,
		audio:     opts.Audio,
		events:    opts.Events,
		streams:   opts.Streams,
		streamCfg: opts.Streaming,
		searchCfg: opts.Search,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 4 * 1024,
			// The service fronts trusted clients; origin policy belongs to
			// the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logging.WithComponent("httpapi"),
	}
}

// Router builds the chi router.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.log))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notes", a.submitNote)
		r.Get("/notes/{id}/status", a.noteStatus)
		r.Get("/search", a.search)
		r.Get("/stream", a.stream)
		r.Post("/jobs/{id}/retry", a.retryJob)
		r.Post("/jobs/{id}/cancel", a.cancelJob)
		r.Get("/users/{id}/balance", a.balance)
		r.Post("/users/{id}/credit", a.credit)
	})
	return r
}

// requestLogger logs one line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("requestId", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

type submitRequest struct {
	UserID      string `json:"user_id"`
	NoteID      string `json:"note_id,omitempty"`
	AudioRef    string `json:"audio_ref,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	Text        string `json:"text,omitempty"`
	Reprocess   bool   `json:"reprocess,omitempty"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	NoteID string `json:"note_id"`
	State  string `json:"state"`
	Stage  string `json:"stage"`
}

func (a *API) submitNote(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.AudioBase64 != "" && req.AudioRef != "" {
		writeError(w, http.StatusBadRequest, "provide audio_base64 or audio_ref, not both")
		return
	}
	hasAudio := req.AudioBase64 != "" || req.AudioRef != ""
	if hasAudio && req.Text != "" {
		writeError(w, http.StatusBadRequest, "provide audio or text, not both")
		return
	}
	if !hasAudio && req.Text == "" && req.NoteID == "" {
		writeError(w, http.StatusBadRequest, "provide audio, text, or note_id")
		return
	}

	audioRef := req.AudioRef
	if req.AudioBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.AudioBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "audio_base64 is not valid base64")
			return
		}
		ref, err := a.audio.Save(r.Context(), uuid.New().String(), data)
		if err != nil {
			a.log.Error().Err(err).Msg("save uploaded audio")
			writeError(w, http.StatusInternalServerError, "could not store audio")
			return
		}
		audioRef = ref
	}

	job, n, err := a.orc.Submit(r.Context(), orchestrator.SubmitRequest{
		UserID:    req.UserID,
		NoteID:    req.NoteID,
		AudioRef:  audioRef,
		Text:      req.Text,
		Reprocess: req.Reprocess,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:  job.ID,
		NoteID: n.ID,
		State:  job.State.String(),
		Stage:  string(job.Stage),
	})
}

type statusResponse struct {
	NoteID     string             `json:"note_id"`
	State      string             `json:"state"`
	JobID      string             `json:"job_id,omitempty"`
	Stage      string             `json:"stage,omitempty"`
	Transcript *models.Transcript `json:"transcript,omitempty"`
	Extraction *models.Extraction `json:"extraction,omitempty"`
	Embedded   bool               `json:"embedded"`
	Failure    *failureInfo       `json:"failure,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

type failureInfo struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func (a *API) noteStatus(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	noteID := chi.URLParam(r, "id")

	n, err := a.store.GetNote(r.Context(), noteID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	if n.UserID != userID {
		writeError(w, http.StatusNotFound, "note not found")
		return
	}

	resp := statusResponse{
		NoteID:     n.ID,
		State:      n.State.String(),
		Transcript: n.Transcript,
		Extraction: n.Extraction,
		Embedded:   n.Embedded,
		UpdatedAt:  n.UpdatedAt,
	}
	if n.FailureCode != "" {
		resp.Failure = &failureInfo{Reason: n.FailureCode, Message: n.FailureMessage}
	}
	if job, err := a.store.LatestJobByNote(r.Context(), n.ID); err == nil {
		resp.JobID = job.ID
		resp.Stage = string(job.Stage)
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchResponse struct {
	Query   string             `json:"query"`
	Results []retrieval.Result `json:"results"`
}

func (a *API) search(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	topK := a.searchCfg.DefaultTopK
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k <= 0 {
			writeError(w, http.StatusBadRequest, "top_k must be a positive integer")
			return
		}
		topK = k
	}

	results, err := a.searcher.Search(r.Context(), userID, query, topK)
	if err != nil {
		a.log.Error().Err(err).Str("userId", userID).Msg("search failed")
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: query, Results: results})
}

func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	stt, err := a.streams(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("open stt stream")
		writeError(w, http.StatusServiceUnavailable, "transcription backend unavailable")
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		a.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	err = streaming.ServeConn(r.Context(), conn, streaming.Options{
		UserID:   userID,
		STT:      stt,
		Pipeline: a.orc,
		Audio:    a.audio,
		Events:   a.events,
		Config:   a.streamCfg,
	})
	if err != nil {
		a.log.Error().Err(err).Str("userId", userID).Msg("streaming session failed")
	}
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := a.orc.Retry(r.Context(), jobID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:  job.ID,
		NoteID: job.NoteID,
		State:  job.State.String(),
		Stage:  string(job.Stage),
	})
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := a.orc.Cancel(r.Context(), jobID); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "state": notes.StateFailed.String()})
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func (a *API) balance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	b, err := a.ledger.Balance(r.Context(), userID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: b})
}

type creditRequest struct {
	Amount int64 `json:"amount"`
}

func (a *API) credit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if err := a.ledger.Credit(r.Context(), userID, req.Amount); err != nil {
		a.writeDomainError(w, err)
		return
	}
	b, err := a.ledger.Balance(r.Context(), userID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: b})
}

// requireUser resolves the calling user from the X-User-ID header or the
// user_id query parameter. Writes a 400 and returns "" when absent.
func requireUser(w http.ResponseWriter, r *http.Request) string {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user identity required (X-User-ID header or user_id parameter)")
	}
	return userID
}

func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	var conflict *orchestrator.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, notes.ErrTerminalState), errors.Is(err, notes.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, err.Error())
	default:
		a.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
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
