package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/gitsource"
	"github.com/conorfennell/recall/internal/ingest"
	"github.com/conorfennell/recall/internal/review"
	"github.com/conorfennell/recall/internal/storage"
	"github.com/conorfennell/recall/internal/validation"
)

const maxImportBytes = 32 << 20

// Validator scores free-text answers. *validation.Client satisfies it.
type Validator interface {
	Validate(ctx context.Context, questionID, answer string) (*validation.Result, error)
}

// SourceRegistry manages ingestion sources. *storage.DB satisfies it.
type SourceRegistry interface {
	GetAllSources() ([]storage.Source, error)
	InsertSource(path, sourceType string) (int64, error)
	DeleteSource(sourceID int64) error
}

// Syncer re-ingests every registered source. *ingest.Ingester satisfies it.
type Syncer interface {
	Sync(ctx context.Context) (ingest.Result, error)
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	store     *review.Store
	validator Validator
	sources   SourceRegistry
	syncer    Syncer
	router    *http.ServeMux
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithValidator enables free-text answers.
func WithValidator(v Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithSources enables the source management and sync routes.
func WithSources(reg SourceRegistry, syncer Syncer) Option {
	return func(s *Server) {
		s.sources = reg
		s.syncer = syncer
	}
}

// NewServer creates and configures a new server.
func NewServer(store *review.Store, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:  store,
		router: http.NewServeMux(),
		log:    log.With("component", "web"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.router.ServeHTTP(rec, r)
	s.log.Debug("Request handled",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"elapsed", time.Since(start),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /api/health", s.handleHealth())

	s.router.HandleFunc("GET /api/materials", s.handleListMaterials())
	s.router.HandleFunc("GET /api/materials/{id}/questions", s.handleGetQuestions())
	s.router.HandleFunc("PUT /api/materials/{id}/questions", s.handlePutQuestions())
	s.router.HandleFunc("DELETE /api/materials/{id}/questions", s.handleDeleteMaterial())
	s.router.HandleFunc("POST /api/materials/{id}/questions/{index}/answer", s.handleAnswer())

	s.router.HandleFunc("GET /api/due", s.handleDue())
	s.router.HandleFunc("GET /api/stats", s.handleStats())
	s.router.HandleFunc("GET /api/calendar", s.handleCalendar())

	s.router.HandleFunc("GET /api/export", s.handleExport())
	s.router.HandleFunc("POST /api/import", s.handleImport())

	s.router.HandleFunc("GET /api/sources", s.handleGetSources())
	s.router.HandleFunc("POST /api/sources", s.handlePostSource())
	s.router.HandleFunc("DELETE /api/sources/{id}", s.handleDeleteSource())
	s.router.HandleFunc("POST /api/sync", s.handlePostSync())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError replies with {"detail": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// storeError maps review errors onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, review.ErrIndexOutOfRange):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, review.ErrInvalidScore), errors.Is(err, review.ErrInvalidSnapshot):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, review.ErrNoScheduler):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("Store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

// refreshView keeps the denormalized all-questions key current after writes.
func (s *Server) refreshView() {
	if err := s.store.SyncAllQuestionsView(); err != nil {
		s.log.Warn("Failed to refresh all-questions view", "error", err)
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"validation": s.validator != nil,
		})
	}
}

type materialSummary struct {
	ID        string `json:"id"`
	Questions int    `json:"questions"`
}

func (s *Server) handleListMaterials() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := s.store.Materials()
		if err != nil {
			s.storeError(w, err)
			return
		}
		out := make([]materialSummary, 0, len(ids))
		for _, id := range ids {
			out = append(out, materialSummary{ID: id, Questions: len(s.store.QuestionsByMaterial(id))})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleGetQuestions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.store.QuestionsByMaterial(r.PathValue("id")))
	}
}

func (s *Server) handlePutQuestions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cards []domain.Flashcard
		if err := json.NewDecoder(r.Body).Decode(&cards); err != nil {
			writeError(w, http.StatusBadRequest, "Body must be a JSON array of questions")
			return
		}
		id := r.PathValue("id")
		if err := s.store.SaveQuestionsByMaterial(id, cards); err != nil {
			s.storeError(w, err)
			return
		}
		s.refreshView()
		writeJSON(w, http.StatusOK, s.store.QuestionsByMaterial(id))
	}
}

func (s *Server) handleDeleteMaterial() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.DeleteMaterial(r.PathValue("id")); err != nil {
			s.storeError(w, err)
			return
		}
		s.refreshView()
		w.WriteHeader(http.StatusNoContent)
	}
}

type answerRequest struct {
	Score      *int   `json:"score"`
	Answer     string `json:"answer"`
	QuestionID string `json:"question_id"`
}

type answerResponse struct {
	Score       int                `json:"score"`
	Quality     int                `json:"quality"`
	ReviewState domain.ReviewState `json:"reviewState"`
	Validation  *validation.Result `json:"validation,omitempty"`
}

// handleAnswer schedules a review. The {index} segment is a position or a
// stable card id. The body carries either a score on the 0-100 scale or a
// free-text answer that the validation service scores.
func (s *Server) handleAnswer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		materialID := r.PathValue("id")
		ref := r.PathValue("index")
		index, err := strconv.Atoi(ref)
		if err != nil {
			if index = s.store.FindIndex(materialID, ref); index < 0 {
				writeError(w, http.StatusNotFound, fmt.Sprintf("Question %s not found", ref))
				return
			}
		}

		var req answerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}

		var res answerResponse
		switch {
		case req.Score != nil:
			res.Score = *req.Score
		case req.Answer != "":
			if s.validator == nil {
				writeError(w, http.StatusServiceUnavailable, "Answer validation is not configured")
				return
			}
			cards := s.store.QuestionsByMaterial(materialID)
			if index < 0 || index >= len(cards) {
				writeError(w, http.StatusNotFound, fmt.Sprintf("Question %d not found", index))
				return
			}
			qid := req.QuestionID
			if qid == "" {
				qid = cards[index].ID
			}
			v, err := s.validator.Validate(r.Context(), qid, req.Answer)
			if err != nil {
				s.log.Error("Answer validation failed", "material_id", materialID, "index", index, "error", err)
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			res.Score = v.RoundedScore()
			res.Validation = v
		default:
			writeError(w, http.StatusBadRequest, "Provide a score or an answer")
			return
		}

		rs, err := s.store.ProcessAnswer(materialID, index, res.Score)
		if err != nil {
			s.storeError(w, err)
			return
		}
		s.refreshView()
		res.ReviewState = rs
		if n := len(rs.ReviewHistory); n > 0 {
			res.Quality = rs.ReviewHistory[n-1].Quality
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleDue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.store.DueQuestions())
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.store.GlobalStats()
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, review.ErrNoScheduler.Error())
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// handleCalendar takes year and a 1-12 month, defaulting to the current one.
func (s *Server) handleCalendar() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := s.now()
		year, month := now.Year(), int(now.Month())
		q := r.URL.Query()
		if v := q.Get("year"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid year")
				return
			}
			year = n
		}
		if v := q.Get("month"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 12 {
				writeError(w, http.StatusBadRequest, "Month must be between 1 and 12")
				return
			}
			month = n
		}

		cal, err := s.store.Calendar(year, time.Month(month))
		if err != nil {
			s.storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cal)
	}
}

func (s *Server) handleExport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := s.store.ExportAll()
		if err != nil {
			s.storeError(w, err)
			return
		}
		name := fmt.Sprintf("recall-export-%s.json", s.now().Format(time.DateOnly))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		_, _ = w.Write(data)
	}
}

func (s *Server) handleImport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode, err := review.ParseImportMode(r.URL.Query().Get("mode"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "Import body too large")
			return
		}
		n, err := s.store.ImportAll(data, mode)
		if err != nil {
			s.storeError(w, err)
			return
		}
		s.refreshView()
		writeJSON(w, http.StatusOK, map[string]any{"imported": n, "mode": mode})
	}
}

type sourceResponse struct {
	ID          int64      `json:"id"`
	Path        string     `json:"path"`
	Type        string     `json:"type"`
	LastScanned *time.Time `json:"lastScanned,omitempty"`
}

func (s *Server) listSources(w http.ResponseWriter) {
	sources, err := s.sources.GetAllSources()
	if err != nil {
		s.log.Error("Error getting sources", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		sr := sourceResponse{ID: src.ID, Path: src.Path, Type: src.Type}
		if src.LastScanned.Valid {
			t := src.LastScanned.Time
			sr.LastScanned = &t
		}
		out = append(out, sr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) requireSources(w http.ResponseWriter) bool {
	if s.sources == nil {
		writeError(w, http.StatusNotFound, "Source management is not enabled")
		return false
	}
	return true
}

func (s *Server) handleGetSources() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireSources(w) {
			return
		}
		s.listSources(w)
	}
}

// handlePostSource registers {"path": ...} and replies with the source list.
func (s *Server) handlePostSource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireSources(w) {
			return
		}
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
			writeError(w, http.StatusBadRequest, "Path cannot be empty")
			return
		}
		sourceType := storage.SourceLocal
		if gitsource.IsURL(body.Path) {
			sourceType = storage.SourceGit
		}
		if _, err := s.sources.InsertSource(body.Path, sourceType); err != nil {
			s.log.Error("Error inserting new source", "path", body.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to add source")
			return
		}
		s.listSources(w)
	}
}

func (s *Server) handleDeleteSource() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireSources(w) {
			return
		}
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid source ID")
			return
		}
		if err := s.sources.DeleteSource(id); err != nil {
			s.log.Error("Error deleting source", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to delete source")
			return
		}
		s.listSources(w)
	}
}

// handlePostSync runs a sync in the foreground and reports its counts.
func (s *Server) handlePostSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireSources(w) {
			return
		}
		if s.syncer == nil {
			writeError(w, http.StatusNotFound, "Sync is not enabled")
			return
		}
		res, err := s.syncer.Sync(r.Context())
		if err != nil {
			s.log.Error("Sync failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
