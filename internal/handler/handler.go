package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/respexport/internal/archive"
	"github.com/pavelanni/respexport/internal/export"
	appI18n "github.com/pavelanni/respexport/internal/i18n"
	"github.com/pavelanni/respexport/internal/model"
	"github.com/pavelanni/respexport/internal/store"
)

// Config holds the export settings applied to every download.
type Config struct {
	// TempDir receives archives while they are built; empty means os.TempDir.
	TempDir string
	Level   int
	ForceGC bool
	// MaxUpload limits quiz uploads in bytes.
	MaxUpload int64
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	content archive.ContentOpener
	writer  store.ContentWriter
	config  Config
}

// Content stores and serves file bytes.
type Content interface {
	archive.ContentOpener
	store.ContentWriter
}

// New creates a new Handler.
func New(s *store.Store, content Content, cfg Config) *Handler {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 32 << 20
	}
	return &Handler{store: s, content: content, writer: content, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
		r.Get("/quizzes", h.handleListQuizzes)
		r.Get("/quizzes/{quizID}/responses.zip", h.handleDownload)
		r.Get("/quizzes/{quizID}/exports", h.handleExportHistory)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Use(requireRole(model.UserRoleAdmin))
		r.Post("/admin/import", h.handleImport)
		r.Get("/admin/users", h.handleListUsers)
		r.Post("/admin/users", h.handleCreateUser)
		r.Post("/admin/users/{userID}/toggle", h.handleToggleUserActive)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListQuizzes(w http.ResponseWriter, r *http.Request) {
	quizzes, err := h.store.ListQuizzes(r.Context())
	if err != nil {
		slog.Error("failed to list quizzes", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if quizzes == nil {
		quizzes = []model.Quiz{}
	}
	writeJSON(w, http.StatusOK, quizzes)
}

// quizFromRequest resolves the {quizID} URL parameter, writing the error
// response itself when it fails.
func (h *Handler) quizFromRequest(w http.ResponseWriter, r *http.Request) (model.Quiz, bool) {
	quizID, err := strconv.ParseInt(chi.URLParam(r, "quizID"), 10, 64)
	if err != nil {
		http.Error(w, appI18n.T(r.Context(), "InvalidQuizID"), http.StatusBadRequest)
		return model.Quiz{}, false
	}
	quiz, err := h.store.GetQuiz(r.Context(), quizID)
	if errors.Is(err, store.ErrQuizNotFound) {
		http.Error(w, appI18n.T(r.Context(), "QuizNotFound"), http.StatusNotFound)
		return quiz, false
	}
	if err != nil {
		slog.Error("failed to get quiz", "id", quizID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return quiz, false
	}
	return quiz, true
}

// handleDownload builds the archive in a temporary file and streams it. The
// temporary file is removed once the response is written.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	quiz, ok := h.quizFromRequest(w, r)
	if !ok {
		return
	}
	opts, err := model.ParseOptions(r.URL.Query().Get)
	if err != nil {
		http.Error(w, appI18n.Td(ctx, "InvalidOptions", map[string]any{"Error": err.Error()}), http.StatusBadRequest)
		return
	}

	tmp, err := os.CreateTemp(h.config.TempDir, "respexport-*.zip")
	if err != nil {
		slog.Error("failed to create temp file", "error", err)
		http.Error(w, appI18n.T(ctx, "ExportFailed"), http.StatusInternalServerError)
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	filename := export.DownloadFilename(quiz.CourseShort, quiz.Name)
	var requestedBy string
	if u := model.UserFromContext(ctx); u != nil {
		requestedBy = u.Username
	}
	res, err := export.New(h.store, h.content, export.Config{
		Options:     opts,
		Level:       h.config.Level,
		ForceGC:     h.config.ForceGC,
		RequestedBy: requestedBy,
		Filename:    filename,
	}).Run(ctx, quiz.ID, tmpPath)
	if err != nil {
		slog.Error("export failed", "quiz", quiz.ID, "error", err)
		http.Error(w, appI18n.T(ctx, "ExportFailed"), http.StatusInternalServerError)
		return
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		slog.Error("failed to open archive", "path", tmpPath, "error", err)
		http.Error(w, appI18n.T(ctx, "ExportFailed"), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("X-Export-Id", res.ID)
	w.Header().Set("X-Export-Failures", strconv.Itoa(len(res.Failures)))
	http.ServeContent(w, r, filename, time.Now(), f)
}

type exportRunView struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	Options     string     `json:"options"`
	Status      string     `json:"status"`
	Rows        int        `json:"rows"`
	Entries     int        `json:"entries"`
	Failures    int        `json:"failures"`
	Error       string     `json:"error,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (h *Handler) handleExportHistory(w http.ResponseWriter, r *http.Request) {
	quiz, ok := h.quizFromRequest(w, r)
	if !ok {
		return
	}
	runs, err := h.store.ListExports(r.Context(), quiz.ID)
	if err != nil {
		slog.Error("failed to list exports", "quiz", quiz.ID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]exportRunView, 0, len(runs))
	for _, run := range runs {
		out = append(out, exportRunView{
			ID:          run.ID,
			Filename:    run.Filename,
			Options:     run.Options,
			Status:      string(run.Status),
			Rows:        run.Rows,
			Entries:     run.Entries,
			Failures:    run.Failures,
			Error:       run.Error,
			RequestedBy: run.RequestedBy,
			StartedAt:   run.StartedAt,
			FinishedAt:  run.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
