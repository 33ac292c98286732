package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/respexport/internal/i18n"
	"github.com/pavelanni/respexport/internal/model"
	"github.com/pavelanni/respexport/internal/quizfile"
	"github.com/pavelanni/respexport/internal/store"
)

type userView struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		slog.Error("failed to list users", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Role:        string(u.Role),
			Active:      u.Active,
			CreatedAt:   u.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	displayName := r.FormValue("display_name")
	password := r.FormValue("password")
	role := model.UserRole(r.FormValue("role"))

	if username == "" || password == "" {
		http.Error(w, appI18n.T(r.Context(), "UsernamePasswordRequired"), http.StatusBadRequest)
		return
	}
	if role == "" {
		role = model.UserRoleTeacher
	}
	if !role.Valid() {
		http.Error(w, appI18n.T(r.Context(), "InvalidRole"), http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if displayName == "" {
		displayName = username
	}

	id, err := h.store.CreateUser(model.User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	})
	if err != nil {
		http.Error(w, "failed to create user: "+err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "username": username, "role": role})
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, appI18n.T(r.Context(), "InvalidUserID"), http.StatusBadRequest)
		return
	}
	err = h.store.ToggleUserActive(id)
	if errors.Is(err, store.ErrUserNotFound) {
		http.Error(w, appI18n.T(r.Context(), "InvalidUserID"), http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImport accepts a quiz YAML document as the multipart field
// "quiz_file". Uploading an unchanged file again is reported as a conflict.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUpload)
	if err := r.ParseMultipartForm(h.config.MaxUpload); err != nil {
		http.Error(w, "file too large", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("quiz_file")
	if err != nil {
		http.Error(w, appI18n.T(ctx, "NoFileUploaded"), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}

	name := path.Base(header.Filename)
	id, qi, err := quizfile.Import(ctx, h.store, h.writer, name, data)
	switch {
	case errors.Is(err, quizfile.ErrAlreadyImported):
		http.Error(w, appI18n.T(ctx, "UploadDuplicate"), http.StatusConflict)
		return
	case errors.Is(err, store.ErrInvalidImport):
		http.Error(w, appI18n.Td(ctx, "ImportFailed", map[string]any{"Error": err.Error()}), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("failed to import quiz", "filename", name, "error", err)
		http.Error(w, appI18n.Td(ctx, "ImportFailed", map[string]any{"Error": err.Error()}), http.StatusInternalServerError)
		return
	}

	slog.Info("uploaded quiz via admin", "filename", name, "id", id, "attempts", len(qi.Attempts))
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      id,
		"message": appI18n.Td(ctx, "ImportedQuiz", map[string]any{"Name": qi.Name}) + " " + appI18n.Tp(ctx, "AttemptsImported", len(qi.Attempts)),
	})
}
