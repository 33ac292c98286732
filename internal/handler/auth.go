package handler

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/respexport/internal/i18n"
	"github.com/pavelanni/respexport/internal/model"
)

const authRealm = `Basic realm="respexport", charset="UTF-8"`

// requireAuth is middleware that checks HTTP basic credentials against the
// stored bcrypt hash of an active user.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username == "" {
			unauthorized(w, r)
			return
		}

		user, err := h.store.GetUserByUsername(username)
		if err != nil {
			slog.Error("failed to get user", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if user == nil || !user.Active {
			slog.Warn("rejected login", "username", username)
			unauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			slog.Warn("rejected login", "username", username)
			unauthorized(w, r)
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", authRealm)
	http.Error(w, appI18n.T(r.Context(), "Unauthorized"), http.StatusUnauthorized)
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				unauthorized(w, r)
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, appI18n.T(r.Context(), "Forbidden"), http.StatusForbidden)
		})
	}
}
