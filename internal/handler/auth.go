package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/provalab/simulado/internal/i18n"
	"github.com/provalab/simulado/internal/model"
)

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, model.BadRequest("InvalidRequestBody"))
		return
	}

	user, err := h.store.GetUserByEmail(req.Email)
	if err != nil {
		h.respondError(w, r, model.Internal(err))
		return
	}
	if user == nil {
		h.respondUnauthorized(w, r, "InvalidCredentials")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		h.respondUnauthorized(w, r, "InvalidCredentials")
		return
	}

	token, err := h.store.CreateAuthToken(user.ID)
	if err != nil {
		h.respondError(w, r, model.Internal(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// requireAuth resolves the bearer token to a user and stores it in the
// request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.respondUnauthorized(w, r, "Unauthorized")
			return
		}

		authToken, err := h.store.GetAuthToken(token)
		if err != nil {
			slog.Error("failed to look up auth token", "error", err)
			h.respondUnauthorized(w, r, "Unauthorized")
			return
		}
		if authToken == nil {
			h.respondUnauthorized(w, r, "Unauthorized")
			return
		}

		user, err := h.store.GetUserByID(authToken.UserID)
		if err != nil || user == nil {
			h.respondUnauthorized(w, r, "Unauthorized")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

func (h *Handler) respondUnauthorized(w http.ResponseWriter, r *http.Request, msgID string) {
	respondJSON(w, http.StatusUnauthorized, map[string]string{"error": appI18n.T(r.Context(), msgID)})
}
