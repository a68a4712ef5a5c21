package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/rentora/internal/api"
	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/middleware"
	"github.com/rentora/internal/model"
	"github.com/rentora/internal/repository"
	"github.com/rentora/internal/service"
	"github.com/rentora/internal/ws"
)

const minPasswordLen = 8

type AuthHandler struct {
	auth  *service.AuthService
	users *repository.UserRepo
	hub   *ws.Hub
}

func NewAuthHandler(auth *service.AuthService, users *repository.UserRepo, hub *ws.Hub) *AuthHandler {
	return &AuthHandler{auth: auth, users: users, hub: hub}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password required")
		return
	}

	u, token, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
			return
		}
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		logger.Errorf("login %s: %v", req.Email, err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, api.AuthResponse{Token: token, User: *u})
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if fields := validateRegister(&req); len(fields) > 0 {
		writeFieldErrors(w, "validation failed", fields)
		return
	}

	u, token, err := h.auth.Register(r.Context(), req.Email, req.Password, req.DisplayName, req.Role)
	if err != nil {
		if errors.Is(err, service.ErrEmailTaken) {
			writeFieldErrors(w, "validation failed", map[string]string{"email": "already registered"})
			return
		}
		logger.Errorf("register %s: %v", req.Email, err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, api.AuthResponse{Token: token, User: *u})
}

func validateRegister(req *api.RegisterRequest) map[string]string {
	fields := make(map[string]string)
	if _, err := mail.ParseAddress(req.Email); err != nil {
		fields["email"] = "invalid email"
	}
	if len(req.Password) < minPasswordLen {
		fields["password"] = "must be at least 8 characters"
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		fields["display_name"] = "required"
	}
	// Роль admin не регистрируется через публичную форму.
	if req.Role != model.RoleGuest && req.Role != model.RoleHost {
		fields["role"] = "must be guest or host"
	}
	return fields
}

// Logout отзывает токен и рвёт открытые сокеты пользователя кодом auth failure:
// клиент с тем же токеном на другой вкладке узнаёт о разлогине сразу.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	token := bearerToken(r)
	if err := h.auth.Logout(r.Context(), token); err != nil {
		logger.Errorf("logout user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	if h.hub != nil && userID != "" {
		h.hub.DisconnectUser(userID, "logged out")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	u, err := h.users.GetByID(r.Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	if err != nil {
		logger.Errorf("me user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok && after != "" {
		return after
	}
	return r.URL.Query().Get("token")
}
