package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/middleware"
	"github.com/rentora/internal/repository"
	"github.com/rentora/internal/service"
	"github.com/rentora/internal/ws"
)

// RealtimeHandler обслуживает транспорт: апгрейд WebSocket и REST-авторизацию
// приватных каналов.
type RealtimeHandler struct {
	hub            *ws.Hub
	auth           *service.AuthService
	convRepo       *repository.ConversationRepo
	allowedOrigins string
}

// NewRealtimeHandler создаёт обработчик. allowedOrigins — как в CORS (через запятую или "*").
func NewRealtimeHandler(hub *ws.Hub, auth *service.AuthService, convRepo *repository.ConversationRepo, allowedOrigins string) *RealtimeHandler {
	return &RealtimeHandler{
		hub:            hub,
		auth:           auth,
		convRepo:       convRepo,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
	}
}

func (h *RealtimeHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS апгрейдит соединение. Токен уже проверен BearerAuth; socket_id
// присваивается здесь и уходит клиенту первым кадром connection_established.
func (h *RealtimeHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, userID, uuid.NewString())
	client.Start(ctx, cancel)
	h.hub.Register(client)
}

type channelAuthRequest struct {
	SocketID string `json:"socket_id"`
	Channel  string `json:"channel"`
}

// Authorize выдаёт подпись на подписку. Сервер сверяет, что владелец токена —
// участник переписки канала; подпись привязана к socket_id и каналу.
func (h *RealtimeHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req channelAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SocketID == "" || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "socket_id and channel required")
		return
	}

	conversationID, ok := strings.CutPrefix(req.Channel, "conversation.")
	if !ok || conversationID == "" {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	isMember, err := h.convRepo.IsMember(r.Context(), conversationID, userID)
	if err != nil {
		logger.Errorf("channel auth conversation=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, "authorization failed")
		return
	}
	if !isMember {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"auth": h.auth.ChannelSignature(req.SocketID, req.Channel),
	})
}
