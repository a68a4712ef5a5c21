package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/middleware"
	"github.com/rentora/internal/model"
	"github.com/rentora/internal/realtime"
	"github.com/rentora/internal/repository"
	"github.com/rentora/internal/ws"
)

const (
	defaultMessagesLimit = 50
	maxMessagesLimit     = 200
	maxContentLen        = 4000
)

type ConversationHandler struct {
	convRepo *repository.ConversationRepo
	msgRepo  *repository.MessageRepo
	userRepo *repository.UserRepo
	hub      *ws.Hub
}

func NewConversationHandler(convRepo *repository.ConversationRepo, msgRepo *repository.MessageRepo, userRepo *repository.UserRepo, hub *ws.Hub) *ConversationHandler {
	return &ConversationHandler{convRepo: convRepo, msgRepo: msgRepo, userRepo: userRepo, hub: hub}
}

// List возвращает переписки пользователя с участниками, последним сообщением
// и числом непрочитанных, отсортированные по свежести.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.ConversationList", time.Now())()
	userID := middleware.GetUserID(r.Context())

	convs, err := h.convRepo.ListForUser(r.Context(), userID)
	if err != nil {
		logger.Errorf("list conversations user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}

	for _, c := range convs {
		if err := h.decorate(r.Context(), c); err != nil {
			logger.Errorf("decorate conversation %s: %v", c.ID, err)
		}
	}
	sortByUpdatedAt(convs)

	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// decorate добирает участников и последнее сообщение; updated_at — время
// последнего сообщения, если оно есть.
func (h *ConversationHandler) decorate(ctx context.Context, c *model.Conversation) error {
	participants, err := h.convRepo.GetParticipants(ctx, c.ID)
	if err != nil {
		return err
	}
	c.Participants = participants

	last, err := h.msgRepo.GetLast(ctx, c.ID)
	if err != nil {
		return err
	}
	if last != nil {
		c.LastMessage = last
		c.UpdatedAt = last.CreatedAt
	}
	return nil
}

func sortByUpdatedAt(convs []*model.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}

type createConversationRequest struct {
	ListingID string `json:"listing_id"`
	PeerID    string `json:"peer_id"`
}

// Create заводит переписку по объявлению. Повторный запрос по той же паре
// (объявление, собеседник) возвращает существующий диалог.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ListingID == "" || req.PeerID == "" || req.PeerID == userID {
		writeError(w, http.StatusBadRequest, "listing_id and peer_id required")
		return
	}
	if _, err := h.userRepo.GetByID(r.Context(), req.PeerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "peer not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	existingID, err := h.convRepo.FindByListing(r.Context(), req.ListingID, userID, req.PeerID)
	if err == nil {
		h.respondConversation(w, r, existingID, http.StatusOK)
		return
	}
	if !errors.Is(err, repository.ErrNotFound) {
		logger.Errorf("find conversation listing=%s: %v", req.ListingID, err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	c := &model.Conversation{
		ID:        uuid.NewString(),
		ListingID: req.ListingID,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.convRepo.Create(r.Context(), c, []string{userID, req.PeerID}); err != nil {
		logger.Errorf("create conversation listing=%s: %v", req.ListingID, err)
		writeError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	h.respondConversation(w, r, c.ID, http.StatusCreated)
}

func (h *ConversationHandler) respondConversation(w http.ResponseWriter, r *http.Request, id string, status int) {
	c, err := h.convRepo.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if err := h.decorate(r.Context(), c); err != nil {
		logger.Errorf("decorate conversation %s: %v", c.ID, err)
	}
	writeJSON(w, status, c)
}

// Messages возвращает страницу истории. limit/offset считаются от конца,
// страница отдаётся в хронологическом порядке.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	c, ok := h.member(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", defaultMessagesLimit)
	if limit <= 0 || limit > maxMessagesLimit {
		limit = defaultMessagesLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	msgs, err := h.msgRepo.ListByConversation(r.Context(), c.ID, limit, offset)
	if err != nil {
		logger.Errorf("list messages conversation=%s: %v", c.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendMessageRequest struct {
	Content string `json:"content"`
	SendKey string `json:"send_key"`
}

// Send сохраняет сообщение и ретранслирует его в канал переписки. Клиентский
// send_key становится id сообщения: ретрай той же отправки не создаёт дубля,
// а live-эхо совпадает по id с оптимистичной вставкой на клиенте.
func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.SendMessage", time.Now())()
	userID := middleware.GetUserID(r.Context())

	c, ok := h.member(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	if len(content) > maxContentLen {
		writeError(w, http.StatusBadRequest, "content too long")
		return
	}
	id := req.SendKey
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}

	m := &model.Message{
		ID:             id,
		ConversationID: c.ID,
		SenderID:       userID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	saved, err := h.msgRepo.Create(r.Context(), m)
	if err != nil {
		logger.Errorf("save message conversation=%s user=%s: %v", c.ID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	if saved.Sender == nil {
		if sender, err := h.userRepo.GetByID(r.Context(), userID); err == nil {
			pub := sender.ToPublic()
			saved.Sender = &pub
		}
	}

	if f, err := realtime.NewFrame(realtime.EventMessageSent, realtime.ChannelName(c.ID), saved); err == nil {
		h.hub.BroadcastToChannel(f.Channel, f)
	}

	writeJSON(w, http.StatusCreated, saved)
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// Typing транслирует эфемерный сигнал в канал; ничего не сохраняется.
func (h *ConversationHandler) Typing(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	c, ok := h.member(w, r)
	if !ok {
		return
	}

	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userName := ""
	if u, err := h.userRepo.GetByID(r.Context(), userID); err == nil {
		userName = u.DisplayName
	}
	ev := model.TypingEvent{
		ConversationID: c.ID,
		UserID:         userID,
		UserName:       userName,
		IsTyping:       req.IsTyping,
	}
	if f, err := realtime.NewFrame(realtime.EventUserTyping, realtime.ChannelName(c.ID), ev); err == nil {
		h.hub.BroadcastToChannel(f.Channel, f)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MarkRead сдвигает отметку прочтения участника на текущий момент.
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	c, ok := h.member(w, r)
	if !ok {
		return
	}
	if err := h.convRepo.UpdateMemberLastRead(r.Context(), c.ID, userID, time.Now().UTC()); err != nil {
		logger.Errorf("mark read conversation=%s user=%s: %v", c.ID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// member загружает переписку из URL и проверяет членство вызывающего.
func (h *ConversationHandler) member(w http.ResponseWriter, r *http.Request) (*model.Conversation, bool) {
	userID := middleware.GetUserID(r.Context())
	id := chi.URLParam(r, "id")

	c, err := h.convRepo.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		logger.Errorf("get conversation %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	isMember, err := h.convRepo.IsMember(r.Context(), id, userID)
	if err != nil {
		logger.Errorf("check member conversation=%s user=%s: %v", id, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	if !isMember {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return c, true
}
