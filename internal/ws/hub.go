package ws

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/realtime"
)

// ChannelAuthorizer проверяет подпись, выданную REST-эндпоинтом авторизации
// каналов. Реализуется service.AuthService.
type ChannelAuthorizer interface {
	VerifyChannelSignature(socketID, channel, auth string) bool
}

// MembershipChecker отвечает, состоит ли пользователь в переписке.
// Реализуется repository.ConversationRepo.
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// Hub держит открытые соединения и индекс подписок по каналам. Транспорт
// здесь только доставляет: все записи (сообщения, typing) идут через REST,
// соединение принимает лишь управляющие кадры subscribe/unsubscribe.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	byUser   map[string]map[*Client]struct{}
	channels map[string]map[*Client]struct{}
	total    int
	maxConns int

	members MembershipChecker
	auth    ChannelAuthorizer

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(members MembershipChecker, auth ChannelAuthorizer, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[string]map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		members:    members,
		auth:       auth,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for c := range h.clients {
		allClients = append(allClients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.byUser = make(map[string]map[*Client]struct{})
	h.channels = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	if _, ok := h.byUser[c.userID]; !ok {
		h.byUser[c.userID] = make(map[*Client]struct{})
	}
	h.byUser[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	// Первый кадр после апгрейда: socket_id для последующей авторизации каналов.
	f, err := realtime.NewFrame(realtime.EventConnectionEstablished, "",
		realtime.ConnectionEstablishedPayload{SocketID: c.socketID})
	if err != nil {
		logger.Errorf("ws established frame user=%s: %v", c.userID, err)
		return
	}
	h.sendToClient(c, f)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.total--
	if set, ok := h.byUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	for name, subs := range h.channels {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, name)
		}
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// HandleFrame dispatches incoming control frames.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, f realtime.Frame) {
	switch f.Type {
	case realtime.EventSubscribe:
		h.handleSubscribe(ctx, c, f)
	case realtime.EventUnsubscribe:
		h.handleUnsubscribe(c, f)
	default:
		h.sendError(c, "unknown frame type")
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Client, f realtime.Frame) {
	defer logger.DeferLogDuration("ws.handleSubscribe", time.Now())()

	conversationID, ok := parseConversationChannel(f.Channel)
	if !ok {
		h.sendError(c, "unknown channel")
		return
	}
	if !h.auth.VerifyChannelSignature(c.socketID, f.Channel, f.Auth) {
		h.sendError(c, "channel authorization failed")
		return
	}

	// Подпись могла быть выдана до того, как пользователя убрали из диалога;
	// членство перепроверяется на каждом subscribe.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	isMember, err := h.members.IsMember(ctx, conversationID, c.userID)
	if err != nil {
		logger.Errorf("ws check membership conversation=%s user=%s: %v", conversationID, c.userID, err)
		h.sendError(c, "internal error")
		return
	}
	if !isMember {
		h.sendError(c, "not a member")
		return
	}

	h.mu.Lock()
	if _, ok := h.channels[f.Channel]; !ok {
		h.channels[f.Channel] = make(map[*Client]struct{})
	}
	h.channels[f.Channel][c] = struct{}{}
	h.mu.Unlock()

	ack, err := realtime.NewFrame(realtime.EventSubscribed, f.Channel, nil)
	if err != nil {
		return
	}
	h.sendToClient(c, ack)
}

func (h *Hub) handleUnsubscribe(c *Client, f realtime.Frame) {
	h.mu.Lock()
	if subs, ok := h.channels[f.Channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, f.Channel)
		}
	}
	h.mu.Unlock()
}

// BroadcastToChannel доставляет кадр всем подписчикам канала. Вызывается
// REST-обработчиками после записи в БД.
func (h *Hub) BroadcastToChannel(channel string, f realtime.Frame) {
	defer logger.DeferLogDuration("ws.BroadcastToChannel", time.Now())()

	h.mu.RLock()
	subs, ok := h.channels[channel]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, f)
	}
}

// DisconnectUser закрывает все соединения пользователя кодом auth failure.
// Вызывается при logout: отозванный токен не должен держать живой сокет.
func (h *Hub) DisconnectUser(userID, reason string) {
	h.mu.RLock()
	set, ok := h.byUser[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.CloseAuthFailure(reason)
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	f, err := realtime.NewFrame(realtime.EventError, "", map[string]string{"message": msg})
	if err != nil {
		return
	}
	h.sendToClient(c, f)
}

func (h *Hub) sendToClient(c *Client, f realtime.Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func parseConversationChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, "conversation.")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
