// Package realtime owns the single live transport connection of the client and
// multiplexes per-conversation channel subscriptions on top of it. Connect,
// reconnect with bounded exponential backoff and rejoin-on-reconnect live here;
// consumers only register callbacks and never re-subscribe manually.
package realtime

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rentora/internal/credstore"
	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/model"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed — попытки исчерпаны или транспорт отверг токен; сам по себе
	// менеджер больше не ретраится, нужен Nudge или новый Connect.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	maxReconnectAttempts = 5
	reconnectBaseDelay   = time.Second
	authorizeTimeout     = 10 * time.Second
	handshakeTimeout     = 10 * time.Second
)

// Callbacks — обработчики входящих событий одной подписки.
type Callbacks struct {
	OnNewMessage func(model.Message)
	OnTyping     func(model.TypingEvent)
}

// Authorizer авторизует подписку на приватный канал через REST (api.Client).
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error)
}

// Subscription — одноразовый handle подписки на канал переписки.
type Subscription struct {
	m       *Manager
	convID  string
	channel string
	cb      Callbacks
}

// ConversationID возвращает id переписки, на которую оформлена подписка.
func (s *Subscription) ConversationID() string { return s.convID }

// Leave releases the subscription. Safe on a stale handle: if the conversation
// was re-joined with a fresh handle, the old one is a no-op.
func (s *Subscription) Leave() {
	s.m.leave(s)
}

type Manager struct {
	wsURL      string
	appKey     string
	authorizer Authorizer
	creds      credstore.Store
	dialer     *websocket.Dialer
	baseDelay  time.Duration

	mu         sync.Mutex
	state      State
	sess       model.Session
	hasSession bool
	conn       *conn
	socketID   string
	subs       map[string]*Subscription
	attempt    int
	retryTimer *time.Timer
	gen        uint64 // поколение соединения: отсекает callbacks умерших conn
	authFailed bool   // auth-failed уже разослан для текущей сессии

	onAuthFailed []func()
	onState      []func(State)
}

// NewManager создаёт менеджер. creds может быть nil (тогда при auth-ошибке
// транспорта чистить нечего). wsURL — из config.Realtime.URL().
func NewManager(wsURL, appKey string, authorizer Authorizer, creds credstore.Store) *Manager {
	return &Manager{
		wsURL:      wsURL,
		appKey:     appKey,
		authorizer: authorizer,
		creds:      creds,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		baseDelay:  reconnectBaseDelay,
		subs:       make(map[string]*Subscription),
	}
}

// State возвращает текущее состояние соединения.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnAuthFailure регистрирует обработчик сигнала "токен отвергнут транспортом".
// Вызывается не более одного раза на сессию.
func (m *Manager) OnAuthFailure(fn func()) {
	m.mu.Lock()
	m.onAuthFailed = append(m.onAuthFailed, fn)
	m.mu.Unlock()
}

// OnStateChange регистрирует наблюдателя переходов состояния.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = append(m.onState, fn)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	logger.Debugf("realtime: state %s -> %s", m.state, s)
	m.state = s
	fns := make([]func(State), len(m.onState))
	copy(fns, m.onState)
	go func() {
		for _, fn := range fns {
			fn(s)
		}
	}()
}

// Connect binds the manager to a session and opens the transport. A repeat
// call for the same identity only refreshes the stored token; a different
// identity tears the previous connection down first.
func (m *Manager) Connect(sess model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasSession && m.sess.SameIdentity(sess) &&
		(m.state == StateConnected || m.state == StateConnecting) {
		// Тот же пользователь, живое соединение: только обновляем токен
		// (после refresh переподключение не нужно).
		m.sess = sess
		return
	}

	m.teardownLocked()
	m.sess = sess
	m.hasSession = true
	m.authFailed = false
	m.attempt = 0
	m.dialLocked()
}

// Disconnect leaves all channels, tears the transport down and resets all
// counters. Callable repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.hasSession = false
	m.sess = model.Session{}
	m.subs = make(map[string]*Subscription)
	m.attempt = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
}

// teardownLocked закрывает текущее соединение и отменяет запланированный retry.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if c := m.conn; c != nil {
		m.conn = nil
		go c.close()
	}
	m.socketID = ""
}

func (m *Manager) dialLocked() {
	m.setStateLocked(StateConnecting)
	m.gen++
	gen := m.gen
	sess := m.sess
	go m.dial(gen, sess)
}

func (m *Manager) dial(gen uint64, sess model.Session) {
	q := url.Values{}
	q.Set("app_key", m.appKey)
	q.Set("token", sess.Token)
	target := m.wsURL + "?" + q.Encode()

	ws, resp, err := m.dialer.Dial(target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			m.handleAuthFailure(gen)
			return
		}
		logger.Errorf("realtime: dial: %v", err)
		m.handleDrop(gen)
		return
	}

	c := newConn(ws,
		func(f Frame) { m.handleFrame(gen, f) },
		func(err error) { m.handleClosed(gen, err) },
	)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		c.close()
		return
	}
	m.conn = c
	m.mu.Unlock()
	// Состояние остаётся connecting до кадра connection_established от сервера.
	c.start()
}

func (m *Manager) handleClosed(gen uint64, err error) {
	if websocket.IsCloseError(err, CloseCodeAuthFailure) {
		m.handleAuthFailure(gen)
		return
	}
	m.handleDrop(gen)
}

// handleDrop — транзиентный обрыв: переход в disconnected и плановый reconnect.
func (m *Manager) handleDrop(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.socketID = ""
	m.setStateLocked(StateDisconnected)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// handleAuthFailure — транспорт отверг токен. Это путь восстановления, не
// ретрая: чистим сохранённые учётные данные и ровно один раз шлём сигнал
// auth-failed, чтобы session store разлогинил пользователя.
func (m *Manager) handleAuthFailure(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.socketID = ""
	m.setStateLocked(StateFailed)
	already := m.authFailed
	m.authFailed = true
	fns := make([]func(), len(m.onAuthFailed))
	copy(fns, m.onAuthFailed)
	creds := m.creds
	m.mu.Unlock()

	if already {
		return
	}
	if creds != nil {
		if err := creds.Clear(); err != nil {
			logger.Errorf("realtime: clear credentials: %v", err)
		}
	}
	logger.Error("realtime: transport rejected token, signalling auth failure")
	for _, fn := range fns {
		fn()
	}
}

func (m *Manager) scheduleReconnectLocked() {
	if !m.hasSession || m.authFailed {
		return
	}
	if m.attempt >= maxReconnectAttempts {
		logger.Errorf("realtime: reconnect attempts exhausted (%d)", maxReconnectAttempts)
		m.setStateLocked(StateFailed)
		return
	}
	delay := m.baseDelay << m.attempt
	m.attempt++
	logger.Infof("realtime: reconnect attempt %d in %s", m.attempt, delay)
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.hasSession && m.state == StateDisconnected {
			m.dialLocked()
		}
	})
}

// Nudge — подсказка от окружения (сеть вернулась, приложение снова на переднем
// плане): если менеджер считает себя отключённым, пробуем переподключиться
// немедленно, не дожидаясь планового таймера.
func (m *Manager) Nudge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasSession || m.authFailed {
		return
	}
	if m.state != StateDisconnected && m.state != StateFailed {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.attempt = 0
	m.dialLocked()
}

// JoinChannel subscribes to a conversation's events. Idempotent per id: an
// existing subscription for the same conversation is released first, so at
// most one is live and events are never delivered twice.
func (m *Manager) JoinChannel(conversationID string, cb Callbacks) *Subscription {
	sub := &Subscription{
		m:       m,
		convID:  conversationID,
		channel: ChannelName(conversationID),
		cb:      cb,
	}

	m.mu.Lock()
	if old := m.subs[conversationID]; old != nil {
		m.releaseLocked(old)
	}
	m.subs[conversationID] = sub
	connected := m.state == StateConnected
	socketID := m.socketID
	m.mu.Unlock()

	if connected {
		go m.subscribe(socketID, sub)
	}
	return sub
}

// LeaveChannel releases the subscription for a conversation. No-op when none exists.
func (m *Manager) LeaveChannel(conversationID string) {
	m.mu.Lock()
	sub := m.subs[conversationID]
	if sub != nil {
		m.releaseLocked(sub)
	}
	m.mu.Unlock()
}

func (m *Manager) leave(sub *Subscription) {
	m.mu.Lock()
	// Stale handle после повторного JoinChannel не трогает новую подписку.
	if m.subs[sub.convID] == sub {
		m.releaseLocked(sub)
	}
	m.mu.Unlock()
}

func (m *Manager) releaseLocked(sub *Subscription) {
	delete(m.subs, sub.convID)
	if m.state == StateConnected && m.conn != nil {
		m.conn.enqueue(Frame{Type: EventUnsubscribe, Channel: sub.channel})
	}
}

// subscribe авторизует приватный канал через REST и шлёт кадр subscribe.
// Выполняется вне мьютекса: авторизация — сетевой вызов.
func (m *Manager) subscribe(socketID string, sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
	defer cancel()
	auth, err := m.authorizer.AuthorizeChannel(ctx, socketID, sub.channel)
	if err != nil {
		logger.Errorf("realtime: authorize %s: %v", sub.channel, err)
		return
	}

	m.mu.Lock()
	c := m.conn
	live := m.subs[sub.convID] == sub && m.state == StateConnected
	m.mu.Unlock()
	if !live || c == nil {
		return
	}
	c.enqueue(Frame{Type: EventSubscribe, Channel: sub.channel, Auth: auth})
}

func (m *Manager) handleFrame(gen uint64, f Frame) {
	switch f.Type {
	case EventConnectionEstablished:
		var p ConnectionEstablishedPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			logger.Errorf("realtime: connection_established payload: %v", err)
			return
		}
		m.established(gen, p.SocketID)
	case EventSubscribed:
		logger.Debugf("realtime: subscribed %s", f.Channel)
	case EventMessageSent:
		var msg model.Message
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			logger.Errorf("realtime: message payload: %v", err)
			return
		}
		if cb := m.callbacksFor(f.Channel); cb.OnNewMessage != nil {
			cb.OnNewMessage(msg)
		}
	case EventUserTyping:
		var ev model.TypingEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			logger.Errorf("realtime: typing payload: %v", err)
			return
		}
		if cb := m.callbacksFor(f.Channel); cb.OnTyping != nil {
			cb.OnTyping(ev)
		}
	case EventError:
		logger.Errorf("realtime: server error frame: %s", string(f.Payload))
	default:
		logger.Debugf("realtime: ignoring frame %s", f.Type)
	}
}

// established — транспорт подтвердил соединение: сбрасываем счётчик попыток и
// автоматически восстанавливаем все подписки с их исходными callbacks.
func (m *Manager) established(gen uint64, socketID string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.socketID = socketID
	m.attempt = 0
	m.setStateLocked(StateConnected)
	resub := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		resub = append(resub, sub)
	}
	m.mu.Unlock()

	for _, sub := range resub {
		go m.subscribe(socketID, sub)
	}
}

// callbacksFor возвращает callbacks подписки по имени канала.
func (m *Manager) callbacksFor(channel string) Callbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.channel == channel {
			return sub.cb
		}
	}
	return Callbacks{}
}
