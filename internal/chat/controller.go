// Package chat is the conversation/messaging controller: it fetches
// conversation list and history over REST, merges live-pushed events into
// local state with id-based de-duplication, drives the typing-indicator set
// and sends outgoing messages.
package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/model"
	"github.com/rentora/internal/realtime"
)

const (
	historyPageSize = 50
	// typingTTL — сколько живёт индикатор "печатает" без повторного сигнала.
	typingTTL = 3 * time.Second
	// typingStopDelay — пауза ввода, после которой уходит "перестал печатать".
	typingStopDelay = time.Second
)

// ErrSuperseded возвращается, когда история пришла уже после того, как
// пользователь открыл другую переписку; результат должен быть отброшен.
var ErrSuperseded = errors.New("conversation no longer open")

// Backend — REST-вызовы, которые нужны контроллеру. Реализуется api.Client.
type Backend interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID, content, sendKey string) (*model.Message, error)
	Typing(ctx context.Context, conversationID string, isTyping bool) error
	MarkRead(ctx context.Context, conversationID string) error
}

// Transport — поверхность realtime.Manager, нужная контроллеру.
type Transport interface {
	JoinChannel(conversationID string, cb realtime.Callbacks) *realtime.Subscription
	LeaveChannel(conversationID string)
	State() realtime.State
}

type typingEntry struct {
	name  string
	timer *time.Timer
}

type Controller struct {
	backend Backend
	rt      Transport
	self    func() model.Session
	// onChange — хук перерисовки UI; вызывается вне мьютекса.
	onChange func()

	mu            sync.Mutex
	conversations []model.Conversation
	openID        string
	openSeq       uint64
	messages      []model.Message
	msgIndex      map[string]struct{}
	typing        map[string]*typingEntry // userID -> запись

	composing  bool
	typingStop *time.Timer
}

func NewController(backend Backend, rt Transport, self func() model.Session, onChange func()) *Controller {
	return &Controller{
		backend:  backend,
		rt:       rt,
		self:     self,
		onChange: onChange,
		msgIndex: make(map[string]struct{}),
		typing:   make(map[string]*typingEntry),
	}
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

// RefreshConversations загружает список переписок. Ошибка отдаётся UI как
// retryable-состояние, автоматических повторов нет.
func (c *Controller) RefreshConversations(ctx context.Context) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("chat.RefreshConversations", time.Now())()
	list, err := c.backend.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conversations = list
	c.sortConversationsLocked()
	out := c.conversationsLocked()
	c.mu.Unlock()
	c.notify()
	return out, nil
}

// Conversations возвращает копию текущего списка (свежесть — по убыванию).
func (c *Controller) Conversations() []model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationsLocked()
}

func (c *Controller) conversationsLocked() []model.Conversation {
	out := make([]model.Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

func (c *Controller) sortConversationsLocked() {
	sort.SliceStable(c.conversations, func(i, j int) bool {
		return c.conversations[i].UpdatedAt.After(c.conversations[j].UpdatedAt)
	})
}

// OpenID возвращает id открытой переписки ("" — ничего не открыто).
func (c *Controller) OpenID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openID
}

// Messages возвращает копию локальной последовательности открытой переписки.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// OpenConversation makes id the единственную открытую переписку: грузит
// историю, затем подписывается на её канал. Поздно пришедшая история для уже
// покинутой переписки отбрасывается (ErrSuperseded), чтобы не затереть экран
// новой.
func (c *Controller) OpenConversation(ctx context.Context, id string) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.OpenConversation", time.Now())()

	c.mu.Lock()
	c.openSeq++
	seq := c.openSeq
	prev := c.openID
	c.openID = id
	c.messages = nil
	c.msgIndex = make(map[string]struct{})
	c.clearTypingLocked()
	c.mu.Unlock()

	if prev != "" && prev != id {
		c.rt.LeaveChannel(prev)
	}

	history, err := c.backend.Messages(ctx, id, historyPageSize, 0)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.openSeq != seq || c.openID != id {
		c.mu.Unlock()
		return nil, ErrSuperseded
	}
	c.messages = history
	for _, m := range history {
		c.msgIndex[m.ID] = struct{}{}
	}
	c.zeroUnreadLocked(id)
	out := make([]model.Message, len(history))
	copy(out, history)
	// Подписка под тем же захватом мьютекса, что и проверка seq: иначе
	// конкурентный OpenConversation, успевший целиком выполниться в зазоре,
	// оставил бы подписку на покинутую переписку, которую никто не снимет.
	c.rt.JoinChannel(id, realtime.Callbacks{
		OnNewMessage: c.handleNewMessage,
		OnTyping:     c.handleTyping,
	})
	c.mu.Unlock()

	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.backend.MarkRead(rctx, id); err != nil {
			logger.Errorf("chat: mark read %s: %v", id, err)
		}
	}()

	c.notify()
	return out, nil
}

// CloseConversation покидает канал открытой переписки и чистит локальное состояние.
func (c *Controller) CloseConversation() {
	c.mu.Lock()
	id := c.openID
	c.openID = ""
	c.openSeq++
	c.messages = nil
	c.msgIndex = make(map[string]struct{})
	c.clearTypingLocked()
	c.stopComposingLocked()
	c.mu.Unlock()

	if id != "" {
		c.rt.LeaveChannel(id)
	}
	c.notify()
}

// handleNewMessage merges a live-pushed message: appends to the open sequence
// only when the id is unseen (the optimistic local copy and the server
// rebroadcast may both arrive), and always bumps the conversation list entry.
func (c *Controller) handleNewMessage(msg model.Message) {
	self := c.self()

	c.mu.Lock()
	c.touchConversationLocked(msg, self.UserID)
	if msg.ConversationID == c.openID {
		if _, dup := c.msgIndex[msg.ID]; !dup {
			c.msgIndex[msg.ID] = struct{}{}
			c.messages = append(c.messages, msg)
		}
		// Чужое сообщение в открытой переписке гасит индикатор "печатает".
		if msg.SenderID != self.UserID {
			c.removeTypingLocked(msg.SenderID)
		}
	}
	c.mu.Unlock()
	c.notify()
}

// touchConversationLocked обновляет lastMessage/updatedAt и пересортировывает
// список; непрочитанное растёт только для закрытых переписок и чужих сообщений.
func (c *Controller) touchConversationLocked(msg model.Message, selfID string) {
	for i := range c.conversations {
		if c.conversations[i].ID != msg.ConversationID {
			continue
		}
		m := msg
		c.conversations[i].LastMessage = &m
		c.conversations[i].UpdatedAt = msg.CreatedAt
		if msg.ConversationID != c.openID && msg.SenderID != selfID {
			c.conversations[i].UnreadCount++
		}
		break
	}
	c.sortConversationsLocked()
}

func (c *Controller) zeroUnreadLocked(id string) {
	for i := range c.conversations {
		if c.conversations[i].ID == id {
			c.conversations[i].UnreadCount = 0
			break
		}
	}
}

// SendMessage отправляет сообщение через REST. При живом соединении локальную
// вставку делает live-эхо; при лежащем транспорте эха не будет, поэтому ответ
// запроса вставляется сразу. Дедупликация по id закрывает гонку между этими
// двумя путями.
func (c *Controller) SendMessage(ctx context.Context, conversationID, content string) (*model.Message, error) {
	defer logger.DeferLogDuration("chat.SendMessage", time.Now())()

	sendKey := uuid.New().String()
	msg, err := c.backend.SendMessage(ctx, conversationID, content, sendKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stopComposingLocked()
	c.mu.Unlock()

	if c.rt.State() != realtime.StateConnected {
		c.handleNewMessage(*msg)
	}
	return msg, nil
}
