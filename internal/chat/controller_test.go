package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentora/internal/model"
	"github.com/rentora/internal/realtime"
)

type typingCall struct {
	conversationID string
	isTyping       bool
}

// fakeBackend — Backend в памяти. history блокируется через blockMessages,
// чтобы воспроизводить медленные ответы сервера.
type fakeBackend struct {
	mu            sync.Mutex
	conversations []model.Conversation
	history       map[string][]model.Message
	sent          []model.Message
	typingCalls   []typingCall
	readCalls     []string
	blockMessages map[string]chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history:       make(map[string][]model.Message),
		blockMessages: make(map[string]chan struct{}),
	}
}

func (b *fakeBackend) Conversations(context.Context) ([]model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Conversation, len(b.conversations))
	copy(out, b.conversations)
	return out, nil
}

func (b *fakeBackend) Messages(_ context.Context, conversationID string, _, _ int) ([]model.Message, error) {
	b.mu.Lock()
	block := b.blockMessages[conversationID]
	b.mu.Unlock()
	if block != nil {
		<-block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Message, len(b.history[conversationID]))
	copy(out, b.history[conversationID])
	return out, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, conversationID, content, sendKey string) (*model.Message, error) {
	m := model.Message{
		ID:             sendKey,
		ConversationID: conversationID,
		SenderID:       "self",
		Content:        content,
		CreatedAt:      time.Now(),
	}
	b.mu.Lock()
	b.sent = append(b.sent, m)
	b.mu.Unlock()
	return &m, nil
}

func (b *fakeBackend) Typing(_ context.Context, conversationID string, isTyping bool) error {
	b.mu.Lock()
	b.typingCalls = append(b.typingCalls, typingCall{conversationID, isTyping})
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) MarkRead(_ context.Context, conversationID string) error {
	b.mu.Lock()
	b.readCalls = append(b.readCalls, conversationID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) typingSignals() []typingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]typingCall, len(b.typingCalls))
	copy(out, b.typingCalls)
	return out
}

// fakeTransport запоминает callbacks последней подписки, чтобы тест мог
// изображать live-события.
type fakeTransport struct {
	mu     sync.Mutex
	state  realtime.State
	joins  []string
	leaves []string
	cbs    map[string]realtime.Callbacks
}

func newFakeTransport(state realtime.State) *fakeTransport {
	return &fakeTransport{state: state, cbs: make(map[string]realtime.Callbacks)}
}

func (t *fakeTransport) JoinChannel(conversationID string, cb realtime.Callbacks) *realtime.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joins = append(t.joins, conversationID)
	t.cbs[conversationID] = cb
	return nil
}

func (t *fakeTransport) LeaveChannel(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves = append(t.leaves, conversationID)
	delete(t.cbs, conversationID)
}

func (t *fakeTransport) State() realtime.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) setState(s realtime.State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *fakeTransport) callbacks(conversationID string) realtime.Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cbs[conversationID]
}

func selfSession() func() model.Session {
	return func() model.Session {
		return model.Session{UserID: "self", DisplayName: "Me", Role: model.RoleGuest}
	}
}

func newTestController(backend *fakeBackend, rt *fakeTransport) *Controller {
	return NewController(backend, rt, selfSession(), nil)
}

func msg(id, convID, senderID, content string, at time.Time) model.Message {
	return model.Message{ID: id, ConversationID: convID, SenderID: senderID, Content: content, CreatedAt: at}
}

func TestOpenConversationLoadsHistoryAndJoins(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	backend.history["c1"] = []model.Message{
		msg("m1", "c1", "peer", "hello", now.Add(-time.Minute)),
		msg("m2", "c1", "self", "hi", now),
	}
	backend.conversations = []model.Conversation{{ID: "c1", UnreadCount: 3}}
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.RefreshConversations(context.Background())
	require.NoError(t, err)

	got, err := c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", c.OpenID())
	assert.Equal(t, []string{"c1"}, rt.joins)

	// Открытие зануляет локальный счётчик и шлёт mark-read в фоне.
	assert.Zero(t, c.Conversations()[0].UnreadCount)
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.readCalls) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSwitchingConversationLeavesPrevious(t *testing.T) {
	backend := newFakeBackend()
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)
	_, err = c.OpenConversation(context.Background(), "c2")
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2"}, rt.joins)
	assert.Equal(t, []string{"c1"}, rt.leaves)
	assert.Equal(t, "c2", c.OpenID())
}

func TestStaleHistoryDiscarded(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	backend.history["a"] = []model.Message{msg("a1", "a", "peer", "old", now)}
	backend.history["b"] = []model.Message{msg("b1", "b", "peer", "new", now)}
	release := make(chan struct{})
	backend.blockMessages["a"] = release

	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.OpenConversation(context.Background(), "a")
		errCh <- err
	}()

	// Пользователь переключился на B, пока история A ещё в полёте.
	time.Sleep(50 * time.Millisecond)
	gotB, err := c.OpenConversation(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, gotB, 1)

	close(release)
	require.ErrorIs(t, <-errCh, ErrSuperseded)

	// Поздняя история A не затёрла экран B.
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "b1", msgs[0].ID)
	assert.Equal(t, "b", c.OpenID())
}

func TestSupersededOpenDoesNotSubscribe(t *testing.T) {
	backend := newFakeBackend()
	backend.history["a"] = []model.Message{msg("a1", "a", "peer", "old", time.Now())}
	release := make(chan struct{})
	backend.blockMessages["a"] = release

	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.OpenConversation(context.Background(), "a")
		errCh <- err
	}()

	// B открывается целиком, пока история A в полёте: проигравший вызов не
	// должен оставить подписку на A, которую никто не снимет.
	time.Sleep(50 * time.Millisecond)
	_, err := c.OpenConversation(context.Background(), "b")
	require.NoError(t, err)

	close(release)
	require.ErrorIs(t, <-errCh, ErrSuperseded)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, []string{"b"}, rt.joins, "superseded open must not subscribe")
	assert.NotContains(t, rt.cbs, "a")
}

func TestLiveEchoDeduplicated(t *testing.T) {
	backend := newFakeBackend()
	backend.conversations = []model.Conversation{{ID: "c1"}}
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.RefreshConversations(context.Background())
	require.NoError(t, err)
	_, err = c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	sent, err := c.SendMessage(context.Background(), "c1", "hello")
	require.NoError(t, err)
	// Соединение живо: локальной вставки нет, ждём live-эхо.
	assert.Empty(t, c.Messages())

	cb := rt.callbacks("c1")
	require.NotNil(t, cb.OnNewMessage)
	cb.OnNewMessage(*sent)
	cb.OnNewMessage(*sent) // сервер может продублировать ретрансляцию

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
}

func TestSendFallbackWhenTransportDown(t *testing.T) {
	backend := newFakeBackend()
	backend.conversations = []model.Conversation{{ID: "c1"}}
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.RefreshConversations(context.Background())
	require.NoError(t, err)
	_, err = c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	rt.setState(realtime.StateDisconnected)
	sent, err := c.SendMessage(context.Background(), "c1", "offline-ish")
	require.NoError(t, err)

	// Эха не будет — сообщение вставлено сразу из ответа REST.
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)

	// Если соединение вернулось и эхо всё же пришло — дубля нет.
	cb := rt.callbacks("c1")
	cb.OnNewMessage(*sent)
	require.Len(t, c.Messages(), 1)
}

func TestIncomingMessageForClosedConversation(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now()
	backend.conversations = []model.Conversation{
		{ID: "c1", UpdatedAt: now},
		{ID: "c2", UpdatedAt: now.Add(-time.Hour)},
	}
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.RefreshConversations(context.Background())
	require.NoError(t, err)
	_, err = c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	// Событие по закрытой переписке: счётчик растёт, список пересортирован,
	// в открытую последовательность ничего не добавляется.
	c.handleNewMessage(msg("x1", "c2", "peer", "ping", now.Add(time.Minute)))

	convs := c.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "ping", convs[0].LastMessage.Content)
	assert.Empty(t, c.Messages())
}

func TestTypingIndicator(t *testing.T) {
	backend := newFakeBackend()
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	// Свой индикатор не показывается.
	c.handleTyping(model.TypingEvent{ConversationID: "c1", UserID: "self", UserName: "Me", IsTyping: true})
	assert.Empty(t, c.TypingUsers())

	// Чужая переписка игнорируется.
	c.handleTyping(model.TypingEvent{ConversationID: "c2", UserID: "peer", UserName: "Bob", IsTyping: true})
	assert.Empty(t, c.TypingUsers())

	c.handleTyping(model.TypingEvent{ConversationID: "c1", UserID: "peer", UserName: "Bob", IsTyping: true})
	assert.Equal(t, []string{"Bob"}, c.TypingUsers())

	// Явный isTyping=false убирает немедленно.
	c.handleTyping(model.TypingEvent{ConversationID: "c1", UserID: "peer", UserName: "Bob", IsTyping: false})
	assert.Empty(t, c.TypingUsers())
}

func TestTypingExpiresWithoutStopSignal(t *testing.T) {
	backend := newFakeBackend()
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	c.handleTyping(model.TypingEvent{ConversationID: "c1", UserID: "peer", UserName: "Bob", IsTyping: true})
	require.Equal(t, []string{"Bob"}, c.TypingUsers())

	// Без подтверждений запись истекает по TTL.
	require.Eventually(t, func() bool { return len(c.TypingUsers()) == 0 },
		typingTTL+time.Second, 50*time.Millisecond)
}

func TestTypingMessageClearsIndicator(t *testing.T) {
	backend := newFakeBackend()
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	c.handleTyping(model.TypingEvent{ConversationID: "c1", UserID: "peer", UserName: "Bob", IsTyping: true})
	require.Equal(t, []string{"Bob"}, c.TypingUsers())

	// Сообщение от печатавшего гасит его индикатор.
	c.handleNewMessage(msg("m9", "c1", "peer", "done typing", time.Now()))
	assert.Empty(t, c.TypingUsers())
}

func TestNotifyComposingDebounce(t *testing.T) {
	backend := newFakeBackend()
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	// Серия нажатий — один сигнал "начал печатать".
	for i := 0; i < 5; i++ {
		c.NotifyComposing("c1")
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(backend.typingSignals()) >= 1 },
		time.Second, 10*time.Millisecond)
	signals := backend.typingSignals()
	require.Len(t, signals, 1)
	assert.True(t, signals[0].isTyping)

	// После паузы — ровно один "перестал печатать".
	require.Eventually(t, func() bool { return len(backend.typingSignals()) == 2 },
		typingStopDelay+time.Second, 20*time.Millisecond)
	signals = backend.typingSignals()
	assert.False(t, signals[1].isTyping)
}

func TestSendCancelsComposingDebounce(t *testing.T) {
	backend := newFakeBackend()
	rt := newFakeTransport(realtime.StateConnected)
	c := newTestController(backend, rt)

	_, err := c.OpenConversation(context.Background(), "c1")
	require.NoError(t, err)

	c.NotifyComposing("c1")
	require.Eventually(t, func() bool { return len(backend.typingSignals()) == 1 },
		time.Second, 10*time.Millisecond)

	_, err = c.SendMessage(context.Background(), "c1", "hi")
	require.NoError(t, err)

	// "Перестал печатать" уходит сразу с отправкой, не по таймеру.
	require.Eventually(t, func() bool { return len(backend.typingSignals()) == 2 },
		500*time.Millisecond, 10*time.Millisecond)
	signals := backend.typingSignals()
	assert.False(t, signals[1].isTyping)
}
