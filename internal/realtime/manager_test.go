package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentora/internal/credstore"
	"github.com/rentora/internal/credstore/memory"
	"github.com/rentora/internal/model"
)

// fakeAuthorizer выдаёт подпись без REST-вызова.
type fakeAuthorizer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *fakeAuthorizer) AuthorizeChannel(_ context.Context, socketID, channel string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.calls = append(a.calls, socketID+"|"+channel)
	return "sig-" + channel, nil
}

// transportServer — поддельный транспорт: апгрейдит соединение, сразу шлёт
// connection_established и складывает все входящие кадры в канал.
type transportServer struct {
	t        *testing.T
	srv      *httptest.Server
	frames   chan Frame
	reject   atomic.Bool
	mu      sync.Mutex
	conns   []*websocket.Conn
	sockSeq atomic.Int64
}

func newTransportServer(t *testing.T) *transportServer {
	ts := &transportServer{t: t, frames: make(chan Frame, 64)}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.reject.Load() {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()

		sock := "sock-" + strconv.FormatInt(ts.sockSeq.Add(1), 10)
		f, _ := NewFrame(EventConnectionEstablished, "", ConnectionEstablishedPayload{SocketID: sock})
		if err := conn.WriteJSON(f); err != nil {
			return
		}
		for {
			var in Frame
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			ts.frames <- in
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *transportServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/realtime"
}

func (ts *transportServer) lastConn() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(ts.t, ts.conns)
	return ts.conns[len(ts.conns)-1]
}

func (ts *transportServer) connCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

// dropLast рвёт последнее соединение без кода закрытия (сетевой обрыв).
func (ts *transportServer) dropLast() {
	ts.lastConn().Close()
}

// closeAuthFailure закрывает последнее соединение кодом auth failure.
func (ts *transportServer) closeAuthFailure() {
	c := ts.lastConn()
	msg := websocket.FormatCloseMessage(CloseCodeAuthFailure, "token revoked")
	c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	// Дать клиенту прочитать close frame до TCP-разрыва.
	time.Sleep(100 * time.Millisecond)
	c.Close()
}

func (ts *transportServer) send(f Frame) {
	require.NoError(ts.t, ts.lastConn().WriteJSON(f))
}

func (ts *transportServer) nextFrame(timeout time.Duration) (Frame, bool) {
	select {
	case f := <-ts.frames:
		return f, true
	case <-time.After(timeout):
		return Frame{}, false
	}
}

func testSession() model.Session {
	return model.Session{UserID: "u1", DisplayName: "Alice", Role: model.RoleGuest, Token: "tok-1"}
}

func newTestManager(t *testing.T, ts *transportServer, creds credstore.Store) (*Manager, *fakeAuthorizer) {
	auth := &fakeAuthorizer{}
	m := NewManager(ts.wsURL(), "test-key", auth, creds)
	t.Cleanup(m.Disconnect)
	return m, auth
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		3*time.Second, 20*time.Millisecond, "state never became %s", want)
}

func TestConnectAndSubscribe(t *testing.T) {
	ts := newTransportServer(t)
	m, auth := newTestManager(t, ts, nil)

	m.Connect(testSession())
	waitState(t, m, StateConnected)

	m.JoinChannel("c1", Callbacks{})

	f, ok := ts.nextFrame(2 * time.Second)
	require.True(t, ok, "no subscribe frame")
	assert.Equal(t, EventSubscribe, f.Type)
	assert.Equal(t, "conversation.c1", f.Channel)
	assert.Equal(t, "sig-conversation.c1", f.Auth)

	auth.mu.Lock()
	defer auth.mu.Unlock()
	require.Len(t, auth.calls, 1)
	assert.Contains(t, auth.calls[0], "|conversation.c1")
}

func TestConnectSameIdentityKeepsConnection(t *testing.T) {
	ts := newTransportServer(t)
	m, _ := newTestManager(t, ts, nil)

	m.Connect(testSession())
	waitState(t, m, StateConnected)

	refreshed := testSession()
	refreshed.Token = "tok-2"
	m.Connect(refreshed)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 1, ts.connCount(), "same identity must not redial")
}

func TestConnectDifferentIdentityRedials(t *testing.T) {
	ts := newTransportServer(t)
	m, _ := newTestManager(t, ts, nil)

	m.Connect(testSession())
	waitState(t, m, StateConnected)

	other := model.Session{UserID: "u2", DisplayName: "Bob", Role: model.RoleHost, Token: "tok-9"}
	m.Connect(other)
	waitState(t, m, StateConnected)

	require.Eventually(t, func() bool { return ts.connCount() == 2 },
		2*time.Second, 20*time.Millisecond)
}

func TestJoinChannelReplacesExisting(t *testing.T) {
	ts := newTransportServer(t)
	m, _ := newTestManager(t, ts, nil)

	m.Connect(testSession())
	waitState(t, m, StateConnected)

	var first, second atomic.Int64
	m.JoinChannel("c1", Callbacks{OnNewMessage: func(model.Message) { first.Add(1) }})
	f, ok := ts.nextFrame(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, EventSubscribe, f.Type)

	m.JoinChannel("c1", Callbacks{OnNewMessage: func(model.Message) { second.Add(1) }})

	// Старая подписка освобождена кадром unsubscribe, новая подписалась заново.
	types := map[EventType]int{}
	for i := 0; i < 2; i++ {
		f, ok := ts.nextFrame(2 * time.Second)
		require.True(t, ok)
		types[f.Type]++
	}
	assert.Equal(t, 1, types[EventUnsubscribe])
	assert.Equal(t, 1, types[EventSubscribe])

	msg := model.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi"}
	mf, err := NewFrame(EventMessageSent, ChannelName("c1"), msg)
	require.NoError(t, err)
	ts.send(mf)

	require.Eventually(t, func() bool { return second.Load() == 1 },
		2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(0), first.Load(), "event delivered to released subscription")
}

func TestStaleHandleLeaveIsNoop(t *testing.T) {
	ts := newTransportServer(t)
	m, _ := newTestManager(t, ts, nil)

	m.Connect(testSession())
	waitState(t, m, StateConnected)

	var got atomic.Int64
	h1 := m.JoinChannel("c1", Callbacks{})
	m.JoinChannel("c1", Callbacks{OnNewMessage: func(model.Message) { got.Add(1) }})

	// Leave на устаревшем handle не должен снести свежую подписку.
	h1.Leave()

	mf, err := NewFrame(EventMessageSent, ChannelName("c1"), model.Message{ID: "m1", ConversationID: "c1"})
	require.NoError(t, err)
	ts.send(mf)

	require.Eventually(t, func() bool { return got.Load() == 1 },
		2*time.Second, 20*time.Millisecond)
}

func TestReconnectRejoinsChannels(t *testing.T) {
	ts := newTransportServer(t)
	m, _ := newTestManager(t, ts, nil)

	m.Connect(testSession())
	waitState(t, m, StateConnected)
	m.JoinChannel("c1", Callbacks{})
	f, ok := ts.nextFrame(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, EventSubscribe, f.Type)

	ts.dropLast()
	waitState(t, m, StateDisconnected)

	// Первый плановый retry через базовую задержку; после established подписка
	// восстанавливается без участия потребителя.
	waitState(t, m, StateConnected)
	f, ok = ts.nextFrame(3 * time.Second)
	require.True(t, ok, "no resubscribe after reconnect")
	assert.Equal(t, EventSubscribe, f.Type)
	assert.Equal(t, "conversation.c1", f.Channel)
	assert.Equal(t, 2, ts.connCount())
}

func TestReconnectBackoffExhaustsToFailed(t *testing.T) {
	var mu sync.Mutex
	var dials []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials = append(dials, time.Now())
		mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	const base = 5 * time.Millisecond
	m := NewManager("ws"+strings.TrimPrefix(srv.URL, "http")+"/realtime", "test-key", &fakeAuthorizer{}, nil)
	m.baseDelay = base
	t.Cleanup(m.Disconnect)

	m.Connect(testSession())
	waitState(t, m, StateFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dials, 6, "initial dial plus five retries, then gives up")
	// Задержки удваиваются: base, 2*base, ... 16*base. Таймер — нижняя граница.
	for i, mult := range []time.Duration{1, 2, 4, 8, 16} {
		gap := dials[i+1].Sub(dials[i])
		assert.GreaterOrEqual(t, gap, mult*base, "retry %d fired before its delay", i+1)
	}
}

func TestReconnectCounterResetsOnSuccess(t *testing.T) {
	ts := newTransportServer(t)
	m, _ := newTestManager(t, ts, nil)
	m.baseDelay = 5 * time.Millisecond

	m.Connect(testSession())
	waitState(t, m, StateConnected)

	ts.dropLast()
	require.Eventually(t, func() bool { return ts.connCount() == 2 },
		2*time.Second, 10*time.Millisecond)
	waitState(t, m, StateConnected)

	m.mu.Lock()
	attempt := m.attempt
	m.mu.Unlock()
	assert.Zero(t, attempt, "attempt counter must reset after a successful reconnect")
}

func TestNudgeReconnectsImmediately(t *testing.T) {
	ts := newTransportServer(t)
	m, _ := newTestManager(t, ts, nil)

	m.Connect(testSession())
	waitState(t, m, StateConnected)

	ts.dropLast()
	waitState(t, m, StateDisconnected)

	m.Nudge()
	require.Eventually(t, func() bool { return ts.connCount() == 2 },
		500*time.Millisecond, 10*time.Millisecond, "nudge must dial without waiting for the retry timer")
	waitState(t, m, StateConnected)
}

func TestAuthFailureSignalledOnce(t *testing.T) {
	ts := newTransportServer(t)
	creds := memory.New()
	require.NoError(t, creds.Save(&credstore.Credentials{Token: "tok-1"}))
	m, _ := newTestManager(t, ts, creds)

	var fired atomic.Int64
	m.OnAuthFailure(func() { fired.Add(1) })

	m.Connect(testSession())
	waitState(t, m, StateConnected)

	ts.closeAuthFailure()
	waitState(t, m, StateFailed)

	require.Eventually(t, func() bool { return fired.Load() == 1 },
		2*time.Second, 20*time.Millisecond)

	saved, err := creds.Load()
	require.NoError(t, err)
	assert.Nil(t, saved, "credentials must be cleared on auth failure")

	// Nudge после auth-ошибки не переподключается и не дублирует сигнал.
	m.Nudge()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), fired.Load())
	assert.Equal(t, 1, ts.connCount())
	assert.Equal(t, StateFailed, m.State())

	// Новый Connect (после повторного логина) сбрасывает флаг.
	m.Connect(testSession())
	waitState(t, m, StateConnected)
}

func TestDialRejected401(t *testing.T) {
	ts := newTransportServer(t)
	ts.reject.Store(true)
	creds := memory.New()
	require.NoError(t, creds.Save(&credstore.Credentials{Token: "tok-1"}))
	m, _ := newTestManager(t, ts, creds)

	var fired atomic.Int64
	m.OnAuthFailure(func() { fired.Add(1) })

	m.Connect(testSession())
	waitState(t, m, StateFailed)

	require.Eventually(t, func() bool { return fired.Load() == 1 },
		2*time.Second, 20*time.Millisecond)
	saved, err := creds.Load()
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestDisconnectResets(t *testing.T) {
	ts := newTransportServer(t)
	m, _ := newTestManager(t, ts, nil)

	m.Connect(testSession())
	waitState(t, m, StateConnected)
	m.JoinChannel("c1", Callbacks{})

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	// Повторный вызов безопасен.
	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestFrameRoundTrip(t *testing.T) {
	f, err := NewFrame(EventMessageSent, ChannelName("c1"), model.Message{ID: "m1", Content: "hi"})
	require.NoError(t, err)

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var back Frame
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, EventMessageSent, back.Type)
	assert.Equal(t, "conversation.c1", back.Channel)

	var msg model.Message
	require.NoError(t, json.Unmarshal(back.Payload, &msg))
	assert.Equal(t, "m1", msg.ID)
}
