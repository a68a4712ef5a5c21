package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentora/internal/api"
	"github.com/rentora/internal/credstore"
	"github.com/rentora/internal/credstore/memory"
	"github.com/rentora/internal/model"
)

type backendBehavior struct {
	meStatus     int
	logoutStatus int
}

func testUser() model.User {
	return model.User{ID: "u1", Email: "alice@example.com", DisplayName: "Alice", Role: model.RoleGuest}
}

// newBackend поднимает поддельный REST-бэкенд авторизации.
func newBackend(t *testing.T, b *backendBehavior) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/auth/login" && r.Method == http.MethodPost:
			var req api.LoginRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Password != "correct" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid email or password"})
				return
			}
			json.NewEncoder(w).Encode(api.AuthResponse{Token: "tok-login", User: testUser()})
		case r.URL.Path == "/api/users/me" && r.Method == http.MethodGet:
			if b.meStatus != 0 && b.meStatus != http.StatusOK {
				w.WriteHeader(b.meStatus)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(testUser())
		case r.URL.Path == "/api/auth/logout" && r.Method == http.MethodPost:
			status := b.logoutStatus
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestStore(t *testing.T, b *backendBehavior) (*Store, *memory.Store) {
	srv := newBackend(t, b)
	creds := memory.New()
	return NewStore(api.New(srv.URL, 5*time.Second), creds), creds
}

func cachedIdentity() *model.UserPublic {
	u := testUser()
	pub := u.ToPublic()
	return &pub
}

func expiredJWT(t *testing.T) string {
	claims := jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(t, err)
	return token
}

func TestInitWithoutCredentials(t *testing.T) {
	s, _ := newTestStore(t, &backendBehavior{})

	s.Init(context.Background())

	snap := s.Snapshot()
	assert.Equal(t, StateAnonymous, snap.State)
	assert.False(t, snap.Authenticated())
}

func TestInitOptimisticHydration(t *testing.T) {
	s, creds := newTestStore(t, &backendBehavior{})
	require.NoError(t, creds.Save(&credstore.Credentials{Token: "opaque-token", Identity: cachedIdentity()}))

	s.Init(context.Background())

	// Авторизованное состояние доступно сразу, до ответа бэкенда.
	snap := s.Snapshot()
	require.Equal(t, StateAuthenticated, snap.State)
	assert.Equal(t, "u1", snap.Session.UserID)
	assert.Equal(t, "Alice", snap.Session.DisplayName)
}

func TestInitExpiredTokenRefreshesBeforeReady(t *testing.T) {
	s, creds := newTestStore(t, &backendBehavior{})
	require.NoError(t, creds.Save(&credstore.Credentials{Token: expiredJWT(t), Identity: cachedIdentity()}))

	// Протухший токен не гидратируется оптимистично: Init блокируется на
	// refresh, и сервер решает судьбу сессии.
	s.Init(context.Background())
	assert.Equal(t, StateAuthenticated, s.Snapshot().State)
}

func TestInitExpiredTokenRejectedByServer(t *testing.T) {
	s, creds := newTestStore(t, &backendBehavior{meStatus: http.StatusUnauthorized})
	require.NoError(t, creds.Save(&credstore.Credentials{Token: expiredJWT(t), Identity: cachedIdentity()}))

	s.Init(context.Background())

	assert.Equal(t, StateAnonymous, s.Snapshot().State)
	saved, err := creds.Load()
	require.NoError(t, err)
	assert.Nil(t, saved, "rejected token must be cleared")
}

func TestInitOfflineWithCachedIdentity(t *testing.T) {
	srv := newBackend(t, &backendBehavior{})
	srv.Close() // сервер недоступен: все запросы — сетевые ошибки

	creds := memory.New()
	require.NoError(t, creds.Save(&credstore.Credentials{Token: expiredJWT(t), Identity: cachedIdentity()}))
	s := NewStore(api.New(srv.URL, time.Second), creds)

	s.Init(context.Background())

	// Сеть лежит, но личность кеширована — работаем офлайн-оптимистично.
	snap := s.Snapshot()
	assert.Equal(t, StateAuthenticated, snap.State)
	assert.Equal(t, "u1", snap.Session.UserID)
}

func TestLoginPersistsSession(t *testing.T) {
	s, creds := newTestStore(t, &backendBehavior{})

	sess, err := s.Login(context.Background(), "alice@example.com", "correct")
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "tok-login", sess.Token)
	assert.Equal(t, StateAuthenticated, s.Snapshot().State)

	saved, err := creds.Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "tok-login", saved.Token)
	require.NotNil(t, saved.Identity)
	assert.Equal(t, "u1", saved.Identity.ID)
}

func TestLoginFailureKeepsAnonymous(t *testing.T) {
	s, creds := newTestStore(t, &backendBehavior{})
	s.Init(context.Background())

	_, err := s.Login(context.Background(), "alice@example.com", "wrong")
	var authErr *api.AuthError
	require.ErrorAs(t, err, &authErr)

	assert.Equal(t, StateAnonymous, s.Snapshot().State)
	saved, err := creds.Load()
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestLogoutSurvivesBackendError(t *testing.T) {
	s, creds := newTestStore(t, &backendBehavior{logoutStatus: http.StatusInternalServerError})

	_, err := s.Login(context.Background(), "alice@example.com", "correct")
	require.NoError(t, err)

	// Бэкенд ответил 500 — локальная сессия всё равно снесена.
	s.Logout(context.Background())
	assert.Equal(t, StateAnonymous, s.Snapshot().State)
	saved, err := creds.Load()
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestForceLogout(t *testing.T) {
	s, creds := newTestStore(t, &backendBehavior{})
	_, err := s.Login(context.Background(), "alice@example.com", "correct")
	require.NoError(t, err)

	s.ForceLogout()
	assert.Equal(t, StateAnonymous, s.Snapshot().State)
	saved, err := creds.Load()
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestSubscribeReceivesCurrentAndUpdates(t *testing.T) {
	s, _ := newTestStore(t, &backendBehavior{})

	var got []State
	unsubscribe := s.Subscribe(func(snap Snapshot) { got = append(got, snap.State) })

	// Немедленный вызов с текущим состоянием: поздний подписчик ничего не теряет.
	require.Equal(t, []State{StateLoading}, got)

	s.Init(context.Background())
	require.Equal(t, []State{StateLoading, StateAnonymous}, got)

	unsubscribe()
	_, err := s.Login(context.Background(), "alice@example.com", "correct")
	require.NoError(t, err)
	assert.Len(t, got, 2, "unsubscribed observer must not fire")
}

func TestTokenExpired(t *testing.T) {
	assert.True(t, tokenExpired(expiredJWT(t)))
	assert.False(t, tokenExpired("not-a-jwt"), "unreadable token is the backend's call")

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	live, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(t, err)
	assert.False(t, tokenExpired(live))
}
