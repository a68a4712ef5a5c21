// Package session owns the authenticated identity: login/register/logout/refresh,
// persistence through credstore and change notifications for dependent components
// (route guards, realtime connection manager). Session state is mutated here and
// nowhere else.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rentora/internal/api"
	"github.com/rentora/internal/credstore"
	"github.com/rentora/internal/logger"
	"github.com/rentora/internal/model"
)

type State int

const (
	// StateLoading — стартовая гидратация ещё не завершена; guards рисуют pending.
	StateLoading State = iota
	StateAnonymous
	StateAuthenticated
)

// Snapshot — неизменяемый срез состояния для подписчиков.
type Snapshot struct {
	State   State
	Session model.Session
}

// Authenticated reports whether the snapshot carries a live session.
func (s Snapshot) Authenticated() bool { return s.State == StateAuthenticated }

type Store struct {
	api   *api.Client
	creds credstore.Store

	mu     sync.RWMutex
	state  State
	sess   model.Session
	nextID int
	subs   map[int]func(Snapshot)
}

func NewStore(apiClient *api.Client, creds credstore.Store) *Store {
	return &Store{
		api:   apiClient,
		creds: creds,
		state: StateLoading,
		subs:  make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{State: s.state, Session: s.sess}
}

// Subscribe registers fn for every state transition and returns an unsubscribe
// func. fn is invoked immediately with the current snapshot so late subscribers
// do not miss the present state.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	snap := Snapshot{State: s.state, Session: s.sess}
	s.mu.Unlock()

	fn(snap)
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// set переводит store в новое состояние и уведомляет подписчиков вне мьютекса.
func (s *Store) set(state State, sess model.Session) {
	s.mu.Lock()
	s.state = state
	s.sess = sess
	snap := Snapshot{State: state, Session: sess}
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Init hydrates the session at startup. With a cached identity the store turns
// authenticated immediately (no UI flash) and refreshes in the background; with
// a bare token it blocks on refresh before the session is declared ready.
func (s *Store) Init(ctx context.Context) {
	saved, err := s.creds.Load()
	if err != nil {
		logger.Errorf("session: load credentials: %v", err)
	}
	if saved == nil {
		s.set(StateAnonymous, model.Session{})
		return
	}

	s.api.SetToken(saved.Token)

	if saved.Identity != nil && !tokenExpired(saved.Token) {
		// Оптимистичная гидратация: рисуем авторизованный UI сразу,
		// фоновый refresh подтвердит или снесёт сессию.
		s.set(StateAuthenticated, model.Session{
			UserID:      saved.Identity.ID,
			DisplayName: saved.Identity.DisplayName,
			Role:        saved.Identity.Role,
			Token:       saved.Token,
		})
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.Refresh(rctx); err != nil {
				logger.Errorf("session: background refresh: %v", err)
			}
		}()
		return
	}

	if _, err := s.Refresh(ctx); err != nil {
		var netErr *api.NetworkError
		if errors.As(err, &netErr) && saved.Identity != nil {
			// Сеть недоступна, но личность кеширована — работаем офлайн-оптимистично.
			s.set(StateAuthenticated, model.Session{
				UserID:      saved.Identity.ID,
				DisplayName: saved.Identity.DisplayName,
				Role:        saved.Identity.Role,
				Token:       saved.Token,
			})
			return
		}
		logger.Errorf("session: startup refresh: %v", err)
	}
}

// Login обменивает учётные данные на сессию и сохраняет её.
func (s *Store) Login(ctx context.Context, email, password string) (model.Session, error) {
	resp, err := s.api.Login(ctx, email, password)
	if err != nil {
		return model.Session{}, err
	}
	return s.adopt(resp)
}

// Register создаёт учётную запись; контракт персистентности тот же, что у Login.
func (s *Store) Register(ctx context.Context, req api.RegisterRequest) (model.Session, error) {
	resp, err := s.api.Register(ctx, req)
	if err != nil {
		return model.Session{}, err
	}
	return s.adopt(resp)
}

func (s *Store) adopt(resp *api.AuthResponse) (model.Session, error) {
	pub := resp.User.ToPublic()
	if err := s.creds.Save(&credstore.Credentials{Token: resp.Token, Identity: &pub}); err != nil {
		// Сессия работает и без персистентности, но перезапуск её потеряет.
		logger.Errorf("session: save credentials: %v", err)
	}
	s.api.SetToken(resp.Token)
	sess := model.Session{
		UserID:      resp.User.ID,
		DisplayName: resp.User.DisplayName,
		Role:        resp.User.Role,
		Token:       resp.Token,
	}
	s.set(StateAuthenticated, sess)
	return sess, nil
}

// Logout invalidates the token server-side (best effort, failure only logged)
// and then unconditionally tears the local session down.
func (s *Store) Logout(ctx context.Context) {
	if s.Snapshot().Authenticated() {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.api.Logout(lctx); err != nil {
			logger.Errorf("session: backend logout: %v", err)
		}
		cancel()
	}
	s.teardown()
}

// ForceLogout — локальный teardown без обращения к бэкенду. Используется при
// 401 на refresh и по сигналу auth-failed от realtime-слоя.
func (s *Store) ForceLogout() {
	s.teardown()
}

func (s *Store) teardown() {
	if err := s.creds.Clear(); err != nil {
		logger.Errorf("session: clear credentials: %v", err)
	}
	s.api.SetToken("")
	s.set(StateAnonymous, model.Session{})
}

// Refresh re-fetches the identity with the stored token. AuthError forces a
// local logout; transient errors leave the current state untouched.
func (s *Store) Refresh(ctx context.Context) (model.Session, error) {
	if s.api.Token() == "" {
		s.set(StateAnonymous, model.Session{})
		return model.Session{}, &api.AuthError{Message: "no stored token"}
	}
	u, err := s.api.Me(ctx)
	if err != nil {
		var authErr *api.AuthError
		if errors.As(err, &authErr) {
			s.ForceLogout()
		}
		return model.Session{}, err
	}

	pub := u.ToPublic()
	token := s.api.Token()
	if err := s.creds.Save(&credstore.Credentials{Token: token, Identity: &pub}); err != nil {
		logger.Errorf("session: save credentials: %v", err)
	}
	sess := model.Session{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Token:       token,
	}
	s.set(StateAuthenticated, sess)
	return sess, nil
}

// tokenExpired заглядывает в exp без проверки подписи (подпись — дело сервера).
// Нечитаемый токен не считается протухшим: пусть решает бэкенд.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Time)
}
