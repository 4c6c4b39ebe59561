package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ereffner/stimma/internal/domain"
	"github.com/ereffner/stimma/internal/service"
)

func newTestSessionManager() (*service.SessionManager, *memorySessionStore) {
	store := &memorySessionStore{sessions: map[string]domain.Session{}}
	manager := service.NewSessionManager(store, 4*time.Hour, 4*time.Hour, 30*time.Minute, zap.NewNop())
	return manager, store
}

func TestSessionCreateAndTouch(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestSessionManager()

	created, err := manager.Create(ctx, domain.User{ID: 42, Email: "student@example.edu", IsAdmin: true})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.True(t, created.Authenticated())

	touched, err := manager.Touch(ctx, created.ID, service.AreaFront)
	require.NoError(t, err)
	require.Equal(t, created.ID, touched.ID)
	require.Equal(t, int64(42), touched.UserID)
	require.True(t, touched.IsAdmin)
}

func TestSessionIdleExpiry(t *testing.T) {
	ctx := context.Background()
	manager, store := newTestSessionManager()

	created, err := manager.Create(ctx, domain.User{ID: 42, Email: "student@example.edu"})
	require.NoError(t, err)

	store.age(created.ID, func(s *domain.Session) {
		s.LastActivity = time.Now().Add(-5 * time.Hour)
	})

	_, err = manager.Touch(ctx, created.ID, service.AreaFront)
	require.ErrorIs(t, err, service.ErrSessionExpired)

	// The expired record is destroyed, not just rejected.
	require.Nil(t, store.get(created.ID))
}

func TestSessionExpiryBeatsRegeneration(t *testing.T) {
	ctx := context.Background()
	manager, store := newTestSessionManager()

	created, err := manager.Create(ctx, domain.User{ID: 42, Email: "student@example.edu"})
	require.NoError(t, err)

	// Both overdue for regeneration and past the idle lifetime: expiry wins
	// and the session must not continue under a fresh identifier.
	store.age(created.ID, func(s *domain.Session) {
		s.LastActivity = time.Now().Add(-5 * time.Hour)
		s.LastRegenerated = time.Now().Add(-5 * time.Hour)
	})

	_, err = manager.Touch(ctx, created.ID, service.AreaFront)
	require.ErrorIs(t, err, service.ErrSessionExpired)
	require.Empty(t, store.all())
}

func TestSessionRegeneration(t *testing.T) {
	ctx := context.Background()
	manager, store := newTestSessionManager()

	created, err := manager.Create(ctx, domain.User{ID: 42, Email: "student@example.edu"})
	require.NoError(t, err)

	store.age(created.ID, func(s *domain.Session) {
		s.LastRegenerated = time.Now().Add(-31 * time.Minute)
	})

	touched, err := manager.Touch(ctx, created.ID, service.AreaFront)
	require.NoError(t, err)
	require.NotEqual(t, created.ID, touched.ID)
	require.Equal(t, int64(42), touched.UserID)
	require.Equal(t, "student@example.edu", touched.Email)

	// The superseded identifier never validates again.
	_, err = manager.Touch(ctx, created.ID, service.AreaFront)
	require.ErrorIs(t, err, service.ErrSessionExpired)
}

func TestSessionDestroy(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestSessionManager()

	created, err := manager.Create(ctx, domain.User{ID: 42, Email: "student@example.edu"})
	require.NoError(t, err)
	require.NoError(t, manager.Destroy(ctx, created.ID))

	_, err = manager.Touch(ctx, created.ID, service.AreaFront)
	require.ErrorIs(t, err, service.ErrSessionExpired)
}

func TestGuestSessionHoldsCsrfToken(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestSessionManager()

	guest, err := manager.CreateGuest(ctx)
	require.NoError(t, err)
	require.False(t, guest.Authenticated())

	token, err := manager.CsrfToken(ctx, guest)
	require.NoError(t, err)
	require.Len(t, token, 64)

	// Stable across calls within one session.
	again, err := manager.CsrfToken(ctx, guest)
	require.NoError(t, err)
	require.Equal(t, token, again)
}

func TestValidateCsrf(t *testing.T) {
	manager, _ := newTestSessionManager()
	session := &domain.Session{ID: "sid", CsrfToken: "expected-token"}

	require.True(t, manager.ValidateCsrf(session, "expected-token"))
	require.False(t, manager.ValidateCsrf(session, "wrong-token"))
	require.False(t, manager.ValidateCsrf(session, ""))
	require.False(t, manager.ValidateCsrf(nil, "expected-token"))
	require.False(t, manager.ValidateCsrf(&domain.Session{ID: "sid"}, "anything"))
}

type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func (m *memorySessionStore) Save(ctx context.Context, session domain.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *memorySessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *memorySessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memorySessionStore) get(id string) *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return &session
}

func (m *memorySessionStore) all() []domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *memorySessionStore) age(id string, mutate func(*domain.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session := m.sessions[id]
	mutate(&session)
	m.sessions[id] = session
}
