package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1sec-project/accessguard/internal/core"
)

func TestMemoryUsers_ListAdminsSkipsDisabled(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUsers(
		User{ID: "b", Email: "b@example.com", Admin: true},
		User{ID: "a", Email: "a@example.com", Admin: true},
		User{ID: "c", Email: "c@example.com"},
		User{ID: "d", Email: "d@example.com", Admin: true, Status: UserDisabled},
	)

	admins, err := users.ListAdmins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 2)
	assert.Equal(t, "a", admins[0].ID)
	assert.Equal(t, "b", admins[1].ID)
}

func TestMemoryUsers_SetUserStatus(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryUsers(User{ID: "u1"})

	u, err := users.SetUserStatus(ctx, "u1", UserDisabled)
	require.NoError(t, err)
	assert.Equal(t, UserDisabled, u.Status)

	_, err = users.SetUserStatus(ctx, "missing", UserDisabled)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryDevices_MarkAsCompromised(t *testing.T) {
	ctx := context.Background()
	devices := NewMemoryDevices(Device{ID: "d1", UserID: "u1", Fingerprint: "fp-1"})

	d, err := devices.MarkAsCompromised(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, DeviceCompromised, d.Status)

	got, err := devices.GetDeviceByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, DeviceCompromised, got.Status)

	_, err = devices.MarkAsCompromised(ctx, "unknown")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = devices.GetDeviceByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestMemorySessions_RevokeAll(t *testing.T) {
	ctx := context.Background()
	sessions := NewMemorySessions()
	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, sessions.Create(ctx, Session{ID: id, UserID: "u1"}))
	}
	require.NoError(t, sessions.Create(ctx, Session{ID: "s4", UserID: "u2"}))
	require.NoError(t, sessions.Create(ctx, Session{ID: "old", UserID: "u1", ExpiresAt: time.Now().Add(-time.Minute)}))

	n, err := sessions.CountForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	revoked, err := sessions.RevokeAllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)

	n, _ = sessions.CountForUser(ctx, "u1")
	assert.Zero(t, n)
	n, _ = sessions.CountForUser(ctx, "u2")
	assert.Equal(t, 1, n)
}

func newRedisStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSessionStore(client, "test:sessions"), mr
}

func TestRedisSessionStore_CountAndRevoke(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	exp := time.Now().Add(time.Hour)
	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, store.Create(ctx, Session{ID: id, UserID: "u1", ExpiresAt: exp}))
	}
	require.NoError(t, store.Create(ctx, Session{ID: "s3", UserID: "u2", ExpiresAt: exp}))

	n, err := store.CountForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sess, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)

	revoked, err := store.RevokeAllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	n, err = store.CountForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	n, err = store.CountForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisSessionStore_ExpiredSessionsNotCounted(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	require.NoError(t, store.Create(ctx, Session{ID: "short", UserID: "u1", ExpiresAt: time.Now().Add(time.Minute)}))
	require.NoError(t, store.Create(ctx, Session{ID: "long", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}))

	mr.FastForward(2 * time.Minute)

	n, err := store.CountForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := mr.Members("test:sessions:user:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, members)

	revoked, err := store.RevokeAllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)
}

func TestRedisSessionStore_RevokeWithoutSessions(t *testing.T) {
	store, _ := newRedisStore(t)
	n, err := store.RevokeAllForUser(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// afterFirstCommand runs fn once, right after the first command or pipeline
// the client sends once the hook is installed.
type afterFirstCommand struct {
	once sync.Once
	fn   func()
}

func (h *afterFirstCommand) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *afterFirstCommand) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.once.Do(h.fn)
		return err
	}
}

func (h *afterFirstCommand) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.once.Do(h.fn)
		return err
	}
}

func TestRedisSessionStore_RevokeRacingCreateLeavesNoHiddenSession(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	exp := time.Now().Add(time.Hour)
	require.NoError(t, store.Create(ctx, Session{ID: "s1", UserID: "u1", ExpiresAt: exp}))

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { other.Close() })
	login := NewRedisSessionStore(other, "test:sessions")
	store.client.AddHook(&afterFirstCommand{fn: func() {
		require.NoError(t, login.Create(ctx, Session{ID: "s2", UserID: "u1", ExpiresAt: exp}))
	}})

	_, err := store.RevokeAllForUser(ctx, "u1")
	require.NoError(t, err)

	// s2 was either revoked with s1 or is still indexed; it is never live and
	// invisible to the index.
	n, err := store.CountForUser(ctx, "u1")
	require.NoError(t, err)
	if _, err := store.Get(ctx, "s2"); err == nil {
		assert.Equal(t, 1, n)
	} else {
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.Zero(t, n)
	}

	_, err = store.RevokeAllForUser(ctx, "u1")
	require.NoError(t, err)
	n, err = store.CountForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = store.Get(ctx, "s2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
