package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

var testSecret = []byte("0123456789abcdef")

func newTestManager(t *testing.T) (*Manager, *FileStore, *time.Time) {
	t.Helper()

	fs, err := OpenFileStore(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)

	m := NewManager(fs, testSecret, 0, logf.New(logf.Opts{}))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	m.now = func() time.Time { return *clock }

	return m, fs, clock
}

func testSession() (Stored, Profile) {
	return Stored{
			UID:           "uid-1",
			Email:         "crew@example.com",
			DisplayName:   "crew",
			EmailVerified: true,
		}, Profile{
			ID:          "uid-1",
			Email:       "crew@example.com",
			DisplayName: "crew",
			IsActive:    true,
		}
}

func TestSaveAndLoad(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess, prof := testSession()

	require.NoError(t, m.Save(sess, prof))

	got, gotProf, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, sess.UID, got.UID)
	assert.Equal(t, sess.Email, got.Email)
	assert.Equal(t, prof, gotProf)
	assert.False(t, got.SavedAt.IsZero())

	ts, ok := m.LastActivity()
	require.True(t, ok)
	assert.False(t, ts.IsZero())
}

func TestLoadAbsent(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, _, err := m.Load()
	assert.Equal(t, ErrNoSession, err)
}

func TestTamperedSessionDiscarded(t *testing.T) {
	m, fs, _ := newTestManager(t)
	sess, prof := testSession()
	require.NoError(t, m.Save(sess, prof))

	// Flip one byte of the tag.
	sig, ok, err := fs.Get(keySig)
	require.NoError(t, err)
	require.True(t, ok)
	sig[0] ^= 0x01
	require.NoError(t, fs.Set(keySig, sig))

	_, _, err = m.Load()
	assert.Equal(t, ErrIntegrity, err)

	// The tampered snapshot is erased, so subsequent loads see no session.
	_, _, err = m.Load()
	assert.Equal(t, ErrNoSession, err)
}

func TestTamperedPayloadDiscarded(t *testing.T) {
	m, fs, _ := newTestManager(t)
	sess, prof := testSession()
	require.NoError(t, m.Save(sess, prof))

	b, ok, err := fs.Get(keySession)
	require.NoError(t, err)
	require.True(t, ok)
	b[len(b)/2] ^= 0x01
	require.NoError(t, fs.Set(keySession, b))

	_, _, err = m.Load()
	assert.Equal(t, ErrIntegrity, err)
}

func TestSessionWindow(t *testing.T) {
	m, _, clock := newTestManager(t)
	sess, prof := testSession()
	require.NoError(t, m.Save(sess, prof))

	*clock = clock.Add(29 * 24 * time.Hour)
	_, _, err := m.Load()
	assert.NoError(t, err, "session inside the 30-day window")

	*clock = clock.Add(2 * 24 * time.Hour)
	_, _, err = m.Load()
	assert.Equal(t, ErrExpired, err)

	_, _, err = m.Load()
	assert.Equal(t, ErrNoSession, err, "expired session is erased")
}

func TestTokenExpiryIsAdvisory(t *testing.T) {
	m, _, clock := newTestManager(t)
	sess, prof := testSession()
	sess.AccessToken = "tok"
	sess.TokenExpiresAt = clock.Add(5 * time.Minute)
	require.NoError(t, m.Save(sess, prof))

	// The token has expired but the session itself is still good.
	*clock = clock.Add(time.Hour)
	got, _, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, got.AccessToken, "stale token is stripped")
	assert.Equal(t, sess.UID, got.UID)
}

func TestClear(t *testing.T) {
	m, fs, _ := newTestManager(t)
	sess, prof := testSession()
	require.NoError(t, m.Save(sess, prof))
	require.NoError(t, m.Clear())

	_, _, err := m.Load()
	assert.Equal(t, ErrNoSession, err)

	for _, k := range []string{keySession, keyProfile, keyLastActivity, keySig} {
		_, ok, err := fs.Get(k)
		require.NoError(t, err)
		assert.False(t, ok, "key %s should be gone", k)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	fs, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, fs.Set("k", []byte(`"v"`)))

	// A fresh handle over the same file sees the write.
	fs2, err := OpenFileStore(path)
	require.NoError(t, err)
	v, ok, err := fs2.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"v"`, string(v))

	require.NoError(t, fs2.Delete("k"))
	fs3, err := OpenFileStore(path)
	require.NoError(t, err)
	_, ok, err = fs3.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}
