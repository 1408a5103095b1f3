package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	m := NewMinter([]byte("secret"), "crewauth", time.Minute)

	tok, err := m.Mint("uid123")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	uid, err := m.Verify(tok)
	assert.NoError(t, err)
	assert.Equal(t, "uid123", uid)
}

func TestVerifyRejectsTampered(t *testing.T) {
	m := NewMinter([]byte("secret"), "crewauth", time.Minute)

	tok, err := m.Mint("uid123")
	require.NoError(t, err)

	_, err = m.Verify(tok + "x")
	assert.Equal(t, ErrInvalidToken, err)

	other := NewMinter([]byte("other-secret"), "crewauth", time.Minute)
	_, err = other.Verify(tok)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := NewMinter([]byte("secret"), "crewauth", time.Minute)

	tok, err := m.Mint("uid123")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = m.Verify(tok)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestTokensAreUnique(t *testing.T) {
	m := NewMinter([]byte("secret"), "crewauth", time.Minute)

	a, err := m.Mint("uid123")
	require.NoError(t, err)
	b, err := m.Mint("uid123")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "tokens should carry unique IDs")
}
