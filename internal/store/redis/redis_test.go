package redis

import (
	"context"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crewvar/crewauth/internal/models"
	"github.com/crewvar/crewauth/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis

	mockReq = models.OTPRequest{
		ID:        "req1",
		Email:     "crew@example.com",
		OTPHash:   "deadbeef",
		Salt:      "abcd",
		Attempts:  0,
		CreatedAt: time.Now().Truncate(time.Millisecond),
		ExpiresAt: time.Now().Add(5 * time.Minute).Truncate(time.Millisecond),
	}
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host: rd.Host(),
		Port: port,
	})
}

func setup(t *testing.T) *Redis {
	rdis.FlushDB()
	require.NoError(t, rStore.Create(context.Background(), mockReq), "failed to set up test request")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore
}

func TestStoreCreateAndLatest(t *testing.T) {
	rStore := setup(t)

	out, err := rStore.Latest(context.Background(), mockReq.Email)
	require.NoError(t, err, "error fetching latest request")

	assert.Equal(t, mockReq.ID, out.ID)
	assert.Equal(t, mockReq.OTPHash, out.OTPHash)
	assert.Equal(t, mockReq.Salt, out.Salt)
	assert.Equal(t, 0, out.Attempts)
	assert.False(t, out.Used)
	assert.Equal(t, mockReq.CreatedAt.UnixMilli(), out.CreatedAt.UnixMilli())
	assert.Equal(t, mockReq.ExpiresAt.UnixMilli(), out.ExpiresAt.UnixMilli())
	assert.True(t, out.VerifiedAt.IsZero(), "verified_at should be unset")
}

func TestStoreLatestPicksNewest(t *testing.T) {
	rStore := setup(t)

	newer := mockReq
	newer.ID = "req2"
	newer.CreatedAt = mockReq.CreatedAt.Add(time.Minute)
	require.NoError(t, rStore.Create(context.Background(), newer))

	out, err := rStore.Latest(context.Background(), mockReq.Email)
	require.NoError(t, err)
	assert.Equal(t, "req2", out.ID, "latest should be the newest record")

	// Terminating the newest record makes the older one surface again.
	require.NoError(t, rStore.MarkUsed(context.Background(), "req2", time.Time{}))
	out, err = rStore.Latest(context.Background(), mockReq.Email)
	require.NoError(t, err)
	assert.Equal(t, "req1", out.ID)
}

func TestStoreLatestNotExist(t *testing.T) {
	rStore := setup(t)

	_, err := rStore.Latest(context.Background(), "nobody@example.com")
	assert.Equal(t, store.ErrNotExist, err)
}

func TestStoreIncrementAttempts(t *testing.T) {
	rStore := setup(t)

	err := rStore.IncrementAttempts(context.Background(), mockReq.ID, 0)
	assert.NoError(t, err, "error incrementing attempts")

	out, err := rStore.Latest(context.Background(), mockReq.Email)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)

	// Stale counter value.
	err = rStore.IncrementAttempts(context.Background(), mockReq.ID, 0)
	assert.Equal(t, store.ErrConflict, err, "stale increment should conflict")

	// Unknown record.
	err = rStore.IncrementAttempts(context.Background(), "bogus", 0)
	assert.Equal(t, store.ErrNotExist, err)
}

func TestStoreMarkUsed(t *testing.T) {
	rStore := setup(t)

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, rStore.MarkUsed(context.Background(), mockReq.ID, now))

	_, err := rStore.Latest(context.Background(), mockReq.Email)
	assert.Equal(t, store.ErrNotExist, err, "used record should not be active")

	out, err := rStore.get(context.Background(), mockReq.ID)
	require.NoError(t, err)
	assert.True(t, out.Used)
	assert.Equal(t, now.UnixMilli(), out.VerifiedAt.UnixMilli())

	// Terminated records refuse further increments.
	err = rStore.IncrementAttempts(context.Background(), mockReq.ID, 0)
	assert.Equal(t, store.ErrConflict, err)
}

func TestStorePing(t *testing.T) {
	assert.NoError(t, rStore.Ping(context.Background()))
}
