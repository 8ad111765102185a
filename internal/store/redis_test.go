package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		_, rdb := newMiniredisClient(t)
		return NewRedisStore(rdb, "test:")
	})
}

func TestRedisStore_KeysNeverExpire(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	s := NewRedisStore(rdb, "")
	require.NoError(t, s.Create(context.Background(), newJob("vid_ttl", baseTime)))

	assert.True(t, mr.Exists("avatar:job:vid_ttl"))
	assert.Zero(t, mr.TTL("avatar:job:vid_ttl"))

	members, err := mr.ZMembers("avatar:jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"vid_ttl"}, members)
}

func TestRedisStore_ListSkipsDanglingIndex(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	s := NewRedisStore(rdb, "")
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("kept", baseTime)))
	require.NoError(t, s.Create(ctx, newJob("lost", baseTime.Add(1))))
	mr.Del("avatar:job:lost")

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "kept", all[0].ID)
}

func TestRedisStore_BackendFailure(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	s := NewRedisStore(rdb, "")
	mr.Close()

	_, err := s.GetByID(context.Background(), "x")
	var serr *StoreError
	assert.ErrorAs(t, err, &serr)
}

func TestRedisStore_RejectsCorruptStatus(t *testing.T) {
	mr, rdb := newMiniredisClient(t)
	s := NewRedisStore(rdb, "")
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("vid_x", baseTime)))
	require.NoError(t, mr.Set("avatar:job:vid_x", `{"id":"vid_x","status":"done","createdAt":"2024-03-01T12:00:00Z"}`))

	_, err := s.GetByID(ctx, "vid_x")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	var serr *StoreError
	assert.ErrorAs(t, err, &serr)

	_, err = s.ListAll(ctx)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
