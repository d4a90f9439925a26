package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client), mr
}

type testDoc struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

func TestGetSetJSON(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	found, err := s.GetJSON(ctx, "room:g1:c1", &testDoc{})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetJSON(ctx, "room:g1:c1", testDoc{Name: "general"}, 0))

	var got testDoc
	found, err = s.GetJSON(ctx, "room:g1:c1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "general", got.Name)
}

func TestSetJSON_TTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetJSON(ctx, "msg:m1", testDoc{Name: "hello"}, time.Minute))

	mr.FastForward(2 * time.Minute)

	found, err := s.GetJSON(ctx, "msg:m1", &testDoc{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateJSON_CreatesAndMutates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := PresenceKey(types.UserID("u1"))

	err := s.UpdateJSON(ctx, key, 0, func(current []byte) ([]byte, error) {
		doc := testDoc{Version: 1}
		if current != nil {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, err
			}
			doc.Version++
		}
		doc.Name = "online"
		return json.Marshal(doc)
	})
	require.NoError(t, err)

	err = s.UpdateJSON(ctx, key, 0, func(current []byte) ([]byte, error) {
		var doc testDoc
		require.NotNil(t, current)
		require.NoError(t, json.Unmarshal(current, &doc))
		doc.Version++
		return json.Marshal(doc)
	})
	require.NoError(t, err)

	var got testDoc
	found, err := s.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateJSON_Delete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetJSON(ctx, "presence:u2", testDoc{Name: "online"}, 0))

	err := s.UpdateJSON(ctx, "presence:u2", 0, func(current []byte) ([]byte, error) {
		return nil, nil
	})
	require.NoError(t, err)

	found, err := s.GetJSON(ctx, "presence:u2", &testDoc{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateJSON_ConcurrentWriters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := PresenceKey(types.UserID("u3"))

	require.NoError(t, s.SetJSON(ctx, key, testDoc{Version: 0}, 0))

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.UpdateJSON(ctx, key, 0, func(current []byte) ([]byte, error) {
				var doc testDoc
				if err := json.Unmarshal(current, &doc); err != nil {
					return nil, err
				}
				doc.Version++
				return json.Marshal(doc)
			})
		}()
	}
	wg.Wait()

	var got testDoc
	found, err := s.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, found)
	// Every writer either succeeded or reported a conflict; the counter must
	// never exceed the writer count and lost updates must not occur silently.
	assert.LessOrEqual(t, got.Version, int64(writers))
	assert.Greater(t, got.Version, int64(0))
}

func TestSetOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := OnlineGuildKey(types.GuildID("g1"))

	require.NoError(t, s.SetAdd(ctx, key, "u1", "u2"))
	require.NoError(t, s.SetAdd(ctx, key, "u2")) // idempotent

	members, err := s.SetMembers(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, members)

	n, err := s.SetCard(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.SetRem(ctx, key, "u1"))
	members, err = s.SetMembers(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, members)
}

func TestIncrWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := RateKey(types.UserID("u1"), "send_message")

	n, err := s.IncrWithTTL(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrWithTTL(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(2 * time.Minute)

	n, err = s.IncrWithTTL(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestScanKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetJSON(ctx, "presence:u1", testDoc{}, 0))
	require.NoError(t, s.SetJSON(ctx, "presence:u2", testDoc{}, 0))
	require.NoError(t, s.SetJSON(ctx, "room:g1:c1", testDoc{}, 0))

	keys, err := s.ScanKeys(ctx, "presence:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"presence:u1", "presence:u2"}, keys)
}

func TestStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewFromClient(client)

	mr.Close()

	err := s.SetJSON(context.Background(), "presence:u1", testDoc{}, 0)
	require.Error(t, err)
	assert.Equal(t, errs.KindTransient, errs.KindOf(err))
	assert.True(t, errs.Retryable(err))
}

func TestKeyLayout(t *testing.T) {
	room := types.NewRoomKey("g1", "c1")
	assert.Equal(t, "room:g1:c1", RoomKey(room))
	assert.Equal(t, "participant:g1:c1:u1", ParticipantKey(room, "u1"))
	assert.Equal(t, "session:u1", SessionKey("u1"))
	assert.Equal(t, "presence:u1", PresenceKey("u1"))
	assert.Equal(t, "online:guild:g1", OnlineGuildKey("g1"))
	assert.Equal(t, "msg:01ABC", MessageKey("01ABC"))
	assert.Equal(t, "rate:u1:send_message", RateKey("u1", "send_message"))
}
