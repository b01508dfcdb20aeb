package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemory(func(o *MemoryOptions) { o.Now = clk.Now })

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))

	clk.now = clk.now.Add(time.Minute)

	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Delete(ctx, "b"))
	assert.Equal(t, 0, c.Len())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	buf := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", buf, 0))
	buf[0] = 'x'

	v, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
}

func TestMemory_MaxEntries(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(func(o *MemoryOptions) { o.MaxEntries = 2 })

	require.NoError(t, c.Set(ctx, "short", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "long", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "new", []byte("3"), time.Hour))

	assert.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "short")
	assert.False(t, ok)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	type binding struct {
		ConversationID string `json:"conversationId"`
	}

	require.NoError(t, SetJSON(ctx, c, Key("session", "bot-1", "s-1"), binding{ConversationID: "conv-1"}, time.Minute))

	got, ok, err := GetJSON[binding](ctx, c, "session:bot-1:s-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "conv-1", got.ConversationID)

	_, ok, err = GetJSON[binding](ctx, c, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "broken", []byte("{"), 0))
	_, _, err = GetJSON[binding](ctx, c, "broken")
	assert.Error(t, err)
}

func TestRedis_UnreachableServer(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewRedis(rdb, "supportmesh")
	defer c.Close()

	_, _, err := c.Get(context.Background(), "k")
	assert.ErrorContains(t, err, "redis get")
	assert.Equal(t, "supportmesh:k", c.key("k"))
}
