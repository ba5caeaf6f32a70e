package storage

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetMissing(t *testing.T) {
	m := NewMemoryStore("photos")
	_, _, err := m.Get(context.Background(), "dev1/a.jpg")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestMemoryStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("photos")

	etag, err := m.Put(ctx, "dev1/a.jpg", []byte("hello"), "image/jpeg")
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	body, got, err := m.Get(ctx, "dev1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, etag, got)
	assert.Equal(t, "image/jpeg", m.ContentType("dev1/a.jpg"))

	// Returned bodies are copies.
	body[0] = 'X'
	again, _, err := m.Get(ctx, "dev1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(again))
}

func TestMemoryStore_IfNoneMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("idx")

	_, err := m.PutConditional(ctx, "k", []byte("1"), "", Condition{IfNoneMatch: "*"})
	require.NoError(t, err)

	_, err = m.PutConditional(ctx, "k", []byte("2"), "", Condition{IfNoneMatch: "*"})
	assert.ErrorIs(t, err, common.ErrPreconditionFailed)

	body, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", string(body))
}

func TestMemoryStore_IfMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("idx")

	_, err := m.PutConditional(ctx, "k", []byte("x"), "", Condition{IfMatch: `"nope"`})
	assert.ErrorIs(t, err, common.ErrPreconditionFailed, "if-match on a missing key fails")

	e1, err := m.Put(ctx, "k", []byte("same"), "")
	require.NoError(t, err)

	e2, err := m.PutConditional(ctx, "k", []byte("same"), "", Condition{IfMatch: e1})
	require.NoError(t, err)
	assert.NotEqual(t, e1, e2, "identical bodies still get fresh etags")

	_, err = m.PutConditional(ctx, "k", []byte("stale"), "", Condition{IfMatch: e1})
	assert.ErrorIs(t, err, common.ErrPreconditionFailed)
}

func TestMemoryStore_ConcurrentCreateSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("idx")

	const n = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.PutConditional(ctx, "k", []byte("v"), "", Condition{IfNoneMatch: "*"}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemoryStore("idx")
	_, err := m.Put(ctx, "k", []byte("v"), "")
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_KeysAndPresign(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("photos")
	for _, k := range []string{"dev2/a", "dev1/b", "dev1/a"} {
		_, err := m.Put(ctx, k, []byte(k), "")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"dev1/a", "dev1/b"}, m.Keys("dev1/"))

	u, err := m.PresignGet(ctx, "dev1/a", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "memory://photos/dev1/a?expires="), u)
}

func TestPartitions_For(t *testing.T) {
	photos, clips := NewMemoryStore("p"), NewMemoryStore("c")
	p := Partitions{Photos: photos, Clips: clips, Index: photos}

	s, err := p.For(common.KindPhotos)
	require.NoError(t, err)
	assert.Same(t, photos, s)

	s, err = p.For(common.KindClips)
	require.NoError(t, err)
	assert.Same(t, clips, s)

	_, err = p.For("videos")
	assert.ErrorIs(t, err, common.ErrInvalidKind)
}
