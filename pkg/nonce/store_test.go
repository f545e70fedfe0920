package nonce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyproof/keyproof-core/pkg/clock"
)

func newStore() *MemoryStore {
	return NewMemoryStore(MemoryConfig{})
}

func TestTryAddFirstInsertWins(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	rec := Record{ExpiresAt: time.Now().Add(time.Minute)}

	ok, err := s.TryAdd(ctx, "n1", rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAdd(ctx, "n1", rec)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryGet(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	expires := time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC)

	_, found, err := s.TryGet(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s.TryAdd(ctx, "n1", Record{ExpiresAt: expires})
	require.NoError(t, err)

	rec, found, err := s.TryGet(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, expires, rec.ExpiresAt)
	assert.False(t, rec.Used)
}

func TestMarkUsedTransitions(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	res, err := s.MarkUsed(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res)

	_, err = s.TryAdd(ctx, "n1", Record{ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	res, err = s.MarkUsed(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, Marked, res)

	// The flag is monotonic; a second CAS loses.
	res, err = s.MarkUsed(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyUsed, res)

	rec, found, err := s.TryGet(ctx, "n1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Used)
}

func TestMarkUsedConcurrentExactlyOneWinner(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	_, err := s.TryAdd(ctx, "n1", Record{ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	const callers = 32
	results := make([]MarkResult, callers)
	errs := make([]error, callers)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			results[i], errs[i] = s.MarkUsed(ctx, "n1")
		}(i)
	}
	start.Done()
	done.Wait()

	winners := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		switch res {
		case Marked:
			winners++
		case AlreadyUsed:
		default:
			t.Errorf("unexpected result %v", res)
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller must win the CAS")
}

func TestExpiredRecordsStayVisible(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	expires := time.Now().Add(-time.Minute)

	_, err := s.TryAdd(ctx, "n1", Record{ExpiresAt: expires})
	require.NoError(t, err)

	// Readers see the record and observe now > ExpiresAt; nothing is
	// silently removed mid-operation.
	rec, found, err := s.TryGet(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, time.Now().After(rec.ExpiresAt))
}

func TestReapHonorsGrace(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(MemoryConfig{Grace: 5 * time.Minute, Clock: fake})
	ctx := context.Background()

	expires := fake.Now().Add(2 * time.Minute)
	_, err := s.TryAdd(ctx, "n1", Record{ExpiresAt: expires})
	require.NoError(t, err)

	// Within the validity window: untouched.
	s.reap()
	assert.Equal(t, 1, s.Size())

	// Past expiry but within grace: still kept for replay detection.
	fake.Set(expires.Add(time.Minute))
	s.reap()
	assert.Equal(t, 1, s.Size())

	// Past expiry + grace: removed.
	fake.Set(expires.Add(6 * time.Minute))
	s.reap()
	assert.Equal(t, 0, s.Size())
}

func TestRedisRecordEncoding(t *testing.T) {
	expires := time.Date(2025, 6, 1, 12, 2, 0, 0, time.UTC)

	rec, err := decode(encode(Record{ExpiresAt: expires}))
	require.NoError(t, err)
	assert.Equal(t, expires, rec.ExpiresAt)
	assert.False(t, rec.Used)

	rec, err = decode(encode(Record{ExpiresAt: expires, Used: true}))
	require.NoError(t, err)
	assert.True(t, rec.Used)

	_, err = decode("garbage")
	assert.Error(t, err)
	_, err = decode("abc|1")
	assert.Error(t, err)
}
