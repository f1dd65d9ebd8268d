// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package index

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *RedisIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client)
}

func TestAppendAndCountGrowsWaitSet(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	n, err := ix.AppendAndCount(ctx, "fp-1", "ssid-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = ix.AppendAndCount(ctx, "fp-1", "ssid-b")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// A different fingerprint has its own WaitSet.
	n, err = ix.AppendAndCount(ctx, "fp-2", "ssid-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDrainReturnsAllAndDeletes(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	for _, ssid := range []string{"a", "b", "c"} {
		_, err := ix.AppendAndCount(ctx, "fp-1", ssid)
		require.NoError(t, err)
	}

	ssids, err := ix.Drain(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ssids)

	// The key is gone: a fresh append is first again.
	n, err := ix.AppendAndCount(ctx, "fp-1", "d")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDrainAbsentKeyIsEmpty(t *testing.T) {
	ix := newTestIndex(t)
	ssids, err := ix.Drain(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, ssids)
}

func TestConcurrentAppendsExactlyOneFirst(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	const waiters = 32
	var wg sync.WaitGroup
	firsts := make(chan string, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ssid := fmt.Sprintf("ssid-%02d", i)
			n, err := ix.AppendAndCount(ctx, "fp-hot", ssid)
			assert.NoError(t, err)
			if n == 1 {
				firsts <- ssid
			}
		}(i)
	}
	wg.Wait()
	close(firsts)

	var firstCount int
	for range firsts {
		firstCount++
	}
	assert.Equal(t, 1, firstCount, "exactly one caller must observe n==1")

	ssids, err := ix.Drain(ctx, "fp-hot")
	require.NoError(t, err)
	assert.Len(t, ssids, waiters)
	unique := make(map[string]bool, len(ssids))
	for _, ssid := range ssids {
		unique[ssid] = true
	}
	assert.Len(t, unique, waiters)
}
