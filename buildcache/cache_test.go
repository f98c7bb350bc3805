package buildcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/funcbox/fingerprint"
	"github.com/isdmx/funcbox/sandbox"
)

func artifactBuilder(id string, calls *atomic.Int32) BuildFunc {
	return func(context.Context) (sandbox.ArtifactHandle, error) {
		calls.Add(1)
		return sandbox.ArtifactHandle{ID: id}, nil
	}
}

func TestEnsureBuilt(t *testing.T) {
	ctx := context.Background()
	fp := fingerprint.Of("def handler(event):\n    return 1\n")

	t.Run("FirstBuildIsColdThenWarm", func(t *testing.T) {
		cache := New()
		var calls atomic.Int32

		artifact, warm, err := cache.EnsureBuilt(ctx, fp, artifactBuilder("img-1", &calls))
		require.NoError(t, err)
		assert.False(t, warm)
		assert.Equal(t, "img-1", artifact.ID)

		artifact, warm, err = cache.EnsureBuilt(ctx, fp, artifactBuilder("img-2", &calls))
		require.NoError(t, err)
		assert.True(t, warm)
		assert.Equal(t, "img-1", artifact.ID)
		assert.Equal(t, int32(1), calls.Load())
		assert.True(t, cache.Contains(fp))
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("ConcurrentRequestsBuildOnce", func(t *testing.T) {
		cache := New()
		var calls atomic.Int32
		release := make(chan struct{})
		build := func(context.Context) (sandbox.ArtifactHandle, error) {
			calls.Add(1)
			<-release
			return sandbox.ArtifactHandle{ID: "img"}, nil
		}

		const n = 16
		var wg sync.WaitGroup
		var cold atomic.Int32
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				artifact, warm, err := cache.EnsureBuilt(ctx, fp, build)
				assert.NoError(t, err)
				assert.Equal(t, "img", artifact.ID)
				if !warm {
					cold.Add(1)
				}
			}()
		}

		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, int32(1), cold.Load())
	})

	t.Run("FailureIsNotCached", func(t *testing.T) {
		cache := New()
		boom := errors.New("syntax error")

		_, warm, err := cache.EnsureBuilt(ctx, fp, func(context.Context) (sandbox.ArtifactHandle, error) {
			return sandbox.ArtifactHandle{}, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, warm)
		assert.False(t, cache.Contains(fp))
		assert.Zero(t, cache.Len())

		var calls atomic.Int32
		artifact, warm, err := cache.EnsureBuilt(ctx, fp, artifactBuilder("img", &calls))
		require.NoError(t, err)
		assert.False(t, warm)
		assert.Equal(t, "img", artifact.ID)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("WaitersOnAFailedBuildRetry", func(t *testing.T) {
		cache := New()
		var calls atomic.Int32
		started := make(chan struct{})
		release := make(chan struct{})

		go func() {
			_, _, err := cache.EnsureBuilt(ctx, fp, func(context.Context) (sandbox.ArtifactHandle, error) {
				close(started)
				<-release
				return sandbox.ArtifactHandle{}, errors.New("boom")
			})
			assert.Error(t, err)
		}()
		<-started

		done := make(chan struct{})
		go func() {
			defer close(done)
			artifact, warm, err := cache.EnsureBuilt(ctx, fp, artifactBuilder("img", &calls))
			assert.NoError(t, err)
			assert.False(t, warm)
			assert.Equal(t, "img", artifact.ID)
		}()

		close(release)
		<-done
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("CancelledContextSkipsTheBuild", func(t *testing.T) {
		cache := New()
		var calls atomic.Int32
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, _, err := cache.EnsureBuilt(cctx, fp, artifactBuilder("img", &calls))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls.Load())
	})

	t.Run("DistinctFingerprintsBuildIndependently", func(t *testing.T) {
		cache := New()
		var calls atomic.Int32
		other := fingerprint.Of("def handler(event):\n    return 2\n")

		_, _, err := cache.EnsureBuilt(ctx, fp, artifactBuilder("a", &calls))
		require.NoError(t, err)
		artifact, warm, err := cache.EnsureBuilt(ctx, other, artifactBuilder("b", &calls))
		require.NoError(t, err)
		assert.False(t, warm)
		assert.Equal(t, "b", artifact.ID)
		assert.Equal(t, 2, cache.Len())
	})

	t.Run("BuildLocksAreDroppedOnceReleased", func(t *testing.T) {
		cache := New()
		var calls atomic.Int32
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := cache.EnsureBuilt(ctx, fp, artifactBuilder("img", &calls))
				assert.NoError(t, err)
			}()
		}
		_, _, err := cache.EnsureBuilt(ctx, fp, func(context.Context) (sandbox.ArtifactHandle, error) {
			return sandbox.ArtifactHandle{}, errors.New("boom")
		})
		wg.Wait()

		// the failing call may have run before or after the successful build
		if err == nil {
			assert.Equal(t, int32(1), calls.Load())
		}
		cache.mu.Lock()
		defer cache.mu.Unlock()
		assert.Empty(t, cache.locks)
	})
}

func TestEviction(t *testing.T) {
	ctx := context.Background()
	fps := []fingerprint.Fingerprint{fingerprint.Of("a"), fingerprint.Of("b"), fingerprint.Of("c")}

	t.Run("LeastRecentlyUsedIsEvicted", func(t *testing.T) {
		var mu sync.Mutex
		var evicted []string
		cache := New(WithMaxEntries(2), WithOnEvict(func(_ fingerprint.Fingerprint, artifact sandbox.ArtifactHandle) {
			mu.Lock()
			evicted = append(evicted, artifact.ID)
			mu.Unlock()
		}))
		var calls atomic.Int32

		_, _, err := cache.EnsureBuilt(ctx, fps[0], artifactBuilder("a", &calls))
		require.NoError(t, err)
		_, _, err = cache.EnsureBuilt(ctx, fps[1], artifactBuilder("b", &calls))
		require.NoError(t, err)
		_, warm, err := cache.EnsureBuilt(ctx, fps[0], artifactBuilder("a", &calls))
		require.NoError(t, err)
		require.True(t, warm)

		_, _, err = cache.EnsureBuilt(ctx, fps[2], artifactBuilder("c", &calls))
		require.NoError(t, err)

		assert.Equal(t, []string{"b"}, evicted)
		assert.Equal(t, 2, cache.Len())
		assert.True(t, cache.Contains(fps[0]))
		assert.False(t, cache.Contains(fps[1]))

		_, warm, err = cache.EnsureBuilt(ctx, fps[1], artifactBuilder("b2", &calls))
		require.NoError(t, err)
		assert.False(t, warm, "evicted fingerprint rebuilds")
	})

	t.Run("ExplicitEviction", func(t *testing.T) {
		var evicted []fingerprint.Fingerprint
		cache := New(WithOnEvict(func(fp fingerprint.Fingerprint, _ sandbox.ArtifactHandle) {
			evicted = append(evicted, fp)
		}))
		var calls atomic.Int32

		assert.False(t, cache.Evict(fps[0]))

		_, _, err := cache.EnsureBuilt(ctx, fps[0], artifactBuilder("a", &calls))
		require.NoError(t, err)
		assert.True(t, cache.Evict(fps[0]))
		assert.Equal(t, []fingerprint.Fingerprint{fps[0]}, evicted)
		assert.Zero(t, cache.Len())

		_, warm, err := cache.EnsureBuilt(ctx, fps[0], artifactBuilder("a", &calls))
		require.NoError(t, err)
		assert.False(t, warm)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("DiscardSkipsTheEvictCallback", func(t *testing.T) {
		var evicted int
		cache := New(WithOnEvict(func(fingerprint.Fingerprint, sandbox.ArtifactHandle) {
			evicted++
		}))
		var calls atomic.Int32

		_, _, err := cache.EnsureBuilt(ctx, fps[0], artifactBuilder("a", &calls))
		require.NoError(t, err)
		assert.True(t, cache.Discard(fps[0]))
		assert.False(t, cache.Discard(fps[0]))
		assert.Zero(t, evicted)
		assert.False(t, cache.Contains(fps[0]))

		_, warm, err := cache.EnsureBuilt(ctx, fps[0], artifactBuilder("a", &calls))
		require.NoError(t, err)
		assert.False(t, warm)
		assert.True(t, cache.Evict(fps[0]))
		assert.Equal(t, 1, evicted, "eviction after a discard still releases")
	})

	t.Run("UnboundedByDefault", func(t *testing.T) {
		cache := New()
		var calls atomic.Int32
		for i, fp := range fps {
			_, _, err := cache.EnsureBuilt(ctx, fp, artifactBuilder(string(rune('a'+i)), &calls))
			require.NoError(t, err)
		}
		assert.Equal(t, len(fps), cache.Len())
	})
}
