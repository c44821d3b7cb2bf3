package diag

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-introspect/introspect"
)

//go:noinline
func recordTestTarget(r *Recorder) (CallSite, error) {
	return r.Record(0)
}

//go:noinline
func recordTestCallerA(r *Recorder) (CallSite, error) {
	return recordTestTarget(r)
}

//go:noinline
func recordTestCallerB(r *Recorder) (CallSite, error) {
	return recordTestTarget(r)
}

//go:noinline
func recordTestWrapper(r *Recorder) (CallSite, error) {
	return r.Record(1)
}

//go:noinline
func recordTestWrapped(r *Recorder) (CallSite, error) {
	return recordTestWrapper(r)
}

func newTestRecorder(t *testing.T, store Storage, opts RecorderOptions) *Recorder {
	t.Helper()

	r, err := NewRecorder(store, opts)
	require.NoError(t, err)
	var clock atomic.Int64
	r.nowNanos = func() int64 { return clock.Add(10) }
	return r
}

func TestNewRecorder(t *testing.T) {
	t.Parallel()

	_, err := NewRecorder(nil, RecorderOptions{})
	require.Error(t, err)

	_, err = NewRecorder(NewMemStorage(), RecorderOptions{Depth: -1})
	require.ErrorIs(t, err, introspect.ErrInvalidDepth)

	r, err := NewRecorder(NewMemStorage(), RecorderOptions{})
	require.NoError(t, err)
	assert.Equal(t, defaultDepth, r.opts.Depth)
}

func TestRecorderRecord(t *testing.T) {
	t.Parallel()

	t.Run("attribution", func(t *testing.T) {
		r := newTestRecorder(t, NewMemStorage(), RecorderOptions{Depth: 2})

		site, err := recordTestCallerA(r)
		require.NoError(t, err)
		assert.Equal(t, "recordTestCallerA", site.Caller.Member)
		assert.Equal(t, uint32(1), site.Hits)
		assert.Equal(t, site.FirstNS, site.LastNS)
		require.Equal(t, 2, site.Stack.Len())
		assert.Equal(t, "recordTestTarget", site.Stack.At(0).Member)
		assert.Equal(t, "recordTestCallerA", site.Stack.At(1).Member)
		assert.NotEmpty(t, site.Key)
	})

	t.Run("hits", func(t *testing.T) {
		r := newTestRecorder(t, NewMemStorage(), RecorderOptions{Depth: 2})

		var last CallSite
		for range 3 {
			var err error
			last, err = recordTestCallerA(r)
			require.NoError(t, err)
		}
		_, err := recordTestCallerB(r)
		require.NoError(t, err)

		assert.Equal(t, uint32(3), last.Hits)
		assert.Less(t, last.FirstNS, last.LastNS)

		sites, err := r.CallSites()
		require.NoError(t, err)
		require.Len(t, sites, 2)
		assert.Equal(t, "recordTestCallerA", sites[0].Caller.Member)
		assert.Equal(t, uint32(3), sites[0].Hits)
		assert.Equal(t, last.Key, sites[0].Key)
		assert.Equal(t, "recordTestCallerB", sites[1].Caller.Member)
		assert.Equal(t, uint32(1), sites[1].Hits)
	})

	t.Run("skip", func(t *testing.T) {
		r := newTestRecorder(t, NewMemStorage(), RecorderOptions{Depth: 1})

		site, err := recordTestWrapped(r)
		require.NoError(t, err)
		assert.Contains(t, site.Caller.Member, "TestRecorderRecord")
		require.Equal(t, 1, site.Stack.Len())
		assert.Equal(t, "recordTestWrapped", site.Stack.At(0).Member)
	})

	t.Run("ignore", func(t *testing.T) {
		r := newTestRecorder(t, NewMemStorage(), RecorderOptions{
			Depth:  2,
			Ignore: []string{"recordTestCallerA"},
		})

		site, err := recordTestCallerA(r)
		require.NoError(t, err)
		assert.Contains(t, site.Caller.Member, "TestRecorderRecord")
		require.Equal(t, 2, site.Stack.Len())
		assert.Equal(t, "recordTestTarget", site.Stack.At(0).Member)
		assert.Equal(t, site.Caller.Member, site.Stack.At(1).Member)
	})

	t.Run("compressed", func(t *testing.T) {
		store := NewMemStorage()
		r := newTestRecorder(t, store, RecorderOptions{Compress: true})

		site, err := recordTestCallerA(r)
		require.NoError(t, err)

		blob, ok, err := store.LoadState(callSitePrefix + ";" + site.Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, blobSnappy, blob[0])

		sites, err := r.CallSites()
		require.NoError(t, err)
		require.Len(t, sites, 1)
		assert.Equal(t, site, sites[0])
	})

	t.Run("concurrent", func(t *testing.T) {
		r := newTestRecorder(t, NewMemStorage(), RecorderOptions{Depth: 2})

		const goroutines, records = 8, 50
		var wg sync.WaitGroup
		for range goroutines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range records {
					_, err := recordTestCallerA(r)
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		sites, err := r.CallSites()
		require.NoError(t, err)
		require.Len(t, sites, 1)
		assert.Equal(t, uint32(goroutines*records), sites[0].Hits)
	})
}

func TestRecorderCallSites(t *testing.T) {
	t.Parallel()

	t.Run("shared_store", func(t *testing.T) {
		store := NewMemStorage()
		require.NoError(t, store.SaveState("unrelated", []byte{1}))
		r := newTestRecorder(t, store, RecorderOptions{})

		sites, err := r.CallSites()
		require.NoError(t, err)
		assert.Empty(t, sites)

		_, err = recordTestCallerA(r)
		require.NoError(t, err)
		require.NoError(t, r.Reset())

		sites, err = r.CallSites()
		require.NoError(t, err)
		assert.Empty(t, sites)
		_, ok, err := store.LoadState("unrelated")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("corrupt", func(t *testing.T) {
		store := NewMemStorage()
		require.NoError(t, store.SaveState(callSitePrefix+";bad", []byte{7, 1, 2}))
		r := newTestRecorder(t, store, RecorderOptions{})

		_, err := r.CallSites()
		assert.ErrorContains(t, err, "unknown blob encoding")
	})

	t.Run("badger", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skip in short mode")
		}

		store, err := NewBadgerStorage(filepath.Join(t.TempDir(), "db"), 16, true)
		require.NoError(t, err)
		defer store.Close()
		r := newTestRecorder(t, store, RecorderOptions{Depth: 2, Compress: true})

		for range 2 {
			_, err = recordTestCallerA(r)
			require.NoError(t, err)
		}
		_, err = recordTestCallerB(r)
		require.NoError(t, err)

		sites, err := r.CallSites()
		require.NoError(t, err)
		require.Len(t, sites, 2)
		assert.Equal(t, uint32(2), sites[0].Hits)
	})
}
