package cache

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t, Options{})

	url := "https://cdn.example.com/ads/v1/main_ad_bundle.js"
	body := []byte("var creative = 1;")
	hdr := http.Header{"Content-Type": []string{"text/javascript"}}

	require.NoError(t, s.Save(url, body, hdr))

	got, meta, ok := s.Load(url)
	require.True(t, ok)
	assert.Equal(t, body, got)
	assert.Equal(t, "v1", meta.Version)
	assert.Equal(t, "text/javascript", meta.ContentType)
	assert.Equal(t, int64(len(body)), meta.Size)
}

func TestLoad_VersionChangeIsMiss(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{Dir: dir})

	require.NoError(t, s.Save("https://host/v1/app.js", []byte("one"), nil))

	// Same filename, new version token: must miss.
	_, _, ok := s.Load("https://host/v2/app.js")
	assert.False(t, ok)

	// Saving the new version updates the ledger and replaces the L2 object.
	require.NoError(t, s.Save("https://host/v2/app.js", []byte("two"), nil))

	got, meta, ok := s.Load("https://host/v2/app.js")
	require.True(t, ok)
	assert.Equal(t, []byte("two"), got)
	assert.Equal(t, "v2", meta.Version)

	// Old version is gone from disk and no longer loadable.
	_, err := os.Stat(filepath.Join(dir, "app.js_v_v1"))
	assert.True(t, os.IsNotExist(err))
	_, _, ok = s.Load("https://host/v1/app.js")
	assert.False(t, ok)
}

func TestSave_RefusesUnversionedURL(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Options{Dir: dir})

	err := s.Save("https://host/file.js", []byte("x"), nil)
	require.ErrorIs(t, err, ErrNoVersion)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	for _, de := range entries {
		assert.Equal(t, ".lock", de.Name(), "cache dir must stay empty apart from the lock file")
	}
}

func TestSave_ResaveIsAtomicOverwrite(t *testing.T) {
	s := newTestStore(t, Options{})

	url := "https://host/v1/app.js"
	require.NoError(t, s.Save(url, []byte("first"), nil))
	require.NoError(t, s.Save(url, []byte("second"), nil))

	got, _, ok := s.Load(url)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)
}

func TestDiskHitPopulatesMemory(t *testing.T) {
	dir := t.TempDir()

	writer := newTestStore(t, Options{Dir: dir})
	require.NoError(t, writer.Save("https://host/v1/app.js", []byte("payload"), nil))

	// Fresh store over the same directory: L1 is cold, disk is the truth.
	reader := newTestStore(t, Options{Dir: dir})
	require.Equal(t, int64(0), reader.MemoryBytes())

	got, _, ok := reader.Load("https://host/v1/app.js")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
	assert.Equal(t, int64(len("payload")), reader.MemoryBytes())
}

func TestMemoryBound_FIFOEviction(t *testing.T) {
	s := newTestStore(t, Options{MaxMemoryBytes: 10})

	require.NoError(t, s.Save("https://host/v1/a.js", []byte("aaaaaa"), nil)) // 6 bytes
	require.NoError(t, s.Save("https://host/v1/b.js", []byte("bbbbbb"), nil)) // evicts a.js

	assert.LessOrEqual(t, s.MemoryBytes(), int64(10))

	// Evicted from L1 but still served from disk.
	got, _, ok := s.Load("https://host/v1/a.js")
	require.True(t, ok)
	assert.Equal(t, []byte("aaaaaa"), got)
}

func TestStrategies(t *testing.T) {
	const url = "https://host/v1/app.js"

	t.Run("age_and_version misses on expiry", func(t *testing.T) {
		s := newTestStore(t, Options{MaxAge: time.Nanosecond, Strategy: StrategyAgeAndVersion})
		require.NoError(t, s.Save(url, []byte("x"), nil))
		time.Sleep(time.Millisecond)
		_, _, ok := s.Load(url)
		assert.False(t, ok)
	})

	t.Run("version_only ignores age", func(t *testing.T) {
		s := newTestStore(t, Options{MaxAge: time.Nanosecond, Strategy: StrategyVersionOnly})
		require.NoError(t, s.Save(url, []byte("x"), nil))
		time.Sleep(time.Millisecond)
		_, _, ok := s.Load(url)
		assert.True(t, ok)
	})

	t.Run("age_only ignores version", func(t *testing.T) {
		s := newTestStore(t, Options{Strategy: StrategyAgeOnly})
		require.NoError(t, s.Save(url, []byte("x"), nil))
		_, _, ok := s.Load("https://host/v2/app.js")
		assert.False(t, ok, "different version has no disk object, still a miss")
		_, _, ok = s.Load(url)
		assert.True(t, ok)
	})

	t.Run("always_revalidate never hits", func(t *testing.T) {
		s := newTestStore(t, Options{Strategy: StrategyAlwaysRevalidate})
		require.NoError(t, s.Save(url, []byte("x"), nil))
		_, _, ok := s.Load(url)
		assert.False(t, ok)
	})
}

func TestStatus(t *testing.T) {
	s := newTestStore(t, Options{})

	require.NoError(t, s.Save("https://host/v1/a.js", []byte("aa"), nil))
	require.NoError(t, s.Save("https://host/v7/b.js", []byte("bbb"), nil))

	status := s.Status()
	require.Len(t, status, 2)

	byName := map[string]ArtifactStatus{}
	for _, st := range status {
		byName[st.Filename] = st
	}
	assert.Equal(t, "v1", byName["a.js"].Version)
	assert.Equal(t, int64(2), byName["a.js"].Size)
	assert.Equal(t, "v7", byName["b.js"].Version)
	assert.Equal(t, int64(3), byName["b.js"].Size)
}

func TestConcurrentConsumers(t *testing.T) {
	s := newTestStore(t, Options{})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n*2)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("https://host/v1/file%d.js", i%5)
			body := []byte(fmt.Sprintf("body-%d", i%5))
			if err := s.Save(url, body, nil); err != nil {
				errs <- err
				return
			}
			got, _, ok := s.Load(url)
			if !ok {
				errs <- fmt.Errorf("miss for %s", url)
				return
			}
			if len(got) == 0 {
				errs <- fmt.Errorf("empty body for %s", url)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
