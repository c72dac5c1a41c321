package httpdb_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/javi11/httpvfs/internal/bridge"
	"github.com/javi11/httpvfs/internal/httpdb"
	_ "github.com/mattn/go-sqlite3"
	"github.com/psanford/sqlite3vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFileServer serves content with full byte-range support on every path.
func newFileServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "test.db", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() httpdb.Config {
	return httpdb.Config{
		BlockSize:         httpdb.PageSize,
		DownloadThreshold: 0,
	}
}

func TestOpenAndRead(t *testing.T) {
	content := bytes.Repeat([]byte{7}, 64)
	srv := newFileServer(t, content)

	conn, err := httpdb.Open(srv.URL+"/test.db", testConfig())
	require.NoError(t, err)
	defer conn.Close()

	size, err := conn.FileSize()
	require.NoError(t, err)
	assert.EqualValues(t, 64, size)

	buf := make([]byte, 16)
	n, err := conn.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, content[:16], buf)

	// Same range again comes from cache.
	n, err = conn.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 16, n)

	stats := conn.Stats()
	assert.EqualValues(t, 1, stats.BlockFetches)
	assert.EqualValues(t, 1, stats.CacheHits)
}

func TestOpenRequiresRangeSupport(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "no accept-ranges header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("some body"))
			},
			wantErr: httpdb.ErrRangeNotSupported,
		},
		{
			name: "accept-ranges none",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Accept-Ranges", "none")
				w.Write([]byte("some body"))
			},
			wantErr: httpdb.ErrRangeNotSupported,
		},
		{
			name: "missing content length",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Accept-Ranges", "bytes")
				w.WriteHeader(http.StatusOK)
				w.(http.Flusher).Flush() // force chunked encoding
				w.Write([]byte("some body"))
			},
			wantErr: httpdb.ErrInvalidLength,
		},
		{
			name: "zero content length",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Accept-Ranges", "bytes")
				w.Header().Set("Content-Length", "0")
				w.WriteHeader(http.StatusOK)
			},
			wantErr: httpdb.ErrInvalidLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			conn, err := httpdb.Open(srv.URL, testConfig())
			require.Error(t, err)
			assert.Nil(t, conn)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOpenUnreachableServer(t *testing.T) {
	conn, err := httpdb.Open("http://127.0.0.1:1/db", testConfig())
	require.Error(t, err)
	assert.Nil(t, conn)
}

func TestNarrowFetchBypassesCache(t *testing.T) {
	srv := newFileServer(t, bytes.Repeat([]byte{3}, 64))

	cfg := testConfig()
	cfg.DownloadThreshold = 8
	conn, err := httpdb.Open(srv.URL+"/test.db", cfg)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 8)
	_, err = conn.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{3}, 8), buf)

	stats := conn.Stats()
	assert.EqualValues(t, 1, stats.NarrowFetches)
	assert.EqualValues(t, 0, stats.BlockFetches)
	assert.Equal(t, 0, stats.CachedBlocks)
}

func TestReadPastEndFails(t *testing.T) {
	srv := newFileServer(t, bytes.Repeat([]byte{1}, 64))

	conn, err := httpdb.Open(srv.URL+"/test.db", testConfig())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadAt(make([]byte, 16), 70)
	assert.Error(t, err)

	// The handle stays usable after a failed read.
	_, err = conn.ReadAt(make([]byte, 16), 0)
	assert.NoError(t, err)
}

func TestMutationsAreRefused(t *testing.T) {
	srv := newFileServer(t, bytes.Repeat([]byte{1}, 64))

	conn, err := httpdb.Open(srv.URL+"/test.db", testConfig())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.WriteAt([]byte("nope"), 0)
	assert.ErrorIs(t, err, sqlite3vfs.ReadOnlyError)

	assert.ErrorIs(t, conn.Truncate(0), sqlite3vfs.ReadOnlyError)

	assert.NoError(t, conn.Sync(0), "sync is a harmless no-op")
}

func TestLockStateMachine(t *testing.T) {
	srv := newFileServer(t, bytes.Repeat([]byte{1}, 64))

	conn, err := httpdb.Open(srv.URL+"/test.db", testConfig())
	require.NoError(t, err)
	defer conn.Close()

	base := httpdb.SharedLockHolders()
	assert.Equal(t, sqlite3vfs.LockNone, conn.CurrentLock())

	require.NoError(t, conn.Lock(sqlite3vfs.LockShared))
	assert.Equal(t, sqlite3vfs.LockShared, conn.CurrentLock())
	assert.Equal(t, base+1, httpdb.SharedLockHolders())

	// Upgrades are refused with no state change.
	for _, target := range []sqlite3vfs.LockType{
		sqlite3vfs.LockReserved,
		sqlite3vfs.LockPending,
		sqlite3vfs.LockExclusive,
	} {
		assert.Error(t, conn.Lock(target))
		assert.Equal(t, sqlite3vfs.LockShared, conn.CurrentLock())
		assert.Equal(t, base+1, httpdb.SharedLockHolders())
	}

	require.NoError(t, conn.Unlock(sqlite3vfs.LockNone))
	assert.Equal(t, sqlite3vfs.LockNone, conn.CurrentLock())
	assert.Equal(t, base, httpdb.SharedLockHolders())

	// Unlock from none leaves the counter alone.
	require.NoError(t, conn.Unlock(sqlite3vfs.LockNone))
	assert.Equal(t, base, httpdb.SharedLockHolders())

	reserved, err := conn.CheckReservedLock()
	require.NoError(t, err)
	assert.False(t, reserved)
}

func TestCloseShutsDownBridge(t *testing.T) {
	srv := newFileServer(t, bytes.Repeat([]byte{1}, 64))

	conn, err := httpdb.Open(srv.URL+"/test.db", testConfig())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "close is idempotent")

	// Fetches after close report the bridge as unavailable.
	_, err = conn.ReadAt(make([]byte, 16), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrClosed)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  httpdb.Config
	}{
		{"block size below page size", httpdb.Config{BlockSize: httpdb.PageSize / 2}},
		{"block size not page aligned", httpdb.Config{BlockSize: httpdb.PageSize + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := httpdb.Open("http://localhost/db", tt.cfg)
			assert.Error(t, err)

			_, err = httpdb.New(tt.cfg)
			assert.Error(t, err)
		})
	}
}
