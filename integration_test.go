package httpvfs_test

import (
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/httpvfs"
	"github.com/javi11/httpvfs/internal/rangeserver"
)

// register performs the process-wide VFS registration with the options every
// test in this binary shares.
func register(t *testing.T) {
	t.Helper()
	err := httpvfs.Register(
		httpvfs.WithBlockSize(4096),
		httpvfs.WithDownloadThreshold(1024),
		httpvfs.WithRequestTimeout(30*time.Second),
	)
	require.NoError(t, err)
}

// buildFixtureDatabases creates the two databases the end-to-end scenario
// queries and returns them as an in-memory filesystem with names "0" and "1".
func buildFixtureDatabases(t *testing.T) afero.Fs {
	t.Helper()

	schemas := [][]string{
		{
			"CREATE TABLE test1 (id INTEGER PRIMARY KEY, name TEXT);",
			"CREATE TABLE test2 (id INTEGER PRIMARY KEY, name TEXT);",
		},
		{
			"CREATE TABLE test (id INTEGER PRIMARY KEY, name TEXT);",
			"INSERT INTO test (name) VALUES ('Alice');",
			"INSERT INTO test (name) VALUES ('Bob');",
		},
	}

	dir := t.TempDir()
	fsys := afero.NewMemMapFs()

	for i, schema := range schemas {
		path := filepath.Join(dir, fmt.Sprintf("%d.db", i))

		db, err := sql.Open("sqlite3", path)
		require.NoError(t, err)
		for _, stmt := range schema {
			_, err := db.Exec(stmt)
			require.NoError(t, err)
		}
		require.NoError(t, db.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, afero.WriteFile(fsys, fmt.Sprintf("%d", i), data, 0o644))
	}

	return fsys
}

// startRangeServer serves fsys on an ephemeral loopback port and returns the
// base URL.
func startRangeServer(t *testing.T, fsys afero.Fs) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := rangeserver.New(fsys, nil)
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	return "http://" + ln.Addr().String()
}

func TestRegisterIsIdempotent(t *testing.T) {
	register(t)

	// Repeat registrations, including concurrent ones with different
	// options, observe the first call's outcome.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = httpvfs.Register(httpvfs.WithBlockSize(64 * 1024))
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestQueryRemoteDatabases(t *testing.T) {
	register(t)

	base := startRangeServer(t, buildFixtureDatabases(t))

	t.Run("count tables in sqlite_master", func(t *testing.T) {
		db, err := sql.Open("sqlite3", fmt.Sprintf("%s/0?vfs=%s", base, httpvfs.VFSName))
		require.NoError(t, err)
		defer db.Close()

		var count int
		err = db.QueryRow("SELECT count(1) FROM sqlite_master WHERE type = 'table'").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("select rows in insertion order", func(t *testing.T) {
		db, err := sql.Open("sqlite3", fmt.Sprintf("%s/1?vfs=%s", base, httpvfs.VFSName))
		require.NoError(t, err)
		defer db.Close()

		rows, err := db.Query("SELECT name FROM test")
		require.NoError(t, err)
		defer rows.Close()

		var names []string
		for rows.Next() {
			var name string
			require.NoError(t, rows.Scan(&name))
			names = append(names, name)
		}
		require.NoError(t, rows.Err())
		assert.Equal(t, []string{"Alice", "Bob"}, names)
	})

	t.Run("writes fail against the remote database", func(t *testing.T) {
		db, err := sql.Open("sqlite3", fmt.Sprintf("%s/1?vfs=%s", base, httpvfs.VFSName))
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec("INSERT INTO test (name) VALUES ('Carol')")
		assert.Error(t, err)
	})
}
