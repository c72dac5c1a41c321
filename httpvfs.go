// Package httpvfs registers a SQLite VFS that reads a remote database file
// over HTTP byte-range requests. Databases are opened by passing the URL as
// the database filename together with the "http" VFS:
//
//	httpvfs.Register()
//	db, _ := sql.Open("sqlite3", "http://example.com/data.db?vfs=http")
//
// The remote file is never written; block-sized regions are cached in memory
// for the lifetime of each handle.
package httpvfs

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/javi11/httpvfs/internal/httpdb"
	"github.com/psanford/sqlite3vfs"
)

// VFSName is the name the VFS is registered under.
const VFSName = "http"

// Option adjusts registration-time tunables.
type Option func(*httpdb.Config)

// WithBlockSize sets the cache granularity in bytes. It must be a
// power-of-two-friendly multiple of the 4 KiB page size; invalid values make
// Register fail.
func WithBlockSize(size int64) Option {
	return func(cfg *httpdb.Config) {
		cfg.BlockSize = size
	}
}

// WithDownloadThreshold sets the largest single read served by a narrow
// fetch instead of a full-block fetch. 0 disables the bypass.
func WithDownloadThreshold(threshold int64) Option {
	return func(cfg *httpdb.Config) {
		cfg.DownloadThreshold = threshold
	}
}

// WithMaxCachedBlocks bounds the per-connection block cache; the least
// recently used blocks are evicted past the bound. 0 keeps it unbounded.
func WithMaxCachedBlocks(n int) Option {
	return func(cfg *httpdb.Config) {
		cfg.MaxCachedBlocks = n
	}
}

// WithHTTPClient shares an externally constructed client, and its connection
// pool, across every connection.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *httpdb.Config) {
		cfg.HTTPClient = client
	}
}

// WithRequestTimeout bounds each probe and range request.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *httpdb.Config) {
		cfg.RequestTimeout = timeout
	}
}

// WithFetchAttempts sets the number of tries per range request. The default
// of 1 disables retries.
func WithFetchAttempts(attempts uint) Option {
	return func(cfg *httpdb.Config) {
		cfg.FetchAttempts = attempts
	}
}

// WithLogger routes VFS logging through logger instead of slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *httpdb.Config) {
		cfg.Logger = logger
	}
}

var (
	registerOnce sync.Once
	registerErr  error
)

// Register registers the VFS under VFSName exactly once per process. Later
// calls return the first call's outcome and ignore their options.
func Register(opts ...Option) error {
	registerOnce.Do(func() {
		cfg := httpdb.Config{
			BlockSize:         httpdb.DefaultBlockSize,
			DownloadThreshold: httpdb.DefaultDownloadThreshold,
		}
		for _, opt := range opts {
			opt(&cfg)
		}

		vfs, err := httpdb.New(cfg)
		if err != nil {
			registerErr = err
			return
		}
		registerErr = sqlite3vfs.RegisterVFS(VFSName, vfs)
	})
	return registerErr
}
