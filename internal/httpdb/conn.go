package httpdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/javi11/httpvfs/internal/bridge"
	"github.com/javi11/httpvfs/internal/buffer"
	"github.com/psanford/sqlite3vfs"
)

var (
	// ErrRangeNotSupported means the server did not advertise byte-range
	// support on the initial probe.
	ErrRangeNotSupported = errors.New("server does not accept byte ranges")

	// ErrInvalidLength means the probe response carried a missing or zero
	// Content-Length. A zero-length database is rejected the same way as a
	// missing one. An unparseable Content-Length is rejected by the HTTP
	// client itself and surfaces as a probe request error instead.
	ErrInvalidLength = errors.New("missing or invalid content length")

	// ErrShortFetch means a range request returned a body of the wrong size.
	ErrShortFetch = errors.New("range response size mismatch")
)

// Connection is one open remote database file. It owns its bridge and lazy
// buffer and implements sqlite3vfs.File. The engine serialises calls on a
// single handle, so the connection keeps no locking around its own state
// beyond the process-wide shared-lock counter.
type Connection struct {
	url      string
	bridge   *bridge.Bridge
	buf      *buffer.LazyBuffer
	logger   *slog.Logger
	attempts uint

	lock      sqlite3vfs.LockType
	closeOnce sync.Once
}

// Open probes rawurl and builds a connection around it. The server must
// answer the probe with Accept-Ranges: bytes and a nonzero Content-Length;
// on any failure the bridge is shut down and no handle is produced.
func Open(rawurl string, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	br := bridge.New(cfg.HTTPClient, cfg.RequestTimeout)

	length, err := probe(br, rawurl)
	if err != nil {
		br.Shutdown()
		return nil, fmt.Errorf("httpdb: initialize %s: %w", rawurl, err)
	}

	c := &Connection{
		url:      rawurl,
		bridge:   br,
		logger:   cfg.Logger.With("component", "httpdb", "url", rawurl),
		attempts: cfg.FetchAttempts,
	}

	buf, err := buffer.New(buffer.Config{
		TotalLength:       length,
		BlockSize:         cfg.BlockSize,
		DownloadThreshold: cfg.DownloadThreshold,
		MaxBlocks:         cfg.MaxCachedBlocks,
		Fetch:             c.fetchRange,
	})
	if err != nil {
		br.Shutdown()
		return nil, fmt.Errorf("httpdb: initialize %s: %w", rawurl, err)
	}
	c.buf = buf

	c.logger.Debug("Opened remote database", "length", length, "block_size", cfg.BlockSize)
	return c, nil
}

// probe issues the initial GET and extracts the file length from the
// response headers. The body is discarded.
func probe(br *bridge.Bridge, rawurl string) (int64, error) {
	var length int64
	err := br.Do(func(ctx context.Context, client *http.Client) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe request: %w", err)
		}
		defer resp.Body.Close()

		if resp.Header.Get("Accept-Ranges") != "bytes" {
			return ErrRangeNotSupported
		}
		if resp.ContentLength <= 0 {
			return ErrInvalidLength
		}

		length = resp.ContentLength
		return nil
	})
	if err != nil {
		return 0, err
	}
	return length, nil
}

// fetchRange materialises [offset, offset+size) with a ranged GET through
// the bridge. Retries are disabled by default (attempts = 1); bridge
// shutdown is never retried.
func (c *Connection) fetchRange(offset, size int64) ([]byte, error) {
	var payload []byte

	err := retry.Do(
		func() error {
			return c.bridge.Do(func(ctx context.Context, client *http.Client) error {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
				if err != nil {
					return fmt.Errorf("build range request: %w", err)
				}
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))

				resp, err := client.Do(req)
				if err != nil {
					return fmt.Errorf("range request: %w", err)
				}
				defer resp.Body.Close()

				body, err := io.ReadAll(resp.Body)
				if err != nil {
					return fmt.Errorf("read range body: %w", err)
				}
				if int64(len(body)) != size {
					return fmt.Errorf("range %d-%d returned %d bytes, want %d: %w",
						offset, offset+size-1, len(body), size, ErrShortFetch)
				}

				payload = body
				return nil
			})
		},
		retry.Attempts(c.attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, bridge.ErrClosed)
		}),
	)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// FileSize returns the immutable total length probed at open time.
func (c *Connection) FileSize() (int64, error) {
	return c.buf.Size(), nil
}

// ReadAt fills p from the lazy buffer. Partial fills never happen: the read
// either completes fully or fails.
func (c *Connection) ReadAt(p []byte, off int64) (int, error) {
	if err := c.buf.ReadAt(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt always fails: the remote database is read-only.
func (c *Connection) WriteAt(p []byte, off int64) (int, error) {
	return 0, sqlite3vfs.ReadOnlyError
}

// Truncate always fails: the remote database cannot be resized.
func (c *Connection) Truncate(size int64) error {
	return sqlite3vfs.ReadOnlyError
}

// Sync is a no-op; there is nothing to flush for a read-only remote file.
func (c *Connection) Sync(flag sqlite3vfs.SyncType) error {
	return nil
}

// Lock grants only the shared lock. The file is read-only, so reserved,
// pending and exclusive requests are refused with a busy error and no state
// change; write attempts therefore die at the lock layer rather than the
// write layer.
func (c *Connection) Lock(elock sqlite3vfs.LockType) error {
	switch elock {
	case sqlite3vfs.LockNone:
		return nil
	case sqlite3vfs.LockShared:
		sharedLocks.acquire()
		c.lock = sqlite3vfs.LockShared
		return nil
	default:
		return sqlite3vfs.BusyError
	}
}

// Unlock releases down to elock. Dropping to none from a shared state
// decrements the process-wide holder count exactly once.
func (c *Connection) Unlock(elock sqlite3vfs.LockType) error {
	if elock != sqlite3vfs.LockNone {
		return nil
	}
	if c.lock == sqlite3vfs.LockShared {
		sharedLocks.release()
	}
	c.lock = sqlite3vfs.LockNone
	return nil
}

// CheckReservedLock reports that no other handle holds a reserved lock;
// none is ever granted.
func (c *Connection) CheckReservedLock() (bool, error) {
	return false, nil
}

// CurrentLock returns the lock level held by this handle.
func (c *Connection) CurrentLock() sqlite3vfs.LockType {
	return c.lock
}

// SectorSize reports the default sector size.
func (c *Connection) SectorSize() int64 {
	return 512
}

// DeviceCharacteristics reports no special capabilities.
func (c *Connection) DeviceCharacteristics() sqlite3vfs.DeviceCharacteristic {
	return 0
}

// Stats returns a snapshot of buffer activity for this handle.
func (c *Connection) Stats() buffer.Stats {
	return c.buf.Stats()
}

// Close shuts the bridge down exactly once and releases the buffer. It never
// fails observably.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		stats := c.buf.Stats()
		c.logger.Debug("Closing remote database",
			"cache_hits", stats.CacheHits,
			"block_fetches", stats.BlockFetches,
			"narrow_fetches", stats.NarrowFetches,
			"bytes_fetched", stats.BytesFetched)
		c.bridge.Shutdown()
	})
	return nil
}
