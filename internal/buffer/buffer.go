// Package buffer implements a block-aligned, memory-resident lazy buffer over
// a remote file of fixed length. Reads are served from cached blocks when
// possible; misses trigger either a narrow fetch (small reads at or below the
// download threshold, never cached) or a full-block fetch that populates the
// cache. The buffer performs no I/O itself — all remote access goes through
// the fetch callback supplied at construction.
package buffer

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrOutOfBounds is returned when a read extends past the end of the file,
// straddles a block boundary, or a fetch returned fewer bytes than requested.
var ErrOutOfBounds = errors.New("read out of bounds")

// FetchFunc materialises a byte range of the remote file. Given an offset and
// size with offset+size <= total length and size > 0, it must return exactly
// size bytes or an error. Short results are treated as failures by the buffer.
type FetchFunc func(offset, size int64) ([]byte, error)

// Config holds the immutable parameters of a LazyBuffer.
type Config struct {
	// TotalLength is the byte length of the remote file. Fixed at construction.
	TotalLength int64

	// BlockSize is the cache granularity in bytes. Must be > 0.
	BlockSize int64

	// DownloadThreshold is the largest read that is served by a narrow fetch
	// instead of a full-block fetch when its block is not cached. 0 disables
	// the bypass entirely.
	DownloadThreshold int64

	// MaxBlocks bounds the number of cached blocks. When the bound is
	// exceeded the least recently used blocks are evicted. 0 means unbounded.
	MaxBlocks int

	// Fetch materialises remote byte ranges. Required.
	Fetch FetchFunc
}

// block is one cached, immutable window of the remote file. The payload of
// the last block may be shorter than the configured block size.
type block struct {
	payload    []byte
	lastAccess atomic.Int64
}

// LazyBuffer is a snapshot view of a remote file. Safe for concurrent use:
// the block map is mutex-guarded and concurrent fetches for the same block
// index collapse into a single download.
type LazyBuffer struct {
	length    int64
	blockSize int64
	threshold int64
	maxBlocks int
	fetch     FetchFunc

	mu     sync.RWMutex
	blocks map[int64]*block

	fetchGroup singleflight.Group
	accessSeq  atomic.Int64

	// Counters for the stats surface.
	cacheHits     atomic.Int64
	blockFetches  atomic.Int64
	narrowFetches atomic.Int64
	bytesFetched  atomic.Int64
}

// Stats is a point-in-time snapshot of buffer activity.
type Stats struct {
	CacheHits     int64
	BlockFetches  int64
	NarrowFetches int64
	BytesFetched  int64
	CachedBlocks  int
	CachedBytes   int64
}

// New creates a LazyBuffer for a file of cfg.TotalLength bytes.
func New(cfg Config) (*LazyBuffer, error) {
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("buffer: block size must be positive, got %d", cfg.BlockSize)
	}
	if cfg.TotalLength < 0 {
		return nil, fmt.Errorf("buffer: total length must be non-negative, got %d", cfg.TotalLength)
	}
	if cfg.DownloadThreshold < 0 {
		return nil, fmt.Errorf("buffer: download threshold must be non-negative, got %d", cfg.DownloadThreshold)
	}
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("buffer: fetch callback is required")
	}

	return &LazyBuffer{
		length:    cfg.TotalLength,
		blockSize: cfg.BlockSize,
		threshold: cfg.DownloadThreshold,
		maxBlocks: cfg.MaxBlocks,
		fetch:     cfg.Fetch,
		blocks:    make(map[int64]*block),
	}, nil
}

// Size returns the immutable total length of the remote file.
func (b *LazyBuffer) Size() int64 {
	return b.length
}

// ReadAt fills p with the bytes at offset off, fetching from the remote
// source as needed. The read must fit entirely within one block; reads that
// straddle a block boundary or extend past the end of the file fail with
// ErrOutOfBounds. A zero-length read succeeds without I/O.
func (b *LazyBuffer) ReadAt(p []byte, off int64) error {
	size := int64(len(p))
	if off < 0 || off+size > b.length {
		return fmt.Errorf("buffer: read %d bytes at offset %d, length %d: %w", size, off, b.length, ErrOutOfBounds)
	}
	if size == 0 {
		return nil
	}

	index := off / b.blockSize
	blockOff := off % b.blockSize
	if blockOff+size > b.blockSize {
		return fmt.Errorf("buffer: read %d bytes at offset %d straddles block boundary: %w", size, off, ErrOutOfBounds)
	}

	if blk := b.lookup(index); blk != nil {
		b.cacheHits.Add(1)
		copy(p, blk.payload[blockOff:blockOff+size])
		return nil
	}

	// Small reads bypass the block cache: fetch exactly what was asked for
	// and leave the cache untouched.
	if size <= b.threshold {
		data, err := b.fetch(off, size)
		if err != nil {
			return fmt.Errorf("buffer: fetch %d bytes at offset %d: %w", size, off, err)
		}
		if int64(len(data)) != size {
			return fmt.Errorf("buffer: fetched %d bytes at offset %d, want %d: %w", len(data), off, size, ErrOutOfBounds)
		}
		b.narrowFetches.Add(1)
		b.bytesFetched.Add(size)
		copy(p, data)
		return nil
	}

	blk, err := b.getBlock(index)
	if err != nil {
		return err
	}
	copy(p, blk.payload[blockOff:blockOff+size])
	return nil
}

// Stats returns a snapshot of buffer counters and cache occupancy.
func (b *LazyBuffer) Stats() Stats {
	b.mu.RLock()
	cachedBlocks := len(b.blocks)
	var cachedBytes int64
	for _, blk := range b.blocks {
		cachedBytes += int64(len(blk.payload))
	}
	b.mu.RUnlock()

	return Stats{
		CacheHits:     b.cacheHits.Load(),
		BlockFetches:  b.blockFetches.Load(),
		NarrowFetches: b.narrowFetches.Load(),
		BytesFetched:  b.bytesFetched.Load(),
		CachedBlocks:  cachedBlocks,
		CachedBytes:   cachedBytes,
	}
}

// lookup returns the cached block for index, bumping its access time, or nil.
func (b *LazyBuffer) lookup(index int64) *block {
	b.mu.RLock()
	blk := b.blocks[index]
	b.mu.RUnlock()

	if blk != nil {
		blk.lastAccess.Store(b.accessSeq.Add(1))
	}
	return blk
}

// getBlock returns the block for index, fetching and caching it on a miss.
// Concurrent calls for the same index collapse into one fetch.
func (b *LazyBuffer) getBlock(index int64) (*block, error) {
	v, err, _ := b.fetchGroup.Do(strconv.FormatInt(index, 10), func() (any, error) {
		if blk := b.lookup(index); blk != nil {
			return blk, nil
		}

		start := index * b.blockSize
		size := min(b.blockSize, b.length-start)
		data, err := b.fetch(start, size)
		if err != nil {
			return nil, fmt.Errorf("buffer: fetch block %d (%d bytes at offset %d): %w", index, size, start, err)
		}
		if int64(len(data)) != size {
			return nil, fmt.Errorf("buffer: fetched %d bytes for block %d, want %d: %w", len(data), index, size, ErrOutOfBounds)
		}

		blk := &block{payload: data}
		blk.lastAccess.Store(b.accessSeq.Add(1))
		b.insert(index, blk)
		b.blockFetches.Add(1)
		b.bytesFetched.Add(size)
		return blk, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*block), nil
}

// insert adds a freshly fetched block and evicts the least recently used
// entries when the cache is bounded. The block being inserted is never
// evicted by its own insertion.
func (b *LazyBuffer) insert(index int64, blk *block) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blocks[index] = blk

	if b.maxBlocks <= 0 {
		return
	}
	for len(b.blocks) > b.maxBlocks {
		victim := int64(-1)
		var oldest int64
		for i, candidate := range b.blocks {
			if i == index {
				continue
			}
			access := candidate.lastAccess.Load()
			if victim < 0 || access < oldest {
				victim = i
				oldest = access
			}
		}
		if victim < 0 {
			return
		}
		delete(b.blocks, victim)
	}
}
