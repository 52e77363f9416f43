// Package fs implements the inode/directory layer on top of an LRU block
// cache sitting over a synchronous sector-addressed device.
package fs

import (
	"container/list"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

/// SectorSize is the block device's native, synchronously addressed
/// transfer unit.
const SectorSize = 512

/// BlockSize is the filesystem's block granularity: 8 device sectors.
const BlockSize = 4096

const sectorsPerBlock = BlockSize / SectorSize

/// Device is the contract the block cache assumes of the underlying disk.
type Device interface {
	ReadSector(id uint64, buf []byte) error
	WriteSector(id uint64, buf []byte) error
}

type cacheEntry struct {
	blockNo uint64
	data    []byte
	dirty   bool
	elem    *list.Element
}

/// BlockCache is an LRU cache of filesystem blocks over a Device. It has its
/// own mutex, independent of the filesystem-wide inode/directory lock --
/// see DESIGN.md's resolution of the get_links Open Question.
type BlockCache struct {
	mu       sync.Mutex
	dev      Device
	capacity int
	entries  map[uint64]*cacheEntry
	lru      *list.List
	group    singleflight.Group

	log          *zap.Logger
	hits, misses prometheus.Counter
}

// DefaultCacheBlocks is a working-set size scaled for a teaching image.
const DefaultCacheBlocks = 512

/// NewBlockCache wraps dev with an LRU cache holding up to capacity blocks.
/// hits/misses/log may be nil.
func NewBlockCache(dev Device, capacity int, hits, misses prometheus.Counter, log *zap.Logger) *BlockCache {
	if log == nil {
		log = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = DefaultCacheBlocks
	}
	return &BlockCache{
		dev:      dev,
		capacity: capacity,
		entries:  make(map[uint64]*cacheEntry),
		lru:      list.New(),
		log:      log,
		hits:     hits,
		misses:   misses,
	}
}

func (bc *BlockCache) touch(e *cacheEntry) {
	bc.lru.MoveToFront(e.elem)
}

// getLocked returns the cache entry for blockNo, loading it from the device
// (via singleflight, so concurrent faults on the same block coalesce into
// one disk read) if not already resident. bc.mu must NOT be held by the
// caller when calling this -- it takes and releases it internally around
// the cache-state parts, and does device I/O outside the lock.
func (bc *BlockCache) getLocked(blockNo uint64) (*cacheEntry, error) {
	bc.mu.Lock()
	if e, ok := bc.entries[blockNo]; ok {
		bc.touch(e)
		bc.mu.Unlock()
		if bc.hits != nil {
			bc.hits.Inc()
		}
		return e, nil
	}
	bc.mu.Unlock()

	if bc.misses != nil {
		bc.misses.Inc()
	}
	v, err, _ := bc.group.Do(strconv.FormatUint(blockNo, 10), func() (interface{}, error) {
		buf := make([]byte, BlockSize)
		for s := 0; s < sectorsPerBlock; s++ {
			if err := bc.dev.ReadSector(blockNo*sectorsPerBlock+uint64(s), buf[s*SectorSize:(s+1)*SectorSize]); err != nil {
				return nil, errors.Wrapf(err, "fs: read block %d", blockNo)
			}
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if e, ok := bc.entries[blockNo]; ok {
		bc.touch(e)
		return e, nil
	}
	e := &cacheEntry{blockNo: blockNo, data: v.([]byte)}
	e.elem = bc.lru.PushFront(e)
	bc.entries[blockNo] = e
	bc.evictLocked()
	return e, nil
}

func (bc *BlockCache) evictLocked() {
	for len(bc.entries) > bc.capacity {
		back := bc.lru.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*cacheEntry)
		if victim.dirty {
			bc.writeBackLocked(victim)
		}
		bc.lru.Remove(back)
		delete(bc.entries, victim.blockNo)
	}
}

func (bc *BlockCache) writeBackLocked(e *cacheEntry) {
	for s := 0; s < sectorsPerBlock; s++ {
		if err := bc.dev.WriteSector(e.blockNo*sectorsPerBlock+uint64(s), e.data[s*SectorSize:(s+1)*SectorSize]); err != nil {
			bc.log.Error("fs: block write-back failed", zap.Uint64("block", e.blockNo), zap.Error(err))
			return
		}
	}
	e.dirty = false
}

/// Read copies len(buf) bytes starting at byte offset off within blockNo.
func (bc *BlockCache) Read(blockNo uint64, off int, buf []byte) error {
	e, err := bc.getLocked(blockNo)
	if err != nil {
		return err
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	copy(buf, e.data[off:off+len(buf)])
	return nil
}

/// Write copies buf into blockNo at byte offset off and marks the block
/// dirty; it is not guaranteed to reach the device until SyncAll.
func (bc *BlockCache) Write(blockNo uint64, off int, buf []byte) error {
	e, err := bc.getLocked(blockNo)
	if err != nil {
		return err
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	copy(e.data[off:off+len(buf)], buf)
	e.dirty = true
	return nil
}

/// Zero clears an entire block and marks it dirty, used when allocating a
/// fresh inode or data block.
func (bc *BlockCache) Zero(blockNo uint64) error {
	e, err := bc.getLocked(blockNo)
	if err != nil {
		return err
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for i := range e.data {
		e.data[i] = 0
	}
	e.dirty = true
	return nil
}

/// SyncAll writes every dirty block back to the device.
func (bc *BlockCache) SyncAll() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for e := bc.lru.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(*cacheEntry)
		if entry.dirty {
			bc.writeBackLocked(entry)
		}
	}
	return nil
}
