package table

// TableCache keeps a bounded pool of open SST readers so repeated lookups
// into the same file don't pay file-open cost every time. Eviction is a
// classic LRU: each Get bumps the entry to the front, and Get also runs
// the reclaim pass that drops cold entries once the pool is over budget.

import (
	"sync"

	"github.com/strandkv/strandkv/internal/vfs"
)

// TableCache caches open SST readers, keyed by SST file number.
type TableCache struct {
	mu sync.RWMutex

	fs   vfs.FS
	opts ReaderOptions

	entries map[uint64]*cacheEntry
	mruHead *cacheEntry
	lruTail *cacheEntry

	maxSize int
	size    int
}

// cacheEntry wraps an open Reader with its LRU list links and a reference
// count of callers currently using it.
type cacheEntry struct {
	fileNum uint64
	reader  *Reader

	prev, next *cacheEntry
	refs       int
}

// TableCacheOptions configures a TableCache.
type TableCacheOptions struct {
	// MaxOpenFiles bounds how many SST readers stay open at once.
	MaxOpenFiles int

	// VerifyChecksums enables checksum verification on blocks read
	// through cached readers.
	VerifyChecksums bool
}

// DefaultTableCacheOptions returns a TableCacheOptions that keeps up to
// 1000 files open with checksum verification on.
func DefaultTableCacheOptions() TableCacheOptions {
	return TableCacheOptions{
		MaxOpenFiles:    1000,
		VerifyChecksums: true,
	}
}

// NewTableCache returns an empty TableCache that opens files through fs.
func NewTableCache(fs vfs.FS, opts TableCacheOptions) *TableCache {
	return &TableCache{
		fs:      fs,
		entries: make(map[uint64]*cacheEntry),
		maxSize: opts.MaxOpenFiles,
		opts:    ReaderOptions{VerifyChecksums: opts.VerifyChecksums},
	}
}

// Get returns the Reader for fileNum, opening path if it isn't already
// cached. The caller must call Release(fileNum) once done with the reader.
func (tc *TableCache) Get(fileNum uint64, path string) (*Reader, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if e, ok := tc.entries[fileNum]; ok {
		e.refs++
		tc.bumpFront(e)
		return e.reader, nil
	}

	file, err := tc.fs.OpenRandomAccess(path)
	if err != nil {
		return nil, err
	}
	reader, err := Open(file, tc.opts)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	e := &cacheEntry{fileNum: fileNum, reader: reader, refs: 1}
	tc.entries[fileNum] = e
	tc.pushFront(e)
	tc.size++
	tc.reclaim()

	return reader, nil
}

// Release drops the caller's reference on fileNum's reader. An entry with
// no references left becomes eligible for eviction on the next reclaim.
func (tc *TableCache) Release(fileNum uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if e, ok := tc.entries[fileNum]; ok {
		e.refs--
	}
}

// Evict drops fileNum from the cache immediately, regardless of its
// reference count.
func (tc *TableCache) Evict(fileNum uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if e, ok := tc.entries[fileNum]; ok {
		tc.unlink(e)
	}
}

// Close closes every cached reader and empties the cache.
func (tc *TableCache) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	for _, e := range tc.entries {
		_ = e.reader.Close()
	}
	tc.entries = make(map[uint64]*cacheEntry)
	tc.mruHead, tc.lruTail = nil, nil
	tc.size = 0

	return nil
}

// Size reports how many readers are currently cached.
func (tc *TableCache) Size() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.size
}

func (tc *TableCache) pushFront(e *cacheEntry) {
	e.prev, e.next = nil, tc.mruHead
	if tc.mruHead != nil {
		tc.mruHead.prev = e
	}
	tc.mruHead = e
	if tc.lruTail == nil {
		tc.lruTail = e
	}
}

func (tc *TableCache) bumpFront(e *cacheEntry) {
	if e == tc.mruHead {
		return
	}

	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if e == tc.lruTail {
		tc.lruTail = e.prev
	}

	e.prev, e.next = nil, tc.mruHead
	if tc.mruHead != nil {
		tc.mruHead.prev = e
	}
	tc.mruHead = e
}

// unlink removes e from both the LRU list and the entry map, and closes
// its reader.
func (tc *TableCache) unlink(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		tc.mruHead = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		tc.lruTail = e.prev
	}

	delete(tc.entries, e.fileNum)
	tc.size--
	_ = e.reader.Close()
}

// reclaim evicts from the cold (tail) end of the LRU list until the cache
// is back within budget, stopping at the first entry still in use since
// entries with live references can't be safely closed.
func (tc *TableCache) reclaim() {
	for tc.size > tc.maxSize && tc.lruTail != nil && tc.lruTail.refs == 0 {
		tc.unlink(tc.lruTail)
	}
}

// NewIterator opens (or reuses) the reader for fileNum and returns an
// iterator over it. The caller should Release(fileNum) once the iterator
// is no longer needed.
func (tc *TableCache) NewIterator(fileNum uint64, path string) (*TableIterator, error) {
	reader, err := tc.Get(fileNum, path)
	if err != nil {
		return nil, err
	}
	return reader.NewIterator(), nil
}
