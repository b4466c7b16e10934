// Package blockcache implements the Block Cache: an ARC-variant,
// block-level disk cache with pinning, deferred eviction and dirty
// flushing, backing piece serving for the Upload Server and Request
// Pipeline.
//
// The six ARC lists (write, volatile_read, read_lru1, read_lru1_ghost,
// read_lru2, read_lru2_ghost) are each kept as an ordered index rather
// than a plain doubly linked list, so "oldest piece first" eviction
// scans don't require a full list walk: every CachedPiece carries a
// monotonic sequence number, and membership in a list is a
// github.com/google/btree ordered by that sequence.
package blockcache

import (
	"errors"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/cenkalti/rain/v2/internal/bufferpool"
	"github.com/cenkalti/rain/v2/internal/storage"
)

// PinReason is why a block's refcount was incremented; reasons are
// tracked separately so increments and decrements can be checked for
// balance as a diagnostic (spec.md §4.7's "reasons... must balance").
type PinReason int

const (
	ReasonHashing PinReason = iota
	ReasonReading
	ReasonFlushing
)

// ListClass is the ARC list a CachedPiece currently belongs to.
type ListClass int

const (
	ListWrite ListClass = iota
	ListVolatileRead
	ListReadLRU1
	ListReadLRU1Ghost
	ListReadLRU2
	ListReadLRU2Ghost
)

func (c ListClass) isGhost() bool {
	return c == ListReadLRU1Ghost || c == ListReadLRU2Ghost
}

// LastCacheOp records which kind of access last happened, steering
// which end of the ARC balance the next eviction favors.
type LastCacheOp int

const (
	OpNone LastCacheOp = iota
	OpMiss
	OpGhostHitLRU1
	OpGhostHitLRU2
)

// PieceKey identifies a piece across storages.
type PieceKey struct {
	Storage string
	Index   uint32
}

// BlockEntry is one cached block slot.
type BlockEntry struct {
	Buf      bufferpool.Buffer
	Present  bool
	Dirty    bool
	Pending  bool
	RefCount int
	Hits     int
}

// CachedPiece is a cache entry keyed by (storage, piece index).
type CachedPiece struct {
	Key              PieceKey
	Blocks           []BlockEntry
	NumBlocks        int
	FilledBlocks     int
	DirtyBlocks      int
	RefCount         int
	OutstandingRead  bool
	OutstandingFlush bool
	Class            ListClass
	Expiry           time.Time
	MarkedForDeletion bool
	LastRequester    string

	seq uint64
}

// Less orders pieces within a list by insertion/promotion sequence,
// ascending, so the minimum of a list's tree is always its oldest
// member — the precondition for "oldest piece first" eviction.
func (p *CachedPiece) Less(than btree.Item) bool {
	return p.seq < than.(*CachedPiece).seq
}

var (
	// ErrOutOfMemory is returned by TryRead when a buffer could not be
	// allocated; propagated to the peer layer as a disk-allocation
	// failure per spec.md §4.7 "Failure".
	ErrOutOfMemory = errors.New("blockcache: buffer allocation failed")
	// ErrMiss is returned by TryRead when the block is not resident.
	ErrMiss = errors.New("blockcache: miss")
)

// Reference pins the block TryRead returned; callers must call
// Release exactly once per successful TryRead.
type Reference struct {
	cache *Cache
	key   PieceKey
	block int
}

// Release returns the reading pin. Safe to call at most once.
func (r Reference) Release() {
	r.cache.DecBlockRefCount(r.key, r.block, ReasonReading)
}

// Data returns the pinned block's bytes. Valid until Release; callers
// that need the bytes after releasing the pin must copy them first.
func (r Reference) Data() []byte {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	p, ok := r.cache.index[r.key]
	if !ok || r.block < 0 || r.block >= len(p.Blocks) {
		return nil
	}
	return p.Blocks[r.block].Buf.Data
}

// Config carries the cache's size tunables, all expressed in blocks so
// the cache does not need to know block_size itself.
type Config struct {
	CapacityBlocks int
	GhostSize      int // max entries per ghost list
}

// Cache is the shared, ARC-variant block cache. All public methods lock
// internally; spec.md §5 restricts mutation to the disk worker dispatch
// thread, which in this Go rendering just means "call it from one
// goroutine at a time per torrent", enforced by the caller, not here.
type Cache struct {
	mu sync.Mutex

	cfg   Config
	index map[PieceKey]*CachedPiece
	lists map[ListClass]*btree.BTree
	seq   uint64

	lastOp LastCacheOp

	readSize, writeSize int

	pinStats map[PinReason]int64

	fs storage.FileSystem
}

// SetFileSystem attaches the disk collaborator ReadThrough and FlushOne
// fall through to. Left unset, a miss just returns ErrMiss and dirty
// blocks accumulate until evicted, the same as before this existed.
func (c *Cache) SetFileSystem(fs storage.FileSystem) {
	c.mu.Lock()
	c.fs = fs
	c.mu.Unlock()
}

// New returns an empty Cache.
func New(cfg Config) *Cache {
	c := &Cache{
		cfg:      cfg,
		index:    make(map[PieceKey]*CachedPiece),
		lists:    make(map[ListClass]*btree.BTree),
		pinStats: make(map[PinReason]int64),
	}
	for _, class := range []ListClass{ListWrite, ListVolatileRead, ListReadLRU1, ListReadLRU1Ghost, ListReadLRU2, ListReadLRU2Ghost} {
		c.lists[class] = btree.New(32)
	}
	return c
}

func (c *Cache) nextSeq() uint64 {
	c.seq++
	return c.seq
}

// moveToList removes p from its current list's tree and reinserts it
// into dst with a fresh sequence number, marking it the most recent
// member of dst.
func (c *Cache) moveToList(p *CachedPiece, dst ListClass) {
	c.lists[p.Class].Delete(p)
	p.Class = dst
	p.seq = c.nextSeq()
	c.lists[dst].ReplaceOrInsert(p)
}

func (c *Cache) insertNew(p *CachedPiece, class ListClass) {
	p.Class = class
	p.seq = c.nextSeq()
	c.index[p.Key] = p
	c.lists[class].ReplaceOrInsert(p)
}

// trimGhost evicts the oldest entry of a ghost list if it has grown
// past cfg.GhostSize.
func (c *Cache) trimGhost(class ListClass) {
	tree := c.lists[class]
	for tree.Len() > c.cfg.GhostSize {
		min := tree.Min()
		if min == nil {
			return
		}
		gp := min.(*CachedPiece)
		tree.Delete(gp)
		delete(c.index, gp.Key)
	}
}

// TryRead looks up one block, applying the ARC promotion rules from
// spec.md §4.7. requester is an opaque identity (e.g. a peer key) used
// only to decide whether a hit should promote the piece.
func (c *Cache) TryRead(key PieceKey, block int, requester string) (Reference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.index[key]
	if !ok {
		c.lastOp = OpMiss
		return Reference{}, ErrMiss
	}

	switch p.Class {
	case ListReadLRU1Ghost:
		c.lastOp = OpGhostHitLRU1
		c.moveToList(p, ListReadLRU2)
		p.LastRequester = requester
		return Reference{}, ErrMiss // ghost carries no blocks
	case ListReadLRU2Ghost:
		c.lastOp = OpGhostHitLRU2
		c.moveToList(p, ListReadLRU2)
		p.LastRequester = requester
		return Reference{}, ErrMiss
	case ListVolatileRead:
		c.moveToList(p, ListReadLRU1)
	case ListReadLRU1:
		if p.LastRequester != "" && p.LastRequester != requester {
			c.moveToList(p, ListReadLRU2)
		}
	case ListReadLRU2:
		// already at the top of the frequency list; no promotion.
	case ListWrite:
		// a read against a piece still being written is served without
		// changing its list membership.
	}
	p.LastRequester = requester

	if block < 0 || block >= len(p.Blocks) || !p.Blocks[block].Present || p.Blocks[block].Pending {
		return Reference{}, ErrMiss
	}
	p.Blocks[block].Hits++
	c.incBlockRefCountLocked(p, block, ReasonReading)
	return Reference{cache: c, key: key, block: block}, nil
}

// ReadThrough behaves like TryRead, but on a miss — and only if a
// FileSystem has been attached via SetFileSystem — synchronously reads
// the missing block from disk, installs it with FillBlock, and retries
// the lookup once. blockSize is needed because a fresh miss gives the
// cache no other way to know how large the block it just read is.
func (c *Cache) ReadThrough(key PieceKey, block, numBlocks, blockSize int, requester string) (Reference, error) {
	ref, err := c.TryRead(key, block, requester)
	if !errors.Is(err, ErrMiss) {
		return ref, err
	}

	c.mu.Lock()
	fs := c.fs
	c.mu.Unlock()
	if fs == nil {
		return Reference{}, err
	}

	resultC := make(chan storage.ReadResult, 1)
	fs.AsyncRead(key.Index, uint32(block*blockSize), blockSize, resultC)
	res := <-resultC
	if res.Err != nil {
		return Reference{}, res.Err
	}
	if err := c.FillBlock(key, block, numBlocks, res.Buffer); err != nil {
		return Reference{}, err
	}
	return c.TryRead(key, block, requester)
}

// getOrCreate returns the piece for key, creating it in the given
// default class (used when the piece does not exist at all) with room
// for numBlocks block slots.
func (c *Cache) getOrCreate(key PieceKey, numBlocks int, defaultClass ListClass) *CachedPiece {
	if p, ok := c.index[key]; ok {
		if len(p.Blocks) < numBlocks {
			grown := make([]BlockEntry, numBlocks)
			copy(grown, p.Blocks)
			p.Blocks = grown
			p.NumBlocks = numBlocks
		}
		return p
	}
	p := &CachedPiece{Key: key, Blocks: make([]BlockEntry, numBlocks), NumBlocks: numBlocks}
	c.insertNew(p, defaultClass)
	return p
}

// AddDirtyBlock installs buf into the block slot, evicting as needed to
// stay within capacity, and moves the piece to the write list. A block
// whose slot is already filled is left untouched.
func (c *Cache) AddDirtyBlock(key PieceKey, block int, numBlocks int, buf bufferpool.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.usedBlocksLocked() >= c.cfg.CapacityBlocks {
		c.tryEvictBlocksLocked(1)
	}

	p := c.getOrCreate(key, numBlocks, ListWrite)
	if p.Class != ListWrite {
		c.moveToList(p, ListWrite)
	}
	if block < 0 || block >= len(p.Blocks) {
		return ErrOutOfMemory
	}
	if p.Blocks[block].Present {
		return nil
	}
	p.Blocks[block] = BlockEntry{Buf: buf, Present: true, Dirty: true}
	p.FilledBlocks++
	p.DirtyBlocks++
	c.writeSize++
	return nil
}

// FillBlock installs a clean (non-dirty) block, used after a disk read
// satisfies a promoted ghost entry or a fresh volatile-read miss.
func (c *Cache) FillBlock(key PieceKey, block int, numBlocks int, buf bufferpool.Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.getOrCreate(key, numBlocks, ListVolatileRead)
	if block < 0 || block >= len(p.Blocks) {
		return ErrOutOfMemory
	}
	if p.Blocks[block].Present {
		return nil
	}
	p.Blocks[block] = BlockEntry{Buf: buf, Present: true}
	p.FilledBlocks++
	c.readSize++
	return nil
}

// BlocksFlushed marks the given block indices of key as no-longer-dirty
// after a successful disk write, rebalances read/write accounting, and
// migrates the piece to read_lru1 (or higher) once no dirty blocks
// remain. The flushing pin taken by the caller before the write started
// is released here.
func (c *Cache) BlocksFlushed(key PieceKey, indices []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.index[key]
	if !ok {
		return
	}
	for _, idx := range indices {
		if idx < 0 || idx >= len(p.Blocks) || !p.Blocks[idx].Dirty {
			continue
		}
		p.Blocks[idx].Dirty = false
		p.DirtyBlocks--
		c.writeSize--
		c.readSize++
		c.decBlockRefCountLocked(p, idx, ReasonFlushing)
	}
	if p.DirtyBlocks == 0 && p.Class == ListWrite {
		c.moveToList(p, ListReadLRU1)
	}
}

// FlushOne writes one dirty, unpinned block out through fs and marks it
// flushed, implementing spec.md §4.4's "payload is written to disk
// asynchronously" for whichever piece has waited longest. It returns
// false when there was nothing eligible to flush. Intended to be called
// periodically by whatever drives the disk worker dispatch thread
// spec.md §5 reserves cache mutation to.
func (c *Cache) FlushOne(fs storage.FileSystem, blockSize int) bool {
	c.mu.Lock()
	var key PieceKey
	block := -1
	var buf bufferpool.Buffer
	c.lists[ListWrite].Ascend(func(item btree.Item) bool {
		p := item.(*CachedPiece)
		for i := range p.Blocks {
			b := &p.Blocks[i]
			if b.Present && b.Dirty && b.RefCount == 0 {
				c.incBlockRefCountLocked(p, i, ReasonFlushing)
				key, block, buf = p.Key, i, b.Buf
				return false
			}
		}
		return true
	})
	c.mu.Unlock()
	if block < 0 {
		return false
	}

	resultC := make(chan storage.WriteResult, 1)
	fs.AsyncWrite(key.Index, uint32(block*blockSize), buf, resultC)
	res := <-resultC
	if res.Err != nil {
		c.DecBlockRefCount(key, block, ReasonFlushing)
		return true
	}
	c.BlocksFlushed(key, []int{block})
	return true
}

// IncBlockRefCount pins a block, forbidding eviction and overwrite.
func (c *Cache) IncBlockRefCount(key PieceKey, block int, reason PinReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.index[key]; ok {
		c.incBlockRefCountLocked(p, block, reason)
	}
}

func (c *Cache) incBlockRefCountLocked(p *CachedPiece, block int, reason PinReason) {
	if block < 0 || block >= len(p.Blocks) {
		return
	}
	p.Blocks[block].RefCount++
	p.RefCount++
	c.pinStats[reason]++
}

// DecBlockRefCount releases a pin taken by IncBlockRefCount or TryRead.
func (c *Cache) DecBlockRefCount(key PieceKey, block int, reason PinReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.index[key]; ok {
		c.decBlockRefCountLocked(p, block, reason)
	}
}

func (c *Cache) decBlockRefCountLocked(p *CachedPiece, block int, reason PinReason) {
	if block < 0 || block >= len(p.Blocks) {
		return
	}
	if p.Blocks[block].RefCount > 0 {
		p.Blocks[block].RefCount--
		p.RefCount--
	}
	c.pinStats[reason]--
}

// PinStats returns a snapshot of pin increments minus decrements, by
// reason; every reason should read back to zero once all blocks it
// pinned have been released.
func (c *Cache) PinStats() map[PinReason]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[PinReason]int64, len(c.pinStats))
	for k, v := range c.pinStats {
		out[k] = v
	}
	return out
}

func (c *Cache) usedBlocksLocked() int {
	total := 0
	for _, p := range c.index {
		if !p.Class.isGhost() {
			total += p.FilledBlocks
		}
	}
	return total
}

// TryEvictBlocks evicts up to n blocks under cache-size pressure,
// following spec.md §4.7's three-tier fallback, and returns the number
// still not evicted (0 if fully satisfied).
func (c *Cache) TryEvictBlocks(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryEvictBlocksLocked(n)
}

func (c *Cache) tryEvictBlocksLocked(n int) int {
	n = c.evictFromList(ListVolatileRead, n)
	if n <= 0 {
		return 0
	}

	primary, secondary := c.arcEvictionOrder()
	n = c.evictFromList(primary, n)
	if n <= 0 {
		return 0
	}
	n = c.evictFromList(secondary, n)
	if n <= 0 {
		return 0
	}

	// Second pass: the write list, evicting clean blocks within pieces
	// that still have dirty blocks.
	n = c.evictCleanFromWrite(n)
	return n
}

// arcEvictionOrder picks which non-ghost LRU to drain first, based on
// the last cache operation, per spec.md §4.7 "Eviction".
func (c *Cache) arcEvictionOrder() (primary, secondary ListClass) {
	switch c.lastOp {
	case OpGhostHitLRU1:
		return ListReadLRU2, ListReadLRU1
	case OpGhostHitLRU2:
		return ListReadLRU1, ListReadLRU2
	default: // OpMiss or OpNone: evict from the larger of the two
		if c.lists[ListReadLRU1].Len() >= c.lists[ListReadLRU2].Len() {
			return ListReadLRU1, ListReadLRU2
		}
		return ListReadLRU2, ListReadLRU1
	}
}

// evictFromList walks class oldest-first, evicting clean, unpinned,
// non-pending blocks until n reach zero or the list is exhausted.
func (c *Cache) evictFromList(class ListClass, n int) int {
	tree := c.lists[class]
	var toGhost []*CachedPiece
	tree.Ascend(func(item btree.Item) bool {
		if n <= 0 {
			return false
		}
		p := item.(*CachedPiece)
		for i := range p.Blocks {
			if n <= 0 {
				break
			}
			b := &p.Blocks[i]
			if !b.Present || b.Dirty || b.Pending || b.RefCount > 0 {
				continue
			}
			b.Buf.Release()
			*b = BlockEntry{}
			p.FilledBlocks--
			c.readSize--
			n--
		}
		if p.FilledBlocks == 0 {
			toGhost = append(toGhost, p)
		}
		return true
	})
	for _, p := range toGhost {
		ghostClass := ListReadLRU1Ghost
		if class == ListReadLRU2 {
			ghostClass = ListReadLRU2Ghost
		}
		c.moveToList(p, ghostClass)
		p.Blocks = nil
		c.trimGhost(ghostClass)
	}
	return n
}

// evictCleanFromWrite evicts read-only (clean) blocks from pieces that
// are in the write list but still have some dirty blocks, preferring
// pieces whose hash has already been computed first — approximated here
// by piece insertion order, oldest first, same as the other lists.
func (c *Cache) evictCleanFromWrite(n int) int {
	tree := c.lists[ListWrite]
	tree.Ascend(func(item btree.Item) bool {
		if n <= 0 {
			return false
		}
		p := item.(*CachedPiece)
		for i := range p.Blocks {
			if n <= 0 {
				break
			}
			b := &p.Blocks[i]
			if !b.Present || b.Dirty || b.Pending || b.RefCount > 0 {
				continue
			}
			b.Buf.Release()
			*b = BlockEntry{}
			p.FilledBlocks--
			c.readSize--
			n--
		}
		return true
	})
	return n
}

// ReadSize and WriteSize report the current block counts in the
// read/write portions of the cache; read_cache_size + write_cache_size
// must never exceed capacity (spec.md §3 invariant).
func (c *Cache) ReadSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readSize
}

func (c *Cache) WriteSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeSize
}

// Remove drops a piece entirely, e.g. on storage removal. Pinned or
// dirty blocks are not released — the caller must ensure none remain.
func (c *Cache) Remove(key PieceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.index[key]
	if !ok {
		return
	}
	c.lists[p.Class].Delete(p)
	delete(c.index, key)
}
