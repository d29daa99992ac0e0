/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package diskcache implements the kernel's disk block cache: a fixed
// capacity, concurrent cache of fixed-size blocks that sits between the
// filesystems and the disk drivers.
//
// All cache state is protected by a single interlock. The content of
// each block is additionally guarded by a logical shared/exclusive lock
// that is an extension of the interlock: it only changes state while
// the interlock is held, so holders of the interlock may inspect it
// freely. A single condition variable drives every wait (content lock
// acquisition, victim availability, I/O completion) and is broadcast on
// every transition that could unblock a waiter. That produces spurious
// wakeups, which is fine; it keeps the state machine simple.
//
// Rules:
//   - a block counts as in use while its content is locked shared or
//     exclusive
//   - a disk read holds the exclusive lock for the duration of the I/O
//   - a disk write holds a shared lock for the duration of the I/O, so
//     readers may stream out of a block that is being written back
//   - multiple mappers may share a block for reading; modification
//     requires the exclusive lock
//   - a second write on a block that is already writing joins the
//     in-flight write; the data cannot have changed in between because
//     changing it requires the exclusive lock
package diskcache

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/serenaos/diskcache/log"
)

// Cache is the process-wide disk block cache.
type Cache struct {
	mtx  sync.Mutex
	cond *sync.Cond

	blockSize     int
	blockCount    int
	blockCapacity int
	dirtyBlocks   int

	nextSessionID int
	sessions      map[int]*Session

	lruGen  uint64
	lruHead *block
	lruTail *block
	index   map[blockKey]*block

	lgr *log.Logger

	// background flusher
	running bool
	wg      sync.WaitGroup
	stCh    chan bool
	lim     *rate.Limiter
}

// Config parameterizes a cache instance.
type Config struct {
	BlockSize     int         // bytes per block, positive power of two
	BlockCapacity int         // maximum resident blocks
	Logger        *log.Logger // optional; nil discards
	FlushRate     int         // background session sync passes per second, 0 = unpaced
}

// getBlock option bits
const (
	getRecentUse = 1 << iota // count as a recent use, move to LRU head
	getAllocate              // allocate/reuse a block on miss
	getExclusive             // only return the block if it is not in use
	getNoWait                // on a full pool, fail instead of waiting for a victim
)

// New creates a disk block cache that holds at most cfg.BlockCapacity
// blocks of cfg.BlockSize bytes each.
func New(cfg Config) (*Cache, error) {
	if cfg.BlockSize <= 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return nil, ErrBadGeometry
	}
	if cfg.BlockCapacity < 1 {
		return nil, ErrNoMemory
	}
	if cfg.BlockCapacity > math.MaxInt/cfg.BlockSize {
		return nil, ErrNoMemory
	}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	var lim *rate.Limiter
	if cfg.FlushRate > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.FlushRate), cfg.FlushRate)
	}
	c := &Cache{
		blockSize:     cfg.BlockSize,
		blockCapacity: cfg.BlockCapacity,
		nextSessionID: 1,
		sessions:      map[int]*Session{},
		index:         map[blockKey]*block{},
		lgr:           lgr,
		stCh:          make(chan bool, 1),
		lim:           lim,
	}
	c.cond = sync.NewCond(&c.mtx)
	return c, nil
}

// BlockSize returns the number of bytes a single cache block holds.
func (c *Cache) BlockSize() int {
	return c.blockSize
}

//
// content lock
//

type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// lockContent locks the content of b in the given mode, waiting on the
// condition variable as needed. Interlock must be held.
func (c *Cache) lockContent(b *block, mode lockMode) {
	for {
		switch mode {
		case lockShared:
			if !b.exclusive {
				b.shareCount++
				return
			}
		case lockExclusive:
			if !b.exclusive && b.shareCount == 0 {
				b.exclusive = true
				return
			}
		}
		c.cond.Wait()
	}
}

// unlockContent drops one content lock on b. If the block is locked
// exclusively the caller is necessarily the owner; otherwise the caller
// is one of the shared holders.
func (c *Cache) unlockContent(b *block) {
	switch {
	case b.exclusive:
		b.exclusive = false
	case b.shareCount > 0:
		b.shareCount--
	default:
		panic("diskcache: unlock of unlocked block content")
	}
	c.cond.Broadcast()
}

// downgradeContent atomically converts the caller's exclusive lock into
// a shared lock. Waiters are deliberately not woken: nobody can take
// the exclusive lock anyway while we hold it shared, and the transition
// must not allow another exclusive owner to slip in.
func (c *Cache) downgradeContent(b *block) {
	if !b.exclusive {
		panic("diskcache: downgrade of non-exclusive block content")
	}
	b.exclusive = false
	b.shareCount++
}

//
// index + LRU chain
//

func (c *Cache) lruInsertHead(b *block) {
	b.lruPrev = nil
	b.lruNext = c.lruHead
	if c.lruHead != nil {
		c.lruHead.lruPrev = b
	}
	c.lruHead = b
	if c.lruTail == nil {
		c.lruTail = b
	}
}

func (c *Cache) lruRemove(b *block) {
	if b.lruPrev != nil {
		b.lruPrev.lruNext = b.lruNext
	} else {
		c.lruHead = b.lruNext
	}
	if b.lruNext != nil {
		b.lruNext.lruPrev = b.lruPrev
	} else {
		c.lruTail = b.lruPrev
	}
	b.lruPrev = nil
	b.lruNext = nil
}

// registerBlock places b into the address index and at the head of the
// LRU chain.
func (c *Cache) registerBlock(b *block) {
	c.index[b.key] = b
	c.lruInsertHead(b)
	c.lruGen++
}

func (c *Cache) deregisterBlock(b *block) {
	delete(c.index, b.key)
	c.lruRemove(b)
	c.lruGen++
}

// reuseCachedBlock scans the LRU chain from the tail for the oldest
// block that is not in use, not dirty and not pinned, and retargets it
// to the new address. Returns nil if every block is unavailable.
func (c *Cache) reuseCachedBlock(key blockKey) *block {
	var victim *block
	for b := c.lruTail; b != nil; b = b.lruPrev {
		if !b.inUse() && !b.dirty && !b.pinned {
			victim = b
			break
		}
	}
	if victim == nil {
		return nil
	}
	c.deregisterBlock(victim)
	victim.retarget(key)
	c.registerBlock(victim)
	return victim
}

// getBlock returns the block addressed by (s, lba), allocating or
// reusing one when getAllocate is set. With getExclusive the block is
// only returned if it is not in use. A nil return is a miss (or a
// miss-of-used with getExclusive). Interlock must be held. The caller
// must lock the block content before touching the data buffer.
func (c *Cache) getBlock(s *Session, lba uint32, opts int) *block {
	key := blockKey{sid: s.id, lba: lba}
	var b *block

	for {
		b = c.index[key]
		if b != nil || opts&getAllocate == 0 {
			break
		}

		if c.blockCount < c.blockCapacity {
			b = newBlock(key, c.blockSize)
			c.registerBlock(b)
			c.blockCount++
			break
		}

		// Pool is full; reuse the coldest reusable block. All blocks
		// may be in use, dirty or pinned at this instant, in which
		// case we wait for a put, an unpin or a writeback to free one.
		if b = c.reuseCachedBlock(key); b != nil {
			break
		}
		if opts&getNoWait != 0 {
			return nil
		}
		c.cond.Wait()
	}

	if b == nil {
		return nil
	}
	if opts&getExclusive != 0 && b.inUse() {
		return nil
	}
	if opts&getRecentUse != 0 {
		c.lruRemove(b)
		c.lruInsertHead(b)
		c.lruGen++
	}
	return b
}

// putBlock ends one use of b. Wakes the victim wait in getBlock when
// the block became reusable.
func (c *Cache) putBlock(b *block) {
	if !b.inUse() {
		c.cond.Broadcast()
	}
}

func (c *Cache) unlockContentAndPut(b *block) {
	c.unlockContent(b)
	c.putBlock(b)
}

//
// observability
//

// Stats is a point-in-time snapshot of the cache state.
type Stats struct {
	BlockSize     int
	BlockCapacity int
	Resident      int
	Dirty         int
	Sessions      int
}

func (c *Cache) Stats() Stats {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return Stats{
		BlockSize:     c.blockSize,
		BlockCapacity: c.blockCapacity,
		Resident:      c.blockCount,
		Dirty:         c.dirtyBlocks,
		Sessions:      len(c.sessions),
	}
}

// check walks the whole cache under the interlock and verifies the
// structural invariants. Used by tests and debug probes.
func (c *Cache) check() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.blockCount > c.blockCapacity {
		return fmt.Errorf("resident count %d exceeds capacity %d", c.blockCount, c.blockCapacity)
	}
	if len(c.index) != c.blockCount {
		return fmt.Errorf("index holds %d blocks, resident count is %d", len(c.index), c.blockCount)
	}

	var nChain, nDirty int
	for b := c.lruHead; b != nil; b = b.lruNext {
		nChain++
		if c.index[b.key] != b {
			return fmt.Errorf("block (%d,%d) on LRU chain but not in index", b.key.sid, b.key.lba)
		}
		if b.dirty {
			nDirty++
			if !b.hasData {
				return fmt.Errorf("block (%d,%d) dirty without data", b.key.sid, b.key.lba)
			}
		}
		if b.exclusive && b.shareCount > 0 {
			return fmt.Errorf("block (%d,%d) locked exclusive with share count %d", b.key.sid, b.key.lba, b.shareCount)
		}
		if b.op != opIdle && !b.inUse() {
			return fmt.Errorf("block (%d,%d) has i/o in flight without a content lock", b.key.sid, b.key.lba)
		}
	}
	if nChain != c.blockCount {
		return fmt.Errorf("LRU chain holds %d blocks, resident count is %d", nChain, c.blockCount)
	}
	if nDirty != c.dirtyBlocks {
		return fmt.Errorf("dirty count is %d, chain shows %d", c.dirtyBlocks, nDirty)
	}
	return nil
}
