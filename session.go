/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package diskcache

import (
	"time"

	"github.com/serenaos/diskcache/blockdev"
	"github.com/serenaos/diskcache/log"
)

// MapMode selects how a filesystem intends to use a mapped block.
type MapMode int

const (
	// MapReadOnly maps the block for reading. The block is read in
	// synchronously on a miss.
	MapReadOnly MapMode = iota

	// MapUpdate maps the block for partial modification. The block is
	// read in synchronously on a miss so untouched bytes stay valid.
	MapUpdate

	// MapReplace maps the block without reading it in. The caller
	// promises to overwrite every byte.
	MapReplace

	// MapCleared maps the block zero-filled, without reading it in.
	MapCleared
)

// WriteMode selects what happens to a mapped block at unmap time.
type WriteMode int

const (
	// WriteNone just unlocks and releases the block. Must not be used
	// to release a MapReplace mapping: that would publish undefined
	// bytes as valid block data.
	WriteNone WriteMode = iota

	// WriteDeferred marks the block dirty; it is written back later by
	// an explicit sync or the flusher.
	WriteDeferred

	// WriteSync writes the block to disk before Unmap returns.
	WriteSync
)

// Token identifies a mapped block across the Map/Unmap pair. The zero
// Token is invalid.
type Token struct {
	b *block
}

// MappedBlock is the filesystem's view of a mapped cache block. Data
// aliases the block's buffer and is valid until Unmap.
type MappedBlock struct {
	Token Token
	Data  []byte
}

// Session binds a disk driver and the identity of its loaded medium to
// a namespace of logical block addresses. Every field except the
// immutable driver reference is protected by the cache interlock.
type Session struct {
	cache *Cache
	drv   blockdev.Driver

	id             int
	media          blockdev.MediaID
	sectorSize     int
	rwClusterSize  int
	s2bFactor      int
	trailPad       int
	activeMappings int
	open           bool
}

// OpenSession opens a caching session against the given driver. The
// driver is queried once for geometry and media identity; a media
// change requires a fresh session.
func (c *Cache) OpenSession(drv blockdev.Driver) (*Session, error) {
	geo, media, err := drv.Info()
	if err != nil {
		return nil, err
	}
	if geo.SectorSize <= 0 || geo.SectorSize > c.blockSize {
		return nil, ErrBadGeometry
	}

	s := &Session{
		cache:         c,
		drv:           drv,
		media:         media,
		sectorSize:    geo.SectorSize,
		rwClusterSize: max(geo.SectorsPerRdwr, 1),
	}
	if geo.SectorSize&(geo.SectorSize-1) == 0 && c.blockSize%geo.SectorSize == 0 {
		s.s2bFactor = c.blockSize / geo.SectorSize
		s.trailPad = 0
	} else {
		s.s2bFactor = 1
		s.trailPad = c.blockSize - geo.SectorSize
	}

	c.mtx.Lock()
	s.id = c.nextSessionID
	c.nextSessionID++
	if c.nextSessionID <= 0 {
		panic("diskcache: session id space exhausted")
	}
	s.open = true
	c.sessions[s.id] = s
	c.mtx.Unlock()

	c.lgr.Info("session opened", log.KV("session", s.id), log.KV("disk", drv.Name()), log.KV("sectorsize", geo.SectorSize))
	return s, nil
}

// Close waits for in-flight mappings to drain and then closes the
// session. Dirty blocks that were neither synced nor purged stay
// resident but can no longer be flushed; see Purge.
func (s *Session) Close() {
	c := s.cache

	c.mtx.Lock()
	if !s.open {
		c.mtx.Unlock()
		return
	}
	for s.activeMappings > 0 {
		// Poll for the drain: drop the interlock, sleep a millisecond
		// and look again.
		c.mtx.Unlock()
		time.Sleep(time.Millisecond)
		c.mtx.Lock()
	}
	delete(c.sessions, s.id)
	s.open = false
	c.mtx.Unlock()

	c.lgr.Info("session closed", log.KV("session", s.id), log.KV("disk", s.drv.Name()))
}

// Purge drops every resident block belonging to this session that is
// not currently in use, discarding dirty data. It is the escape hatch
// for a session that is going away with unflushable state.
func (s *Session) Purge() {
	c := s.cache

	c.mtx.Lock()
	var b, prev *block
	for b = c.lruTail; b != nil; b = prev {
		prev = b.lruPrev
		if b.key.sid != s.id || b.inUse() {
			continue
		}
		if b.dirty {
			c.dirtyBlocks--
			c.lgr.Warn("purging dirty block", log.KV("session", s.id), log.KV("lba", b.key.lba))
		}
		c.deregisterBlock(b)
		c.blockCount--
	}
	c.cond.Broadcast()
	c.mtx.Unlock()
}

// DiskName returns the catalog name of the driver backing this session.
func (s *Session) DiskName() string {
	return s.drv.Name()
}

// Prefetch starts an asynchronous read of the block at lba. It is a
// no-op if the block already has data or a read is in flight. Mappers
// that arrive while the prefetch is running block on the content lock
// until the read completes.
func (s *Session) Prefetch(lba uint32) error {
	c := s.cache

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !s.open {
		return ErrNoDevice
	}
	if s.media == blockdev.NoMedia {
		return ErrNoMedium
	}

	b := c.getBlock(s, lba, getAllocate|getRecentUse|getExclusive)
	if b == nil {
		// in use; someone is already reading or using it
		return nil
	}
	if b.hasData || b.op == opRead {
		c.putBlock(b)
		return nil
	}

	c.lockContent(b, lockExclusive)
	if err := c.doIO(s, b, opRead, false); err != nil {
		c.unlockContentAndPut(b)
		return err
	}
	// the completion path unlocks and puts the block
	return nil
}

// Map hands the caller the block at lba for direct access. The mapping
// must be released with Unmap.
func (s *Session) Map(lba uint32, mode MapMode) (MappedBlock, error) {
	c := s.cache

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !s.open {
		return MappedBlock{}, ErrNoDevice
	}
	if s.media == blockdev.NoMedia {
		return MappedBlock{}, ErrNoMedium
	}

	key := blockKey{sid: s.id, lba: lba}
	var b *block
	for {
		b = c.getBlock(s, lba, getAllocate|getRecentUse)

		// Shared locking is only possible when the caller wants
		// read-only access and the data is already present; everything
		// else mutates the block.
		if mode == MapReadOnly && b.hasData {
			c.lockContent(b, lockShared)
		} else {
			c.lockContent(b, lockExclusive)
		}

		// Waiting for the content lock drops the interlock, and an
		// unused block can be stolen by the victim scan in the
		// meantime. If it was retargeted, let go and start over.
		if b.key == key {
			break
		}
		c.unlockContentAndPut(b)
	}

	var err error
	switch mode {
	case MapCleared:
		// Always clear; a resident block's buffer still holds its
		// previous contents.
		clear(b.data)
		b.hasData = true

	case MapReplace:
		// Caller accepts whatever is in the buffer since it is going
		// to replace every byte anyway.
		b.hasData = true

	case MapUpdate:
		if !b.hasData {
			err = c.doIO(s, b, opRead, true)
			if err == nil {
				err = b.readErr
			}
		}

	case MapReadOnly:
		// The lock mode was chosen before we may have waited above, so
		// the data can be present by now even though we hold the
		// exclusive lock. Read-only mappings always end up shared.
		if b.exclusive {
			if !b.hasData {
				err = c.doIO(s, b, opRead, true)
				if err == nil {
					err = b.readErr
				}
			}
			c.downgradeContent(b)
		}
	}

	if err != nil {
		c.unlockContentAndPut(b)
		return MappedBlock{}, err
	}

	s.activeMappings++
	return MappedBlock{Token: Token{b: b}, Data: b.data}, nil
}

// Unmap releases a mapping obtained from Map. With WriteSync the block
// is written out before Unmap returns; with WriteDeferred it is marked
// dirty for a later sync.
func (s *Session) Unmap(tok Token, mode WriteMode) error {
	c := s.cache
	b := tok.b

	if b == nil {
		return nil
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !s.open {
		return ErrNoDevice
	}

	var err error
	switch mode {
	case WriteNone:

	case WriteSync:
		// Holding the exclusive lock here. Downgrade so readers can
		// come in while the write is on the wire.
		c.downgradeContent(b)
		err = c.doIO(s, b, opWrite, true)

	case WriteDeferred:
		// Holding the exclusive lock here.
		if !b.dirty {
			b.dirty = true
			c.dirtyBlocks++
		}
	}

	s.activeMappings--
	c.unlockContentAndPut(b)
	return err
}

// Pin excludes the block at lba from writeback until Unpin. The block
// is allocated if it is not resident so that data staged into it later
// is covered by the pin.
func (s *Session) Pin(lba uint32) error {
	c := s.cache

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !s.open {
		return ErrNoDevice
	}
	b := c.getBlock(s, lba, getAllocate)
	if b == nil {
		return nil
	}
	b.pinned = true
	c.putBlock(b)
	return nil
}

// Unpin clears the pin on the block at lba. It does not trigger a
// writeback; a following SyncBlock or Sync will.
func (s *Session) Unpin(lba uint32) error {
	c := s.cache

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !s.open {
		return ErrNoDevice
	}
	if b := c.getBlock(s, lba, 0); b != nil {
		b.pinned = false
		c.putBlock(b)
	}
	return nil
}

// syncBlock writes b back synchronously if it is dirty and no write is
// already in flight. Interlock must be held; the block must not be
// exclusively locked by the caller.
func (c *Cache) syncBlock(s *Session, b *block) error {
	if !b.dirty || b.op == opWrite {
		return nil
	}
	if b.pinned {
		return ErrPinnedWrite
	}
	c.lockContent(b, lockShared)
	err := c.doIO(s, b, opWrite, true)
	c.unlockContent(b)
	return err
}

// SyncBlock synchronously writes the block at lba to disk if it is
// resident, dirty and not in use. Returns ErrPinnedWrite if the block
// is pinned.
func (s *Session) SyncBlock(lba uint32) error {
	c := s.cache

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !s.open {
		return ErrNoDevice
	}
	b := c.getBlock(s, lba, getExclusive)
	if b == nil {
		return nil
	}
	err := c.syncBlock(s, b)
	c.putBlock(b)
	return err
}

// Sync synchronously writes every dirty, unpinned, unused block of this
// session to disk, oldest first. The interlock is dropped for each
// write; if the LRU chain changes underneath us the scan restarts from
// the current tail.
func (s *Session) Sync() error {
	c := s.cache

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !s.open {
		return ErrNoDevice
	}
	if c.dirtyBlocks == 0 {
		return nil
	}

	var err error
restart:
	gen := c.lruGen
	for b := c.lruTail; b != nil; b = b.lruPrev {
		if b.inUse() || b.key.sid != s.id || !b.dirty || b.pinned {
			continue
		}
		err1 := c.syncBlock(s, b)
		c.putBlock(b)
		if err == nil {
			// keep the first error, but flush as much as we can
			err = err1
		}
		if gen != c.lruGen {
			goto restart
		}
	}
	return err
}
