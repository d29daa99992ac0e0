/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package diskcache

import (
	"github.com/serenaos/diskcache/blockdev"
	"github.com/serenaos/diskcache/log"
)

// waitIO blocks the caller until b has finished an I/O operation of the
// given type. Interlock must be held.
func (c *Cache) waitIO(b *block, op blockOp) {
	for b.op == op {
		c.cond.Wait()
	}
}

// createReadRequest builds a read request for b, clustered to the
// session's preferred transfer size. All blocks of the cluster window
// that are not resident-with-data, not in use and not already reading
// are included opportunistically; anything else is simply skipped so
// the request can always make progress.
func (c *Cache) createReadRequest(s *Session, b *block, isSync bool) *blockdev.Request {
	nCluster := uint32(s.rwClusterSize)
	start := b.key.lba
	if nCluster > 1 {
		f, n := uint64(s.s2bFactor), uint64(nCluster)
		start = uint32(uint64(b.key.lba) * f / n * n / f)
	}

	req := &blockdev.Request{
		Kind:   blockdev.Read,
		Offset: int64(start) * int64(s.s2bFactor) * int64(s.sectorSize),
		Done:   c.onRequestDone,
		Vecs:   make([]blockdev.IOVector, 0, nCluster),
	}

	for i := uint32(0); i < nCluster; i++ {
		lba := start + i

		if lba == b.key.lba {
			b.op = opRead
			b.async = !isSync
			b.readErr = nil
			req.Vecs = append(req.Vecs, blockdev.IOVector{
				Data:  b.data,
				Token: b,
				Size:  c.blockSize - s.trailPad,
			})
			continue
		}

		other := c.getBlock(s, lba, getAllocate|getExclusive|getNoWait)
		if other == nil {
			continue
		}
		if other.hasData || other.op == opRead {
			c.putBlock(other)
			continue
		}
		// Not in use (getExclusive guaranteed that), so the exclusive
		// lock is immediate. The completion path unlocks and puts it.
		c.lockContent(other, lockExclusive)
		other.op = opRead
		other.async = true
		other.readErr = nil
		req.Vecs = append(req.Vecs, blockdev.IOVector{
			Data:  other.data,
			Token: other,
			Size:  c.blockSize - s.trailPad,
		})
	}

	return req
}

func (c *Cache) createWriteRequest(s *Session, b *block, isSync bool) *blockdev.Request {
	b.op = opWrite
	b.async = !isSync
	b.readErr = nil

	return &blockdev.Request{
		Kind:   blockdev.Write,
		Offset: int64(b.key.lba) * int64(s.s2bFactor) * int64(s.sectorSize),
		Done:   c.onRequestDone,
		Vecs: []blockdev.IOVector{{
			Data:  b.data,
			Token: b,
			Size:  c.blockSize - s.trailPad,
		}},
	}
}

// doIO starts a read or write on b and, for synchronous operations,
// waits for it to retire. The caller must hold the content lock
// (exclusive for reads, shared for writes) and the interlock. A
// synchronous operation returns with both locks still held; an
// asynchronous one transfers the content lock to the completion path,
// which unlocks and puts the block. The interlock is dropped around the
// driver submission.
//
// An operation of the same type that is already in flight is joined: no
// new request is issued and synchronous callers just wait for the
// existing one. An in-flight operation of the other type is impossible
// under the locking rules.
func (c *Cache) doIO(s *Session, b *block, op blockOp, isSync bool) error {
	if op == opWrite && b.pinned {
		return ErrPinnedWrite
	}

	if b.op == op {
		if isSync {
			c.waitIO(b, op)
		}
		return nil
	}

	var req *blockdev.Request
	switch op {
	case opRead:
		req = c.createReadRequest(s, b, isSync)
	case opWrite:
		req = c.createWriteRequest(s, b, isSync)
	default:
		panic("diskcache: bad block op")
	}

	c.mtx.Unlock()
	err := s.drv.Submit(req)
	c.mtx.Lock()

	if err != nil {
		// The driver rejected the request outright; no completion will
		// arrive. Roll the included blocks back to idle and release
		// the side blocks a clustered read picked up.
		for i := range req.Vecs {
			rb := req.Vecs[i].Token.(*block)
			rb.op = opIdle
			rb.async = false
			if rb != b {
				c.unlockContentAndPut(rb)
			}
		}
		c.cond.Broadcast()
		return err
	}

	if isSync {
		c.waitIO(b, op)
	}
	return nil
}

// onBlockRequestDone finalizes one block of a completed request.
// Expects the content lock to be held exclusively for reads and shared
// for writes. Asynchronous operations unlock and put the block here;
// synchronous ones leave the lock with the waiting initiator and just
// wake it.
func (c *Cache) onBlockRequestDone(b *block, kind blockdev.RequestKind, status error) {
	isAsync := b.async

	switch kind {
	case blockdev.Read:
		if status == nil {
			b.hasData = true
		}
		// Only read errors are recorded on the block: a deferred write
		// retires long after its initiator has moved on, so nobody
		// could ever look at a stored write error. The dirty bit stays
		// set instead and the next sync retries.
		b.readErr = status

	case blockdev.Write:
		if status == nil && b.dirty {
			b.dirty = false
			c.dirtyBlocks--
		}
		if status != nil {
			c.lgr.Error("writeback failed", log.KV("session", b.key.sid), log.KV("lba", b.key.lba), log.KV("error", status))
		}
	}

	b.async = false
	b.op = opIdle

	if isAsync {
		// drops the exclusive lock for a read, the shared lock for a write
		c.unlockContentAndPut(b)
	} else {
		// wake waitIO; the initiator still holds the content lock
		c.cond.Broadcast()
	}
}

// onRequestDone is the completion callback registered on every request
// the engine submits. It charges each iovec one block's worth of the
// residual byte count; a block that comes up short is failed with ErrIO
// unless the driver already reported a request-level error.
func (c *Cache) onRequestDone(req *blockdev.Request) {
	res := req.Count
	status := req.Status

	c.mtx.Lock()
	for i := range req.Vecs {
		b := req.Vecs[i].Token.(*block)

		if res >= int64(c.blockSize) {
			res -= int64(c.blockSize)
		} else if status == nil {
			status = ErrIO
		}
		c.onBlockRequestDone(b, req.Kind, status)
	}
	c.mtx.Unlock()
}

// OnRequestDone finalizes a completed driver request. Drivers built on
// the blockdev contract invoke it through the request's Done callback;
// it is exported for driver stacks that dispatch completions through
// their own retirement queue.
func (c *Cache) OnRequestDone(req *blockdev.Request) {
	c.onRequestDone(req)
}
