/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package diskcache

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/serenaos/diskcache/blockdev"
	"github.com/serenaos/diskcache/ramdisk"
)

func TestOpenSessionGeometry(t *testing.T) {
	c, err := New(Config{BlockSize: 4096, BlockCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}

	// power of two sector that divides the block size
	s, err := c.OpenSession(ramdisk.New(blockdev.Geometry{SectorSize: 512, SectorsPerRdwr: 1}, false))
	if err != nil {
		t.Fatal(err)
	}
	if s.s2bFactor != 8 || s.trailPad != 0 {
		t.Fatalf("bad geometry translation: s2b=%d pad=%d", s.s2bFactor, s.trailPad)
	}
	s.Close()

	// odd sector: one sector per block with a trailing pad
	s, err = c.OpenSession(ramdisk.New(blockdev.Geometry{SectorSize: 4000, SectorsPerRdwr: 1}, false))
	if err != nil {
		t.Fatal(err)
	}
	if s.s2bFactor != 1 || s.trailPad != 96 {
		t.Fatalf("bad geometry translation: s2b=%d pad=%d", s.s2bFactor, s.trailPad)
	}
	s.Close()

	// a sector larger than the block is unaddressable
	if _, err = c.OpenSession(ramdisk.New(blockdev.Geometry{SectorSize: 8192, SectorsPerRdwr: 1}, false)); err != ErrBadGeometry {
		t.Fatalf("expected ErrBadGeometry, got %v", err)
	}
}

func TestSessionIDsMonotonic(t *testing.T) {
	c, err := New(Config{BlockSize: 512, BlockCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	var last int
	for i := 0; i < 3; i++ {
		s, err := c.OpenSession(ramdisk.New(stdGeo(), false))
		if err != nil {
			t.Fatal(err)
		}
		if s.id <= last {
			t.Fatalf("session id went backwards: %d after %d", s.id, last)
		}
		last = s.id
		s.Close()
	}
}

func TestClosedSessionRejectsEverything(t *testing.T) {
	_, s, _ := newTestCache(t, 4, stdGeo(), false)
	s.Close()

	if _, err := s.Map(1, MapReadOnly); err != ErrNoDevice {
		t.Fatalf("map: expected ErrNoDevice, got %v", err)
	}
	if err := s.Prefetch(1); err != ErrNoDevice {
		t.Fatalf("prefetch: expected ErrNoDevice, got %v", err)
	}
	if err := s.Pin(1); err != ErrNoDevice {
		t.Fatalf("pin: expected ErrNoDevice, got %v", err)
	}
	if err := s.SyncBlock(1); err != ErrNoDevice {
		t.Fatalf("syncblock: expected ErrNoDevice, got %v", err)
	}
	if err := s.Sync(); err != ErrNoDevice {
		t.Fatalf("sync: expected ErrNoDevice, got %v", err)
	}

	// close is idempotent
	s.Close()
}

func TestMediaAbsent(t *testing.T) {
	c, err := New(Config{BlockSize: 512, BlockCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	d := ramdisk.New(stdGeo(), false)
	d.Eject()
	s, err := c.OpenSession(d)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err = s.Map(1, MapReadOnly); err != ErrNoMedium {
		t.Fatalf("expected ErrNoMedium, got %v", err)
	}
	if err = s.Prefetch(1); err != ErrNoMedium {
		t.Fatalf("expected ErrNoMedium, got %v", err)
	}
}

func TestCloseWaitsForMappings(t *testing.T) {
	_, s, _ := newTestCache(t, 4, stdGeo(), false)

	blk, err := s.Map(1, MapCleared)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	closed := make(chan bool)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned with a mapping outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	if err = s.Unmap(blk.Token, WriteNone); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	select {
	case <-closed:
	default:
		t.Fatal("close did not finish after the last unmap")
	}
}

// A pinned block survives both the whole-session sync and the explicit
// block sync; unpinning makes it flushable again.
func TestPinSuppressesWriteback(t *testing.T) {
	c, s, d := newTestCache(t, 4, stdGeo(), false)
	defer s.Close()

	if err := s.Pin(20); err != nil {
		t.Fatal(err)
	}
	blk, err := s.Map(20, MapReplace)
	if err != nil {
		t.Fatal(err)
	}
	copy(blk.Data, fill(0xaa))
	if err = s.Unmap(blk.Token, WriteDeferred); err != nil {
		t.Fatal(err)
	}

	if err = s.Sync(); err != nil {
		t.Fatal(err)
	}
	if d.Writes() != 0 {
		t.Fatal("whole-session sync wrote a pinned block")
	}
	if err = s.SyncBlock(20); err != ErrPinnedWrite {
		t.Fatalf("expected ErrPinnedWrite, got %v", err)
	}
	if d.Writes() != 0 {
		t.Fatal("block sync wrote a pinned block")
	}

	if err = s.Unpin(20); err != nil {
		t.Fatal(err)
	}
	if d.Writes() != 0 {
		t.Fatal("unpin must not flush by itself")
	}
	if err = s.SyncBlock(20); err != nil {
		t.Fatal(err)
	}
	if d.Writes() != 1 {
		t.Fatalf("expected 1 write after unpin, got %d", d.Writes())
	}
	if !bytes.Equal(d.SectorBytes(20), fill(0xaa)) {
		t.Fatal("disk does not hold the pinned block's bytes")
	}
	mustCheck(t, c)
}

// A pinned dirty block may not be stolen by the victim scan even under
// pool pressure.
func TestPinnedDirtyBlockIsNotAVictim(t *testing.T) {
	c, s, d := newTestCache(t, 2, stdGeo(), false)
	defer s.Close()

	if err := s.Pin(1); err != nil {
		t.Fatal(err)
	}
	blk, err := s.Map(1, MapReplace)
	if err != nil {
		t.Fatal(err)
	}
	copy(blk.Data, fill(0x11))
	if err = s.Unmap(blk.Token, WriteDeferred); err != nil {
		t.Fatal(err)
	}

	// churn through the remaining capacity
	for lba := uint32(5); lba < 8; lba++ {
		b2, err := s.Map(lba, MapReadOnly)
		if err != nil {
			t.Fatal(err)
		}
		if err = s.Unmap(b2.Token, WriteNone); err != nil {
			t.Fatal(err)
		}
	}

	blk, err = s.Map(1, MapReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blk.Data, fill(0x11)) {
		t.Fatal("pinned dirty block lost its data")
	}
	if err = s.Unmap(blk.Token, WriteNone); err != nil {
		t.Fatal(err)
	}
	if got := d.Reads(); got != 3 {
		t.Fatalf("pinned block should never refault, got %d reads", got)
	}
	mustCheck(t, c)
}

func TestPurgeDropsSessionBlocks(t *testing.T) {
	c, s, d := newTestCache(t, 4, stdGeo(), false)

	blk, err := s.Map(2, MapReplace)
	if err != nil {
		t.Fatal(err)
	}
	copy(blk.Data, fill(0x77))
	if err = s.Unmap(blk.Token, WriteDeferred); err != nil {
		t.Fatal(err)
	}

	s.Purge()
	st := c.Stats()
	if st.Resident != 0 || st.Dirty != 0 {
		t.Fatalf("purge left state behind: %+v", st)
	}
	if d.Writes() != 0 {
		t.Fatal("purge must discard, not flush")
	}
	mustCheck(t, c)
	s.Close()
}

func TestDiskName(t *testing.T) {
	_, s, _ := newTestCache(t, 4, stdGeo(), false)
	defer s.Close()
	if s.DiskName() != `ram0` {
		t.Fatalf("unexpected disk name %q", s.DiskName())
	}
}
