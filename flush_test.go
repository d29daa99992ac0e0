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
	"testing"
	"time"
)

func TestFlusherStartStop(t *testing.T) {
	c, err := New(Config{BlockSize: 512, BlockCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err = c.Stop(); err != ErrFlusherNotRunning {
		t.Fatalf("expected ErrFlusherNotRunning, got %v", err)
	}
	if err = c.Start(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err = c.Start(10 * time.Millisecond); err != ErrFlusherRunning {
		t.Fatalf("expected ErrFlusherRunning, got %v", err)
	}
	if err = c.Stop(); err != nil {
		t.Fatal(err)
	}

	// restartable after a stop
	if err = c.Start(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err = c.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestFlusherWritesBackDirtyBlocks(t *testing.T) {
	c, s, d := newTestCache(t, 4, stdGeo(), false)
	defer s.Close()

	if err := c.Start(5 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	blk, err := s.Map(21, MapReplace)
	if err != nil {
		t.Fatal(err)
	}
	copy(blk.Data, fill(0x21))
	if err = s.Unmap(blk.Token, WriteDeferred); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().Dirty != 0 {
		if time.Now().After(deadline) {
			t.Fatal("flusher never wrote the block back")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if d.Writes() == 0 {
		t.Fatal("no driver write observed")
	}
	if !bytes.Equal(d.SectorBytes(21), fill(0x21)) {
		t.Fatal("disk does not hold the flushed bytes")
	}
	mustCheck(t, c)
}

func TestFlusherSkipsCleanSessions(t *testing.T) {
	c, s, d := newTestCache(t, 4, stdGeo(), false)
	defer s.Close()

	blk, err := s.Map(9, MapReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.Unmap(blk.Token, WriteNone); err != nil {
		t.Fatal(err)
	}

	if err = c.Start(5 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err = c.Stop(); err != nil {
		t.Fatal(err)
	}
	if d.Writes() != 0 {
		t.Fatalf("flusher wrote %d clean blocks", d.Writes())
	}
}
