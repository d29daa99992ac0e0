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
	"path/filepath"
	"testing"

	"github.com/serenaos/diskcache/boltdisk"
	"github.com/serenaos/diskcache/config"
)

// Full stack: config file -> cache -> bolt-backed disk, with the data
// surviving a close and reopen of the store.
func TestCacheOverBoltDisk(t *testing.T) {
	cc, err := config.LoadConfigBytes([]byte("[Cache]\n\tBlock-Size=512\n\tMax-Blocks=8\n"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Config{BlockSize: cc.BlockSize(), BlockCapacity: cc.MaxBlocks()})
	if err != nil {
		t.Fatal(err)
	}

	p := filepath.Join(t.TempDir(), "disk.db")
	d, err := boltdisk.New(boltdisk.Config{Path: p, SectorSize: 512, SectorsPerRdwr: 1})
	if err != nil {
		t.Fatal(err)
	}

	s, err := c.OpenSession(d)
	if err != nil {
		t.Fatal(err)
	}

	for lba := uint32(0); lba < 4; lba++ {
		blk, err := s.Map(lba, MapReplace)
		if err != nil {
			t.Fatal(err)
		}
		copy(blk.Data, fill(byte(lba+1)))
		if err = s.Unmap(blk.Token, WriteDeferred); err != nil {
			t.Fatal(err)
		}
	}
	if err = s.Sync(); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err = d.Close(); err != nil {
		t.Fatal(err)
	}

	// reopen the store under a fresh cache and read everything back
	d, err = boltdisk.New(boltdisk.Config{Path: p, SectorSize: 512, SectorsPerRdwr: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	c2, err := New(Config{BlockSize: 512, BlockCapacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := c2.OpenSession(d)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	for lba := uint32(0); lba < 4; lba++ {
		blk, err := s2.Map(lba, MapReadOnly)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(blk.Data, fill(byte(lba+1))) {
			t.Fatalf("lba %d did not survive the store round trip", lba)
		}
		if err = s2.Unmap(blk.Token, WriteNone); err != nil {
			t.Fatal(err)
		}
	}
	mustCheck(t, c2)
}
