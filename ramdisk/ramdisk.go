/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ramdisk implements an in-memory block device. It backs unit
// tests and early bring-up: completions can be delivered inline or from
// a separate goroutine, and faults (errors, short transfers, media
// ejection) can be injected per request.
package ramdisk

import (
	"sync"

	"github.com/google/uuid"

	"github.com/serenaos/diskcache/blockdev"
)

// Disk is an in-memory blockdev.Driver. Unwritten sectors read as
// zeros.
type Disk struct {
	mtx   sync.Mutex
	geo   blockdev.Geometry
	media blockdev.MediaID
	secs  map[int64][]byte

	async  bool
	closed bool
	wg     sync.WaitGroup

	reads  int
	writes int

	failN    int
	failErr  error
	shortN   int64
	hasShort bool
}

// New creates a ram disk with the given geometry and a fresh media id.
// If async is set, completions are delivered from their own goroutine.
func New(geo blockdev.Geometry, async bool) *Disk {
	return &Disk{
		geo:   geo,
		media: uuid.New(),
		secs:  map[int64][]byte{},
		async: async,
	}
}

func (d *Disk) Name() string {
	return `ram0`
}

func (d *Disk) Info() (blockdev.Geometry, blockdev.MediaID, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.geo, d.media, nil
}

// Eject drops the medium; subsequent Info calls report NoMedia.
func (d *Disk) Eject() {
	d.mtx.Lock()
	d.media = blockdev.NoMedia
	d.mtx.Unlock()
}

// FailRequests arms fault injection: the next n requests complete with
// err instead of transferring data.
func (d *Disk) FailRequests(n int, err error) {
	d.mtx.Lock()
	d.failN, d.failErr = n, err
	d.mtx.Unlock()
}

// ShortCount forces the next request to report a transfer of exactly n
// bytes with OK status.
func (d *Disk) ShortCount(n int64) {
	d.mtx.Lock()
	d.shortN, d.hasShort = n, true
	d.mtx.Unlock()
}

// Reads and Writes report how many requests of each kind were serviced.
func (d *Disk) Reads() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.reads
}

func (d *Disk) Writes() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.writes
}

// SectorBytes returns a copy of the stored sector, or zeros if it was
// never written.
func (d *Disk) SectorBytes(idx int64) []byte {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	buf := make([]byte, d.geo.SectorSize)
	if s, ok := d.secs[idx]; ok {
		copy(buf, s)
	}
	return buf
}

// LoadSector preloads the sector at idx, growing or truncating to the
// sector size.
func (d *Disk) LoadSector(idx int64, data []byte) {
	d.mtx.Lock()
	buf := make([]byte, d.geo.SectorSize)
	copy(buf, data)
	d.secs[idx] = buf
	d.mtx.Unlock()
}

func (d *Disk) Submit(req *blockdev.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	d.mtx.Lock()
	if d.closed {
		d.mtx.Unlock()
		return blockdev.ErrDriverClosed
	}
	async := d.async
	if async {
		d.wg.Add(1)
	}
	d.mtx.Unlock()

	if async {
		go func() {
			defer d.wg.Done()
			d.serve(req)
		}()
		return nil
	}
	d.serve(req)
	return nil
}

// Close waits for outstanding async completions and rejects further
// submissions.
func (d *Disk) Close() {
	d.mtx.Lock()
	d.closed = true
	d.mtx.Unlock()
	d.wg.Wait()
}

func (d *Disk) serve(req *blockdev.Request) {
	d.mtx.Lock()

	if req.Kind == blockdev.Read {
		d.reads++
	} else {
		d.writes++
	}

	if d.failN > 0 {
		d.failN--
		err := d.failErr
		d.mtx.Unlock()
		req.Count = 0
		req.Status = err
		req.Done(req)
		return
	}

	var count int64
	sec := req.Offset / int64(d.geo.SectorSize)
	for i := range req.Vecs {
		v := &req.Vecs[i]
		nsec := v.Size / d.geo.SectorSize
		for j := 0; j < nsec; j++ {
			off := j * d.geo.SectorSize
			if req.Kind == blockdev.Read {
				if s, ok := d.secs[sec]; ok {
					copy(v.Data[off:off+d.geo.SectorSize], s)
				} else {
					clear(v.Data[off : off+d.geo.SectorSize])
				}
			} else {
				buf := make([]byte, d.geo.SectorSize)
				copy(buf, v.Data[off:off+d.geo.SectorSize])
				d.secs[sec] = buf
			}
			sec++
			count += int64(d.geo.SectorSize)
		}
	}

	if d.hasShort {
		d.hasShort = false
		count = d.shortN
	}
	d.mtx.Unlock()

	req.Count = count
	req.Status = nil
	req.Done(req)
}
