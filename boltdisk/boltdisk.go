/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package boltdisk implements a file-backed virtual block device on top
// of a bbolt database. Sector payloads are s2-compressed; sectors that
// were never written read back as zeros. Requests are serviced from a
// dedicated goroutine, so completions are genuinely asynchronous, the
// same way a real disk driver retires its request queue.
package boltdisk

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"
	bolt "go.etcd.io/bbolt"

	"github.com/serenaos/diskcache/blockdev"
)

const (
	defaultSectorSize     = 512
	defaultSectorsPerRdwr = 1

	dbTimeout  = 100 * time.Millisecond
	dbOpenMode = os.FileMode(0660)
)

var (
	secBucket  = []byte(`sec`)
	metaBucket = []byte(`meta`)
	mediaKey   = []byte(`media`)
	geoKey     = []byte(`geometry`)

	ErrCorruptStore = errors.New("disk store is corrupt")
	ErrLockFailed   = errors.New("disk store is locked by another process")
)

// Config shapes a new bolt disk. Zero values fall back to a 512-byte
// sector, one sector per transfer.
type Config struct {
	Path           string
	SectorSize     int
	SectorsPerRdwr int
	SectorCount    int64
}

// Disk is a blockdev.Driver backed by a bbolt file.
type Disk struct {
	db    *bolt.DB
	geo   blockdev.Geometry
	media blockdev.MediaID
	name  string

	reqCh   chan *blockdev.Request
	done    chan bool
	wg      sync.WaitGroup
	closeMu sync.Once
}

// New opens or creates the disk store at cfg.Path. The media id is
// minted on creation and persists across opens, the way fixed media
// keeps its identity across boots.
func New(cfg Config) (*Disk, error) {
	if cfg.SectorSize <= 0 {
		cfg.SectorSize = defaultSectorSize
	}
	if cfg.SectorsPerRdwr <= 0 {
		cfg.SectorsPerRdwr = defaultSectorsPerRdwr
	}

	db, err := bolt.Open(cfg.Path, dbOpenMode, &bolt.Options{Timeout: dbTimeout})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, ErrLockFailed
		}
		return nil, err
	}

	d := &Disk{
		db: db,
		geo: blockdev.Geometry{
			SectorSize:     cfg.SectorSize,
			SectorsPerRdwr: cfg.SectorsPerRdwr,
			SectorCount:    cfg.SectorCount,
		},
		name:  filepath.Base(cfg.Path),
		reqCh: make(chan *blockdev.Request, 16),
		done:  make(chan bool),
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(secBucket); err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := mb.Get(mediaKey); v != nil {
			m, err := uuid.FromBytes(v)
			if err != nil {
				return ErrCorruptStore
			}
			d.media = m
			return nil
		}
		d.media = uuid.New()
		if err := mb.Put(mediaKey, d.media[:]); err != nil {
			return err
		}
		var gv [8]byte
		binary.BigEndian.PutUint32(gv[0:], uint32(d.geo.SectorSize))
		binary.BigEndian.PutUint32(gv[4:], uint32(d.geo.SectorsPerRdwr))
		return mb.Put(geoKey, gv[:])
	}); err != nil {
		db.Close()
		return nil, err
	}

	d.wg.Add(1)
	go d.routine()
	return d, nil
}

func (d *Disk) Name() string {
	return d.name
}

func (d *Disk) Info() (blockdev.Geometry, blockdev.MediaID, error) {
	return d.geo, d.media, nil
}

func (d *Disk) Submit(req *blockdev.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	select {
	case <-d.done:
		return blockdev.ErrDriverClosed
	default:
	}
	select {
	case d.reqCh <- req:
		return nil
	case <-d.done:
		return blockdev.ErrDriverClosed
	}
}

// Close fails whatever is still queued, stops the service goroutine and
// releases the store file.
func (d *Disk) Close() error {
	d.closeMu.Do(func() { close(d.done) })
	d.wg.Wait()
	return d.db.Close()
}

func (d *Disk) routine() {
	defer d.wg.Done()
	for {
		select {
		case req := <-d.reqCh:
			d.serve(req)
		case <-d.done:
			for {
				select {
				case req := <-d.reqCh:
					req.Count = 0
					req.Status = blockdev.ErrDriverClosed
					req.Done(req)
				default:
					return
				}
			}
		}
	}
}

func (d *Disk) serve(req *blockdev.Request) {
	var count int64
	var status error

	sec := req.Offset / int64(d.geo.SectorSize)
	switch req.Kind {
	case blockdev.Read:
		status = d.db.View(func(tx *bolt.Tx) error {
			bkt := tx.Bucket(secBucket)
			if bkt == nil {
				return ErrCorruptStore
			}
			for i := range req.Vecs {
				n, err := d.readVec(bkt, sec, &req.Vecs[i])
				count += n
				if err != nil {
					return err
				}
				sec += int64(req.Vecs[i].Size / d.geo.SectorSize)
			}
			return nil
		})

	case blockdev.Write:
		status = d.db.Update(func(tx *bolt.Tx) error {
			bkt := tx.Bucket(secBucket)
			if bkt == nil {
				return ErrCorruptStore
			}
			for i := range req.Vecs {
				n, err := d.writeVec(bkt, sec, &req.Vecs[i])
				count += n
				if err != nil {
					return err
				}
				sec += int64(req.Vecs[i].Size / d.geo.SectorSize)
			}
			return nil
		})
	}

	req.Count = count
	req.Status = status
	req.Done(req)
}

func (d *Disk) readVec(bkt *bolt.Bucket, sec int64, v *blockdev.IOVector) (int64, error) {
	var count int64
	nsec := v.Size / d.geo.SectorSize

	for j := 0; j < nsec; j++ {
		dst := v.Data[j*d.geo.SectorSize : (j+1)*d.geo.SectorSize]
		raw := bkt.Get(secKey(sec + int64(j)))
		if raw == nil {
			clear(dst)
			count += int64(d.geo.SectorSize)
			continue
		}
		dec, err := s2.Decode(nil, raw)
		if err != nil || len(dec) != d.geo.SectorSize {
			return count, ErrCorruptStore
		}
		copy(dst, dec)
		count += int64(d.geo.SectorSize)
	}
	return count, nil
}

func (d *Disk) writeVec(bkt *bolt.Bucket, sec int64, v *blockdev.IOVector) (int64, error) {
	var count int64
	nsec := v.Size / d.geo.SectorSize

	for j := 0; j < nsec; j++ {
		src := v.Data[j*d.geo.SectorSize : (j+1)*d.geo.SectorSize]
		if err := bkt.Put(secKey(sec+int64(j)), s2.Encode(nil, src)); err != nil {
			return count, err
		}
		count += int64(d.geo.SectorSize)
	}
	return count, nil
}

func secKey(sec int64) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(sec))
	return v
}
