/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package blockdev defines the contract between the disk cache and
// block-oriented storage drivers. A driver accepts asynchronous strategy
// requests and invokes the request's completion callback exactly once
// when the transfer has finished or failed.
package blockdev

import (
	"errors"

	"github.com/google/uuid"
)

type RequestKind int

const (
	Read  RequestKind = 1
	Write RequestKind = 2
)

// MediaID identifies the medium currently loaded in a drive. Removable
// media get a fresh id on every insertion.
type MediaID = uuid.UUID

// NoMedia indicates an empty drive.
var NoMedia = uuid.Nil

var (
	ErrDriverClosed = errors.New("driver is closed")
	ErrBadRequest   = errors.New("malformed strategy request")
)

// Geometry describes the addressable shape of a medium.
type Geometry struct {
	SectorSize     int // bytes per sector
	SectorsPerRdwr int // preferred sectors per read/write transfer
	SectorCount    int64
}

// IOVector addresses one contiguous buffer of a strategy request. Token
// is opaque to the driver and is handed back untouched on completion.
type IOVector struct {
	Data  []byte
	Token any
	Size  int
}

// Request is a single strategy request. The driver transfers Size bytes
// per vector starting at the absolute byte Offset, fills in Count and
// Status, and then calls Done exactly once. Count is the total number of
// bytes actually transferred across all vectors.
type Request struct {
	Kind    RequestKind
	Offset  int64
	Options uint32
	Vecs    []IOVector
	Done    func(*Request)

	Count  int64
	Status error
}

// Driver is the capability a disk driver hands to the cache. Submit
// queues a request and returns immediately; the transfer completes on
// the driver's own time through Request.Done.
type Driver interface {
	// Info reports the medium geometry and identity. A drive without a
	// loaded medium reports NoMedia.
	Info() (Geometry, MediaID, error)

	// Submit queues the request for service. A non-nil return means the
	// request was rejected outright and Done will not be called.
	Submit(*Request) error

	// Name returns the driver's catalog name.
	Name() string
}

// Validate performs the structural checks shared by driver
// implementations.
func (r *Request) Validate() error {
	if r.Kind != Read && r.Kind != Write {
		return ErrBadRequest
	}
	if r.Offset < 0 || len(r.Vecs) == 0 || r.Done == nil {
		return ErrBadRequest
	}
	for i := range r.Vecs {
		if r.Vecs[i].Size <= 0 || r.Vecs[i].Size > len(r.Vecs[i].Data) {
			return ErrBadRequest
		}
	}
	return nil
}
