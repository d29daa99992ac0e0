/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package diskcache

import "errors"

var (
	// ErrNoDevice is returned when an operation names a session that is
	// closed or was never opened.
	ErrNoDevice = errors.New("session is not open")

	// ErrNoMedium is returned when the session's drive has no loaded
	// medium.
	ErrNoMedium = errors.New("no medium present")

	// ErrPinnedWrite is returned when a write is attempted against a
	// pinned block.
	ErrPinnedWrite = errors.New("block is pinned")

	// ErrBadGeometry is returned when a driver reports a sector shape
	// the cache cannot address.
	ErrBadGeometry = errors.New("unaddressable disk geometry")

	// ErrIO marks a short or failed transfer at the driver.
	ErrIO = errors.New("i/o error")

	// ErrNoMemory is returned when the requested block pool cannot be
	// allocated.
	ErrNoMemory = errors.New("block pool allocation failed")

	ErrFlusherRunning    = errors.New("flusher already running")
	ErrFlusherNotRunning = errors.New("flusher is not running")
)
