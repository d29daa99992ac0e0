/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package diskcache

import (
	"context"
	"time"

	"github.com/serenaos/diskcache/log"
)

const defaultFlushInterval = 5 * time.Second

// Start launches the auto-flush timer. Every interval the flusher
// pushes each open session's dirty blocks out through the normal
// whole-session sync path, paced by the configured flush rate.
func (c *Cache) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.running {
		return ErrFlusherRunning
	}
	c.wg.Add(1)
	go c.flushRoutine(interval)
	c.running = true
	return nil
}

// Stop terminates the auto-flush timer and waits for a flush in
// progress to finish.
func (c *Cache) Stop() error {
	c.mtx.Lock()
	if !c.running {
		c.mtx.Unlock()
		return ErrFlusherNotRunning
	}
	c.mtx.Unlock()

	select {
	case c.stCh <- true:
	default:
	}
	c.wg.Wait()

	c.mtx.Lock()
	c.running = false
	c.stCh = make(chan bool, 1)
	c.mtx.Unlock()
	return nil
}

func (c *Cache) flushRoutine(interval time.Duration) {
	defer c.wg.Done()

	tck := time.NewTicker(interval)
	defer tck.Stop()

	for {
		select {
		case <-tck.C:
			c.flushAll()
		case <-c.stCh:
			return
		}
	}
}

// flushAll syncs every open session that has dirty blocks.
func (c *Cache) flushAll() {
	c.mtx.Lock()
	if c.dirtyBlocks == 0 {
		c.mtx.Unlock()
		return
	}
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mtx.Unlock()

	for _, s := range sessions {
		if c.lim != nil {
			c.lim.Wait(context.Background())
		}
		if err := s.Sync(); err != nil {
			c.lgr.Warn("background flush", log.KV("session", s.id), log.KV("error", err))
		}
	}
}
