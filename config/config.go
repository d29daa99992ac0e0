/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads the disk cache configuration from gcfg-style ini
// files. Sizes accept human units (512B, 4KB) and every knob can be
// overridden from the environment for bring-up on machines without a
// writable filesystem.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gravwell/gcfg"
	"github.com/inhies/go-bytesize"

	"github.com/serenaos/diskcache/log"
)

const (
	kb = 1024
	mb = 1024 * kb

	maxConfigSize int64 = 1 * mb

	defaultBlockSize = 512
	defaultMaxBlocks = 128
	defaultInterval  = 5 * time.Second
	defaultLogLevel  = `INFO`

	envBlockSize    = `SERENA_CACHE_BLOCK_SIZE`
	envMaxBlocks    = `SERENA_CACHE_MAX_BLOCKS`
	envSyncInterval = `SERENA_CACHE_SYNC_INTERVAL`
	envFlushRate    = `SERENA_CACHE_FLUSH_RATE`
	envLogLevel     = `SERENA_CACHE_LOG_LEVEL`
)

var (
	ErrConfigFileTooLarge = errors.New("config file is too large")
	ErrFailedFileRead     = errors.New("failed to read entire config file")
	ErrInvalidBlockSize   = errors.New("Block-Size must be a positive power of two")
	ErrInvalidMaxBlocks   = errors.New("Max-Blocks must be at least 1")
	ErrInvalidInterval    = errors.New("invalid Sync-Interval")
	ErrInvalidFlushRate   = errors.New("Flush-Rate may not be negative")
)

type cfgFile struct {
	Cache CacheConfig
}

// CacheConfig is the [Cache] stanza. Field names map to Dashed-Keys in
// the ini file.
type CacheConfig struct {
	Block_Size    string
	Max_Blocks    string
	Sync_Interval string
	Flush_Rate    int
	Log_Level     string
}

// LoadConfigFile reads and parses the config file at p.
func LoadConfigFile(p string) (*CacheConfig, error) {
	fin, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	fi, err := fin.Stat()
	if err != nil {
		fin.Close()
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		fin.Close()
		return nil, ErrConfigFileTooLarge
	}

	bb := bytes.NewBuffer(nil)
	n, err := io.Copy(bb, fin)
	if err != nil {
		fin.Close()
		return nil, err
	} else if n != fi.Size() {
		fin.Close()
		return nil, ErrFailedFileRead
	}
	if err = fin.Close(); err != nil {
		return nil, err
	}
	return LoadConfigBytes(bb.Bytes())
}

// LoadConfigBytes parses b, applies environment overrides and
// validates.
func LoadConfigBytes(b []byte) (*CacheConfig, error) {
	if int64(len(b)) > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	var cf cfgFile
	if err := gcfg.ReadStringInto(&cf, string(b)); err != nil {
		return nil, err
	}
	cc := cf.Cache
	cc.loadEnv()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	return &cc, nil
}

func (cc *CacheConfig) loadEnv() {
	if v, ok := os.LookupEnv(envBlockSize); ok {
		cc.Block_Size = v
	}
	if v, ok := os.LookupEnv(envMaxBlocks); ok {
		cc.Max_Blocks = v
	}
	if v, ok := os.LookupEnv(envSyncInterval); ok {
		cc.Sync_Interval = v
	}
	if v, ok := os.LookupEnv(envFlushRate); ok {
		if r, err := strconv.Atoi(v); err == nil {
			cc.Flush_Rate = r
		}
	}
	if v, ok := os.LookupEnv(envLogLevel); ok {
		cc.Log_Level = v
	}
}

// Validate checks every knob and fills in defaults for the ones left
// empty.
func (cc *CacheConfig) Validate() error {
	if cc.Block_Size == `` {
		cc.Block_Size = strconv.Itoa(defaultBlockSize)
	}
	bs, err := parseSize(cc.Block_Size)
	if err != nil || bs <= 0 || bs&(bs-1) != 0 {
		return ErrInvalidBlockSize
	}

	if cc.Max_Blocks == `` {
		cc.Max_Blocks = strconv.Itoa(defaultMaxBlocks)
	}
	if mx, err := strconv.Atoi(cc.Max_Blocks); err != nil || mx < 1 {
		return ErrInvalidMaxBlocks
	}

	if cc.Sync_Interval != `` {
		if _, err := time.ParseDuration(cc.Sync_Interval); err != nil {
			return ErrInvalidInterval
		}
	}
	if cc.Flush_Rate < 0 {
		return ErrInvalidFlushRate
	}

	if cc.Log_Level == `` {
		cc.Log_Level = defaultLogLevel
	}
	if _, err := log.LevelFromString(cc.Log_Level); err != nil {
		return err
	}
	return nil
}

// BlockSize returns the configured block size in bytes.
func (cc *CacheConfig) BlockSize() int {
	bs, _ := parseSize(cc.Block_Size)
	return bs
}

// MaxBlocks returns the configured cache capacity in blocks.
func (cc *CacheConfig) MaxBlocks() int {
	mx, _ := strconv.Atoi(cc.Max_Blocks)
	return mx
}

// SyncInterval returns the auto-flush period.
func (cc *CacheConfig) SyncInterval() time.Duration {
	if cc.Sync_Interval == `` {
		return defaultInterval
	}
	d, err := time.ParseDuration(cc.Sync_Interval)
	if err != nil {
		return defaultInterval
	}
	return d
}

// FlushRate returns the background writeback pacing in flushes per
// second; zero means unpaced.
func (cc *CacheConfig) FlushRate() int {
	return cc.Flush_Rate
}

// LogLevel returns the resolved log level.
func (cc *CacheConfig) LogLevel() log.Level {
	lvl, err := log.LevelFromString(cc.Log_Level)
	if err != nil {
		return log.INFO
	}
	return lvl
}

// parseSize accepts either a bare byte count or a human size (512B,
// 4KB).
func parseSize(v string) (int, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return n, nil
	}
	bs, err := bytesize.Parse(v)
	if err != nil {
		return 0, err
	}
	return int(bs), nil
}
