// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bds3

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/asch/bds3/internal/config"
	"github.com/asch/bds3/internal/metrics"
	"github.com/asch/bds3/internal/store"
	"github.com/asch/bds3/internal/store/cache"
	"github.com/asch/bds3/internal/store/ecprotect"
	"github.com/asch/bds3/internal/store/s3io"
	"github.com/asch/bds3/internal/store/zerocache"
)

// Number of block operations one byte-range request fans out at a time.
const requestFanout = 16

// bds3 is the device surface over the top of the store stack. A device
// bridge maps its reads and writes of byte ranges onto ReadAt, WriteAt
// and Trim. The struct owns the whole stack, Shutdown and Destroy cascade
// through it.
type bds3 struct {
	top       store.Store
	blockSize int
	numBlocks int64
	readOnly  bool
}

// Options for creating the device surface on an already assembled stack.
type Options struct {
	BlockSize int
	NumBlocks int64

	// ReadOnly rejects every mutation at the device surface already,
	// so not even the write-back cache accepts data that could never
	// be propagated.
	ReadOnly bool
}

// NewWithDefaults assembles the store stack according to the global
// configuration, i.e. with s3 as the backend and all enabled layers on
// top, and returns the device surface over it.
func NewWithDefaults() (*bds3, error) {
	cfg := &config.Cfg

	var reg prometheus.Registerer
	if cfg.Metrics {
		reg = prometheus.DefaultRegisterer
	}

	backend, err := s3io.New(s3io.Options{
		Bucket:            cfg.S3.Bucket,
		Prefix:            cfg.S3.Prefix,
		Region:            cfg.S3.Region,
		Remote:            cfg.S3.Remote,
		AccessKey:         cfg.S3.AccessKey,
		SecretKey:         cfg.S3.SecretKey,
		SessionToken:      cfg.S3.SessionToken,
		BlockSize:         cfg.BlockSize,
		NumBlocks:         config.NumBlocks(),
		ReadOnly:          cfg.ReadOnly,
		Timeout:           config.Timeout(),
		InitialRetryPause: time.Duration(cfg.S3.InitialRetryPause) * time.Millisecond,
		MaxRetryPause:     time.Duration(cfg.S3.MaxRetryPause) * time.Millisecond,
		CompressLevel:     cfg.Compress,
		Password:          cfg.Encrypt.Password,
		KeyLength:         cfg.Encrypt.KeyLength,
		Metrics:           metrics.NewS3(reg),
	})
	if err != nil {
		return nil, err
	}

	// The persisted store parameters may have overridden the
	// configured geometry, all layers above use the effective one.
	blockSize := backend.BlockSize()
	numBlocks := backend.NumBlocks()

	top := store.Store(backend)

	if delay := cfg.Protect.MinWriteDelayMs; delay > 0 {
		top, err = ecprotect.New(top, ecprotect.Options{
			BlockSize:     blockSize,
			MinWriteDelay: time.Duration(delay) * time.Millisecond,
			CacheSize:     cfg.Protect.MD5CacheSize,
			CacheTime:     time.Duration(cfg.Protect.MD5CacheTimeMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
	}

	if !cfg.ZeroCache.Disable {
		top, err = zerocache.New(top, zerocache.Options{
			BlockSize: blockSize,
			NumBlocks: numBlocks,
			MaxBlocks: cfg.ZeroCache.MaxBlocks,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Cache.Size > 0 {
		var journal cache.DirtyJournal
		if cfg.Cache.RecoverDirty && !cfg.ReadOnly {
			journal = backend.DirtyJournal()
		}

		top, err = cache.New(top, cache.Options{
			BlockSize:        blockSize,
			NumBlocks:        numBlocks,
			CacheSize:        cfg.Cache.Size,
			Workers:          cfg.Cache.Threads,
			WriteDelay:       time.Duration(cfg.Cache.WriteDelayMs) * time.Millisecond,
			MaxDirty:         cfg.Cache.MaxDirty,
			ReadAhead:        cfg.Cache.ReadAhead,
			ReadAheadTrigger: cfg.Cache.ReadAheadTrigger,
			Synchronous:      cfg.Cache.Synchronous,
			NoVerify:         cfg.Cache.NoVerify,
			RecoverDirty:     cfg.Cache.RecoverDirty,
			Journal:          journal,
			Metrics:          metrics.NewCache(reg),
		})
		if err != nil {
			return nil, err
		}
	}

	log.Info().
		Int("block_size", blockSize).
		Int64("num_blocks", numBlocks).
		Bool("cache", cfg.Cache.Size > 0).
		Bool("zero_cache", !cfg.ZeroCache.Disable).
		Bool("ec_protect", cfg.Protect.MinWriteDelayMs > 0).
		Msg("Store stack assembled.")

	return New(top, Options{
		BlockSize: blockSize,
		NumBlocks: numBlocks,
		ReadOnly:  cfg.ReadOnly,
	}), nil
}

// New returns the device surface over an already assembled stack.
func New(top store.Store, o Options) *bds3 {
	return &bds3{
		top:       top,
		blockSize: o.BlockSize,
		numBlocks: o.NumBlocks,
		readOnly:  o.ReadOnly,
	}
}

// Size returns the addressable size of the device in bytes.
func (b *bds3) Size() int64 {
	return b.numBlocks * int64(b.blockSize)
}

// Store exposes the top of the stack, mainly for administrative commands
// and tests.
func (b *bds3) Store() store.Store {
	return b.top
}

func (b *bds3) checkRange(off, length int64) error {
	if off < 0 || length < 0 || off+length > b.Size() {
		return fmt.Errorf("%w: range [%d, %d) outside device of %d bytes",
			store.ErrIO, off, off+length, b.Size())
	}
	return nil
}

// ReadAt fills p from the device starting at byte offset off. Blocks are
// fetched concurrently, edge blocks overlapping the range partially are
// read whole and sliced.
func (b *bds3) ReadAt(p []byte, off int64) (int, error) {
	if err := b.checkRange(off, int64(len(p))); err != nil {
		return 0, err
	}

	err := b.forEachBlock(p, off, func(idx int64, seg []byte, inner int) error {
		if len(seg) == b.blockSize && inner == 0 {
			return b.top.ReadBlock(idx, seg, nil)
		}

		tmp := make([]byte, b.blockSize)
		if err := b.top.ReadBlock(idx, tmp, nil); err != nil {
			return err
		}
		copy(seg, tmp[inner:])

		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// WriteAt stores p to the device starting at byte offset off. Aligned
// whole blocks are written directly, with all-zero payloads passed as nil
// so the layers below can elide them. Partially covered edge blocks are
// read, patched and written back.
func (b *bds3) WriteAt(p []byte, off int64) (int, error) {
	if b.readOnly {
		return 0, store.ErrReadOnly
	}
	if err := b.checkRange(off, int64(len(p))); err != nil {
		return 0, err
	}

	err := b.forEachBlock(p, off, func(idx int64, seg []byte, inner int) error {
		if len(seg) == b.blockSize && inner == 0 {
			if store.IsZero(seg) {
				_, err := b.top.WriteBlock(idx, nil)
				return err
			}
			_, err := b.top.WriteBlock(idx, seg)
			return err
		}

		tmp := make([]byte, b.blockSize)
		if err := b.top.ReadBlock(idx, tmp, nil); err != nil {
			return err
		}
		copy(tmp[inner:], seg)

		if store.IsZero(tmp) {
			_, err := b.top.WriteBlock(idx, nil)
			return err
		}
		_, err := b.top.WriteBlock(idx, tmp)
		return err
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Trim zeroes the given byte range. Whole blocks become zero writes, so
// their objects disappear from the bucket, partially covered edge blocks
// are patched with zeroes.
func (b *bds3) Trim(off, length int64) error {
	if b.readOnly {
		return store.ErrReadOnly
	}
	if err := b.checkRange(off, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	zero := make([]byte, length)

	_, err := b.WriteAt(zero, off)

	return err
}

// Flush propagates everything acknowledged so far down to the backend.
func (b *bds3) Flush() error {
	return b.top.Flush()
}

// Shutdown quiesces the stack, flushing all deferred writes.
func (b *bds3) Shutdown() error {
	return b.top.Shutdown()
}

// Destroy erases the backing bucket content of the device.
func (b *bds3) Destroy() error {
	return b.top.Destroy()
}

// forEachBlock splits the byte range into per-block segments and runs fn
// on them concurrently, bounded by requestFanout. seg is the slice of p
// covering the block, inner the offset of seg inside the block. Failures
// of independent segments are collected, the range counts as failed when
// any segment failed.
func (b *bds3) forEachBlock(p []byte, off int64, fn func(idx int64, seg []byte, inner int) error) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
		sem    = make(chan struct{}, requestFanout)
	)

	bs := int64(b.blockSize)

	for len(p) > 0 {
		idx := off / bs
		inner := int(off % bs)

		n := b.blockSize - inner
		if n > len(p) {
			n = len(p)
		}
		seg := p[:n]

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int64, seg []byte, inner int) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := fn(idx, seg, inner); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(idx, seg, inner)

		p = p[n:]
		off += int64(n)
	}

	wg.Wait()

	return result.ErrorOrNil()
}
