// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package zerocache elides backend traffic for all-zero blocks. A dense
// bitmap remembers which blocks are known to hold only zeroes, reads of
// such blocks are answered locally and writes of all-zero payloads become
// deletes of the backing object. The bitmap is populated once at start
// from the listing of the layer below.
package zerocache

import (
	"crypto/md5"
	"errors"
	"fmt"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/rs/zerolog/log"

	"github.com/asch/bds3/internal/store"
)

// Options for the zero cache layer.
type Options struct {
	BlockSize int
	NumBlocks int64

	// MaxBlocks bounds the bitmap size. A store with more blocks than
	// this gets a pass-through layer instead, since the initial bucket
	// scan and the bitmap itself would be too expensive. Zero means no
	// bound.
	MaxBlocks int64
}

// ZeroCache tracks the known-zero blocks of the store. A set bit is a
// guarantee that the layers below agree no object for the block exists.
// Bits are only flipped after the downstream operation acknowledged, and
// since the layer below serializes writes per block, acknowledgments for
// one block arrive in order.
type ZeroCache struct {
	mu    sync.Mutex
	opts  Options
	lower store.Store

	// Nil in pass-through mode.
	bits bitmap.Bitmap

	// Bumped on every completed write. A read that found the object
	// absent may only set the zero bit when no write completed while
	// the read was on the wire.
	gen uint64

	zeroMD5 []byte

	closed bool
}

// New creates the layer and populates the bitmap by enumerating the
// blocks present below. Blocks not listed are known zero.
func New(lower store.Store, opts Options) (*ZeroCache, error) {
	if opts.BlockSize <= 0 || opts.NumBlocks <= 0 {
		return nil, fmt.Errorf("zerocache: %w: geometry %dx%d",
			store.ErrConfig, opts.NumBlocks, opts.BlockSize)
	}

	sum := md5.Sum(make([]byte, opts.BlockSize))

	z := &ZeroCache{
		opts:    opts,
		lower:   lower,
		zeroMD5: sum[:],
	}

	if opts.MaxBlocks > 0 && opts.NumBlocks > opts.MaxBlocks {
		log.Info().Int64("blocks", opts.NumBlocks).Int64("max", opts.MaxBlocks).
			Msg("Zero cache disabled, block count exceeds the bound.")
		return z, nil
	}

	z.bits = bitmap.NewSlice(int(opts.NumBlocks))
	for i := int64(0); i < opts.NumBlocks; i++ {
		z.bits.Set(int(i), true)
	}

	present := 0
	err := lower.ListBlocks(func(idx int64) {
		if idx >= 0 && idx < opts.NumBlocks {
			z.bits.Set(int(idx), false)
			present++
		}
	})
	if err != nil {
		return nil, fmt.Errorf("zerocache: populating bitmap: %w", err)
	}

	log.Info().Int("present", present).Int64("blocks", opts.NumBlocks).
		Msg("Zero cache populated.")

	return z, nil
}

// ReadBlock answers known-zero blocks locally. Absent objects reported by
// the layer below are remembered as zero and read as zeroes, so NOT_FOUND
// never travels above this layer.
func (z *ZeroCache) ReadBlock(idx int64, buf []byte, expectMD5 []byte) error {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return store.ErrClosed
	}

	if z.bits != nil && z.bits.Get(int(idx)) {
		z.mu.Unlock()
		if expectMD5 != nil && string(expectMD5) == string(z.zeroMD5) {
			return store.ErrNotModified
		}
		store.ZeroFill(buf)
		return nil
	}

	gen := z.gen
	z.mu.Unlock()

	err := z.lower.ReadBlock(idx, buf, expectMD5)
	if err == nil || !isNotFound(err) {
		return err
	}

	// The object is absent, which above this layer means all zeroes.
	// The bit is only recorded when no write raced the read.
	z.mu.Lock()
	if z.bits != nil && z.gen == gen {
		z.bits.Set(int(idx), true)
	}
	z.mu.Unlock()

	store.ZeroFill(buf)

	return nil
}

// WriteBlock converts all-zero payloads into downstream deletes and keeps
// the bitmap in sync with the acknowledged state.
func (z *ZeroCache) WriteBlock(idx int64, buf []byte) ([]byte, error) {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return nil, store.ErrClosed
	}
	zero := store.IsZero(buf)

	if zero && z.bits != nil && z.bits.Get(int(idx)) {
		// Already known zero, the object cannot exist. Nothing to do.
		z.mu.Unlock()
		return nil, nil
	}
	z.mu.Unlock()

	var md5sum []byte
	var err error
	if zero {
		md5sum, err = z.lower.WriteBlock(idx, nil)
	} else {
		md5sum, err = z.lower.WriteBlock(idx, buf)
	}
	if err != nil {
		return nil, err
	}

	z.mu.Lock()
	z.gen++
	if z.bits != nil {
		z.bits.Set(int(idx), zero)
	}
	z.mu.Unlock()

	return md5sum, nil
}

func (z *ZeroCache) ListBlocks(fn func(idx int64)) error {
	return z.lower.ListBlocks(fn)
}

// SurveyNonZero reports every block whose zero bit is clear. In
// pass-through mode the survey of the layer below is used.
func (z *ZeroCache) SurveyNonZero(fn func(idx int64)) error {
	z.mu.Lock()
	if z.bits == nil {
		z.mu.Unlock()
		return z.lower.SurveyNonZero(fn)
	}

	nonZero := make([]int64, 0, 128)
	for i := int64(0); i < z.opts.NumBlocks; i++ {
		if !z.bits.Get(int(i)) {
			nonZero = append(nonZero, i)
		}
	}
	z.mu.Unlock()

	for _, idx := range nonZero {
		fn(idx)
	}

	return nil
}

func (z *ZeroCache) Flush() error {
	return z.lower.Flush()
}

func (z *ZeroCache) Shutdown() error {
	z.mu.Lock()
	z.closed = true
	z.mu.Unlock()

	return z.lower.Shutdown()
}

// Destroy resets the bitmap to all zero, which is the state of a
// destroyed store, and cascades.
func (z *ZeroCache) Destroy() error {
	z.mu.Lock()
	z.closed = true
	if z.bits != nil {
		for i := int64(0); i < z.opts.NumBlocks; i++ {
			z.bits.Set(int(i), true)
		}
	}
	z.mu.Unlock()

	return z.lower.Destroy()
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, store.ErrNotFound)
}

var _ store.Store = (*ZeroCache)(nil)
