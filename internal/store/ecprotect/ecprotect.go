// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package ecprotect compensates for the eventual consistency of the
// object backend. Writes to the same block are serialized with only the
// newest queued payload ever reaching the wire, and the written bytes are
// remembered for a configurable window so that a read shortly after a
// write is served locally instead of risking a stale GET. The layer sits
// between the zero cache and the backend I/O.
package ecprotect

import (
	"fmt"
	"sync"
	"time"

	"github.com/asch/bds3/internal/store"
)

type entryState int

const (
	// Tracks recent read activity only, no authoritative content.
	stateClean entryState = iota

	// A write for the block is on the wire.
	stateWriting

	// The block was written by this instance and the entry holds the
	// authoritative content until it expires.
	stateWritten
)

// payload is one queued write. Zero writes carry no data.
type payload struct {
	data []byte
	zero bool
}

type entry struct {
	state entryState
	stamp time.Time

	// Authoritative content once written. A deleted block remembers its
	// absence the same way a written block remembers its bytes.
	data    []byte
	deleted bool
	md5sum  []byte

	// In-flight and newest queued payloads during write serialization.
	inflight *payload
	queued   *payload
}

// Options for the protection layer.
type Options struct {
	BlockSize int

	// MinWriteDelay is the window after a write during which reads of
	// the block are served from the remembered copy.
	MinWriteDelay time.Duration

	// CacheSize bounds the number of tracked blocks. Operations on new
	// blocks wait when it is reached until expiration makes room.
	CacheSize int

	// CacheTime is how long an entry is remembered. Raised to
	// MinWriteDelay when shorter.
	CacheTime time.Duration

	// Clock for the window and expiry decisions.
	Now func() time.Time
}

// Protect is the eventual consistency protection layer.
type Protect struct {
	mu   sync.Mutex
	cond *sync.Cond

	opts  Options
	lower store.Store

	entries map[int64]*entry

	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates the layer on top of lower and starts the expiry sweeper.
func New(lower store.Store, opts Options) (*Protect, error) {
	if opts.BlockSize <= 0 {
		return nil, fmt.Errorf("ecprotect: %w: block size %d", store.ErrConfig, opts.BlockSize)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.CacheTime < opts.MinWriteDelay {
		opts.CacheTime = opts.MinWriteDelay
	}
	if opts.CacheTime <= 0 {
		opts.CacheTime = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Protect{
		opts:    opts,
		lower:   lower,
		entries: make(map[int64]*entry),
		stop:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(1)
	go p.sweeper()

	return p, nil
}

// ReadBlock serves the block from the remembered copy when the block was
// written within the retention window, otherwise it delegates downstream.
func (p *Protect) ReadBlock(idx int64, buf []byte, expectMD5 []byte) error {
	p.mu.Lock()

	e, err := p.entryFor(idx)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	// The newest acknowledged content wins: a queued payload supersedes
	// the in-flight one, which supersedes the last completed write.
	if pl := e.queued; pl != nil {
		defer p.mu.Unlock()
		return servePayload(pl, buf)
	}
	if pl := e.inflight; pl != nil {
		defer p.mu.Unlock()
		return servePayload(pl, buf)
	}
	if e.state == stateWritten {
		defer p.mu.Unlock()
		if e.deleted {
			return fmt.Errorf("block %d: %w", idx, store.ErrNotFound)
		}
		if expectMD5 != nil && e.md5sum != nil && string(expectMD5) == string(e.md5sum) {
			return store.ErrNotModified
		}
		copy(buf, e.data)
		return nil
	}

	e.stamp = p.opts.Now()
	p.mu.Unlock()

	return p.lower.ReadBlock(idx, buf, expectMD5)
}

func servePayload(pl *payload, buf []byte) error {
	if pl.zero {
		return store.ErrNotFound
	}
	copy(buf, pl.data)
	return nil
}

// WriteBlock serializes writes per block. While a write is on the wire,
// later writers park their payload; every parked payload but the newest
// is discarded, and the surviving writer performs the downstream write
// once the wire is free.
func (p *Protect) WriteBlock(idx int64, buf []byte) ([]byte, error) {
	zero := store.IsZero(buf)
	var data []byte
	if !zero {
		data = append([]byte(nil), buf...)
	}
	mine := &payload{data: data, zero: zero}

	p.mu.Lock()

	e, err := p.entryFor(idx)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}

	if e.state == stateWriting {
		e.queued = mine
		for e.state == stateWriting {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return nil, store.ErrClosed
		}
		if e.queued != mine {
			// A newer write superseded this payload, the block will
			// end up with the newer content which is exactly the
			// ordering the caller was promised.
			p.mu.Unlock()
			return nil, nil
		}
		e.queued = nil
	}

	e.state = stateWriting
	e.inflight = mine
	p.mu.Unlock()

	var md5sum []byte
	var werr error
	if zero {
		md5sum, werr = p.lower.WriteBlock(idx, nil)
	} else {
		md5sum, werr = p.lower.WriteBlock(idx, data)
	}

	p.mu.Lock()
	e.inflight = nil
	if werr != nil {
		// The write never took effect, drop back to activity
		// tracking so reads consult downstream again.
		e.state = stateClean
	} else {
		e.state = stateWritten
		e.data = data
		e.deleted = zero
		e.md5sum = md5sum
	}
	e.stamp = p.opts.Now()
	p.cond.Broadcast()
	p.mu.Unlock()

	return md5sum, werr
}

// entryFor returns the tracking entry for idx, creating it when the table
// has room. Callers hold the lock; the call may wait for expiration when
// the table is full.
func (p *Protect) entryFor(idx int64) (*entry, error) {
	for {
		if p.closed {
			return nil, store.ErrClosed
		}
		if e := p.entries[idx]; e != nil {
			return e, nil
		}
		if len(p.entries) < p.opts.CacheSize {
			e := &entry{state: stateClean, stamp: p.opts.Now()}
			p.entries[idx] = e
			return e, nil
		}
		p.cond.Wait()
	}
}

// sweeper expires idle entries so the table keeps its bound and stale
// remembered copies do not outlive the consistency horizon.
func (p *Protect) sweeper() {
	defer p.wg.Done()

	interval := p.opts.CacheTime / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		now := p.opts.Now()
		expired := false
		for idx, e := range p.entries {
			if e.state == stateWriting || e.queued != nil {
				continue
			}
			if now.Sub(e.stamp) >= p.opts.CacheTime {
				delete(p.entries, idx)
				expired = true
			}
		}
		if expired {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *Protect) ListBlocks(fn func(idx int64)) error {
	written, deleted := p.snapshotWritten()

	for idx := range written {
		fn(idx)
	}

	return p.lower.ListBlocks(func(idx int64) {
		if !written[idx] && !deleted[idx] {
			fn(idx)
		}
	})
}

func (p *Protect) SurveyNonZero(fn func(idx int64)) error {
	written, deleted := p.snapshotWritten()

	for idx := range written {
		fn(idx)
	}

	return p.lower.SurveyNonZero(func(idx int64) {
		if !written[idx] && !deleted[idx] {
			fn(idx)
		}
	})
}

// snapshotWritten splits the remembered blocks into present and deleted
// sets, so listings reflect writes still inside the retention window even
// if the backend listing is stale.
func (p *Protect) snapshotWritten() (written, deleted map[int64]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	written = make(map[int64]bool)
	deleted = make(map[int64]bool)

	for idx, e := range p.entries {
		newest := e.queued
		if newest == nil {
			newest = e.inflight
		}
		if newest != nil {
			if newest.zero {
				deleted[idx] = true
			} else {
				written[idx] = true
			}
			continue
		}
		if e.state == stateWritten {
			if e.deleted {
				deleted[idx] = true
			} else {
				written[idx] = true
			}
		}
	}

	return written, deleted
}

// Flush waits for in-flight and queued writes to land, then fences the
// layer below.
func (p *Protect) Flush() error {
	p.mu.Lock()
	for p.busy() && !p.closed {
		p.cond.Wait()
	}
	p.mu.Unlock()

	return p.lower.Flush()
}

func (p *Protect) busy() bool {
	for _, e := range p.entries {
		if e.state == stateWriting || e.queued != nil {
			return true
		}
	}
	return false
}

// Shutdown waits for in-flight writes, stops the sweeper and shuts the
// layer below down.
func (p *Protect) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	for p.busy() {
		p.cond.Wait()
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	return p.lower.Shutdown()
}

// Destroy drops the tracked state and cascades.
func (p *Protect) Destroy() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.entries = make(map[int64]*entry)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	return p.lower.Destroy()
}

var _ store.Store = (*Protect)(nil)
