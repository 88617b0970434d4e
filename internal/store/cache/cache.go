// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cache implements the write-back block cache, the top layer of
// the storage stack. It keeps recently used blocks in memory, acknowledges
// writes before they are propagated and lets a pool of workers drain dirty
// blocks in the background. Concurrent requests for the same block are
// deduplicated: the first caller performs the downstream operation, the
// others wait on the entry's state transition.
package cache

import (
	"bytes"
	"container/list"
	"crypto/md5"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/bds3/internal/metrics"
	"github.com/asch/bds3/internal/store"
)

// Entry states. An entry exists exactly once per block index and is always
// in exactly one of these states. DIRTY, WRITING, WRITING2 and READING2
// hold data which is not yet durable downstream.
type entryState int

const (
	// Data present and identical to the downstream content.
	stateClean entryState = iota

	// Data present, waiting in the FIFO for write-back.
	stateDirty

	// A worker is propagating the data downstream.
	stateWriting

	// Newer data arrived while a write was in flight. The finished
	// write is stale, the entry goes back to DIRTY.
	stateWriting2

	// A fetch from downstream is in flight, callers wait.
	stateReading

	// A write arrived while the fetch was in flight. The fetched bytes
	// are discarded, the entry becomes DIRTY with the written data.
	stateReading2
)

func (s entryState) String() string {
	switch s {
	case stateClean:
		return "CLEAN"
	case stateDirty:
		return "DIRTY"
	case stateWriting:
		return "WRITING"
	case stateWriting2:
		return "WRITING2"
	case stateReading:
		return "READING"
	case stateReading2:
		return "READING2"
	}
	return "INVALID"
}

// How long a clean entry is served without re-validation against the
// backend. Only entries with a known content hash are re-validated, and
// only when verification is not disabled.
const verifyAfter = 10 * time.Second

// DirtyJournal persists the set of dirty block indices so that a future
// instance can re-propagate blocks which were acknowledged but possibly
// not yet durable when this instance died. The exact marker scheme is up
// to the implementation, the cache only requires these three operations.
type DirtyJournal interface {
	// Record remembers idx as dirty. Called before the write is
	// acknowledged to the caller.
	Record(idx int64) error

	// Erase forgets idx after a successful write-back.
	Erase(idx int64) error

	// List returns all remembered indices.
	List() ([]int64, error)
}

type entry struct {
	idx    int64
	state  entryState
	data   []byte
	stamp  time.Time
	md5sum []byte

	// Consecutive failed write-back attempts.
	retries int

	// Position in the clean LRU or the dirty FIFO, nil while the entry
	// is in neither (READING, WRITING states).
	elem *list.Element
}

// Options for the cache layer. CacheSize and BlockSize are mandatory, the
// rest defaults to usable values.
type Options struct {
	BlockSize int
	NumBlocks int64

	// Maximum number of entries. When full, the least recently used
	// clean entry is evicted. Dirty entries are never evicted.
	CacheSize int

	// Number of write-back worker goroutines, which also serve the
	// read-ahead queue.
	Workers int

	// Minimum time a block stays dirty before it is written back, to
	// allow coalescing of repeated writes.
	WriteDelay time.Duration

	// Upper bound on entries holding unpropagated data. Writes block
	// when it is reached.
	MaxDirty int

	// Number of blocks to prefetch after ReadAheadTrigger consecutive
	// sequential reads. Zero disables read-ahead.
	ReadAhead        int
	ReadAheadTrigger int

	// Write-through mode. Writes are acknowledged only after the layer
	// below accepted them.
	Synchronous bool

	// Disables re-validation of aged clean entries.
	NoVerify bool

	// Re-propagate blocks recorded in the journal by a previous
	// instance.
	RecoverDirty bool

	Journal DirtyJournal
	Metrics *metrics.Cache

	// Clock used for aging decisions. Tests inject their own.
	Now func() time.Time
}

// Cache is the write-back caching layer. All state is guarded by one mutex
// and a single condition variable broadcasts every state change. Network
// I/O of the layer below is never performed with the lock held.
type Cache struct {
	mu   sync.Mutex
	cond *sync.Cond

	opts  Options
	lower store.Store

	entries   map[int64]*entry
	cleanLRU  *list.List // Front is the most recently used entry.
	dirtyFIFO *list.List // Front is the oldest dirty entry.

	// Entries in DIRTY, WRITING, WRITING2 or READING2 state, i.e. the
	// entries Flush has to wait for.
	dirtyCount int

	// Pending read-ahead indices and the membership set of the queue.
	raQueue   []int64
	raPending map[int64]bool

	lastRead int64
	seqRun   int

	// While positive, write-back ignores WriteDelay. Incremented by
	// every Flush waiter.
	flushForce int

	draining bool
	closed   bool
	stopped  bool
	wg       sync.WaitGroup
}

// New creates the cache on top of lower and starts its workers. When dirty
// block recovery is enabled, recorded blocks are re-read and re-queued
// before New returns.
func New(lower store.Store, opts Options) (*Cache, error) {
	if opts.BlockSize <= 0 {
		return nil, fmt.Errorf("cache: %w: block size %d", store.ErrConfig, opts.BlockSize)
	}
	if opts.CacheSize <= 0 {
		return nil, fmt.Errorf("cache: %w: cache size %d", store.ErrConfig, opts.CacheSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxDirty <= 0 || opts.MaxDirty > opts.CacheSize {
		opts.MaxDirty = opts.CacheSize
	}
	if opts.ReadAheadTrigger <= 0 {
		opts.ReadAheadTrigger = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		opts:      opts,
		lower:     lower,
		entries:   make(map[int64]*entry),
		cleanLRU:  list.New(),
		dirtyFIFO: list.New(),
		raPending: make(map[int64]bool),
		lastRead:  -2,
	}
	c.cond = sync.NewCond(&c.mu)

	for i := 0; i < opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	if opts.RecoverDirty && opts.Journal != nil {
		if err := c.recoverDirty(); err != nil {
			log.Warn().Err(err).Msg("Dirty block recovery failed.")
		}
	}

	return c, nil
}

// ReadBlock serves the block from memory when present. On a miss the
// calling goroutine inserts a READING entry and performs the fetch itself,
// so there is never more than one downstream operation per block.
func (c *Cache) ReadBlock(idx int64, buf []byte, expectMD5 []byte) error {
	c.mu.Lock()

	for {
		if c.draining {
			c.mu.Unlock()
			return store.ErrClosed
		}

		e := c.entries[idx]
		if e == nil {
			if !c.makeRoom() {
				c.cond.Wait()
				continue
			}

			c.opts.Metrics.Miss()
			c.noteSequential(idx)

			e = &entry{idx: idx, state: stateReading}
			c.entries[idx] = e
			c.mu.Unlock()

			return c.fetch(e, buf, expectMD5)
		}

		switch e.state {
		case stateReading, stateReading2:
			c.cond.Wait()
			continue
		}

		// Data is available. A clean entry which has aged past the
		// verification window is re-validated against the backend
		// with its remembered hash before it is served again.
		if e.state == stateClean && !c.opts.NoVerify && e.md5sum != nil &&
			c.opts.Now().Sub(e.stamp) > verifyAfter {
			c.removeClean(e)
			e.state = stateReading
			c.mu.Unlock()

			return c.fetch(e, buf, nil)
		}

		if expectMD5 != nil && e.state == stateClean && e.md5sum != nil &&
			bytes.Equal(expectMD5, e.md5sum) {
			c.mu.Unlock()
			return store.ErrNotModified
		}

		copy(buf, e.data)
		if e.state == stateClean {
			c.cleanLRU.MoveToFront(e.elem)
		}
		c.noteSequential(idx)
		c.opts.Metrics.Hit()
		c.mu.Unlock()

		return nil
	}
}

// fetch performs the downstream read for an entry the caller owns in
// READING state. buf may be nil for read-ahead fetches. A verification
// fetch passes the remembered hash through e.md5sum.
func (c *Cache) fetch(e *entry, buf []byte, expectMD5 []byte) error {
	verify := expectMD5
	if verify == nil && e.md5sum != nil {
		verify = e.md5sum
	}

	tmp := make([]byte, c.opts.BlockSize)
	err := c.lower.ReadBlock(e.idx, tmp, verify)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.cond.Broadcast()

	if e.state == stateReading2 {
		// A write landed while the fetch was in flight. The fetched
		// bytes are stale, the entry keeps the written data and goes
		// to the dirty FIFO.
		e.state = stateDirty
		e.stamp = c.opts.Now()
		c.enqueueDirty(e)
		c.scheduleWake()
		if buf != nil {
			copy(buf, e.data)
		}
		return nil
	}

	switch {
	case err == nil:
		e.data = tmp
		sum := md5.Sum(tmp)
		e.md5sum = sum[:]

	case errors.Is(err, store.ErrNotFound):
		// Absent objects read as zeroes above the bottom layer.
		e.data = tmp

	case errors.Is(err, store.ErrNotModified) && expectMD5 != nil:
		// Caller supplied the hash, so the condition is the
		// caller's. Nothing to cache.
		delete(c.entries, e.idx)
		return store.ErrNotModified

	case errors.Is(err, store.ErrNotModified):
		// Our own verification hash matched, the remembered data is
		// still valid.

	default:
		// Failed reads are not cached.
		delete(c.entries, e.idx)
		return err
	}

	e.state = stateClean
	e.stamp = c.opts.Now()
	c.pushClean(e)
	if buf != nil {
		copy(buf, e.data)
	}

	return nil
}

// WriteBlock stores the data in the cache and acknowledges immediately,
// unless the cache is synchronous in which case the block is propagated
// before returning. Repeated writes to a dirty block coalesce in place.
func (c *Cache) WriteBlock(idx int64, buf []byte) ([]byte, error) {
	data := make([]byte, c.opts.BlockSize)
	copy(data, buf) // nil buf leaves the canonical zero block

	c.mu.Lock()

	var e *entry
	newlyDirty := false

	for {
		if c.draining {
			c.mu.Unlock()
			return nil, store.ErrClosed
		}

		e = c.entries[idx]
		if e == nil {
			if !c.makeRoom() || c.dirtyCount >= c.opts.MaxDirty {
				c.cond.Wait()
				continue
			}
			e = &entry{idx: idx, state: stateDirty, data: data, stamp: c.opts.Now()}
			c.entries[idx] = e
			c.enqueueDirty(e)
			c.addDirty(1)
			newlyDirty = true
			break
		}

		switch e.state {
		case stateClean:
			if c.dirtyCount >= c.opts.MaxDirty {
				c.cond.Wait()
				continue
			}
			c.removeClean(e)
			e.state = stateDirty
			e.data = data
			e.stamp = c.opts.Now()
			c.enqueueDirty(e)
			c.addDirty(1)
			newlyDirty = true

		case stateDirty, stateWriting2, stateReading2:
			e.data = data

		case stateWriting:
			e.state = stateWriting2
			e.data = data

		case stateReading:
			if c.dirtyCount >= c.opts.MaxDirty {
				c.cond.Wait()
				continue
			}
			e.state = stateReading2
			e.data = data
			c.addDirty(1)
			newlyDirty = true
		}
		break
	}

	c.scheduleWake()
	c.cond.Broadcast()

	if c.opts.Synchronous {
		// Write-through needs no journal, the block is durable below
		// before the caller sees the acknowledgment.
		md5sum, err := c.writeThrough(e)
		c.mu.Unlock()
		return md5sum, err
	}

	c.mu.Unlock()

	if newlyDirty {
		c.journalRecord(idx)
	}

	return nil, nil
}

// writeThrough drains the entry inline. Called with the lock held, in
// synchronous mode only, after the write path marked the entry dirty.
func (c *Cache) writeThrough(e *entry) ([]byte, error) {
	for e.state == stateWriting || e.state == stateWriting2 || e.state == stateReading2 {
		c.cond.Wait()
	}

	if e.state != stateDirty {
		// A worker already propagated it.
		return e.md5sum, nil
	}

	_, err := c.writeBack(e)
	if err != nil && e.state == stateDirty {
		// Write-through failed, the data must not stay queued behind
		// the caller's back.
		c.removeDirty(e)
		delete(c.entries, e.idx)
		c.addDirty(-1)
		c.cond.Broadcast()
		return nil, err
	}

	return e.md5sum, err
}

// noteSequential feeds the read-ahead heuristic. Called with the lock
// held on every read. After ReadAheadTrigger consecutive sequential reads
// the following ReadAhead blocks are queued for the workers.
func (c *Cache) noteSequential(idx int64) {
	if idx == c.lastRead+1 {
		c.seqRun++
	} else {
		c.seqRun = 1
	}
	c.lastRead = idx

	if c.opts.ReadAhead <= 0 || c.seqRun < c.opts.ReadAheadTrigger {
		return
	}

	queued := false
	for i := idx + 1; i <= idx+int64(c.opts.ReadAhead); i++ {
		if c.opts.NumBlocks > 0 && i >= c.opts.NumBlocks {
			break
		}
		if c.entries[i] != nil || c.raPending[i] {
			continue
		}
		c.raPending[i] = true
		c.raQueue = append(c.raQueue, i)
		queued = true
	}

	if queued {
		c.cond.Broadcast()
	}
}

// makeRoom ensures capacity for one more entry, evicting the least
// recently used clean entry if necessary. Returns false when the cache is
// full of unevictable entries and the caller has to wait.
func (c *Cache) makeRoom() bool {
	if len(c.entries) < c.opts.CacheSize {
		return true
	}

	back := c.cleanLRU.Back()
	if back == nil {
		return false
	}

	victim := back.Value.(*entry)
	c.removeClean(victim)
	delete(c.entries, victim.idx)
	c.opts.Metrics.Eviction()
	c.cond.Broadcast()

	return true
}

func (c *Cache) pushClean(e *entry) {
	e.elem = c.cleanLRU.PushFront(e)
}

func (c *Cache) removeClean(e *entry) {
	c.cleanLRU.Remove(e.elem)
	e.elem = nil
}

func (c *Cache) enqueueDirty(e *entry) {
	e.elem = c.dirtyFIFO.PushBack(e)
}

func (c *Cache) removeDirty(e *entry) {
	c.dirtyFIFO.Remove(e.elem)
	e.elem = nil
}

func (c *Cache) addDirty(d int) {
	c.dirtyCount += d
	c.opts.Metrics.DirtyDelta(d)
}

// scheduleWake arranges a broadcast once the youngest dirty entry becomes
// eligible for write-back, since condition variables cannot wait with a
// timeout.
func (c *Cache) scheduleWake() {
	if c.opts.WriteDelay <= 0 {
		return
	}

	time.AfterFunc(c.opts.WriteDelay+time.Millisecond, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
}

func (c *Cache) journalRecord(idx int64) {
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.Record(idx); err != nil {
		log.Warn().Err(err).Int64("block", idx).Msg("Recording dirty block failed.")
	}
}

func (c *Cache) journalErase(idx int64) {
	if c.opts.Journal == nil {
		return
	}
	if err := c.opts.Journal.Erase(idx); err != nil {
		log.Warn().Err(err).Int64("block", idx).Msg("Erasing dirty block record failed.")
	}
}

var _ store.Store = (*Cache)(nil)
