// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cache

import (
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/asch/bds3/internal/store"
)

// Pause before a failed write-back is attempted again. Without it a
// persistent backend failure would make flush waiters spin on the same
// entry.
const writeRetryPause = 100 * time.Millisecond

// worker drains the dirty FIFO and serves the read-ahead queue until the
// cache is stopped. Dirty entries take priority, read-ahead is best
// effort.
func (c *Cache) worker() {
	defer c.wg.Done()

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.stopped {
			return
		}

		if e := c.nextEligibleDirty(); e != nil {
			erased, _ := c.writeBack(e)
			if erased {
				idx := e.idx
				c.mu.Unlock()
				c.journalErase(idx)
				c.mu.Lock()
			}
			continue
		}

		if len(c.raQueue) > 0 {
			c.serveReadAhead()
			continue
		}

		c.cond.Wait()
	}
}

// nextEligibleDirty returns the oldest dirty entry which is old enough for
// write-back, or nil. Flush waiters override the coalescing delay but not
// the retry pause. Called with the lock held.
func (c *Cache) nextEligibleDirty() *entry {
	front := c.dirtyFIFO.Front()
	if front == nil {
		return nil
	}

	e := front.Value.(*entry)
	age := c.opts.Now().Sub(e.stamp)

	if e.retries > 0 && age < writeRetryPause {
		return nil
	}
	if c.flushForce > 0 || age >= c.opts.WriteDelay {
		return e
	}

	return nil
}

// writeBack propagates one dirty entry downstream. Called with the lock
// held, which is released around the downstream call while the entry is
// pinned in WRITING state. Reports whether the journal record for the
// entry can be erased.
func (c *Cache) writeBack(e *entry) (bool, error) {
	c.removeDirty(e)
	e.state = stateWriting

	snapshot := append([]byte(nil), e.data...)
	c.mu.Unlock()

	var md5sum []byte
	var err error
	if store.IsZero(snapshot) {
		md5sum, err = c.lower.WriteBlock(e.idx, nil)
	} else {
		md5sum, err = c.lower.WriteBlock(e.idx, snapshot)
	}

	c.mu.Lock()
	defer c.cond.Broadcast()

	if e.state == stateWriting2 {
		// The propagated data was superseded mid-flight. Whatever the
		// outcome was, the entry has to be written again.
		e.state = stateDirty
		e.stamp = c.opts.Now()
		e.retries = 0
		c.enqueueDirty(e)
		c.scheduleWake()
		return false, nil
	}

	if err != nil {
		log.Warn().Err(err).Int64("block", e.idx).Msg("Write-back failed, retrying.")
		e.state = stateDirty
		e.stamp = c.opts.Now()
		e.retries++
		c.enqueueDirty(e)
		c.scheduleRetryWake()
		return false, err
	}

	e.state = stateClean
	e.stamp = c.opts.Now()
	e.md5sum = md5sum
	e.retries = 0
	c.pushClean(e)
	c.addDirty(-1)
	c.opts.Metrics.WriteBack()

	return true, nil
}

func (c *Cache) scheduleRetryWake() {
	time.AfterFunc(writeRetryPause+time.Millisecond, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
}

// serveReadAhead pops one queued index and fetches it. Called with the
// lock held. Read-ahead never waits for room and never evicts the chance
// of a real request: if the cache is full of unevictable entries the
// prefetch is simply dropped.
func (c *Cache) serveReadAhead() {
	idx := c.raQueue[0]
	c.raQueue = c.raQueue[1:]
	delete(c.raPending, idx)

	if c.entries[idx] != nil || !c.makeRoom() {
		return
	}

	e := &entry{idx: idx, state: stateReading}
	c.entries[idx] = e
	c.opts.Metrics.ReadAhead()

	c.mu.Unlock()
	if err := c.fetch(e, nil, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Debug().Err(err).Int64("block", idx).Msg("Read-ahead fetch failed.")
	}
	c.mu.Lock()
}

// Flush waits until every block acknowledged before the call is durable at
// the layer below, then fences the layer below as well.
func (c *Cache) Flush() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return store.ErrClosed
	}

	c.flushForce++
	c.cond.Broadcast()
	for c.dirtyCount > 0 && !c.stopped {
		c.cond.Wait()
	}
	c.flushForce--

	c.mu.Unlock()

	return c.lower.Flush()
}

// ListBlocks reports blocks with unpropagated non-zero data first and
// merges in the listing of the layer below.
func (c *Cache) ListBlocks(fn func(idx int64)) error {
	pending, err := c.pendingNonZero()
	if err != nil {
		return err
	}

	for idx := range pending {
		fn(idx)
	}

	return c.lower.ListBlocks(func(idx int64) {
		if !pending[idx] {
			fn(idx)
		}
	})
}

// SurveyNonZero reports the union of dirty non-zero entries and the
// survey of the layer below.
func (c *Cache) SurveyNonZero(fn func(idx int64)) error {
	pending, err := c.pendingNonZero()
	if err != nil {
		return err
	}

	for idx := range pending {
		fn(idx)
	}

	return c.lower.SurveyNonZero(func(idx int64) {
		if !pending[idx] {
			fn(idx)
		}
	})
}

func (c *Cache) pendingNonZero() (map[int64]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, store.ErrClosed
	}

	pending := make(map[int64]bool)
	for idx, e := range c.entries {
		switch e.state {
		case stateDirty, stateWriting, stateWriting2, stateReading2:
			if !store.IsZero(e.data) {
				pending[idx] = true
			}
		}
	}

	return pending, nil
}

// Shutdown blocks new submissions, drains the dirty set, stops the
// workers and shuts the layer below down.
func (c *Cache) Shutdown() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.draining = true
	c.flushForce++
	c.cond.Broadcast()
	for c.dirtyCount > 0 {
		c.cond.Wait()
	}
	c.flushForce--

	c.stopped = true
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.wg.Wait()

	var result *multierror.Error
	if err := c.lower.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.lower.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// Destroy drops all cached state without propagating it and cascades to
// the layer below.
func (c *Cache) Destroy() error {
	c.mu.Lock()

	c.draining = true
	c.stopped = true
	c.closed = true
	c.entries = make(map[int64]*entry)
	c.cleanLRU.Init()
	c.dirtyFIFO.Init()
	c.dirtyCount = 0
	c.raQueue = nil

	c.cond.Broadcast()
	c.mu.Unlock()

	c.wg.Wait()

	return c.lower.Destroy()
}

// recoverDirty re-reads every journaled block and queues it dirty again,
// so that blocks acknowledged by a previous instance are guaranteed to be
// propagated even if that instance died before write-back.
func (c *Cache) recoverDirty() error {
	idxs, err := c.opts.Journal.List()
	if err != nil {
		return err
	}

	recovered := 0
	for _, idx := range idxs {
		buf := make([]byte, c.opts.BlockSize)
		err := c.lower.ReadBlock(idx, buf, nil)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// The block was propagated as a delete before the
			// crash, only the record is stale.
			c.journalErase(idx)
			continue
		case err != nil:
			log.Warn().Err(err).Int64("block", idx).Msg("Cannot recover dirty block.")
			continue
		}

		if _, err := c.WriteBlock(idx, buf); err != nil {
			log.Warn().Err(err).Int64("block", idx).Msg("Cannot requeue dirty block.")
			continue
		}
		recovered++
	}

	if recovered > 0 {
		log.Info().Int("blocks", recovered).Msg("Recovered dirty blocks from previous instance.")
	}

	return nil
}
