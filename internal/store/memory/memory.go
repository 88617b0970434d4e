// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory implements the Store interface with a mutex guarded map.
// It backs the test suites of the upper layers and doubles as a local
// volatile backend. Hooks allow tests to inject failures and observe the
// traffic a layer generates.
package memory

import (
	"crypto/md5"
	"fmt"
	"sync"

	"github.com/asch/bds3/internal/store"
)

// Store keeps every present block in a map keyed by index. Absent entries
// behave like deleted objects. All counters are guarded by the same mutex
// as the data, tests read them with the accessor methods.
type Store struct {
	mu        sync.Mutex
	blockSize int
	blocks    map[int64][]byte

	gets    int
	puts    int
	deletes int
	lists   int
	flushes int

	closed bool

	// BeforeRead and BeforeWrite are called without the lock held just
	// before the operation is applied. A non-nil return is handed to
	// the caller unchanged. Tests use them to inject transient faults
	// or to block an operation until released.
	BeforeRead  func(idx int64) error
	BeforeWrite func(idx int64) error
}

func New(blockSize int) *Store {
	return &Store{
		blockSize: blockSize,
		blocks:    make(map[int64][]byte),
	}
}

func (s *Store) ReadBlock(idx int64, buf []byte, expectMD5 []byte) error {
	if hook := s.BeforeRead; hook != nil {
		if err := hook(idx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}

	s.gets++

	data, ok := s.blocks[idx]
	if !ok {
		return fmt.Errorf("block %d: %w", idx, store.ErrNotFound)
	}

	if expectMD5 != nil {
		sum := md5.Sum(data)
		if string(sum[:]) == string(expectMD5) {
			return store.ErrNotModified
		}
	}

	copy(buf, data)

	return nil
}

func (s *Store) WriteBlock(idx int64, buf []byte) ([]byte, error) {
	if hook := s.BeforeWrite; hook != nil {
		if err := hook(idx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	if store.IsZero(buf) {
		s.deletes++
		delete(s.blocks, idx)
		return nil, nil
	}

	s.puts++
	data := append([]byte(nil), buf...)
	s.blocks[idx] = data

	sum := md5.Sum(data)

	return sum[:], nil
}

func (s *Store) ListBlocks(fn func(idx int64)) error {
	s.mu.Lock()
	s.lists++
	idxs := make([]int64, 0, len(s.blocks))
	for idx := range s.blocks {
		idxs = append(idxs, idx)
	}
	s.mu.Unlock()

	for _, idx := range idxs {
		fn(idx)
	}

	return nil
}

func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushes++

	return nil
}

func (s *Store) SurveyNonZero(fn func(idx int64)) error {
	return s.ListBlocks(fn)
}

func (s *Store) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

func (s *Store) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks = make(map[int64][]byte)
	s.closed = true

	return nil
}

// Gets returns the number of read operations that reached the store.
func (s *Store) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// Puts returns the number of non-zero writes that reached the store.
func (s *Store) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Deletes returns the number of zero writes that reached the store.
func (s *Store) Deletes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}

// Len returns the number of present blocks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// Peek returns a copy of the stored block, or nil when absent.
func (s *Store) Peek(idx int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blocks[idx]
	if !ok {
		return nil
	}

	return append([]byte(nil), data...)
}

// Poke replaces the stored block without counting as a write. Tests use it
// to corrupt backend state behind the stack's back.
func (s *Store) Poke(idx int64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[idx] = append([]byte(nil), data...)
}

var _ store.Store = (*Store)(nil)
