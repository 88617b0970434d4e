// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package bds3

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/bds3/internal/store"
	"github.com/asch/bds3/internal/store/cache"
	"github.com/asch/bds3/internal/store/ecprotect"
	"github.com/asch/bds3/internal/store/memory"
	"github.com/asch/bds3/internal/store/zerocache"
)

const (
	testBlockSize = 4096
	testNumBlocks = 1024
)

// newTestDevice assembles the full stack over an in-memory backend, the
// same composition NewWithDefaults builds over s3.
func newTestDevice(t *testing.T, mem *memory.Store) *bds3 {
	t.Helper()

	ec, err := ecprotect.New(mem, ecprotect.Options{
		BlockSize:     testBlockSize,
		MinWriteDelay: 200 * time.Millisecond,
		CacheSize:     100,
	})
	require.NoError(t, err)

	zc, err := zerocache.New(ec, zerocache.Options{
		BlockSize: testBlockSize,
		NumBlocks: testNumBlocks,
	})
	require.NoError(t, err)

	c, err := cache.New(zc, cache.Options{
		BlockSize:  testBlockSize,
		NumBlocks:  testNumBlocks,
		CacheSize:  16,
		Workers:    1,
		WriteDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	dev := New(c, Options{BlockSize: testBlockSize, NumBlocks: testNumBlocks})
	t.Cleanup(func() { dev.Shutdown() })

	return dev
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)

	return buf
}

func TestAlignedRoundTrip(t *testing.T) {
	mem := memory.New(testBlockSize)
	dev := newTestDevice(t, mem)

	payload := randomBytes(t, testBlockSize)
	n, err := dev.WriteAt(payload, 5*testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, testBlockSize, n)

	got := make([]byte, testBlockSize)
	n, err = dev.ReadAt(got, 5*testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, testBlockSize, n)
	assert.Equal(t, payload, got)

	// The read was served from the stack, not the backend.
	assert.Zero(t, mem.Gets())
}

func TestUnalignedWriteReadModifyWrite(t *testing.T) {
	mem := memory.New(testBlockSize)
	dev := newTestDevice(t, mem)

	base := randomBytes(t, testBlockSize)
	_, err := dev.WriteAt(base, 2*testBlockSize)
	require.NoError(t, err)

	patch := randomBytes(t, 100)
	_, err = dev.WriteAt(patch, 2*testBlockSize+1000)
	require.NoError(t, err)

	want := append([]byte(nil), base...)
	copy(want[1000:], patch)

	got := make([]byte, testBlockSize)
	_, err = dev.ReadAt(got, 2*testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRangeSpanningBlocks(t *testing.T) {
	mem := memory.New(testBlockSize)
	dev := newTestDevice(t, mem)

	payload := randomBytes(t, 3*testBlockSize+testBlockSize/2)
	off := int64(7*testBlockSize + 512)

	_, err := dev.WriteAt(payload, off)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = dev.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestZeroWriteRemovesObject(t *testing.T) {
	mem := memory.New(testBlockSize)
	dev := newTestDevice(t, mem)

	payload := randomBytes(t, testBlockSize)
	_, err := dev.WriteAt(payload, 5*testBlockSize)
	require.NoError(t, err)
	require.NoError(t, dev.Flush())
	require.Equal(t, 1, mem.Len())

	zero := make([]byte, testBlockSize)
	_, err = dev.WriteAt(zero, 5*testBlockSize)
	require.NoError(t, err)

	got := make([]byte, testBlockSize)
	_, err = dev.ReadAt(got, 5*testBlockSize)
	require.NoError(t, err)
	assert.True(t, store.IsZero(got))

	require.NoError(t, dev.Flush())
	assert.Zero(t, mem.Len(), "the object must be absent after the zero write is flushed")
}

func TestTrimZeroesRange(t *testing.T) {
	mem := memory.New(testBlockSize)
	dev := newTestDevice(t, mem)

	payload := randomBytes(t, 2*testBlockSize)
	_, err := dev.WriteAt(payload, 0)
	require.NoError(t, err)

	require.NoError(t, dev.Trim(0, testBlockSize+100))

	got := make([]byte, 2*testBlockSize)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	assert.True(t, store.IsZero(got[:testBlockSize+100]))
	assert.Equal(t, payload[testBlockSize+100:], got[testBlockSize+100:])
}

func TestOutOfRangeRejected(t *testing.T) {
	mem := memory.New(testBlockSize)
	dev := newTestDevice(t, mem)

	buf := make([]byte, testBlockSize)

	_, err := dev.ReadAt(buf, dev.Size())
	require.ErrorIs(t, err, store.ErrIO)

	_, err = dev.WriteAt(buf, dev.Size()-1)
	require.ErrorIs(t, err, store.ErrIO)

	_, err = dev.ReadAt(buf, -1)
	require.ErrorIs(t, err, store.ErrIO)
}

func TestReadOnlyDeviceRejectsMutations(t *testing.T) {
	mem := memory.New(testBlockSize)
	payload := randomBytes(t, testBlockSize)
	mem.Poke(1, payload)

	zc, err := zerocache.New(mem, zerocache.Options{
		BlockSize: testBlockSize,
		NumBlocks: testNumBlocks,
	})
	require.NoError(t, err)

	dev := New(zc, Options{
		BlockSize: testBlockSize,
		NumBlocks: testNumBlocks,
		ReadOnly:  true,
	})

	buf := make([]byte, testBlockSize)
	_, err = dev.ReadAt(buf, testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)

	puts := mem.Puts()
	_, err = dev.WriteAt(payload, 0)
	require.ErrorIs(t, err, store.ErrReadOnly)
	require.ErrorIs(t, dev.Trim(0, testBlockSize), store.ErrReadOnly)
	assert.Equal(t, puts, mem.Puts(), "a rejected write must not reach the backend")
}

func TestFlushMakesEverythingDurable(t *testing.T) {
	mem := memory.New(testBlockSize)
	dev := newTestDevice(t, mem)

	for i := int64(0); i < 8; i++ {
		_, err := dev.WriteAt(randomBytes(t, testBlockSize), i*testBlockSize)
		require.NoError(t, err)
	}

	require.NoError(t, dev.Flush())
	assert.Equal(t, 8, mem.Len(), "every acknowledged write must be durable after flush")
}

func TestReadBackAfterFlushSurvivesCacheEviction(t *testing.T) {
	mem := memory.New(testBlockSize)
	dev := newTestDevice(t, mem)

	payload := randomBytes(t, testBlockSize)
	_, err := dev.WriteAt(payload, 3*testBlockSize)
	require.NoError(t, err)
	require.NoError(t, dev.Flush())

	// Push the block out of the 16 entry cache with other traffic.
	for i := int64(100); i < 140; i++ {
		_, err := dev.WriteAt(randomBytes(t, testBlockSize), i*testBlockSize)
		require.NoError(t, err)
	}
	require.NoError(t, dev.Flush())

	got := make([]byte, testBlockSize)
	_, err = dev.ReadAt(got, 3*testBlockSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
