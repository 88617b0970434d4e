// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3io

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/bds3/internal/store"
)

// fakeS3 is a minimal path-style S3 endpoint for exercising the layer end
// to end: objects with user metadata, conditional GET, ListObjectsV2 and
// programmable failures.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string

	puts int
	gets int

	// failPut returns a status code for the next put of a key, zero
	// for success. Used for retry tests.
	failPut func(key string) int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
}

func (f *fakeS3) key(r *http.Request) string {
	// Path style: /bucket/key...
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := f.key(r)

	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && r.URL.Query().Has("list-type"):
		f.list(w, r)

	case r.Method == http.MethodGet:
		f.get(w, r, key)

	case r.Method == http.MethodPut:
		f.put(w, r, key)

	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		delete(f.meta, key)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && r.URL.Query().Has("delete"):
		// Batch delete. Lazy parsing is fine for a test double: every
		// stored key mentioned in the body is removed.
		body, _ := io.ReadAll(r.Body)
		for key := range f.objects {
			if strings.Contains(string(body), "<Key>"+key+"</Key>") {
				delete(f.objects, key)
				delete(f.meta, key)
			}
		}
		fmt.Fprint(w, `<?xml version="1.0"?><DeleteResult></DeleteResult>`)

	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeS3) get(w http.ResponseWriter, r *http.Request, key string) {
	f.gets++

	body, ok := f.objects[key]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code></Error>`)
		return
	}

	sum := md5.Sum(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	for k, v := range f.meta[key] {
		w.Header().Set("x-amz-meta-"+k, v)
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (f *fakeS3) put(w http.ResponseWriter, r *http.Request, key string) {
	if f.failPut != nil {
		if status := f.failPut(key); status != 0 {
			w.WriteHeader(status)
			fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>SlowDown</Code></Error>`)
			return
		}
	}

	f.puts++

	body, _ := io.ReadAll(r.Body)
	f.objects[key] = body

	md := make(map[string]string)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") {
			md[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	f.meta[key] = md

	sum := md5.Sum(body)
	w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	b.WriteString(`<IsTruncated>false</IsTruncated>`)
	for _, key := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", key, len(f.objects[key]))
	}
	b.WriteString(`</ListBucketResult>`)

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, b.String())
}

func (f *fakeS3) poke(key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
}

func (f *fakeS3) peek(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func (f *fakeS3) tamper(key string, pos int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key][pos] ^= 0x01
}

func (f *fakeS3) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func newBackend(t *testing.T, url string, mutate func(*Options)) *S3IO {
	t.Helper()

	opts := Options{
		Bucket:            "test",
		Prefix:            "vol/",
		Region:            "us-east-1",
		Remote:            url,
		AccessKey:         "test-key",
		SecretKey:         "test-secret",
		BlockSize:         4096,
		NumBlocks:         256,
		Timeout:           5 * time.Second,
		InitialRetryPause: 5 * time.Millisecond,
		MaxRetryPause:     time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })

	return s
}

func TestBackendRoundTrip(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := newBackend(t, srv.URL, nil)

	payload := make([]byte, 4096)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	md5sum, err := s.WriteBlock(5, payload)
	require.NoError(t, err)
	require.NotNil(t, md5sum)

	buf := make([]byte, 4096)
	require.NoError(t, s.ReadBlock(5, buf, nil))
	assert.Equal(t, payload, buf)

	// Conditional read with the acknowledged hash.
	require.ErrorIs(t, s.ReadBlock(5, buf, md5sum), store.ErrNotModified)

	// Absent block.
	require.ErrorIs(t, s.ReadBlock(6, buf, nil), store.ErrNotFound)

	// Zero write removes the object.
	_, err = s.WriteBlock(5, nil)
	require.NoError(t, err)
	require.ErrorIs(t, s.ReadBlock(5, buf, nil), store.ErrNotFound)
	assert.Nil(t, fake.peek("vol/05"))
}

func TestBackendRetriesServerFailures(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := newBackend(t, srv.URL, nil)

	attempts := 0
	fake.failPut = func(key string) int {
		if !strings.HasPrefix(key, "vol/0") {
			return 0
		}
		attempts++
		if attempts <= 2 {
			return http.StatusServiceUnavailable
		}
		return 0
	}

	payload := make([]byte, 4096)
	payload[0] = 1
	_, err := s.WriteBlock(7, payload)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "two 503s then success means three attempts")

	buf := make([]byte, 4096)
	require.NoError(t, s.ReadBlock(7, buf, nil))
	assert.Equal(t, payload, buf)
}

func TestBackendDetectsCorruption(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := newBackend(t, srv.URL, nil)

	payload := make([]byte, 4096)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	_, err = s.WriteBlock(9, payload)
	require.NoError(t, err)

	fake.tamper("vol/09", 100)

	buf := make([]byte, 4096)
	require.ErrorIs(t, s.ReadBlock(9, buf, nil), store.ErrIntegrity)
}

func TestBackendListSkipsForeignKeys(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := newBackend(t, srv.URL, nil)

	for _, idx := range []int64{1, 5, 250} {
		payload := make([]byte, 4096)
		payload[0] = byte(idx)
		_, err := s.WriteBlock(idx, payload)
		require.NoError(t, err)
	}

	// Foreign and reserved keys in the same prefix.
	fake.poke("vol/garbage", []byte("x"))
	fake.poke("vol/dirty/05", nil)

	var idxs []int64
	require.NoError(t, s.ListBlocks(func(idx int64) { idxs = append(idxs, idx) }))
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	assert.Equal(t, []int64{1, 5, 250}, idxs)
}

func TestBackendPersistsStoreParameters(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := newBackend(t, srv.URL, func(o *Options) {
		o.CompressLevel = 6
	})
	require.NotNil(t, fake.peek("vol/meta"), "the meta object must be written on first open")
	require.NoError(t, s.Shutdown())

	// A second instance configured with a different geometry adopts the
	// persisted one.
	s2 := newBackend(t, srv.URL, func(o *Options) {
		o.BlockSize = 8192
		o.NumBlocks = 16
	})
	assert.Equal(t, 4096, s2.BlockSize())
	assert.Equal(t, int64(256), s2.NumBlocks())
}

func TestBackendRejectsEncryptedStoreWithoutPassword(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := newBackend(t, srv.URL, func(o *Options) {
		o.Password = "correct horse"
	})
	require.NoError(t, s.Shutdown())

	_, err := New(Options{
		Bucket:            "test",
		Prefix:            "vol/",
		Region:            "us-east-1",
		Remote:            srv.URL,
		AccessKey:         "test-key",
		SecretKey:         "test-secret",
		BlockSize:         4096,
		NumBlocks:         256,
		InitialRetryPause: 5 * time.Millisecond,
		MaxRetryPause:     time.Second,
	})
	require.ErrorIs(t, err, store.ErrConfig)
}

func TestBackendEncryptedBodyIsOpaque(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := newBackend(t, srv.URL, func(o *Options) {
		o.Password = "correct horse"
		o.KeyLength = 32
	})

	payload := make([]byte, 4096)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	_, err = s.WriteBlock(3, payload)
	require.NoError(t, err)

	stored := fake.peek("vol/03")
	require.NotNil(t, stored)
	assert.NotEqual(t, payload, stored[:4096], "the stored body must be ciphertext")

	buf := make([]byte, 4096)
	require.NoError(t, s.ReadBlock(3, buf, nil))
	assert.Equal(t, payload, buf)
}

func TestBackendJournal(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := newBackend(t, srv.URL, nil)
	j := s.DirtyJournal()

	require.NoError(t, j.Record(5))
	require.NoError(t, j.Record(250))

	idxs, err := j.List()
	require.NoError(t, err)
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	assert.Equal(t, []int64{5, 250}, idxs)

	require.NoError(t, j.Erase(5))
	idxs, err = j.List()
	require.NoError(t, err)
	assert.Equal(t, []int64{250}, idxs)

	// Journal markers never show up as blocks.
	require.NoError(t, s.ListBlocks(func(idx int64) {
		t.Errorf("unexpected block %d", idx)
	}))
}

func TestBackendDestroyEmptiesPrefix(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s := newBackend(t, srv.URL, nil)

	payload := make([]byte, 4096)
	payload[0] = 1
	_, err := s.WriteBlock(1, payload)
	require.NoError(t, err)
	require.NoError(t, s.DirtyJournal().Record(1))

	require.NoError(t, s.Destroy())
	assert.Zero(t, fake.len(), "destroy must remove blocks, markers and the meta object")
}

func TestBackendNonEmptyBucketWithoutMeta(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	fake.poke("vol/05", []byte("leftover"))

	_, err := New(Options{
		Bucket:            "test",
		Prefix:            "vol/",
		Region:            "us-east-1",
		Remote:            srv.URL,
		AccessKey:         "test-key",
		SecretKey:         "test-secret",
		BlockSize:         4096,
		NumBlocks:         256,
		InitialRetryPause: 5 * time.Millisecond,
		MaxRetryPause:     time.Second,
	})
	require.ErrorIs(t, err, store.ErrConfig)
}
