// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3io is the bottom layer of the storage stack. It maps block
// operations onto signed requests against the object backend, encodes and
// decodes payloads, verifies integrity and retries transient failures
// with exponential backoff. Every block is one object, all-zero blocks
// are represented by the absence of their object. Parameters of the http
// connection are carefully tuned for the best performance in the AWS
// environment.
package s3io

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"github.com/asch/bds3/internal/metrics"
	"github.com/asch/bds3/internal/store"
)

// S3 user metadata keys carried on every block object. The SDK folds the
// case of metadata keys, lookups go through metaValue.
const (
	hdrMD5      = "bds3-md5"
	hdrCompress = "bds3-compress"
	hdrEncrypt  = "bds3-encrypt"
)

// Options to use in New() due to the high number of parameters. There is
// lower chance of an ordering mistake with named parameters.
type Options struct {
	Bucket string
	Prefix string
	Region string

	// Remote is the endpoint address, empty for AWS S3.
	Remote string

	AccessKey    string
	SecretKey    string
	SessionToken string

	BlockSize int
	NumBlocks int64

	ReadOnly bool

	// Timeout of a single http request. An exceeded timeout counts as
	// a transient failure and is retried.
	Timeout time.Duration

	// Backoff bounds for transient failures. The accumulated pause of
	// one logical operation never exceeds MaxRetryPause.
	InitialRetryPause time.Duration
	MaxRetryPause     time.Duration

	// Deflate level, zero disables compression.
	CompressLevel int

	// Passphrase for AES-CBC encryption, empty disables it. KeyLength
	// selects the AES variant, 16, 24 or 32 bytes.
	Password  string
	KeyLength int

	// How often the credential provider is polled for expiry. Only
	// relevant for role based credentials.
	CredRefresh time.Duration

	Metrics *metrics.S3
}

// S3IO implements the Store interface directly on the object backend.
type S3IO struct {
	opts   Options
	client *s3.S3
	creds  *credentials.Credentials
	codec  *codec
	width  int

	mu     sync.Mutex
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
	requestTimeout   time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
		Timeout:   httpSettings.requestTimeout,
	}
}

// New connects to the backend, reconciles the persisted store parameters
// with the configured ones and returns the layer ready for use. The
// bucket is created when it does not exist yet, unless the store is read
// only.
func New(o Options) (*S3IO, error) {
	if o.BlockSize <= 0 || o.NumBlocks <= 0 {
		return nil, fmt.Errorf("s3io: %w: geometry %dx%d", store.ErrConfig, o.NumBlocks, o.BlockSize)
	}
	if o.InitialRetryPause <= 0 {
		o.InitialRetryPause = 200 * time.Millisecond
	}
	if o.MaxRetryPause <= 0 {
		o.MaxRetryPause = 30 * time.Second
	}
	if o.CredRefresh <= 0 {
		o.CredRefresh = time.Minute
	}
	if o.KeyLength == 0 {
		o.KeyLength = 16
	}

	s := &S3IO{
		opts: o,
		stop: make(chan struct{}),
	}

	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
		requestTimeout:   o.Timeout,
	})

	cfg := &aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,

		// The backoff policy lives in this package, the SDK must not
		// retry on its own underneath it.
		MaxRetries: aws.Int(0),
	}
	if o.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, o.SessionToken)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.creds = sess.Config.Credentials

	if !o.ReadOnly {
		if err := s.makeBucketExist(); err != nil {
			return nil, err
		}
	}

	if err := s.openParams(); err != nil {
		return nil, err
	}

	s.width = keyWidth(s.opts.NumBlocks)

	if o.AccessKey == "" {
		// Role based credentials expire, keep them warm so no block
		// operation pays for the refresh round trip.
		s.wg.Add(1)
		go s.credRefresher()
	}

	return s, nil
}

// BlockSize returns the effective block size, which the persisted store
// parameters may have overridden.
func (s *S3IO) BlockSize() int {
	return s.opts.BlockSize
}

// NumBlocks returns the effective block count.
func (s *S3IO) NumBlocks() int64 {
	return s.opts.NumBlocks
}

// openParams loads the reserved meta object and reconciles it with the
// configuration. A missing meta object is only acceptable for an empty
// store and is then written, so every later instance agrees on geometry,
// compression, cipher and salt.
func (s *S3IO) openParams() error {
	data, found, err := s.getObjectRaw(s.opts.Prefix + metaObjectName)
	if err != nil {
		return fmt.Errorf("s3io: reading store parameters: %w", err)
	}

	var salt []byte

	if found {
		p, err := unmarshalParams(data, s.opts.Password)
		if err != nil {
			return err
		}
		if p.CipherName == "" && s.opts.Password != "" {
			return fmt.Errorf("%w: password configured but the store is not encrypted",
				store.ErrConfig)
		}
		if p.BlockSize != s.opts.BlockSize || p.NumBlocks != s.opts.NumBlocks {
			log.Warn().
				Int("block_size", p.BlockSize).Int64("num_blocks", p.NumBlocks).
				Msg("Configured geometry overridden by persisted store parameters.")
		}
		s.opts.BlockSize = p.BlockSize
		s.opts.NumBlocks = p.NumBlocks
		s.opts.CompressLevel = p.CompressLevel
		if p.CipherName != "" {
			bits, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(p.CipherName, "aes-"), "-cbc"))
			if err != nil {
				return fmt.Errorf("%w: unknown cipher %q", store.ErrConfig, p.CipherName)
			}
			s.opts.KeyLength = bits / 8
		}
		salt = p.Salt
	} else {
		empty, err := s.prefixEmpty()
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: store parameters missing in a non-empty bucket",
				store.ErrConfig)
		}

		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return err
		}

		if !s.opts.ReadOnly {
			cipherName := ""
			if s.opts.Password != "" {
				cipherName = fmt.Sprintf("aes-%d-cbc", s.opts.KeyLength*8)
			}
			body := marshalParams(storeParams{
				Version:       paramsVersion,
				BlockSize:     s.opts.BlockSize,
				NumBlocks:     s.opts.NumBlocks,
				CompressLevel: s.opts.CompressLevel,
				CipherName:    cipherName,
				Salt:          salt,
			}, metaHMACKey(s.opts.Password, salt))

			err := s.do("put-meta", func() error {
				_, err := s.client.PutObject(&s3.PutObjectInput{
					Bucket: aws.String(s.opts.Bucket),
					Key:    aws.String(s.opts.Prefix + metaObjectName),
					Body:   bytes.NewReader(body),
				})
				return err
			})
			if err != nil {
				return fmt.Errorf("s3io: writing store parameters: %w", err)
			}
		}
	}

	s.codec, err = newCodec(s.opts.CompressLevel, s.opts.Password, s.opts.KeyLength, salt)

	return err
}

// ReadBlock downloads and decodes one block. With expectMD5 set the
// request is conditional and ErrNotModified is returned when the stored
// object still hashes to it.
func (s *S3IO) ReadBlock(idx int64, buf []byte, expectMD5 []byte) error {
	if err := s.check(idx); err != nil {
		return err
	}

	key := encodeKey(s.opts.Prefix, s.width, idx)

	var body []byte
	var hdr objectHeader

	err := s.do("get", func() error {
		in := &s3.GetObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(key),
		}
		if expectMD5 != nil {
			// The ETag of a single part upload is the MD5 of the
			// stored body, which is exactly the hash WriteBlock
			// returned.
			in.IfNoneMatch = aws.String(`"` + hex.EncodeToString(expectMD5) + `"`)
		}

		out, err := s.client.GetObject(in)
		if err != nil {
			return err
		}
		defer out.Body.Close()

		body, err = io.ReadAll(out.Body)
		if err != nil {
			return err
		}

		hdr, err = headerFromMetadata(out.Metadata)

		return err
	})
	if err != nil {
		return fmt.Errorf("block %d: %w", idx, err)
	}

	plain, err := s.codec.decode(idx, body, hdr)
	if err != nil {
		return fmt.Errorf("block %d: %w", idx, err)
	}
	if len(plain) != s.opts.BlockSize {
		return fmt.Errorf("block %d: %w: length %d, block size %d",
			idx, store.ErrIntegrity, len(plain), s.opts.BlockSize)
	}

	copy(buf, plain)

	return nil
}

// WriteBlock encodes and uploads one block. A nil or all-zero payload
// deletes the object instead. The returned hash is the MD5 of the stored
// body, identical to the ETag the backend serves for it.
func (s *S3IO) WriteBlock(idx int64, buf []byte) ([]byte, error) {
	if err := s.check(idx); err != nil {
		return nil, err
	}
	if s.opts.ReadOnly {
		return nil, store.ErrReadOnly
	}

	key := encodeKey(s.opts.Prefix, s.width, idx)

	if store.IsZero(buf) {
		err := s.do("delete", func() error {
			_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
				Bucket: aws.String(s.opts.Bucket),
				Key:    aws.String(key),
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", idx, err)
		}
		return nil, nil
	}

	body, hdr, err := s.codec.encode(idx, buf)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", idx, err)
	}

	sum := md5.Sum(body)

	err = s.do("put", func() error {
		_, err := s.client.PutObject(&s3.PutObjectInput{
			Bucket:     aws.String(s.opts.Bucket),
			Key:        aws.String(key),
			Body:       bytes.NewReader(body),
			ContentMD5: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
			Metadata:   metadataFromHeader(hdr),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", idx, err)
	}

	return sum[:], nil
}

// ListBlocks enumerates the bucket prefix page by page and reports every
// valid block key. Foreign keys are skipped with a warning, reserved
// names silently.
func (s *S3IO) ListBlocks(fn func(idx int64)) error {
	err := s.do("list", func() error {
		return s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
			Bucket: aws.String(s.opts.Bucket),
			Prefix: aws.String(s.opts.Prefix),
		}, func(page *s3.ListObjectsV2Output, last bool) bool {
			for _, o := range page.Contents {
				key := aws.StringValue(o.Key)
				name := strings.TrimPrefix(key, s.opts.Prefix)
				if name == metaObjectName || strings.HasPrefix(name, journalPrefix) {
					continue
				}

				idx, ok := decodeKey(s.opts.Prefix, s.width, key)
				if !ok {
					log.Warn().Str("key", key).Msg("Skipping invalid key in bucket.")
					continue
				}
				if idx >= s.opts.NumBlocks {
					log.Warn().Str("key", key).Msg("Skipping key beyond the store geometry.")
					continue
				}

				fn(idx)
			}
			return true
		})
	})
	return err
}

// SurveyNonZero reports the present blocks. Zero blocks have no object,
// so presence already implies non-zero content.
func (s *S3IO) SurveyNonZero(fn func(idx int64)) error {
	return s.ListBlocks(fn)
}

// Flush has nothing to do, every write is durable when acknowledged.
func (s *S3IO) Flush() error {
	return nil
}

// Shutdown stops the credential refresher. The http client needs no
// teardown.
func (s *S3IO) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	return nil
}

// Destroy removes every object under the prefix, the store parameters
// and the journal markers included, using batched deletes.
func (s *S3IO) Destroy() error {
	if s.opts.ReadOnly {
		return store.ErrReadOnly
	}

	err := s.do("destroy", func() error {
		return s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
			Bucket: aws.String(s.opts.Bucket),
			Prefix: aws.String(s.opts.Prefix),
		}, func(page *s3.ListObjectsV2Output, last bool) bool {
			if len(page.Contents) == 0 {
				return true
			}

			objects := make([]*s3.ObjectIdentifier, len(page.Contents))
			for i, o := range page.Contents {
				objects[i] = &s3.ObjectIdentifier{Key: o.Key}
			}

			// Batch delete takes up to 1000 objects, which is also
			// the page size of the listing.
			_, err := s.client.DeleteObjects(&s3.DeleteObjectsInput{
				Bucket: aws.String(s.opts.Bucket),
				Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				log.Warn().Err(err).Msg("Batch delete failed.")
				return false
			}
			return true
		})
	})
	if err != nil {
		return err
	}

	return s.Shutdown()
}

// check validates the index and the layer state before any operation.
func (s *S3IO) check(idx int64) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return store.ErrClosed
	}
	if idx < 0 || idx >= s.opts.NumBlocks {
		return fmt.Errorf("%w: block %d out of range [0, %d)", store.ErrIO, idx, s.opts.NumBlocks)
	}

	return nil
}

// makeBucketExist checks whether the bucket exists and if not, creates it
// and waits until it appears.
func (s *S3IO) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.opts.Bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.opts.Bucket)})
		}
	}

	return err
}

// prefixEmpty reports whether any object exists under the prefix apart
// from the reserved names.
func (s *S3IO) prefixEmpty() (bool, error) {
	empty := true

	err := s.do("list", func() error {
		return s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
			Bucket: aws.String(s.opts.Bucket),
			Prefix: aws.String(s.opts.Prefix),
		}, func(page *s3.ListObjectsV2Output, last bool) bool {
			for _, o := range page.Contents {
				name := strings.TrimPrefix(aws.StringValue(o.Key), s.opts.Prefix)
				if name == metaObjectName || strings.HasPrefix(name, journalPrefix) {
					continue
				}
				empty = false
				return false
			}
			return true
		})
	})

	return empty, err
}

// getObjectRaw downloads an object without decoding. Absence is not an
// error but reported in the bool result.
func (s *S3IO) getObjectRaw(key string) ([]byte, bool, error) {
	var body []byte

	err := s.do("get", func() error {
		out, err := s.client.GetObject(&s3.GetObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		body, err = io.ReadAll(out.Body)

		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return body, true, nil
}

// credRefresher polls the credential provider and forces a refresh once
// the current credentials report expiry, so the next signed request never
// blocks on the metadata service.
func (s *S3IO) credRefresher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.CredRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if !s.creds.IsExpired() {
			continue
		}

		if _, err := s.creds.Get(); err != nil {
			log.Warn().Err(err).Msg("Credential refresh failed.")
		} else {
			log.Debug().Msg("Credentials refreshed.")
		}
	}
}

// metaValue looks an S3 user metadata key up case insensitively, since
// the SDK canonicalizes the key case on the way back.
func metaValue(md map[string]*string, key string) string {
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return aws.StringValue(v)
		}
	}
	return ""
}

func headerFromMetadata(md map[string]*string) (objectHeader, error) {
	var hdr objectHeader

	if v := metaValue(md, hdrMD5); v != "" {
		sum, err := hex.DecodeString(v)
		if err != nil || len(sum) != md5.Size {
			return hdr, fmt.Errorf("%w: malformed content hash metadata", store.ErrIntegrity)
		}
		hdr.plainMD5 = sum
	}
	if v := metaValue(md, hdrCompress); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return hdr, fmt.Errorf("%w: malformed compression metadata", store.ErrIntegrity)
		}
		hdr.origLen = n
	}
	hdr.cipherName = metaValue(md, hdrEncrypt)

	return hdr, nil
}

func metadataFromHeader(hdr objectHeader) map[string]*string {
	md := map[string]*string{
		hdrMD5: aws.String(hex.EncodeToString(hdr.plainMD5)),
	}
	if hdr.origLen != 0 {
		md[hdrCompress] = aws.String(strconv.Itoa(hdr.origLen))
	}
	if hdr.cipherName != "" {
		md[hdrEncrypt] = aws.String(hdr.cipherName)
	}
	return md
}

var _ store.Store = (*S3IO)(nil)
