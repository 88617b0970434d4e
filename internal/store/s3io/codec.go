// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3io

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"golang.org/x/crypto/pbkdf2"

	"github.com/asch/bds3/internal/store"
)

// PBKDF2 iteration count for deriving the data and HMAC keys from the
// passphrase and the per bucket salt.
const kdfIterations = 4096

// objectHeader is the per object metadata carried as S3 user metadata on
// every block object. It tells a future reader how to undo the encoding
// and lets it verify the plaintext.
type objectHeader struct {
	// MD5 of the plaintext block payload, hex encoded on the wire.
	plainMD5 []byte

	// Original payload length when the body is compressed, zero
	// otherwise.
	origLen int

	// Cipher name when the body is encrypted, empty otherwise.
	cipherName string
}

// codec encodes block payloads for the wire: optional deflate, optional
// AES-CBC with an appended HMAC-SHA256. The data key is derived with
// PBKDF2 from the passphrase and the bucket salt, the HMAC key is derived
// from the data key. The IV of each block is derived deterministically
// from the salt and the block index, so a key is never paired with the
// same IV for two different blocks and rewriting a block keeps its IV
// without leaking more than object equality, which the backend reveals
// anyway.
type codec struct {
	level      int // flate level, zero disables compression
	cipherName string
	key        []byte
	hmacKey    []byte
	salt       []byte
	block      cipher.Block
}

func newCodec(level int, password string, keyLen int, salt []byte) (*codec, error) {
	c := &codec{level: level, salt: salt}

	if password == "" {
		return c, nil
	}

	switch keyLen {
	case 16:
		c.cipherName = "aes-128-cbc"
	case 24:
		c.cipherName = "aes-192-cbc"
	case 32:
		c.cipherName = "aes-256-cbc"
	default:
		return nil, fmt.Errorf("%w: unsupported key length %d", store.ErrConfig, keyLen)
	}

	c.key = pbkdf2.Key([]byte(password), salt, kdfIterations, keyLen, sha256.New)
	c.hmacKey = pbkdf2.Key(c.key, []byte("bds3/hmac"), 1, sha256.Size, sha256.New)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	c.block = block

	return c, nil
}

func (c *codec) encrypts() bool {
	return c.block != nil
}

// iv derives the initialization vector for a block index.
func (c *codec) iv(idx int64) []byte {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(idx))

	sum := md5.Sum(append(append([]byte(nil), c.salt...), be[:]...))

	return sum[:]
}

// encode turns a plaintext block into the stored representation and the
// object header describing it. Compression is kept only when it gains
// anything.
func (c *codec) encode(idx int64, plain []byte) ([]byte, objectHeader, error) {
	sum := md5.Sum(plain)
	hdr := objectHeader{plainMD5: sum[:]}

	body := plain
	if c.level != 0 {
		var compressed bytes.Buffer
		w, err := flate.NewWriter(&compressed, c.level)
		if err != nil {
			return nil, hdr, fmt.Errorf("%w: flate level: %v", store.ErrConfig, err)
		}
		if _, err := w.Write(plain); err != nil {
			return nil, hdr, err
		}
		if err := w.Close(); err != nil {
			return nil, hdr, err
		}
		if compressed.Len() < len(plain) {
			body = compressed.Bytes()
			hdr.origLen = len(plain)
		}
	}

	if c.encrypts() {
		hdr.cipherName = c.cipherName

		padded := pkcs7Pad(body, aes.BlockSize)
		ct := make([]byte, len(padded))
		cipher.NewCBCEncrypter(c.block, c.iv(idx)).CryptBlocks(ct, padded)

		mac := hmac.New(sha256.New, c.hmacKey)
		mac.Write(c.iv(idx))
		mac.Write(ct)
		body = mac.Sum(ct)
	}

	return body, hdr, nil
}

// decode reverses encode and verifies both the HMAC of the ciphertext and
// the plaintext hash from the header. Every mismatch is an integrity
// failure, never a silent fallback.
func (c *codec) decode(idx int64, body []byte, hdr objectHeader) ([]byte, error) {
	if hdr.cipherName != "" {
		if !c.encrypts() {
			return nil, fmt.Errorf("%w: object is encrypted with %s but no password is configured",
				store.ErrConfig, hdr.cipherName)
		}
		if hdr.cipherName != c.cipherName {
			return nil, fmt.Errorf("%w: object cipher %s, configured %s",
				store.ErrConfig, hdr.cipherName, c.cipherName)
		}
		if len(body) < sha256.Size+aes.BlockSize {
			return nil, fmt.Errorf("%w: encrypted object too short", store.ErrIntegrity)
		}

		ct := body[:len(body)-sha256.Size]
		tag := body[len(body)-sha256.Size:]

		mac := hmac.New(sha256.New, c.hmacKey)
		mac.Write(c.iv(idx))
		mac.Write(ct)
		if !hmac.Equal(tag, mac.Sum(nil)) {
			return nil, fmt.Errorf("%w: hmac mismatch", store.ErrIntegrity)
		}
		if len(ct)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext not block aligned", store.ErrIntegrity)
		}

		plain := make([]byte, len(ct))
		cipher.NewCBCDecrypter(c.block, c.iv(idx)).CryptBlocks(plain, ct)

		var err error
		body, err = pkcs7Unpad(plain, aes.BlockSize)
		if err != nil {
			return nil, err
		}
	}

	if hdr.origLen != 0 {
		r := flate.NewReader(bytes.NewReader(body))
		plain := make([]byte, hdr.origLen)
		if _, err := io.ReadFull(r, plain); err != nil {
			return nil, fmt.Errorf("%w: decompression: %v", store.ErrIntegrity, err)
		}
		if err := r.Close(); err != nil {
			return nil, fmt.Errorf("%w: decompression: %v", store.ErrIntegrity, err)
		}
		body = plain
	}

	if hdr.plainMD5 != nil {
		sum := md5.Sum(body)
		if !bytes.Equal(sum[:], hdr.plainMD5) {
			return nil, fmt.Errorf("%w: content hash mismatch", store.ErrIntegrity)
		}
	}

	return body, nil
}

func pkcs7Pad(data []byte, size int) []byte {
	pad := size - len(data)%size
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%w: malformed padding", store.ErrIntegrity)
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > size || pad > len(data) {
		return nil, fmt.Errorf("%w: malformed padding", store.ErrIntegrity)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: malformed padding", store.ErrIntegrity)
		}
	}
	return data[:len(data)-pad], nil
}
