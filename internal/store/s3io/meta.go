// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3io

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/asch/bds3/internal/store"
)

const paramsVersion = 1

// storeParams is the content of the reserved meta object. It pins the
// store geometry and the encoding so that any future instance opens the
// bucket with compatible settings, no matter what it was configured with.
type storeParams struct {
	Version       int
	BlockSize     int
	NumBlocks     int64
	CompressLevel int
	CipherName    string
	Salt          []byte
}

// metaHMACKey derives the key protecting the parameter serialization.
// With encryption enabled it is bound to the passphrase, otherwise to the
// salt alone, which still catches corruption and accidental mixups.
func metaHMACKey(password string, salt []byte) []byte {
	secret := salt
	if password != "" {
		secret = append([]byte(password), salt...)
	}
	return pbkdf2.Key(secret, []byte("bds3/meta"), kdfIterations, sha256.Size, sha256.New)
}

// marshalParams serializes the parameters canonically, one key per line
// in fixed order, and appends the HMAC over the canonical part.
func marshalParams(p storeParams, key []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "version: %d\n", p.Version)
	fmt.Fprintf(&b, "block-size: %d\n", p.BlockSize)
	fmt.Fprintf(&b, "num-blocks: %d\n", p.NumBlocks)
	fmt.Fprintf(&b, "compress-level: %d\n", p.CompressLevel)
	cipherName := p.CipherName
	if cipherName == "" {
		cipherName = "none"
	}
	fmt.Fprintf(&b, "cipher: %s\n", cipherName)
	fmt.Fprintf(&b, "salt: %s\n", hex.EncodeToString(p.Salt))

	mac := hmac.New(sha256.New, key)
	mac.Write(b.Bytes())
	fmt.Fprintf(&b, "hmac: %s\n", hex.EncodeToString(mac.Sum(nil)))

	return b.Bytes()
}

// unmarshalParams parses and validates a serialized parameter object. The
// HMAC is verified against the key derived from the parsed salt and the
// configured password.
func unmarshalParams(data []byte, password string) (storeParams, error) {
	var p storeParams
	var hmacHex string
	var canonical bytes.Buffer

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			return p, fmt.Errorf("%w: malformed parameter line %q", store.ErrIntegrity, line)
		}

		if k != "hmac" {
			canonical.WriteString(line)
			canonical.WriteByte('\n')
		}

		var err error
		switch k {
		case "version":
			p.Version, err = strconv.Atoi(v)
		case "block-size":
			p.BlockSize, err = strconv.Atoi(v)
		case "num-blocks":
			p.NumBlocks, err = strconv.ParseInt(v, 10, 64)
		case "compress-level":
			p.CompressLevel, err = strconv.Atoi(v)
		case "cipher":
			if v != "none" {
				p.CipherName = v
			}
		case "salt":
			p.Salt, err = hex.DecodeString(v)
		case "hmac":
			hmacHex = v
		default:
			// Newer versions may add keys, they stay covered by the
			// HMAC but are otherwise ignored.
		}
		if err != nil {
			return p, fmt.Errorf("%w: parameter %s: %v", store.ErrIntegrity, k, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return p, fmt.Errorf("%w: %v", store.ErrIntegrity, err)
	}

	if p.Version != paramsVersion {
		return p, fmt.Errorf("%w: unsupported store version %d", store.ErrConfig, p.Version)
	}
	if p.BlockSize <= 0 || p.NumBlocks <= 0 {
		return p, fmt.Errorf("%w: invalid persisted geometry %dx%d",
			store.ErrConfig, p.NumBlocks, p.BlockSize)
	}
	if p.CipherName != "" && password == "" {
		return p, fmt.Errorf("%w: store is encrypted with %s but no password is configured",
			store.ErrConfig, p.CipherName)
	}

	mac := hmac.New(sha256.New, metaHMACKey(password, p.Salt))
	mac.Write(canonical.Bytes())
	want, err := hex.DecodeString(hmacHex)
	if err != nil || !hmac.Equal(want, mac.Sum(nil)) {
		return p, fmt.Errorf("%w: store parameter hmac mismatch", store.ErrIntegrity)
	}

	return p, nil
}
