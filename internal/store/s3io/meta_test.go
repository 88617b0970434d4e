// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3io

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/bds3/internal/store"
)

func testParams() storeParams {
	return storeParams{
		Version:       paramsVersion,
		BlockSize:     4096,
		NumBlocks:     1024,
		CompressLevel: 6,
		CipherName:    "aes-128-cbc",
		Salt:          testSalt(),
	}
}

func TestParamsRoundTrip(t *testing.T) {
	p := testParams()
	data := marshalParams(p, metaHMACKey("pw", p.Salt))

	got, err := unmarshalParams(data, "pw")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestParamsRoundTripUnencrypted(t *testing.T) {
	p := testParams()
	p.CipherName = ""
	data := marshalParams(p, metaHMACKey("", p.Salt))

	got, err := unmarshalParams(data, "")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestParamsTamperedFailsHMAC(t *testing.T) {
	p := testParams()
	data := marshalParams(p, metaHMACKey("pw", p.Salt))

	tampered := bytes.Replace(data, []byte("num-blocks: 1024"), []byte("num-blocks: 2048"), 1)
	_, err := unmarshalParams(tampered, "pw")
	assert.ErrorIs(t, err, store.ErrIntegrity)
}

func TestParamsWrongPasswordFailsHMAC(t *testing.T) {
	p := testParams()
	data := marshalParams(p, metaHMACKey("pw", p.Salt))

	_, err := unmarshalParams(data, "other")
	assert.ErrorIs(t, err, store.ErrIntegrity)
}

func TestParamsEncryptedWithoutPassword(t *testing.T) {
	p := testParams()
	data := marshalParams(p, metaHMACKey("pw", p.Salt))

	_, err := unmarshalParams(data, "")
	assert.ErrorIs(t, err, store.ErrConfig)
}

func TestParamsUnsupportedVersion(t *testing.T) {
	p := testParams()
	p.Version = 99
	p.CipherName = ""
	data := marshalParams(p, metaHMACKey("", p.Salt))

	_, err := unmarshalParams(data, "")
	assert.ErrorIs(t, err, store.ErrConfig)
}

func TestParamsMalformed(t *testing.T) {
	_, err := unmarshalParams([]byte("not a parameter object"), "")
	assert.ErrorIs(t, err, store.ErrIntegrity)
}
