package storage

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSignature(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	encoded := base64.StdEncoding.EncodeToString(png)

	data, contentType, err := DecodeSignature("data:image/png;base64," + encoded)
	require.NoError(t, err)
	assert.Equal(t, png, data)
	assert.Equal(t, "image/png", contentType)

	data, contentType, err = DecodeSignature(encoded)
	require.NoError(t, err)
	assert.Equal(t, png, data)
	assert.Equal(t, "image/png", contentType)

	_, contentType, err = DecodeSignature("data:image/jpeg;base64," + encoded)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", contentType)

	for _, bad := range []string{"", "data:image/gif;base64," + encoded, "data:image/png," + encoded, "%%%"} {
		_, _, err := DecodeSignature(bad)
		assert.ErrorIs(t, err, ErrInvalidSignature, bad)
	}
}

func TestSignaturePath(t *testing.T) {
	at := time.Unix(1772442000, 0)
	assert.Equal(t, "signatures/bkg_1-1772442000.png", SignaturePath("bkg_1", "image/png", at))
	assert.Equal(t, "signatures/bkg_1-1772442000.jpg", SignaturePath("bkg_1", "image/jpeg", at))
}

func TestDecodeSignature_RejectsOversizedImages(t *testing.T) {
	big := base64.StdEncoding.EncodeToString(make([]byte, maxSignatureSize+1))
	_, _, err := DecodeSignature(big)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
