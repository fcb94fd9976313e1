package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const maxSignatureSize = 10 * 1024 * 1024 // 10MB

var ErrInvalidSignature = errors.New("storage: invalid signature image")

// DecodeSignature accepts a data URL (data:image/png;base64,...) or bare
// base64 and returns the image bytes with their content type.
func DecodeSignature(signature string) ([]byte, string, error) {
	payload := strings.TrimSpace(signature)
	contentType := "image/png"

	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, encoded, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("%w: expected a base64 data URL", ErrInvalidSignature)
		}
		contentType = strings.TrimSuffix(meta, ";base64")
		if contentType != "image/png" && contentType != "image/jpeg" {
			return nil, "", fmt.Errorf("%w: unsupported type %s", ErrInvalidSignature, contentType)
		}
		payload = encoded
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrInvalidSignature)
	}
	if len(data) > maxSignatureSize {
		return nil, "", fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrInvalidSignature, len(data), maxSignatureSize)
	}
	return data, contentType, nil
}
