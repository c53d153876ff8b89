// Package transport implements the data-URL framing used to move image bytes
// between the UI and the pipeline.
package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrMalformedPayload is returned when a payload has no header separator or invalid base64.
var ErrMalformedPayload = errors.New("transport: malformed payload")

var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// Decode strips everything up to the first comma and decodes the remaining base64 payload.
// The header itself is not validated.
func Decode(payload string) ([]byte, error) {
	_, data, ok := strings.Cut(payload, ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing header separator", ErrMalformedPayload)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return raw, nil
}

// Encode frames raw bytes as a data URL with the given MIME type.
func Encode(mimeType string, raw []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

// MimeType returns the image MIME type for a file name, or application/octet-stream.
func MimeType(name string) string {
	if m, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	return "application/octet-stream"
}

// EncodeFile reads a file and returns it as a data URL.
func EncodeFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return Encode(MimeType(path), raw), nil
}
