package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"image-compressor-go/internal/storage"
)

// CompressionMethod selects the family of codec adapters applied to a batch.
type CompressionMethod string

const (
	Lossy        CompressionMethod = "lossy"
	Lossless     CompressionMethod = "lossless"
	WebpLossy    CompressionMethod = "webp_lossy"
	WebpLossless CompressionMethod = "webp_lossless"
)

// Methods lists every supported compression method.
func Methods() []CompressionMethod {
	return []CompressionMethod{Lossy, Lossless, WebpLossy, WebpLossless}
}

// ParseMethod parses the wire name of a compression method.
func ParseMethod(s string) (CompressionMethod, error) {
	for _, m := range Methods() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown compression method %q (valid: lossy, lossless, webp_lossy, webp_lossless)", s)
}

// IsWebP reports whether the method belongs to the WebP family.
func (m CompressionMethod) IsWebP() bool {
	return m == WebpLossy || m == WebpLossless
}

// UnmarshalText rejects unknown method names.
func (m *CompressionMethod) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// AppSettings are the user-facing compression settings.
type AppSettings struct {
	CompressionQuality float64           `json:"compression_quality"`
	Method             CompressionMethod `json:"method"`
}

// Default returns quality 75 with lossy WebP.
func Default() AppSettings {
	return AppSettings{
		CompressionQuality: 75.0,
		Method:             WebpLossy,
	}
}

// Validate checks that quality is in (0, 100] and the method is known.
func (s AppSettings) Validate() error {
	if s.CompressionQuality <= 0 || s.CompressionQuality > 100 {
		return fmt.Errorf("compression_quality must be in (0, 100], got %v", s.CompressionQuality)
	}
	if _, err := ParseMethod(string(s.Method)); err != nil {
		return err
	}
	return nil
}

// IntQuality returns the quality rounded and clamped to 1..100.
func (s AppSettings) IntQuality() int {
	q := int(s.CompressionQuality + 0.5)
	return min(max(q, 1), 100)
}

// Store persists AppSettings as a single JSON object.
type Store struct {
	path string
}

// NewStore returns a store backed by the given file.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.path }

// Load reads the settings file. A missing file yields Default().
func (s *Store) Load() (AppSettings, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return AppSettings{}, fmt.Errorf("read settings: %w", err)
	}

	var settings AppSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return AppSettings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return AppSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

// Save validates and writes the settings, replacing any previous file.
func (s *Store) Save(settings AppSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return storage.WriteFileAtomic(s.path, data, 0644)
}
