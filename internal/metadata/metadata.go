package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"image-compressor-go/internal/storage"
)

const (
	compressedMarker = "_compressed"
	failedMarker     = "_failed"
)

// ImageMetadata tracks one submitted image from ingestion to its compressed output.
// Index is assigned at ingestion in submission order and is the join key between
// what was submitted and what was produced.
type ImageMetadata struct {
	OriginalName   string `json:"original_name"`
	CompressedName string `json:"compressed_name"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize *int64 `json:"compressed_size"`
	InputPath      string `json:"input_path"`
	OutputPath     string `json:"output_path"`
	Index          int    `json:"index"`
	Error          string `json:"error,omitempty"`

	// Set at ingestion for JPEG payloads carrying EXIF.
	HasExif bool       `json:"has_exif,omitempty"`
	TakenAt *time.Time `json:"taken_at,omitempty"`
}

// Succeeded reports whether a compressed output was recorded.
func (m ImageMetadata) Succeeded() bool {
	return m.CompressedSize != nil
}

// Staged reports whether the item was written to the input area.
func (m ImageMetadata) Staged() bool {
	return m.InputPath != ""
}

// MarkFailed clears any output information and flags the compressed name as failed.
func (m *ImageMetadata) MarkFailed(reason string) {
	m.CompressedSize = nil
	m.OutputPath = ""
	m.CompressedName = FailedName(m.OriginalName)
	m.Error = reason
}

// MarkCompressed records the observed output file.
func (m *ImageMetadata) MarkCompressed(outputPath string, size int64) {
	m.CompressedSize = &size
	m.OutputPath = outputPath
	m.CompressedName = filepath.Base(outputPath)
	m.Error = ""
}

// Stem returns the original file name without its extension, or "image" if empty.
func Stem(originalName string) string {
	base := filepath.Base(originalName)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		return "image"
	}
	return stem
}

// CompressedName returns `<stem>_compressed<ext>` for an original name.
func CompressedName(originalName, ext string) string {
	return Stem(originalName) + compressedMarker + ext
}

// FailedName returns `<stem>_failed<ext>` using the original extension.
func FailedName(originalName string) string {
	return Stem(originalName) + failedMarker + filepath.Ext(originalName)
}

// Store persists the metadata list as a JSON array.
type Store struct {
	path string
}

// NewStore returns a store backed by the given file.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the metadata list. A missing file yields an empty list.
func (s *Store) Load() ([]ImageMetadata, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []ImageMetadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var entries []ImageMetadata
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if entries == nil {
		entries = []ImageMetadata{}
	}
	SortByIndex(entries)
	return entries, nil
}

// Save overwrites the metadata file with entries ordered by index.
func (s *Store) Save(entries []ImageMetadata) error {
	ordered := make([]ImageMetadata, len(entries))
	copy(ordered, entries)
	SortByIndex(ordered)

	data, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return storage.WriteFileAtomic(s.path, data, 0644)
}

// SortByIndex orders entries by submission index.
func SortByIndex(entries []ImageMetadata) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Index < entries[j].Index
	})
}
