package ingest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"image-compressor-go/internal/metadata"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/transport"

	"github.com/sirupsen/logrus"
)

// ErrNoValidImages is returned when every submitted item was rejected.
var ErrNoValidImages = errors.New("ingest: no valid images in batch")

// ImageData is one submitted image as sent by the UI.
type ImageData struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// ImageRecord is a decoded image that has not been written yet.
type ImageRecord struct {
	Filename string
	Raw      []byte
}

// Ingestor stages submitted images into the input area.
type Ingestor struct {
	layout *storage.Layout
	logger *logrus.Logger
}

// NewIngestor returns an Ingestor writing into layout's input directory.
func NewIngestor(layout *storage.Layout, logger *logrus.Logger) *Ingestor {
	return &Ingestor{layout: layout, logger: logger}
}

// Ingest decodes, validates and writes every image, returning one metadata entry per
// submitted image in submission order. Items that cannot be staged are returned
// already flagged as failed. A malformed transport payload fails the whole batch.
func (in *Ingestor) Ingest(images []ImageData) ([]metadata.ImageMetadata, error) {
	records := make([]ImageRecord, len(images))
	for i, img := range images {
		raw, err := transport.Decode(img.Data)
		if err != nil {
			return nil, fmt.Errorf("image %d (%s): %w", i, img.Filename, err)
		}
		records[i] = ImageRecord{Filename: img.Filename, Raw: raw}
	}
	return in.IngestRecords(records)
}

// IngestRecords stages already decoded records.
func (in *Ingestor) IngestRecords(records []ImageRecord) ([]metadata.ImageMetadata, error) {
	if err := in.layout.Clear(storage.RoleInput); err != nil {
		return nil, fmt.Errorf("failed to clear input folder: %w", err)
	}

	entries := make([]metadata.ImageMetadata, 0, len(records))
	valid := 0
	for i, rec := range records {
		entry := in.stage(i, rec)
		if entry.Staged() {
			valid++
		}
		entries = append(entries, entry)
	}

	if valid == 0 {
		return entries, fmt.Errorf("%w: %d submitted", ErrNoValidImages, len(records))
	}

	in.logger.Infof("Staged %d of %d images into %s", valid, len(records), in.layout.InputDir())
	return entries, nil
}

func (in *Ingestor) stage(index int, rec ImageRecord) metadata.ImageMetadata {
	format := Sniff(rec.Raw)
	name := sanitizeName(rec.Filename, format)
	log := in.logger.WithFields(logrus.Fields{
		"file":      name,
		"operation": "ingest",
		"index":     index,
	})

	entry := metadata.ImageMetadata{
		OriginalName:   name,
		CompressedName: metadata.CompressedName(name, filepath.Ext(name)),
		OriginalSize:   int64(len(rec.Raw)),
		Index:          index,
	}

	if len(rec.Raw) == 0 {
		log.Warn("Skipping image with empty payload")
		entry.MarkFailed("empty payload")
		return entry
	}

	switch format {
	case FormatUnknown:
		log.Warn("Unknown image signature, attempting to process anyway")
	case FormatJPEG:
		if summary := ProbeExif(rec.Raw); summary.Present {
			entry.HasExif = true
			if !summary.Taken.IsZero() {
				taken := summary.Taken
				entry.TakenAt = &taken
			}
			log.WithFields(logrus.Fields{
				"taken":       summary.Taken,
				"orientation": summary.Orientation,
				"camera":      summary.Camera,
			}).Debug("EXIF present")
		}
	}

	target, err := storage.Dedupe(filepath.Join(in.layout.InputDir(), name))
	if err != nil {
		log.Errorf("Could not allocate input path: %v", err)
		entry.MarkFailed(err.Error())
		return entry
	}
	if err := os.WriteFile(target, rec.Raw, 0644); err != nil {
		log.Errorf("Could not write input file: %v", err)
		entry.MarkFailed(fmt.Sprintf("write input: %v", err))
		return entry
	}

	entry.InputPath = target
	entry.OutputPath = filepath.Join(in.layout.OutputDir(), entry.CompressedName)
	log.WithField("format", string(format)).Debugf("Created input file %s (%d bytes)", target, len(rec.Raw))
	return entry
}

// sanitizeName strips any directory components from a submitted file name.
func sanitizeName(name string, format Format) string {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || base == "" || base == ".." {
		return "image" + format.Extension()
	}
	return base
}
