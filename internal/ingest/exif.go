package ingest

import (
	"bytes"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// ExifSummary is the subset of EXIF data logged for JPEG payloads.
type ExifSummary struct {
	Present     bool
	Taken       time.Time
	Orientation int
	Camera      string
}

// ProbeExif decodes EXIF from an in-memory JPEG. Missing or corrupt EXIF yields Present=false.
func ProbeExif(raw []byte) ExifSummary {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return ExifSummary{}
	}

	summary := ExifSummary{Present: true, Orientation: 1}

	if tm, err := x.DateTime(); err == nil {
		summary.Taken = tm
	} else if field, err := x.Get(exif.DateTimeOriginal); err == nil {
		if s, err := field.StringVal(); err == nil {
			summary.Taken = parseExifDateTime(s)
		}
	}

	if field, err := x.Get(exif.Orientation); err == nil {
		if v, err := field.Int(0); err == nil {
			summary.Orientation = v
		}
	}

	var camera []string
	for _, name := range []exif.FieldName{exif.Make, exif.Model} {
		if field, err := x.Get(name); err == nil {
			if s, err := field.StringVal(); err == nil && s != "" {
				camera = append(camera, strings.TrimSpace(s))
			}
		}
	}
	summary.Camera = strings.Join(camera, " ")

	return summary
}

func parseExifDateTime(s string) time.Time {
	for _, layout := range []string{
		"2006:01:02 15:04:05",
		"2006-01-02 15:04:05",
		"2006:01:02",
		time.RFC3339,
	} {
		if tm, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return tm
		}
	}
	return time.Time{}
}
