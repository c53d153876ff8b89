package ingest

import "bytes"

// Format is an image container recognised from its leading bytes.
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
)

var (
	sigJPEG = []byte{0xFF, 0xD8, 0xFF}
	sigPNG  = []byte{0x89, 0x50, 0x4E, 0x47}
	sigGIF  = []byte{0x47, 0x49, 0x46, 0x38}
	sigRIFF = []byte("RIFF")
	sigWEBP = []byte("WEBP")
	sigBMP  = []byte{0x42, 0x4D}
)

// Sniff matches data against the known magic numbers.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, sigJPEG):
		return FormatJPEG
	case bytes.HasPrefix(data, sigPNG):
		return FormatPNG
	case bytes.HasPrefix(data, sigGIF):
		return FormatGIF
	case len(data) >= 12 && bytes.HasPrefix(data, sigRIFF) && bytes.Equal(data[8:12], sigWEBP):
		return FormatWebP
	case bytes.HasPrefix(data, sigBMP):
		return FormatBMP
	default:
		return FormatUnknown
	}
}

// Extension returns the canonical file extension for a format.
func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatPNG:
		return ".png"
	case FormatGIF:
		return ".gif"
	case FormatWebP:
		return ".webp"
	case FormatBMP:
		return ".bmp"
	default:
		return ""
	}
}
