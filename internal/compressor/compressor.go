package compressor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"image-compressor-go/internal/transport"
)

// AdapterID names a codec adapter.
type AdapterID string

const (
	AdapterJPEG AdapterID = "jpeg"
	AdapterPNG  AdapterID = "png"
	AdapterWebP AdapterID = "webp"

	// AdapterExternal marks results produced by an out-of-process tool.
	AdapterExternal AdapterID = "external"
)

// ErrUnsupportedInput is returned by an adapter asked to handle a file it cannot process.
var ErrUnsupportedInput = errors.New("compressor: unsupported input for adapter")

// CompressionResult describes one successfully compressed file.
// ReductionPercent is signed: negative means the output grew.
type CompressionResult struct {
	OriginalPath      string    `json:"original_path"`
	CompressedPath    string    `json:"compressed_path"`
	OriginalSize      int64     `json:"original_size"`
	CompressedSize    int64     `json:"compressed_size"`
	ReductionPercent  float64   `json:"reduction_percent"`
	OriginalEncoded   string    `json:"original_encoded,omitempty"`
	CompressedEncoded string    `json:"compressed_encoded,omitempty"`
	Adapter           AdapterID `json:"adapter"`
	Message           string    `json:"message,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

// ItemFailure records a file that could not be compressed.
type ItemFailure struct {
	InputPath string    `json:"input_path"`
	Adapter   AdapterID `json:"adapter"`
	Message   string    `json:"error"`
	Err       error     `json:"-"`
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.InputPath, f.Message)
}

func (f ItemFailure) Unwrap() error { return f.Err }

// Adapter compresses a single file into outputDir.
type Adapter interface {
	ID() AdapterID
	Compress(inputPath, outputDir string) (*CompressionResult, error)
}

// Options tune adapter behavior. Quality is on the 1..100 scale.
type Options struct {
	Quality        float64
	Progressive    bool
	JpegtranPath   string
	PreserveExif   bool
	IncludeEncoded bool
}

// ReductionPercent returns the signed size reduction of compressed relative to original.
func ReductionPercent(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(original-compressed) * 100 / float64(original)
}

// buildResult stats both files and fills a CompressionResult. Sizes always come from disk.
func buildResult(id AdapterID, inputPath, outputPath string, started time.Time, includeEncoded bool) (*CompressionResult, error) {
	origInfo, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("stat original: %w", err)
	}
	compInfo, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("stat compressed: %w", err)
	}

	res := &CompressionResult{
		OriginalPath:     inputPath,
		CompressedPath:   outputPath,
		OriginalSize:     origInfo.Size(),
		CompressedSize:   compInfo.Size(),
		ReductionPercent: ReductionPercent(origInfo.Size(), compInfo.Size()),
		Adapter:          id,
		StartedAt:        started,
	}

	if includeEncoded {
		if res.OriginalEncoded, err = transport.EncodeFile(inputPath); err != nil {
			return nil, fmt.Errorf("encode original: %w", err)
		}
		if res.CompressedEncoded, err = transport.EncodeFile(outputPath); err != nil {
			return nil, fmt.Errorf("encode compressed: %w", err)
		}
	}

	res.FinishedAt = time.Now()
	return res, nil
}
