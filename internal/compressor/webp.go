package compressor

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"image-compressor-go/internal/storage"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// WebPAdapter encodes any decodable image as WebP, lossy at the batch quality or lossless.
type WebPAdapter struct {
	lossless bool
	opts     Options
	logger   *logrus.Logger
}

func NewWebPAdapter(lossless bool, opts Options, logger *logrus.Logger) *WebPAdapter {
	return &WebPAdapter{lossless: lossless, opts: opts, logger: logger}
}

func (a *WebPAdapter) ID() AdapterID { return AdapterWebP }

// Compress writes <stem>_compressed.webp into outputDir.
func (a *WebPAdapter) Compress(inputPath, outputDir string) (*CompressionResult, error) {
	start := time.Now()

	img, err := openImage(inputPath)
	if err != nil {
		return nil, err
	}

	// libwebp takes straight-alpha RGBA bytes; hand it NRGBA pixels under an RGBA header
	// so the encoder does not premultiply them.
	n := imaging.Clone(img)
	rgba := &image.RGBA{Pix: n.Pix, Stride: n.Stride, Rect: n.Rect}

	var buf bytes.Buffer
	opts := &webp.Options{Lossless: a.lossless, Quality: float32(a.opts.Quality)}
	if err := webp.Encode(&buf, rgba, opts); err != nil {
		return nil, fmt.Errorf("webp encode error: %w", err)
	}

	outPath, err := storage.Reserve(filepath.Join(outputDir, stem(inputPath)+"_compressed.webp"))
	if err != nil {
		return nil, err
	}
	if err := storage.WriteFileAtomic(outPath, buf.Bytes(), 0644); err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}

	res, err := buildResult(AdapterWebP, inputPath, outPath, start, a.opts.IncludeEncoded)
	if err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{
		"file":     filepath.Base(inputPath),
		"adapter":  AdapterWebP,
		"lossless": a.lossless,
	}).Debugf("Encoded %d -> %d bytes (%.1f%%)", res.OriginalSize, res.CompressedSize, res.ReductionPercent)
	return res, nil
}
