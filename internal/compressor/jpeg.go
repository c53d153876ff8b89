package compressor

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"image-compressor-go/internal/storage"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// JPEGAdapter re-encodes any decodable image as a lossy JPEG.
type JPEGAdapter struct {
	opts   Options
	exif   *ExifCopier
	logger *logrus.Logger

	lookOnce sync.Once
	jpegtran string
}

// NewJPEGAdapter returns a JPEG adapter. Options.Quality is used as the encoder quality.
func NewJPEGAdapter(opts Options, logger *logrus.Logger) *JPEGAdapter {
	a := &JPEGAdapter{opts: opts, logger: logger}
	if opts.PreserveExif {
		a.exif = &ExifCopier{}
	}
	return a
}

func (a *JPEGAdapter) ID() AdapterID { return AdapterJPEG }

func (a *JPEGAdapter) quality() int {
	q := int(a.opts.Quality + 0.5)
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

// Compress writes <stem>_compressed.jpg into outputDir.
func (a *JPEGAdapter) Compress(inputPath, outputDir string) (*CompressionResult, error) {
	start := time.Now()
	log := a.logger.WithFields(logrus.Fields{
		"file":    filepath.Base(inputPath),
		"adapter": AdapterJPEG,
	})

	img, err := openImage(inputPath)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flatten(img), imaging.JPEG, imaging.JPEGQuality(a.quality())); err != nil {
		return nil, fmt.Errorf("encode error: %w", err)
	}

	outPath, err := storage.Reserve(filepath.Join(outputDir, stem(inputPath)+"_compressed.jpg"))
	if err != nil {
		return nil, err
	}
	if err := storage.WriteFileAtomic(outPath, buf.Bytes(), 0644); err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}

	var message string
	if a.opts.Progressive {
		if err := a.makeProgressive(outPath); err != nil {
			log.Debugf("Keeping baseline JPEG: %v", err)
		}
	}
	if a.exif != nil {
		if err := a.exif.Copy(inputPath, outPath); err != nil {
			message = fmt.Sprintf("warning: exif not copied: %v", err)
			log.Warn(message)
		}
	}

	res, err := buildResult(AdapterJPEG, inputPath, outPath, start, a.opts.IncludeEncoded)
	if err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}
	res.Message = message
	log.Debugf("Compressed %d -> %d bytes (%.1f%%)", res.OriginalSize, res.CompressedSize, res.ReductionPercent)
	return res, nil
}

func (a *JPEGAdapter) jpegtranPath() string {
	a.lookOnce.Do(func() {
		name := a.opts.JpegtranPath
		if name == "" {
			name = "jpegtran"
		}
		if p, err := exec.LookPath(name); err == nil {
			a.jpegtran = p
		}
	})
	return a.jpegtran
}

// makeProgressive losslessly rewrites path as a progressive, Huffman-optimized JPEG.
func (a *JPEGAdapter) makeProgressive(path string) error {
	bin := a.jpegtranPath()
	if bin == "" {
		return fmt.Errorf("jpegtran not found")
	}
	tmpPath := path + ".prog"
	cmd := exec.Command(bin, "-copy", "none", "-optimize", "-progressive", "-outfile", tmpPath, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("jpegtran: %v: %s", err, out)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
