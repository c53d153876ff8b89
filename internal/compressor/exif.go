package compressor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/barasher/go-exiftool"
	"github.com/rwcarlsen/goexif/exif"
)

var errExiftoolMissing = errors.New("exiftool not available")

// Tags checked on the destination after a copy. Tags absent from the source are skipped.
var verifiedTags = []string{"Make", "Model", "DateTimeOriginal", "Artist", "Copyright", "ImageDescription"}

// ExifCopier carries EXIF tags from an original JPEG onto its re-encoded output.
// Orientation is excluded because the pixels are already rotated on decode.
type ExifCopier struct {
	once      sync.Once
	available bool
}

// Available reports whether the exiftool binary can be started.
func (c *ExifCopier) Available() bool {
	c.once.Do(func() {
		et, err := exiftool.NewExiftool()
		if err != nil {
			return
		}
		_ = et.Close()
		c.available = true
	})
	return c.available
}

// Copy copies tags from src to dst and reads dst back to confirm they landed.
// A src without EXIF is a no-op.
func (c *ExifCopier) Copy(src, dst string) error {
	if !hasExif(src) {
		return nil
	}
	if !c.Available() {
		return errExiftoolMissing
	}
	cmd := exec.Command("exiftool", "-TagsFromFile", src, "-all:all", "--Orientation", "-overwrite_original", dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("exiftool copy failed: %v: %s", err, out)
	}
	return verifyExifCopy(src, dst)
}

func verifyExifCopy(src, dst string) error {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return err
	}
	defer et.Close()

	files := et.ExtractMetadata(src, dst)
	for _, f := range files {
		if f.Err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(f.File), f.Err)
		}
	}
	want, got := files[0], files[1]
	for _, tag := range verifiedTags {
		v, err := want.GetString(tag)
		if err != nil {
			continue
		}
		if g, err := got.GetString(tag); err != nil || g != v {
			return fmt.Errorf("tag %s was not copied", tag)
		}
	}
	if _, ok := got.Fields["Orientation"]; ok {
		return errors.New("orientation was copied onto rotated pixels")
	}
	return nil
}

func hasExif(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = exif.Decode(f)
	return err == nil
}
