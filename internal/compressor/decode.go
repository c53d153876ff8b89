package compressor

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// openImage decodes path, applying the EXIF orientation tag when present.
func openImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// flatten composites img onto an opaque white canvas.
func flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func stem(path string) string {
	base := filepath.Base(path)
	s := strings.TrimSuffix(base, filepath.Ext(base))
	if s == "" {
		return "image"
	}
	return s
}

func lowerExt(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// IsJPEG reports whether ext names a JPEG file.
func IsJPEG(ext string) bool {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}

// IsLosslessCompatible reports whether the lossless PNG optimizer accepts ext.
func IsLosslessCompatible(ext string) bool {
	switch strings.ToLower(ext) {
	case ".png", ".webp":
		return true
	}
	return false
}
