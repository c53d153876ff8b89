package compressor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"image-compressor-go/internal/storage"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

var (
	errNotPNG        = errors.New("not a PNG stream")
	errAnimatedPNG   = errors.New("animated PNG")
	errHighPrecision = errors.New("16-bit image cannot be re-encoded losslessly")
)

// Ancillary chunks kept by the optimizer. Everything else that is not critical is dropped.
var keptChunks = map[string]bool{
	"tRNS": true,
	"gAMA": true,
	"cHRM": true,
	"sRGB": true,
	"iCCP": true,
	"sBIT": true,
	"pHYs": true,
}

// PNGAdapter performs lossless optimization of PNG and WebP inputs, always writing PNG.
type PNGAdapter struct {
	opts   Options
	logger *logrus.Logger
}

func NewPNGAdapter(opts Options, logger *logrus.Logger) *PNGAdapter {
	return &PNGAdapter{opts: opts, logger: logger}
}

func (a *PNGAdapter) ID() AdapterID { return AdapterPNG }

// Compress copies the input to <stem>_compressed.png and optimizes the copy in place.
func (a *PNGAdapter) Compress(inputPath, outputDir string) (*CompressionResult, error) {
	start := time.Now()
	if !IsLosslessCompatible(lowerExt(inputPath)) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInput, filepath.Base(inputPath))
	}

	outPath, err := storage.Reserve(filepath.Join(outputDir, stem(inputPath)+"_compressed.png"))
	if err != nil {
		return nil, err
	}
	if err := storage.CopyFile(inputPath, outPath); err != nil {
		_ = os.Remove(outPath)
		return nil, fmt.Errorf("copy error: %w", err)
	}
	if err := a.optimize(outPath); err != nil {
		_ = os.Remove(outPath)
		return nil, fmt.Errorf("optimize error: %w", err)
	}

	res, err := buildResult(AdapterPNG, inputPath, outPath, start, a.opts.IncludeEncoded)
	if err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{
		"file":    filepath.Base(inputPath),
		"adapter": AdapterPNG,
	}).Debugf("Optimized %d -> %d bytes (%.1f%%)", res.OriginalSize, res.CompressedSize, res.ReductionPercent)
	return res, nil
}

// optimize rewrites path with the smallest lossless PNG encoding found.
// A PNG that cannot be improved is left byte-for-byte unchanged.
func (a *PNGAdapter) optimize(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	isPNG := bytes.HasPrefix(src, pngSignature)

	var best []byte
	if isPNG {
		best = src
		if out, err := recompressPNG(src); err == nil {
			if len(out) < len(best) {
				best = out
			}
		} else {
			a.logger.WithField("file", filepath.Base(path)).Debugf("Chunk rewrite skipped: %v", err)
		}
	}

	out, err := reencodePNG(src)
	if err == nil && isPNG {
		out, err = restoreAncillary(src, out)
	}
	switch {
	case err == nil:
		if best == nil || len(out) < len(best) {
			best = out
		}
	case !isPNG:
		return err
	default:
		a.logger.WithField("file", filepath.Base(path)).Debugf("Re-encode skipped: %v", err)
	}

	if isPNG && len(best) == len(src) {
		return nil
	}
	return storage.WriteFileAtomic(path, best, 0644)
}

type pngChunk struct {
	typ  string
	data []byte
	raw  []byte
}

func readChunks(src []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(src, pngSignature) {
		return nil, errNotPNG
	}
	var chunks []pngChunk
	pos := len(pngSignature)
	for pos < len(src) {
		if len(src)-pos < 12 {
			return nil, fmt.Errorf("truncated chunk at offset %d", pos)
		}
		length := int(binary.BigEndian.Uint32(src[pos:]))
		end := pos + 12 + length
		if length < 0 || end > len(src) {
			return nil, fmt.Errorf("chunk length %d overruns stream", length)
		}
		chunks = append(chunks, pngChunk{
			typ:  string(src[pos+4 : pos+8]),
			data: src[pos+8 : pos+8+length],
			raw:  src[pos:end],
		})
		pos = end
		if chunks[len(chunks)-1].typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

func writeChunk(w *bytes.Buffer, typ string, data []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], typ)
	w.Write(hdr[:])
	w.Write(data)
	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}

// recompressPNG strips non-essential ancillary chunks and re-deflates the image data
// into a single IDAT at maximum effort. Pixel data is untouched.
func recompressPNG(src []byte) ([]byte, error) {
	chunks, err := readChunks(src)
	if err != nil {
		return nil, err
	}

	var idat bytes.Buffer
	for _, c := range chunks {
		switch c.typ {
		case "acTL", "fcTL", "fdAT":
			return nil, errAnimatedPNG
		case "IDAT":
			idat.Write(c.data)
		}
	}
	if idat.Len() == 0 {
		return nil, errors.New("no IDAT chunk")
	}

	zr, err := zlib.NewReader(&idat)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	filtered, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}

	var deflated bytes.Buffer
	zw, err := zlib.NewWriterLevel(&deflated, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(filtered); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(pngSignature)
	wroteIDAT := false
	for _, c := range chunks {
		switch {
		case c.typ == "IDAT":
			if !wroteIDAT {
				writeChunk(&out, "IDAT", deflated.Bytes())
				wroteIDAT = true
			}
		case c.typ == "IHDR" || c.typ == "PLTE" || c.typ == "IEND" || keptChunks[c.typ]:
			out.Write(c.raw)
		}
	}
	return out.Bytes(), nil
}

// restoreAncillary copies the color and physical chunks of src into a re-encoded
// stream, right after its IHDR. tRNS is recomputed by the encoder and never copied.
// sBIT is only carried when the color type is unchanged.
func restoreAncillary(src, out []byte) ([]byte, error) {
	srcChunks, err := readChunks(src)
	if err != nil {
		return nil, err
	}
	outChunks, err := readChunks(out)
	if err != nil {
		return nil, err
	}
	if len(srcChunks) == 0 || len(outChunks) == 0 || srcChunks[0].typ != "IHDR" || outChunks[0].typ != "IHDR" {
		return nil, errors.New("missing IHDR")
	}
	srcType, outType := colorType(srcChunks[0]), colorType(outChunks[0])

	var carried []pngChunk
	for _, c := range srcChunks {
		switch {
		case !keptChunks[c.typ] || c.typ == "tRNS":
		case c.typ == "sBIT" && srcType != outType:
		case c.typ == "iCCP" && isGrayType(outType) && !isGrayType(srcType):
			return nil, errors.New("color profile does not fit a gray encoding")
		default:
			carried = append(carried, c)
		}
	}
	if len(carried) == 0 {
		return out, nil
	}

	var buf bytes.Buffer
	buf.Write(pngSignature)
	for i, c := range outChunks {
		buf.Write(c.raw)
		if i == 0 {
			for _, a := range carried {
				buf.Write(a.raw)
			}
		}
	}
	return buf.Bytes(), nil
}

func colorType(ihdr pngChunk) byte {
	if len(ihdr.data) < 10 {
		return 0xff
	}
	return ihdr.data[9]
}

func isGrayType(t byte) bool { return t == 0 || t == 4 }

// reencodePNG decodes src and encodes it with the narrowest exact color model:
// palette when there are at most 256 colors, gray when every pixel is opaque gray.
func reencodePNG(src []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	switch img.(type) {
	case *image.NRGBA64, *image.RGBA64, *image.Gray16:
		return nil, errHighPrecision
	}

	nrgba := imaging.Clone(img)
	var target image.Image = nrgba
	if p := tryPalettize(nrgba, 256); p != nil {
		target = p
	} else if isOpaqueGray(nrgba) {
		target = toGray(nrgba)
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, target); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

func tryPalettize(img *image.NRGBA, maxColors int) *image.Paletted {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	colorIndex := make(map[[4]uint8]uint8)
	palette := make(color.Palette, 0, maxColors)
	for y := 0; y < h; y++ {
		off := y * img.Stride
		for x := 0; x < w; x++ {
			i := off + x*4
			key := [4]uint8{img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3]}
			if _, ok := colorIndex[key]; ok {
				continue
			}
			if len(palette) == maxColors {
				return nil
			}
			colorIndex[key] = uint8(len(palette))
			palette = append(palette, color.NRGBA{key[0], key[1], key[2], key[3]})
		}
	}

	paletted := image.NewPaletted(image.Rect(0, 0, w, h), palette)
	for y := 0; y < h; y++ {
		srcOff := y * img.Stride
		dstOff := y * paletted.Stride
		for x := 0; x < w; x++ {
			i := srcOff + x*4
			paletted.Pix[dstOff+x] = colorIndex[[4]uint8{img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3]}]
		}
	}
	return paletted
}

func isOpaqueGray(img *image.NRGBA) bool {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	for y := 0; y < h; y++ {
		off := y * img.Stride
		for x := 0; x < w; x++ {
			i := off + x*4
			if img.Pix[i+3] != 0xff || img.Pix[i] != img.Pix[i+1] || img.Pix[i+1] != img.Pix[i+2] {
				return false
			}
		}
	}
	return true
}

func toGray(img *image.NRGBA) *image.Gray {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	gray := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srcOff := y * img.Stride
		dstOff := y * gray.Stride
		for x := 0; x < w; x++ {
			gray.Pix[dstOff+x] = img.Pix[srcOff+x*4]
		}
	}
	return gray
}
