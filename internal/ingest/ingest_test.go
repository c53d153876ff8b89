package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"image-compressor-go/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIngestor(t *testing.T) (*Ingestor, *storage.Layout, *test.Hook) {
	t.Helper()
	layout, err := storage.Initialize(t.TempDir())
	require.NoError(t, err)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewIngestor(layout, logger), layout, hook
}

func dataURL(raw []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	img.Set(0, 0, color.NRGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSniff(t *testing.T) {
	webp := append([]byte("RIFF\x00\x00\x00\x00WEBP"), 0x00)
	cases := map[string]struct {
		data []byte
		want Format
	}{
		"jpeg":       {[]byte{0xFF, 0xD8, 0xFF, 0xE0}, FormatJPEG},
		"png":        {[]byte{0x89, 0x50, 0x4E, 0x47, 0x0D}, FormatPNG},
		"gif":        {[]byte("GIF89a"), FormatGIF},
		"webp":       {webp, FormatWebP},
		"riff-wav":   {[]byte("RIFF\x00\x00\x00\x00WAVE"), FormatUnknown},
		"short-riff": {[]byte("RIFF"), FormatUnknown},
		"bmp":        {[]byte("BM\x00\x00"), FormatBMP},
		"text":       {[]byte("hello"), FormatUnknown},
		"empty":      {nil, FormatUnknown},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sniff(tc.data))
		})
	}
}

func TestIngestWritesFilesInOrder(t *testing.T) {
	ing, layout, _ := newIngestor(t)
	raw := pngBytes(t)

	entries, err := ing.Ingest([]ImageData{
		{Filename: "a.png", Data: dataURL(raw)},
		{Filename: "b.png", Data: dataURL(raw)},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for i, e := range entries {
		assert.Equal(t, i, e.Index)
		assert.Nil(t, e.CompressedSize)
		assert.Equal(t, int64(len(raw)), e.OriginalSize)
		data, err := os.ReadFile(e.InputPath)
		require.NoError(t, err)
		assert.Equal(t, raw, data)
	}
	assert.Equal(t, filepath.Join(layout.InputDir(), "a.png"), entries[0].InputPath)
	assert.Equal(t, "a_compressed.png", entries[0].CompressedName)
}

func TestIngestClearsInputArea(t *testing.T) {
	ing, layout, _ := newIngestor(t)
	stale := filepath.Join(layout.InputDir(), "stale.png")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	_, err := ing.Ingest([]ImageData{{Filename: "new.png", Data: dataURL(pngBytes(t))}})
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestIngestDuplicateNamesBothSurvive(t *testing.T) {
	ing, layout, _ := newIngestor(t)
	raw := pngBytes(t)

	entries, err := ing.Ingest([]ImageData{
		{Filename: "cat.png", Data: dataURL(raw)},
		{Filename: "cat.png", Data: dataURL(raw)},
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(layout.InputDir(), "cat.png"), entries[0].InputPath)
	assert.Equal(t, filepath.Join(layout.InputDir(), "cat_1.png"), entries[1].InputPath)
	assert.Equal(t, "cat.png", entries[1].OriginalName)
}

func TestIngestEmptyPayloadIsItemFailure(t *testing.T) {
	ing, _, hook := newIngestor(t)

	entries, err := ing.Ingest([]ImageData{
		{Filename: "empty.jpg", Data: "data:image/jpeg;base64,"},
		{Filename: "ok.png", Data: dataURL(pngBytes(t))},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.False(t, entries[0].Staged())
	assert.Equal(t, "empty_failed.jpg", entries[0].CompressedName)
	assert.Equal(t, "empty payload", entries[0].Error)
	assert.True(t, entries[1].Staged())

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestIngestUnknownSignatureIsStaged(t *testing.T) {
	ing, _, hook := newIngestor(t)

	entries, err := ing.Ingest([]ImageData{{Filename: "mystery.bin", Data: dataURL([]byte("not an image"))}})
	require.NoError(t, err)
	assert.True(t, entries[0].Staged())

	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "Unknown image signature, attempting to process anyway" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestIngestMalformedPayloadFailsBatch(t *testing.T) {
	ing, _, _ := newIngestor(t)

	_, err := ing.Ingest([]ImageData{
		{Filename: "ok.png", Data: dataURL(pngBytes(t))},
		{Filename: "bad.png", Data: "no-comma-here"},
	})
	assert.Error(t, err)
}

func TestIngestAllInvalidFailsBatch(t *testing.T) {
	ing, _, _ := newIngestor(t)

	entries, err := ing.Ingest([]ImageData{
		{Filename: "a.png", Data: "data:image/png;base64,"},
		{Filename: "b.png", Data: "data:image/png;base64,"},
	})
	assert.ErrorIs(t, err, ErrNoValidImages)
	assert.Len(t, entries, 2)
}

func TestIngestStripsDirectoryComponents(t *testing.T) {
	ing, layout, _ := newIngestor(t)

	entries, err := ing.Ingest([]ImageData{
		{Filename: "../../etc/evil.png", Data: dataURL(pngBytes(t))},
		{Filename: `C:\Users\me\win.png`, Data: dataURL(pngBytes(t))},
		{Filename: "", Data: dataURL(pngBytes(t))},
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(layout.InputDir(), "evil.png"), entries[0].InputPath)
	assert.Equal(t, filepath.Join(layout.InputDir(), "win.png"), entries[1].InputPath)
	assert.Equal(t, filepath.Join(layout.InputDir(), "image.png"), entries[2].InputPath)
}

func TestProbeExifWithoutExif(t *testing.T) {
	assert.False(t, ProbeExif([]byte{0xFF, 0xD8, 0xFF, 0xD9}).Present)
}

// jpegWithExif returns a small JPEG whose APP1 segment holds Make and DateTime in IFD0.
func jpegWithExif(t *testing.T) []byte {
	t.Helper()
	var img bytes.Buffer
	require.NoError(t, jpeg.Encode(&img, image.NewGray(image.Rect(0, 0, 8, 8)), nil))

	le := binary.LittleEndian
	tiff := make([]byte, 66)
	copy(tiff, "II")
	le.PutUint16(tiff[2:], 42)
	le.PutUint32(tiff[4:], 8)
	le.PutUint16(tiff[8:], 2)
	entry := func(at int, tag uint16, count, offset uint32) {
		le.PutUint16(tiff[at:], tag)
		le.PutUint16(tiff[at+2:], 2)
		le.PutUint32(tiff[at+4:], count)
		le.PutUint32(tiff[at+8:], offset)
	}
	entry(10, 0x010F, 8, 58)
	entry(22, 0x0132, 20, 38)
	copy(tiff[38:], "2024:05:06 07:08:09\x00")
	copy(tiff[58:], "TestCam\x00")

	payload := append([]byte("Exif\x00\x00"), tiff...)
	var out bytes.Buffer
	out.Write(img.Bytes()[:2])
	out.Write([]byte{0xFF, 0xE1})
	require.NoError(t, binary.Write(&out, binary.BigEndian, uint16(len(payload)+2)))
	out.Write(payload)
	out.Write(img.Bytes()[2:])
	return out.Bytes()
}

func TestProbeExifReadsCameraAndDate(t *testing.T) {
	summary := ProbeExif(jpegWithExif(t))
	require.True(t, summary.Present)
	assert.Equal(t, "TestCam", summary.Camera)
	assert.Equal(t, 2024, summary.Taken.Year())
	assert.Equal(t, time.May, summary.Taken.Month())
	assert.Equal(t, 9, summary.Taken.Second())
}

func TestIngestRecordsExif(t *testing.T) {
	ing, _, _ := newIngestor(t)
	raw := jpegWithExif(t)
	plain := bytes.Buffer{}
	require.NoError(t, jpeg.Encode(&plain, image.NewGray(image.Rect(0, 0, 8, 8)), nil))

	entries, err := ing.Ingest([]ImageData{
		{Filename: "cam.jpg", Data: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw)},
		{Filename: "plain.jpg", Data: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(plain.Bytes())},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.True(t, entries[0].HasExif)
	require.NotNil(t, entries[0].TakenAt)
	assert.Equal(t, 6, entries[0].TakenAt.Day())
	assert.False(t, entries[1].HasExif)
	assert.Nil(t, entries[1].TakenAt)
}
