package compressor

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/barasher/go-exiftool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireExiftool(t *testing.T) *exiftool.Exiftool {
	t.Helper()
	if _, err := exec.LookPath("exiftool"); err != nil {
		t.Skip("exiftool not installed")
	}
	et, err := exiftool.NewExiftool()
	require.NoError(t, err)
	t.Cleanup(func() { _ = et.Close() })
	return et
}

func tagJPEG(t *testing.T, et *exiftool.Exiftool, path string, tags map[string]string) {
	t.Helper()
	md := exiftool.EmptyFileMetadata()
	md.File = path
	for k, v := range tags {
		md.SetString(k, v)
	}
	mds := []exiftool.FileMetadata{md}
	et.WriteMetadata(mds)
	require.NoError(t, mds[0].Err)
}

func TestExifCopySkipsSourceWithoutExif(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain.jpg")
	dst := filepath.Join(dir, "out.jpg")
	writeJPEG(t, src, gradient(8, 8))
	writeJPEG(t, dst, gradient(8, 8))

	assert.NoError(t, (&ExifCopier{}).Copy(src, dst))
}

func TestJPEGAdapterPreservesExif(t *testing.T) {
	et := requireExiftool(t)

	in := filepath.Join(t.TempDir(), "holiday.jpg")
	writeJPEG(t, in, gradient(32, 32))
	tagJPEG(t, et, in, map[string]string{
		"Artist":      "Test Author",
		"Make":        "TestCam",
		"Orientation": "Rotate 90 CW",
	})

	res, err := NewJPEGAdapter(Options{Quality: 75, PreserveExif: true}, quietLogger()).Compress(in, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, res.Message)

	out := et.ExtractMetadata(res.CompressedPath)
	require.NoError(t, out[0].Err)
	artist, err := out[0].GetString("Artist")
	require.NoError(t, err)
	assert.Equal(t, "Test Author", artist)
	camera, err := out[0].GetString("Make")
	require.NoError(t, err)
	assert.Equal(t, "TestCam", camera)
	assert.NotContains(t, out[0].Fields, "Orientation")
}

func TestVerifyExifCopyDetectsMissingTags(t *testing.T) {
	et := requireExiftool(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "src.jpg")
	dst := filepath.Join(dir, "dst.jpg")
	writeJPEG(t, src, gradient(8, 8))
	writeJPEG(t, dst, gradient(8, 8))
	tagJPEG(t, et, src, map[string]string{"Artist": "Someone"})

	err := verifyExifCopy(src, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Artist")

	tagJPEG(t, et, dst, map[string]string{"Artist": "Someone"})
	assert.NoError(t, verifyExifCopy(src, dst))
}
