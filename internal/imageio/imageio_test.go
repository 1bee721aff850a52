package imageio

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/spherical/latex-ocr/internal/domain"
)

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(w, h)))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "equation.png", 40, 20)

	img, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, "image/png", img.MIME)
	assert.Equal(t, 40, img.Width)
	assert.Equal(t, 20, img.Height)
}

func TestLoad_ContentBeatsExtension(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(8, 8), nil))
	path := filepath.Join(dir, "mislabelled.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	img, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", img.Format)
	assert.Equal(t, "image/jpeg", img.MIME)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "notes.png")
	require.NoError(t, os.WriteFile(text, []byte("not an image at all"), 0o644))
	empty := filepath.Join(dir, "empty.png")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	for name, path := range map[string]string{
		"missing":   filepath.Join(dir, "absent.png"),
		"directory": dir,
		"text":      text,
		"empty":     empty,
		"blank":     "  ",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))
		})
	}
}

func TestPrepareUpload_PassThrough(t *testing.T) {
	path := writePNG(t, t.TempDir(), "small.png", 30, 10)
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	data, mime, err := PrepareUpload(path, 2048)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, original, data)
}

func TestPrepareUpload_Downscales(t *testing.T) {
	path := writePNG(t, t.TempDir(), "large.png", 400, 100)

	data, mime, err := PrepareUpload(path, 200)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}

func TestPrepareUpload_ReencodesBMP(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, solid(12, 6)))
	path := filepath.Join(t.TempDir(), "scan.bmp")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	data, mime, err := PrepareUpload(path, 0)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	_, err = png.DecodeConfig(bytes.NewReader(data))
	assert.NoError(t, err)
}

func TestDownscale(t *testing.T) {
	tall := Downscale(solid(50, 200), 100)
	assert.Equal(t, 25, tall.Bounds().Dx())
	assert.Equal(t, 100, tall.Bounds().Dy())

	small := solid(10, 10)
	assert.Equal(t, small, Downscale(small, 100))
}

func TestHasSupportedExtension(t *testing.T) {
	assert.True(t, HasSupportedExtension("a/B.PNG"))
	assert.True(t, HasSupportedExtension("scan.tiff"))
	assert.False(t, HasSupportedExtension("doc.pdf"))
	assert.False(t, HasSupportedExtension("noext"))
}
