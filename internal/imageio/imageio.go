// Package imageio loads and validates source images and prepares them for upload.
package imageio

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthonynsimon/bild/transform"
	"github.com/h2non/filetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spherical/latex-ocr/internal/domain"
)

// SupportedExtensions lists the image extensions accepted as source images.
var SupportedExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".gif", ".tiff", ".tif", ".webp"}

// uploadMIME lists formats vision APIs accept without re-encoding.
var uploadMIME = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Validator provides input validation for image files
type Validator struct {
	MaxBytes int64
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{MaxBytes: 50 * 1024 * 1024}
}

// ValidateImagePath checks that path names a readable regular file
func (v *Validator) ValidateImagePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.ValidationError("image path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ValidationError(fmt.Sprintf("image does not exist: %s", path), err)
		}
		return domain.ValidationError(fmt.Sprintf("cannot access image: %s", path), err)
	}

	if info.IsDir() {
		return domain.ValidationError(fmt.Sprintf("path is a directory, not a file: %s", path), nil)
	}

	if info.Size() == 0 {
		return domain.ValidationError(fmt.Sprintf("image is empty: %s", path), nil)
	}

	if v.MaxBytes > 0 && info.Size() > v.MaxBytes {
		return domain.ValidationError(fmt.Sprintf("image exceeds %d MB: %s", v.MaxBytes/(1024*1024), path), nil)
	}

	return nil
}

// HasSupportedExtension reports whether path ends in one of SupportedExtensions
func HasSupportedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Load validates path and reads the image header. The content, not the
// extension, decides the format.
func Load(path string) (*domain.SourceImage, error) {
	if err := NewValidator().ValidateImagePath(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.ValidationError(fmt.Sprintf("cannot read image: %s", path), err)
	}

	kind, err := filetype.Match(data)
	if err != nil || !filetype.IsImage(data) {
		return nil, domain.ValidationError(fmt.Sprintf("not an image file: %s", path), err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, domain.ValidationError(fmt.Sprintf("unsupported or corrupt image (%s): %s", kind.MIME.Value, path), err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, domain.ValidationError(fmt.Sprintf("image has no pixels: %s", path), nil)
	}

	return &domain.SourceImage{
		Path:   path,
		Format: format,
		MIME:   kind.MIME.Value,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

// PrepareUpload returns image bytes and MIME type ready for a vision API.
// Formats the APIs do not accept, and images whose longest side exceeds
// maxDimension, are decoded, downscaled and re-encoded as PNG. A
// non-positive maxDimension disables downscaling.
func PrepareUpload(path string, maxDimension int) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", domain.IOError(fmt.Sprintf("read image %s", path), err)
	}

	kind, err := filetype.Match(data)
	if err != nil {
		return nil, "", domain.ValidationError(fmt.Sprintf("detect image type: %s", path), err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", domain.ValidationError(fmt.Sprintf("decode image header: %s", path), err)
	}

	oversized := maxDimension > 0 && (cfg.Width > maxDimension || cfg.Height > maxDimension)
	if uploadMIME[kind.MIME.Value] && !oversized {
		return data, kind.MIME.Value, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", domain.ValidationError(fmt.Sprintf("decode image: %s", path), err)
	}
	if oversized {
		img = Downscale(img, maxDimension)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), "image/png", nil
}

// Downscale shrinks img so its longest side is at most maxDimension, keeping the aspect ratio.
func Downscale(img image.Image, maxDimension int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDimension <= 0 || (w <= maxDimension && h <= maxDimension) {
		return img
	}

	if w >= h {
		h = max(1, h*maxDimension/w)
		w = maxDimension
	} else {
		w = max(1, w*maxDimension/h)
		h = maxDimension
	}
	return transform.Resize(img, w, h, transform.Lanczos)
}
