package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/latex-ocr/internal/domain"
)

// Converter rasterises the first page of a PDF into outputPath.
type Converter interface {
	Stage() domain.RenderStage
	Convert(ctx context.Context, pdfPath, outputPath string) error
}

// ImageMagickConverter shells out to an ImageMagick-compatible convert command.
type ImageMagickConverter struct {
	Command string
	DPI     int
	Timeout time.Duration
}

func (c *ImageMagickConverter) Stage() domain.RenderStage { return domain.StageImageMagick }

// Convert succeeds only when the command exits 0 and the output file exists.
func (c *ImageMagickConverter) Convert(ctx context.Context, pdfPath, outputPath string) error {
	out, err := runCommand(ctx, c.Timeout, "", c.Command,
		"-density", strconv.Itoa(c.DPI),
		"-quality", "90",
		"-background", "white",
		"-alpha", "remove",
		pdfPath+"[0]",
		outputPath,
	)
	if err != nil {
		return fmt.Errorf("imagemagick: %w: %s", err, out)
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("imagemagick produced no output: %w", err)
	}
	return nil
}

// FitzConverter renders with MuPDF through go-fitz.
type FitzConverter struct {
	DPI    int
	Format string
}

func (c *FitzConverter) Stage() domain.RenderStage { return domain.StageFitz }

// Convert renders page one at DPI, flattened onto white.
func (c *FitzConverter) Convert(ctx context.Context, pdfPath, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return fmt.Errorf("fitz open: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return fmt.Errorf("fitz: pdf has no pages")
	}

	page, err := doc.ImageDPI(0, float64(c.DPI))
	if err != nil {
		return fmt.Errorf("fitz render: %w", err)
	}

	return writeImage(outputPath, flatten(page), c.Format)
}

// flatten composites img over an opaque white background.
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

// encodeImage writes img in the given format.
func encodeImage(w io.Writer, img image.Image, format string) error {
	switch format {
	case "jpeg", "jpg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	default:
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		return enc.Encode(w, img)
	}
}

// writeImage encodes img to path.
func writeImage(path string, img image.Image, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return domain.IOError("create image file", err)
	}
	if err := encodeImage(f, img, format); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", format, err)
	}
	if err := f.Close(); err != nil {
		return domain.IOError("close image file", err)
	}
	return nil
}

// imageSize reads the dimensions of an encoded png or jpeg without decoding pixels.
func decodable(data []byte) bool {
	w, h := imageSize(bytes.NewReader(data))
	return w > 0 && h > 0
}

func imageSize(r io.Reader) (int, int) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
