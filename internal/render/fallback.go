package render

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"unicode/utf8"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	fallbackHeading = "LaTeX Compilation Failed"
	fallbackLabel   = "Original LaTeX code:"
	fallbackMargin  = 10
)

// FallbackText returns the message drawn on the fallback image.
func FallbackText(markup string, excerptLength int) string {
	excerpt := markup
	truncated := false
	if utf8.RuneCountInString(markup) > excerptLength {
		excerpt = string([]rune(markup)[:excerptLength])
		truncated = true
	}

	text := fallbackHeading + "\n\n" + fallbackLabel + "\n" + excerpt
	if truncated {
		text += "..."
	}
	return text
}

// FallbackImage draws the fallback message onto a white canvas and encodes it
// in format. The same inputs always produce the same bytes.
func FallbackImage(markup, format string, width, height, excerptLength int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}

	lineHeight := face.Metrics().Height.Ceil()
	maxRunes := (width - 2*fallbackMargin) / face.Advance
	y := fallbackMargin + face.Metrics().Ascent.Ceil()

	for _, line := range wrapLines(FallbackText(markup, excerptLength), maxRunes) {
		if y > height-fallbackMargin {
			break
		}
		drawer.Dot = fixed.P(fallbackMargin, y)
		drawer.DrawString(line)
		y += lineHeight
	}

	var buf bytes.Buffer
	if err := encodeImage(&buf, img, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// wrapLines splits text on newlines and hard-wraps lines longer than width runes.
func wrapLines(text string, width int) []string {
	if width < 1 {
		width = 1
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.ReplaceAll(line, "\t", "    ")
		runes := []rune(line)
		for len(runes) > width {
			lines = append(lines, string(runes[:width]))
			runes = runes[width:]
		}
		lines = append(lines, string(runes))
	}
	return lines
}
