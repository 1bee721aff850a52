package domain

import "context"

// ContentPart is one ordered element of a vision-model request: instruction text or an image
type ContentPart struct {
	Text      string
	ImagePath string
}

// TextPart builds a text content part
func TextPart(text string) ContentPart {
	return ContentPart{Text: text}
}

// ImagePart builds an image content part
func ImagePart(path string) ContentPart {
	return ContentPart{ImagePath: path}
}

// IsImage reports whether the part references an image
func (p ContentPart) IsImage() bool {
	return p.ImagePath != ""
}

// CallMetadata carries correlation identifiers passed through to the model backend
type CallMetadata struct {
	GenerationName string
	TraceID        string
	SessionID      string
	Tags           []string
}

// VisionModel is the contract for any backend that reads images and text and returns text
type VisionModel interface {
	// Invoke sends the ordered parts and returns the model's text reply
	Invoke(ctx context.Context, parts []ContentPart, meta CallMetadata) (string, error)
}

// Renderer turns LaTeX source into a raster image
type Renderer interface {
	// Render compiles markup to an image at outputPath (a fresh temp file when empty).
	// Toolchain failures produce a degraded fallback image, not an error.
	Render(ctx context.Context, markup string, outputPath string) (*RenderOutcome, error)
}

// Comparator scores a rendered image against the original
type Comparator interface {
	// Compare never fails; call and parse failures are encoded in the verdict
	Compare(ctx context.Context, originalPath, generatedPath, markup string, meta CallMetadata) ComparisonVerdict
}
