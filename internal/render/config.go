package render

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the toolchain settings for a Compiler. Built once by the caller and passed by value.
type Config struct {
	EngineCommand  string        // LaTeX engine, split with shell-word rules
	ConvertCommand string        // ImageMagick-compatible converter; empty disables it
	DPI            int           // raster density for PDF conversion
	Format         string        // png or jpeg
	ProcessTimeout time.Duration // per external process
	FallbackWidth  int
	FallbackHeight int
	ExcerptLength  int // runes of markup shown on the fallback image
	CacheTTL       time.Duration
}

// DefaultConfig returns the reference toolchain settings.
func DefaultConfig() Config {
	return Config{
		EngineCommand:  "pdflatex",
		ConvertCommand: "convert",
		DPI:            300,
		Format:         "png",
		ProcessTimeout: 60 * time.Second,
		FallbackWidth:  800,
		FallbackHeight: 600,
		ExcerptLength:  200,
		CacheTTL:       24 * time.Hour,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.EngineCommand) == "" {
		c.EngineCommand = d.EngineCommand
	}
	if c.DPI <= 0 {
		c.DPI = d.DPI
	}
	c.Format = strings.ToLower(strings.TrimPrefix(c.Format, "."))
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.Format == "jpg" {
		c.Format = "jpeg"
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = d.ProcessTimeout
	}
	if c.FallbackWidth <= 0 {
		c.FallbackWidth = d.FallbackWidth
	}
	if c.FallbackHeight <= 0 {
		c.FallbackHeight = d.FallbackHeight
	}
	if c.ExcerptLength <= 0 {
		c.ExcerptLength = d.ExcerptLength
	}
	return c
}

// Validate checks the settings after defaults are applied.
func (c Config) Validate() error {
	switch c.Format {
	case "png", "jpeg":
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", c.Format)
	}
}

// extension returns the file extension for the output format
func (c Config) extension() string {
	if c.Format == "jpeg" {
		return "jpg"
	}
	return c.Format
}
