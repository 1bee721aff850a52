package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// ProgressBar counts processed images on stderr.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// NewProgressBar sizes a bar for total images.
func NewProgressBar(total int64, description string) *ProgressBar {
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionEnableColorCodes(!noColorFlag),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)

	return &ProgressBar{bar: bar}
}

// Set moves the bar to current.
func (p *ProgressBar) Set(current int64) {
	_ = p.bar.Set64(current)
}

// Describe replaces the bar's description.
func (p *ProgressBar) Describe(description string) {
	p.bar.Describe(description)
}

func (p *ProgressBar) Finish() {
	_ = p.bar.Finish()
}

// Spinner shows work of unknown length, such as a model call.
type Spinner struct {
	spinner *spinner.Spinner
}

func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	if noColorFlag {
		s.Color("reset")
	}
	return &Spinner{spinner: s}
}

func (s *Spinner) Start() {
	s.spinner.Start()
}

func (s *Spinner) Stop() {
	s.spinner.Stop()
}

// UpdateMessage swaps the suffix while the spinner runs.
func (s *Spinner) UpdateMessage(message string) {
	s.spinner.Lock()
	s.spinner.Suffix = " " + message
	s.spinner.Unlock()
}

func notify(w io.Writer, c *color.Color, symbol, format string, args []any) {
	c.Fprintf(w, "%s %s\n", symbol, fmt.Sprintf(format, args...))
}

// Error prints to stderr.
func Error(format string, args ...any) { notify(os.Stderr, errorColor, "✗", format, args) }

// Success prints a completed step.
func Success(format string, args ...any) { notify(os.Stdout, successColor, "✓", format, args) }

// Warning prints a degraded but non-fatal outcome.
func Warning(format string, args ...any) { notify(os.Stdout, warningColor, "⚠", format, args) }

// Info prints a neutral note.
func Info(format string, args ...any) { notify(os.Stdout, infoColor, "ℹ", format, args) }

// Debug prints to stderr in verbose mode only.
func Debug(format string, args ...any) {
	if verboseFlag {
		fmt.Fprintf(os.Stderr, "  %s\n", fmt.Sprintf(format, args...))
	}
}

// Newline prints a blank line.
func Newline() {
	fmt.Fprintln(os.Stdout)
}

// Section prints an underlined heading.
func Section(title string) {
	headerColor.Fprintf(os.Stdout, "\n%s\n", title)
	fmt.Fprintf(os.Stdout, "%s\n\n", strings.Repeat("=", utf8.RuneCountInString(title)))
}
