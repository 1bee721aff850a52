package ui

import (
	"os"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// BatchProgress tracks a parallel batch with one bar for processed images
// and one for converged ones.
type BatchProgress struct {
	progress  *mpb.Progress
	processed *mpb.Bar
	converged *mpb.Bar
}

// NewBatchProgress creates both bars sized for total images.
func NewBatchProgress(total int64) *BatchProgress {
	p := mpb.New(mpb.WithWidth(48), mpb.WithOutput(os.Stderr))
	return &BatchProgress{
		progress:  p,
		processed: p.AddBar(total, barDecorators("Processed", true)...),
		converged: p.AddBar(total, barDecorators("Converged", false)...),
	}
}

func barDecorators(name string, eta bool) []mpb.BarOption {
	appended := []decor.Decorator{decor.Percentage(decor.WC{W: 5})}
	if eta {
		appended = append(appended, decor.OnComplete(
			decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 10}), " done",
		))
	}
	return []mpb.BarOption{
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: 10, C: decor.DSyncSpaceR}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(appended...),
	}
}

// Record advances the bars for one finished image.
func (b *BatchProgress) Record(success bool) {
	b.processed.Increment()
	if success {
		b.converged.Increment()
	}
}

// Finish stops both bars and waits for the final render. When stdout is not
// a terminal the bars are shut down without waiting.
func (b *BatchProgress) Finish() {
	for _, bar := range []*mpb.Bar{b.processed, b.converged} {
		if !bar.Completed() {
			bar.Abort(false)
		}
	}
	if IsTerminal() {
		b.progress.Wait()
		return
	}
	b.progress.Shutdown()
}

// IsTerminal reports whether stdout is a character device.
func IsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
