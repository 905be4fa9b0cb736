// Package progress renders a progress bar for long running stages.
package progress

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

type Bar struct {
	bar *progressbar.ProgressBar
}

// New returns a bar for max units of work, rendered to stderr.
func New(max int, description string) *Bar {
	return NewWriter(os.Stderr, max, description)
}

func NewWriter(w io.Writer, max int, description string) *Bar {
	return &Bar{bar: progressbar.NewOptions(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionThrottle(0),
	)}
}

// Add advances the bar. A nil bar does nothing.
func (b *Bar) Add(n int) {
	if b == nil {
		return
	}
	_ = b.bar.Add(n)
}

func (b *Bar) Finish() {
	if b == nil {
		return
	}
	_ = b.bar.Finish()
}

func (b *Bar) Current() int64 {
	if b == nil {
		return 0
	}
	return b.bar.State().CurrentNum
}
