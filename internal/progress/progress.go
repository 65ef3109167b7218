// Package progress wraps the progress bar shown during interactive runs.
// A nil *Bar is valid and does nothing, so callers never need to guard.
package progress

import (
	"github.com/schollz/progressbar/v3"
)

type Bar struct {
	bar *progressbar.ProgressBar
}

// New creates a progress bar over max steps. When enabled is false it
// returns nil, which every method accepts.
func New(max int, description string, enabled bool) *Bar {
	if !enabled {
		return nil
	}

	return &Bar{bar: progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)}
}

func (b *Bar) Add(n int) {
	if b == nil {
		return
	}
	_ = b.bar.Add(n)
}

func (b *Bar) Describe(description string) {
	if b == nil {
		return
	}
	b.bar.Describe(description)
}

func (b *Bar) Finish() {
	if b == nil {
		return
	}
	_ = b.bar.Finish()
}
