package adagan

import (
	"github.com/schollz/progressbar/v3"
)

// Progress Epoch-granularity progress collaborator. A silent instance (nil
// bar) is handed out when verbosity is off so callers never branch.
type Progress struct {
	bar *progressbar.ProgressBar
}

// NewProgress Constructor for Progress over a known iteration count.
func NewProgress(verbose bool, total int, label string) *Progress {
	if !verbose || total <= 0 {
		return &Progress{}
	}
	return &Progress{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription(label),
			// progressbar.ThemeASCII inlined: it does not exist before
			// v3.16.0, and v3.16.0+ requires a Go toolchain >= 1.22.
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: ".",
				BarStart:      "[",
				BarEnd:        "]",
			}),
			progressbar.OptionShowCount(),
		),
	}
}

// Bam Signals one completed iteration.
func (p *Progress) Bam() {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

// Finish Completes the bar output.
func (p *Progress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
