// Package progress renders a terminal progress bar for dump/flash
// operations, grounded on the original flash_tool's io_handler.c
// print_progress/format_si_units helpers. It is wired from the CLI's I/O
// callback, never from the protocol core — the core only calls the plain
// iocb.Func it is handed.
package progress

import (
	"fmt"
	"io"

	"mtkflash/internal/mtk/iocb"
)

const barWidth = 48

// Reporter prints a single-line, carriage-return-updated progress bar to
// w for every chunk it observes.
type Reporter struct {
	w   io.Writer
	op  string
}

// New returns a Reporter labelling its output with op ("Flashing" or
// "Dumping").
func New(w io.Writer, dir iocb.Direction) *Reporter {
	op := "Dumping"
	if dir == iocb.Flash {
		op = "Flashing"
	}
	return &Reporter{w: w, op: op}
}

// Report prints the bar for a chunk ending at offset+count out of total.
func (r *Reporter) Report(offset uint64, total uint64, count int) {
	done := offset + uint64(count)

	var progress float64
	if total > 0 {
		progress = float64(done) / float64(total)
	}

	fill := int(progress * barWidth)
	if fill > barWidth {
		fill = barWidth
	}

	bar := make([]byte, barWidth)
	for i := range bar {
		if i < fill {
			bar[i] = '#'
		} else {
			bar[i] = '-'
		}
	}

	end := byte('\r')
	if done == total {
		end = '\n'
	}

	fmt.Fprintf(r.w, "%s %-8s of %-8s  [%s]  %3d%%%c",
		r.op, formatSIUnits(done), formatSIUnits(total), bar, int(progress*100), end)
}

// Wrap adapts an existing iocb.Func so that every successful chunk also
// reports progress.
func Wrap(w io.Writer, dir iocb.Direction, next iocb.Func) iocb.Func {
	r := New(w, dir)
	return func(d iocb.Direction, offset, totalLen uint64, buffer []byte, count int) error {
		if err := next(d, offset, totalLen, buffer, count); err != nil {
			return err
		}
		r.Report(offset, totalLen, count)
		return nil
	}
}

func formatSIUnits(n uint64) string {
	const suffixes = "BKMG"
	val := float64(n)
	idx := 0
	for val > 1024 && idx < len(suffixes)-1 {
		val /= 1024
		idx++
	}
	return fmt.Sprintf("%.5g %c", val, suffixes[idx])
}
