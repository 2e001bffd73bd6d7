// Package humanize formats byte counts for the summary and progress
// output the CLI prints before and during a run.
package humanize

import "fmt"

var units = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// Bytes renders n using binary (1024-based) units, e.g. 1536 -> "1.5 KiB".
func Bytes(n int64) string {
	if n < 0 {
		return "-" + Bytes(-n)
	}

	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}

	size := float64(n)

	unit := 0
	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}

	return fmt.Sprintf("%.1f %s", size, units[unit])
}
