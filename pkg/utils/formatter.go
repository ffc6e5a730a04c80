package utils

import "fmt"

const siUnits = "kMGTPE"

// ByteCountSI renders a size with SI prefixes, e.g. 1500 becomes "1.5 kB".
// Used when logging archived recording sizes.
func ByteCountSI(b int64) string {
	if b < 1000 {
		return fmt.Sprintf("%d B", b)
	}
	value := float64(b)
	exp := -1
	for value >= 1000 && exp < len(siUnits)-1 {
		value /= 1000
		exp++
	}
	return fmt.Sprintf("%.1f %cB", value, siUnits[exp])
}
