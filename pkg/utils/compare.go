package utils

import (
	"sort"

	"github.com/nats-io/nats.go"
)

// StreamConfigEqual reports whether two stream configurations agree on the
// properties the sync event stream manages. Subject order is ignored.
func StreamConfigEqual(a, b nats.StreamConfig) bool {
	if a.Name != b.Name ||
		a.Retention != b.Retention ||
		a.MaxAge != b.MaxAge ||
		a.Storage != b.Storage ||
		len(a.Subjects) != len(b.Subjects) {
		return false
	}

	left := append([]string(nil), a.Subjects...)
	right := append([]string(nil), b.Subjects...)
	sort.Strings(left)
	sort.Strings(right)
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}
