package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteCountSI(t *testing.T) {
	cases := map[int64]string{
		0:             "0 B",
		999:           "999 B",
		1000:          "1.0 kB",
		4096:          "4.1 kB",
		64 * 1024:     "65.5 kB",
		999_500:       "999.5 kB",
		2_400_000:     "2.4 MB",
		1_500_000_000: "1.5 GB",
	}

	for size, want := range cases {
		assert.Equal(t, want, ByteCountSI(size), "size %d", size)
	}
}
