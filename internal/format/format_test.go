package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bytes(tt.in))
	}
}

func TestNumber(t *testing.T) {
	assert.Equal(t, "999", Number(999))
	assert.Equal(t, "1,234,567", Number(1234567))
}

func TestPosition(t *testing.T) {
	assert.Equal(t, "0:00", Position(-time.Second))
	assert.Equal(t, "1:05", Position(65*time.Second+300*time.Millisecond))
	assert.Equal(t, "2:03:04", Position(2*time.Hour+3*time.Minute+4*time.Second))
}
