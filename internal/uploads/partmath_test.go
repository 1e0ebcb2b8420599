package uploads

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeParts(t *testing.T) {
	const mib = int64(1 << 20)

	tests := []struct {
		name        string
		totalSize   int64
		minPartSize int64
		maxParts    int
		wantSize    int64
		wantParts   int
	}{
		{
			name:      "floor size when under part limit",
			totalSize: 250 * mib, minPartSize: 10 * mib, maxParts: 10000,
			wantSize: 10 * mib, wantParts: 25,
		},
		{
			name:      "uneven total leaves short last part",
			totalSize: 250*mib + 1, minPartSize: 10 * mib, maxParts: 10000,
			wantSize: 10 * mib, wantParts: 26,
		},
		{
			name:      "single part for small file",
			totalSize: 3 * mib, minPartSize: 5 * mib, maxParts: 10000,
			wantSize: 5 * mib, wantParts: 1,
		},
		{
			name:      "part size grows to respect max parts",
			totalSize: 100000 * mib, minPartSize: 5 * mib, maxParts: 10000,
			wantSize: 10 * mib, wantParts: 10000,
		},
		{
			name:      "grown size rounds up to whole mib",
			totalSize: 100001 * mib, minPartSize: 5 * mib, maxParts: 10000,
			wantSize: 11 * mib, wantParts: 9091,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, parts := ComputeParts(tt.totalSize, tt.minPartSize, tt.maxParts)
			assert.Equal(t, tt.wantSize, size)
			assert.Equal(t, tt.wantParts, parts)
			assert.LessOrEqual(t, parts, tt.maxParts)
			assert.GreaterOrEqual(t, size*int64(parts), tt.totalSize)
		})
	}
}
