package remote

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync.go/pkg/constants"
	"github.com/docsync/docsync.go/pkg/wire"
)

func TestNewBloomFilterValidation(t *testing.T) {
	tests := []struct {
		name      string
		bitmap    []byte
		padding   int
		hashCount int
		wantErr   bool
		bitCount  int
	}{
		{"empty", nil, 0, 0, false, 0},
		{"one byte", []byte{0xff}, 1, 3, false, 7},
		{"negative padding", []byte{0}, -1, 1, true, 0},
		{"padding of a whole byte", []byte{0}, 8, 1, true, 0},
		{"negative hash count", []byte{0}, 0, -1, true, 0},
		{"zero hashes with bits", []byte{0}, 0, 0, true, 0},
		{"padding without bits", nil, 1, 1, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bf, err := NewBloomFilter(tt.bitmap, tt.padding, tt.hashCount)
			if tt.wantErr {
				assert.ErrorIs(t, err, constants.ErrInvalidBloomFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bitCount, bf.BitCount())
		})
	}
}

func TestBloomFilterMightContain(t *testing.T) {
	t.Run("empty filter contains nothing", func(t *testing.T) {
		bf, err := NewBloomFilter(nil, 0, 0)
		require.NoError(t, err)
		assert.False(t, bf.MightContain(""))
		assert.False(t, bf.MightContain("a"))
	})

	t.Run("all bits clear", func(t *testing.T) {
		bf, err := NewBloomFilter(make([]byte, 16), 0, 5)
		require.NoError(t, err)
		assert.False(t, bf.MightContain("projects/p/databases/d/documents/c/a"))
	})

	t.Run("all bits set", func(t *testing.T) {
		bitmap := []byte{0xff, 0xff, 0xff}
		bf, err := NewBloomFilter(bitmap, 4, 5)
		require.NoError(t, err)
		assert.True(t, bf.MightContain("anything"))
	})

	t.Run("built filter contains its values", func(t *testing.T) {
		var values []string
		for i := 0; i < 50; i++ {
			values = append(values, fmt.Sprintf("projects/p/databases/d/documents/c/%d", i))
		}
		wf := BuildBloomFilter(values, 997, 7)
		assert.EqualValues(t, 3, wf.Bits.Padding)

		bf, err := BloomFilterFromWire(wf)
		require.NoError(t, err)
		assert.Equal(t, 997, bf.BitCount())
		for _, v := range values {
			assert.True(t, bf.MightContain(v), v)
		}
	})

	t.Run("missing bits", func(t *testing.T) {
		_, err := BloomFilterFromWire(&wire.BloomFilter{HashCount: 1})
		assert.ErrorIs(t, err, constants.ErrInvalidBloomFilter)
	})
}
