package export

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
)

func TestBuildRecord(t *testing.T) {
	pool := memory.NewGoAllocator()
	builder := NewRecordBuilder(pool)

	t.Run("Size mismatch", func(t *testing.T) {
		rb, err := builder.BuildRecord([]float32{1, 2, 3}, 2, 2, 2)
		assert.Error(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Valid grid", func(t *testing.T) {
		// 2x2 grid, 2 dims: cell (x,y) holds {x+10y, x+10y+0.5}
		data := []float32{
			0, 0.5, 1, 1.5,
			10, 10.5, 11, 11.5,
		}

		rb, err := builder.BuildRecord(data, 2, 2, 2)
		assert.NoError(t, err)
		assert.NotNil(t, rb)
		defer rb.Release()

		assert.Equal(t, int64(4), rb.NumRows())
		assert.Equal(t, int64(3), rb.NumCols())
		assert.Equal(t, "x", rb.ColumnName(0))
		assert.Equal(t, "y", rb.ColumnName(1))
		assert.Equal(t, "embedding", rb.ColumnName(2))

		xs := rb.Column(0).(*array.Int32)
		ys := rb.Column(1).(*array.Int32)
		assert.Equal(t, []int32{0, 1, 0, 1}, xs.Int32Values())
		assert.Equal(t, []int32{0, 0, 1, 1}, ys.Int32Values())

		embeds := rb.Column(2).(*array.FixedSizeList)
		assert.Equal(t, 4, embeds.Len())

		values := embeds.ListValues().(*array.Float32)
		assert.Equal(t, 8, values.Len())
		// Row 3 is cell (x=1, y=1) -> {11, 11.5}.
		assert.Equal(t, float32(11.0), values.Value(6))
		assert.Equal(t, float32(11.5), values.Value(7))
	})
}
