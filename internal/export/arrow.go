// Package export ships fused BEV states out of the process: Arrow record
// batches over Flight for downstream heads and visualization, and CBOR
// snapshots for offline inspection.
package export

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// RecordBuilder creates Arrow RecordBatches from BEV grids.
type RecordBuilder struct {
	mem memory.Allocator
}

// NewRecordBuilder creates a new builder.
func NewRecordBuilder(mem memory.Allocator) *RecordBuilder {
	return &RecordBuilder{mem: mem}
}

// BuildRecord converts one batch element of a BEV state into a RecordBatch
// with one row per grid cell: the cell's (x, y) position and its embedding
// vector. data is the [h*w, e] slice of that batch element, row-major.
func (b *RecordBuilder) BuildRecord(data []float32, h, w, dims int) (arrow.Record, error) {
	if len(data) != h*w*dims {
		return nil, fmt.Errorf("export: %d values do not fill a %dx%dx%d grid", len(data), h, w, dims)
	}

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "x", Type: arrow.PrimitiveTypes.Int32},
			{Name: "y", Type: arrow.PrimitiveTypes.Int32},
			{Name: "embedding", Type: arrow.FixedSizeListOf(int32(dims), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)

	xBuilder := array.NewInt32Builder(b.mem)
	defer xBuilder.Release()
	yBuilder := array.NewInt32Builder(b.mem)
	defer yBuilder.Release()

	embedBuilder := array.NewFixedSizeListBuilder(b.mem, int32(dims), arrow.PrimitiveTypes.Float32)
	defer embedBuilder.Release()
	floatBuilder := embedBuilder.ValueBuilder().(*array.Float32Builder)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			xBuilder.Append(int32(x))
			yBuilder.Append(int32(y))

			cell := (y*w + x) * dims
			embedBuilder.Append(true)
			floatBuilder.AppendValues(data[cell:cell+dims], nil)
		}
	}

	cols := []arrow.Array{xBuilder.NewArray(), yBuilder.NewArray(), embedBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(schema, cols, int64(h*w)), nil
}
