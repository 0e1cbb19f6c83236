package adagan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// squareOp compiles x -> x*x elementwise on a fixed chunk size.
func squareOp(t *testing.T, chunkSize, width int) BatchOp {
	t.Helper()
	g := gorgonia.NewGraph()
	in := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(chunkSize, width),
		gorgonia.WithName("in"))
	out, err := gorgonia.Square(in)
	require.NoError(t, err)
	op := BatchOp{Input: in, Output: new(gorgonia.Value)}
	gorgonia.Read(out, op.Output)
	op.VM = gorgonia.NewTapeMachine(g)
	t.Cleanup(func() { op.VM.Close() })
	return op
}

func rangeFeed(rows, width int) *tensor.Dense {
	data := make([]float64, rows*width)
	for i := range data {
		data[i] = float64(i)
	}
	return tensor.New(tensor.WithShape(rows, width), tensor.WithBacking(data))
}

func TestRunBatchMatchesUnchunkedEvaluation(t *testing.T) {
	for _, tc := range []struct {
		name       string
		rows, size int
	}{
		{"divisible", 9, 3},
		{"remainder", 7, 3},
		{"single chunk", 2, 5},
		{"chunk of one", 4, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			op := squareOp(t, tc.size, 2)
			feed := rangeFeed(tc.rows, 2)
			got, err := RunBatch(op, feed)
			require.NoError(t, err)
			require.Equal(t, tensor.Shape{tc.rows, 2}, got.Shape())
			want := feed.Data().([]float64)
			data := got.Data().([]float64)
			for i, v := range want {
				assert.Equalf(t, v*v, data[i], "row %d", i/2)
			}
		})
	}
}

func TestRunBatchReshapesRankOneResults(t *testing.T) {
	g := gorgonia.NewGraph()
	in := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(3, 2),
		gorgonia.WithName("in"))
	sum, err := gorgonia.Sum(in, 1)
	require.NoError(t, err)
	op := BatchOp{Input: in, Output: new(gorgonia.Value)}
	gorgonia.Read(sum, op.Output)
	op.VM = gorgonia.NewTapeMachine(g)
	defer op.VM.Close()

	got, err := RunBatch(op, rangeFeed(7, 2))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{7, 1}, got.Shape())
	data := got.Data().([]float64)
	for i := 0; i < 7; i++ {
		assert.Equal(t, float64(2*i)+float64(2*i+1), data[i])
	}
}

func TestRunBatchSingleRowRemainder(t *testing.T) {
	// column-vector feed with a final chunk of exactly one row, which
	// collapses to a scalar when sliced naively
	op := squareOp(t, 3, 1)
	feed := rangeFeed(7, 1)

	got, err := RunBatch(op, feed)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{7, 1}, got.Shape())
	data := got.Data().([]float64)
	for i := range data {
		assert.InDelta(t, float64(i*i), data[i], 1e-12)
	}
}

func TestRunBatchFeedsExtraInput(t *testing.T) {
	g := gorgonia.NewGraph()
	in := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(4, 2),
		gorgonia.WithName("in"))
	scale := gorgonia.NewScalar(g, gorgonia.Float64, gorgonia.WithName("scale"))
	out, err := gorgonia.Mul(scale, in)
	require.NoError(t, err)
	op := BatchOp{
		Input:      in,
		Output:     new(gorgonia.Value),
		Extra:      scale,
		ExtraValue: gorgonia.NewF64(3.0),
	}
	gorgonia.Read(out, op.Output)
	op.VM = gorgonia.NewTapeMachine(g)
	defer op.VM.Close()

	feed := rangeFeed(6, 2)
	got, err := RunBatch(op, feed)
	require.NoError(t, err)
	want := feed.Data().([]float64)
	data := got.Data().([]float64)
	for i := range want {
		assert.Equal(t, 3*want[i], data[i])
	}
}

func TestRunBatchRejectsEmptyFeed(t *testing.T) {
	op := squareOp(t, 3, 2)
	_, err := RunBatch(op, nil)
	assert.ErrorIs(t, err, ErrEmptyFeed)
}
