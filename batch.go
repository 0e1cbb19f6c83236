package adagan

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ErrEmptyFeed is returned when a batched evaluation receives no points.
var ErrEmptyFeed = errors.New("empty feed")

// rowRange Iterator over rows [StartIdx, EndIdx) with step size = 1
type rowRange struct {
	StartIdx, EndIdx int
}

func (s rowRange) Start() int { return s.StartIdx }
func (s rowRange) End() int   { return s.EndIdx }
func (s rowRange) Step() int  { return 1 }

// BatchOp Bundles a compiled evaluation: the tape machine to run, the input
// node to feed, and the output value captured with gorgonia.Read. Extra is an
// optional second input with a fixed value fed on every chunk (e.g. a knob
// that stays constant across the whole evaluation).
type BatchOp struct {
	VM         gorgonia.VM
	Input      *gorgonia.Node
	Output     *gorgonia.Value
	Extra      *gorgonia.Node
	ExtraValue gorgonia.Value
}

// RunBatch Applies op to feed in chunks so arbitrarily large inputs never
// exceed the engine's memory limits. The chunk size is the first dimension of
// op.Input; the final short chunk is zero-padded up to it and the padding
// rows are dropped from the result, so the output has exactly as many rows as
// the feed and equals the unchunked evaluation. Rank-1 chunk results are
// reshaped to column vectors before stacking, guaranteeing a rank-2 output.
func RunBatch(op BatchOp, feed *tensor.Dense) (*tensor.Dense, error) {
	if feed == nil || len(feed.Shape()) == 0 || feed.Shape()[0] == 0 {
		return nil, errors.Wrap(ErrEmptyFeed, "Can't run batched evaluation")
	}
	if op.VM == nil || op.Input == nil || op.Output == nil {
		return nil, errors.New("batch op must have a VM, an input node and an output value")
	}
	chunkSize := op.Input.Shape()[0]
	if chunkSize <= 0 {
		return nil, errors.Errorf("input node %q has no leading batch dimension", op.Input.Name())
	}

	numPoints := feed.Shape()[0]
	batchesNum := (numPoints + chunkSize - 1) / chunkSize

	var result *tensor.Dense
	for idx := 0; idx < batchesNum; idx++ {
		start := idx * chunkSize
		end := start + chunkSize
		if end > numPoints {
			end = numPoints
		}
		chunk, err := materializeRows(feed, start, end)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't slice feed rows [%d:%d]", start, end)
		}
		rows := end - start
		if rows < chunkSize {
			padShape := append([]int{chunkSize - rows}, feed.Shape()[1:]...)
			padding := tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(padShape...))
			chunk, err = chunk.Concat(0, padding)
			if err != nil {
				return nil, errors.Wrap(err, "Can't pad the final chunk")
			}
		}
		if err := gorgonia.Let(op.Input, chunk); err != nil {
			return nil, errors.Wrap(err, "Can't feed input chunk")
		}
		if op.Extra != nil {
			if err := gorgonia.Let(op.Extra, op.ExtraValue); err != nil {
				return nil, errors.Wrap(err, "Can't feed extra input")
			}
		}
		if err := op.VM.RunAll(); err != nil {
			return nil, errors.Wrapf(err, "Can't evaluate chunk %d of %d", idx, batchesNum)
		}
		op.VM.Reset()

		out, ok := (*op.Output).(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("chunk %d produced a non-dense value %T", idx, *op.Output)
		}
		out = out.Clone().(*tensor.Dense)
		if out.Dims() == 1 {
			// convert (n,) vector to (n,1) column
			if err := out.Reshape(out.Shape()[0], 1); err != nil {
				return nil, errors.Wrap(err, "Can't reshape rank-1 chunk result")
			}
		}
		if rows < out.Shape()[0] {
			out, err = materializeRows(out, 0, rows)
			if err != nil {
				return nil, errors.Wrap(err, "Can't trim padding rows")
			}
		}
		if result == nil {
			result = out
		} else {
			result, err = result.Vstack(out)
			if err != nil {
				return nil, errors.Wrap(err, "Can't stack chunk results")
			}
		}
	}
	if result.Shape()[0] != numPoints {
		return nil, errors.Errorf("batched evaluation produced %d rows for %d points", result.Shape()[0], numPoints)
	}
	return result, nil
}

func materializeRows(t *tensor.Dense, start, end int) (*tensor.Dense, error) {
	view, err := t.Slice(rowRange{StartIdx: start, EndIdx: end})
	if err != nil {
		return nil, err
	}
	out, ok := view.Materialize().(*tensor.Dense)
	if !ok {
		return nil, errors.New("materialized slice is not dense")
	}
	// Slicing collapses width-1 axes, down to a scalar for a single row of
	// column vectors; restore the full row shape.
	shape := append([]int{end - start}, t.Shape()[1:]...)
	if !out.Shape().Eq(tensor.Shape(shape)) {
		if err := out.Reshape(shape...); err != nil {
			return nil, err
		}
	}
	return out, nil
}
