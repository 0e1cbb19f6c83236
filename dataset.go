package adagan

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/sampleuv"
	"gorgonia.org/tensor"
)

// Dataset Fixed collection of training points. The first dimension of Points
// enumerates independent points; the remaining dimensions describe one point.
// A Dataset is never mutated by the models holding it.
type Dataset struct {
	Points *tensor.Dense
}

// NewDataset Wraps a dense tensor of points after validating its layout.
func NewDataset(points *tensor.Dense) (*Dataset, error) {
	if points == nil {
		return nil, errors.New("dataset points are nil")
	}
	if points.Dtype() != tensor.Float64 {
		return nil, errors.Errorf("dataset points must be float64, got %v", points.Dtype())
	}
	shape := points.Shape()
	if len(shape) < 2 {
		return nil, errors.Errorf("dataset points must have at least 2 dimensions, got shape %v", shape)
	}
	if shape[0] < 1 {
		return nil, errors.Errorf("dataset must have at least one point, got %d", shape[0])
	}
	for _, d := range shape[1:] {
		if d < 1 {
			return nil, errors.Errorf("dataset point dimensions must be positive, got shape %v", shape)
		}
	}
	return &Dataset{Points: points}, nil
}

// NumPoints Returns the number of points in the set.
func (d *Dataset) NumPoints() int {
	return d.Points.Shape()[0]
}

// DataShape Returns the shape of a single point.
func (d *Dataset) DataShape() tensor.Shape {
	return d.Points.Shape()[1:]
}

// Batch Gathers the points with the provided indices, preserving order.
func (d *Dataset) Batch(ids []int) (*tensor.Dense, error) {
	return gatherRows(d.Points, ids)
}

// SampleBatchIDs Draws k distinct indices out of [0, n). A nil weights slice
// means uniform sampling; otherwise indices are drawn proportionally to
// weights, without replacement.
func SampleBatchIDs(n, k int, weights []float64, src *rand.Rand) ([]int, error) {
	if k <= 0 {
		return nil, errors.Errorf("batch size must be > 0 (got %d)", k)
	}
	if k > n {
		return nil, errors.Errorf("can't draw %d distinct indices out of %d points", k, n)
	}
	if weights == nil {
		return src.Perm(n)[:k], nil
	}
	if len(weights) != n {
		return nil, errors.Errorf("weights length %d does not match %d points", len(weights), n)
	}
	w := make([]float64, n)
	for i, v := range weights {
		if v < 0 || math.IsNaN(v) {
			return nil, errors.Errorf("weight #%d is not a valid probability: %f", i, v)
		}
		w[i] = v
	}
	sampler := sampleuv.NewWeighted(w, nil)
	ids := make([]int, k)
	for i := range ids {
		id, ok := sampler.Take()
		if !ok {
			return nil, errors.Errorf("weighted sampler exhausted after %d of %d draws", i, k)
		}
		ids[i] = id
	}
	return ids, nil
}

// validateWeights checks the importance-weight invariants once, at model
// construction. Per-call length checks happen again inside SampleBatchIDs.
func validateWeights(weights []float64, numPoints int) error {
	if weights == nil {
		return nil
	}
	if len(weights) != numPoints {
		return errors.Errorf("weights length %d does not match %d points", len(weights), numPoints)
	}
	sum := 0.0
	for i, v := range weights {
		if v < 0 || math.IsNaN(v) {
			return errors.Errorf("weight #%d is not a valid probability: %f", i, v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return errors.Errorf("weights must sum to 1, got %f", sum)
	}
	return nil
}

// gatherRows copies the selected rows of t into a fresh dense tensor.
func gatherRows(t *tensor.Dense, ids []int) (*tensor.Dense, error) {
	if t == nil {
		return nil, errors.New("can't gather rows from a nil tensor")
	}
	shape := t.Shape()
	if len(shape) < 2 {
		return nil, errors.Errorf("can't gather rows from tensor of shape %v", shape)
	}
	data, ok := t.Data().([]float64)
	if !ok {
		return nil, errors.Errorf("can't gather rows: expected float64 backing, got %v", t.Dtype())
	}
	rowSize := shape.TotalSize() / shape[0]
	out := make([]float64, len(ids)*rowSize)
	for i, id := range ids {
		if id < 0 || id >= shape[0] {
			return nil, errors.Errorf("row index %d out of range [0, %d)", id, shape[0])
		}
		copy(out[i*rowSize:(i+1)*rowSize], data[id*rowSize:(id+1)*rowSize])
	}
	outShape := append([]int{len(ids)}, shape[1:]...)
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out)), nil
}

// sliceRows returns rows [start, end) of t as a fresh dense tensor.
func sliceRows(t *tensor.Dense, start, end int) (*tensor.Dense, error) {
	ids := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		ids = append(ids, i)
	}
	return gatherRows(t, ids)
}
