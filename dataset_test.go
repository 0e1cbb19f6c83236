package adagan

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestNewDatasetValidatesLayout(t *testing.T) {
	_, err := NewDataset(nil)
	assert.Error(t, err)

	vector := tensor.New(tensor.WithShape(4), tensor.WithBacking([]float64{1, 2, 3, 4}))
	_, err = NewDataset(vector)
	assert.Error(t, err)

	points := tensor.New(tensor.WithShape(4, 2), tensor.WithBacking(make([]float64, 8)))
	ds, err := NewDataset(points)
	require.NoError(t, err)
	assert.Equal(t, 4, ds.NumPoints())
	assert.Equal(t, tensor.Shape{2}, ds.DataShape())
}

func TestSampleBatchIDsUniform(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	ids, err := SampleBatchIDs(10, 4, nil, rnd)
	require.NoError(t, err)
	require.Len(t, ids, 4)
	seen := make(map[int]bool)
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, 10)
		assert.Falsef(t, seen[id], "index %d drawn twice", id)
		seen[id] = true
	}
}

func TestSampleBatchIDsWeighted(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	// all mass on the last three indices
	weights := []float64{0, 0, 0, 0, 0, 0, 0, 1. / 3, 1. / 3, 1. / 3}
	ids, err := SampleBatchIDs(10, 3, weights, rnd)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, 7)
	}
}

func TestSampleBatchIDsRejectsBadInputs(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	_, err := SampleBatchIDs(4, 5, nil, rnd)
	assert.Error(t, err)
	_, err = SampleBatchIDs(4, 0, nil, rnd)
	assert.Error(t, err)
	_, err = SampleBatchIDs(4, 2, []float64{0.5, 0.5}, rnd)
	assert.Error(t, err)
}

func TestValidateWeights(t *testing.T) {
	assert.NoError(t, validateWeights(nil, 3))
	assert.NoError(t, validateWeights([]float64{0.2, 0.3, 0.5}, 3))
	assert.Error(t, validateWeights([]float64{0.2, 0.3}, 3))
	assert.Error(t, validateWeights([]float64{0.5, 0.5, 0.5}, 3))
	assert.Error(t, validateWeights([]float64{-0.5, 1.0, 0.5}, 3))
}

func TestGatherRowsPreservesOrder(t *testing.T) {
	points := tensor.New(tensor.WithShape(4, 2),
		tensor.WithBacking([]float64{0, 1, 10, 11, 20, 21, 30, 31}))
	got, err := gatherRows(points, []int{3, 0, 2})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 2}, got.Shape())
	assert.Equal(t, []float64{30, 31, 0, 1, 20, 21}, got.Data().([]float64))

	_, err = gatherRows(points, []int{4})
	assert.Error(t, err)
}
