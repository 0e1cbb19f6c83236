package adagan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// With zero lookahead steps the generator objective degenerates to the plain
// negated discriminator loss, evaluated at the current parameters.
func TestUnrolledZeroStepsLossIsNegatedDiscriminatorLoss(t *testing.T) {
	cfg := imageTestConfig()
	cfg.UnrollingSteps = 0
	data := imageTestDataset(t, 40, 8, 8, 1)

	model, err := NewUnrolledGan(cfg, data, nil, nil)
	require.NoError(t, err)
	defer model.Close()

	real, err := model.uniformBatch(model.data.Points, cfg.BatchSize)
	require.NoError(t, err)
	noise := GenerateNoise(model.gauss, cfg.BatchSize, cfg.LatentSpaceDim)

	require.NoError(t, gorgonia.Let(model.gRealIn, real))
	require.NoError(t, gorgonia.Let(model.gNoiseIn, noise))
	require.NoError(t, model.gVM.RunAll())
	defer model.gVM.Reset()

	gLoss, ok := model.gLossVal.Data().(float64)
	require.True(t, ok)
	dLoss, ok := model.dLossAtGVal.Data().(float64)
	require.True(t, ok)
	assert.InDelta(t, -dLoss, gLoss, 1e-12)
}

func TestUnrolledGanBuildsWithLookaheadSteps(t *testing.T) {
	cfg := imageTestConfig()
	cfg.UnrollingSteps = 3

	model, err := NewUnrolledGan(cfg, imageTestDataset(t, 40, 8, 8, 1), nil, nil)
	require.NoError(t, err)
	defer model.Close()

	require.NotNil(t, model.lookahead)
	assert.Equal(t, 3, model.lookahead.steps)
	assert.Len(t, model.laParams, len(model.lookahead.keys))
	for i, key := range model.lookahead.keys {
		assert.Equal(t, model.lookahead.src[i].Shape(), model.laParams[i].Shape(), key)
	}
}

func TestUnrolledGanTrainWithLookahead(t *testing.T) {
	cfg := imageTestConfig()
	cfg.UnrollingSteps = 2
	data := imageTestDataset(t, 20, 8, 8, 1)

	model, err := NewUnrolledGan(cfg, data, nil, nil)
	require.NoError(t, err)
	defer model.Close()

	require.NoError(t, model.Train(cfg))

	sample, err := model.Sample(cfg, 4)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 8, 8, 1}, sample.Shape())
}

func TestUnrolledGanKeepsImageContract(t *testing.T) {
	cfg := imageTestConfig()
	cfg.UnrollingSteps = 0
	cfg.UnrolledTrainMode = true

	model, err := NewUnrolledGan(cfg, imageTestDataset(t, 40, 8, 8, 1), nil, nil)
	require.NoError(t, err)
	defer model.Close()

	require.NotNil(t, model.gRealIn)

	_, err = model.Sample(cfg, 5)
	assert.ErrorIs(t, err, ErrNotTrained)
}
