package adagan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestToyGanTrainAndSample(t *testing.T) {
	cfg := toyTestConfig()
	model, err := NewToyGan(cfg, toyTestDataset(t, 200), nil, nil)
	require.NoError(t, err)
	defer model.Close()

	require.NoError(t, model.Train(cfg))

	sample, err := model.Sample(cfg, 50)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{50, 2}, sample.Shape())
}

func TestToyGanTrainWithImportanceWeights(t *testing.T) {
	cfg := toyTestConfig()
	num := 100
	weights := make([]float64, num)
	for i := range weights {
		weights[i] = 1.0 / float64(num)
	}
	model, err := NewToyGan(cfg, toyTestDataset(t, num), weights, nil)
	require.NoError(t, err)
	defer model.Close()

	require.NoError(t, model.Train(cfg))
}

func TestToyGanMixtureDiscriminator(t *testing.T) {
	cfg := toyTestConfig()
	ds := toyTestDataset(t, 100)
	model, err := NewToyGan(cfg, ds, nil, nil)
	require.NoError(t, err)
	defer model.Close()

	fake := tensor.New(tensor.WithShape(60, 2), tensor.WithBacking(make([]float64, 120)))
	probs, err := model.TrainMixtureDiscriminator(cfg, fake)
	require.NoError(t, err)

	require.Equal(t, ds.NumPoints(), probs.Shape()[0])
	for i, p := range probs.Data().([]float64) {
		assert.GreaterOrEqualf(t, p, 0.0, "probability %d below zero", i)
		assert.LessOrEqualf(t, p, 1.0, "probability %d above one", i)
	}
}

func TestToyGanMixtureDiscriminatorRejectsBadFakes(t *testing.T) {
	cfg := toyTestConfig()
	model, err := NewToyGan(cfg, toyTestDataset(t, 100), nil, nil)
	require.NoError(t, err)
	defer model.Close()

	_, err = model.TrainMixtureDiscriminator(cfg, nil)
	assert.Error(t, err)

	// fewer fake points than one minibatch
	small := tensor.New(tensor.WithShape(5, 2), tensor.WithBacking(make([]float64, 10)))
	_, err = model.TrainMixtureDiscriminator(cfg, small)
	assert.Error(t, err)

	// wrong point shape
	wrong := tensor.New(tensor.WithShape(60, 3), tensor.WithBacking(make([]float64, 180)))
	_, err = model.TrainMixtureDiscriminator(cfg, wrong)
	assert.Error(t, err)
}
