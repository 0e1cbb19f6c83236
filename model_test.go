package adagan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func toyTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.RunBatchSize = 20
	cfg.BatchSize = 20
	cfg.GanEpochNum = 1
	cfg.MixtureCEpochNum = 1
	cfg.DSteps = 1
	cfg.GSteps = 1
	cfg.LatentSpaceDim = 4
	cfg.Seed = 42
	return cfg
}

func toyTestDataset(t *testing.T, num int) *Dataset {
	t.Helper()
	data := make([]float64, 2*num)
	for i := range data {
		data[i] = float64(i%7) / 7.0
	}
	ds, err := NewDataset(tensor.New(tensor.WithShape(num, 2), tensor.WithBacking(data)))
	require.NoError(t, err)
	return ds
}

func TestGanBaseOperationsAreNotImplemented(t *testing.T) {
	base := &Gan{}
	cfg := toyTestConfig()

	err := base.Train(cfg)
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = base.Sample(cfg, 10)
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = base.TrainMixtureDiscriminator(cfg, nil)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestSampleBeforeTrainFails(t *testing.T) {
	cfg := toyTestConfig()
	model, err := NewToyGan(cfg, toyTestDataset(t, 100), nil, nil)
	require.NoError(t, err)
	defer model.Close()

	_, err = model.Sample(cfg, 10)
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestConstructionRejectsBadCollaborators(t *testing.T) {
	cfg := toyTestConfig()
	ds := toyTestDataset(t, 100)

	_, err := NewToyGan(cfg, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewToyGan(cfg, ds, []float64{0.5, 0.5}, nil)
	assert.Error(t, err)

	bad := *cfg
	bad.BatchSize = 0
	_, err = NewToyGan(&bad, ds, nil, nil)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	model, err := NewToyGan(toyTestConfig(), toyTestDataset(t, 100), nil, nil)
	require.NoError(t, err)
	assert.NoError(t, model.Close())
	assert.NoError(t, model.Close())
}
