package adagan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func imageTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.RunBatchSize = 10
	cfg.BatchSize = 10
	cfg.GanEpochNum = 1
	cfg.MixtureCEpochNum = 1
	cfg.LatentSpaceDim = 4
	cfg.GNumFilters = 8
	cfg.DNumFilters = 4
	cfg.Seed = 7
	return cfg
}

func imageTestDataset(t *testing.T, num, height, width, channels int) *Dataset {
	t.Helper()
	size := num * height * width * channels
	data := make([]float64, size)
	for i := range data {
		data[i] = float64(i%11) / 11.0
	}
	ds, err := NewDataset(tensor.New(
		tensor.WithShape(num, height, width, channels),
		tensor.WithBacking(data)))
	require.NoError(t, err)
	return ds
}

func TestImageGeneratorOutputShape(t *testing.T) {
	cfg := imageTestConfig()
	cfg.LatentSpaceDim = 8

	g := gorgonia.NewGraph()
	ctx := &OpCtx{G: g, Params: NewParamStore(g), Stats: NewContext(), Training: true}
	noise := inputNode(g, "noise", 4, tensor.Shape{cfg.LatentSpaceDim})

	out, err := imageGenerator(ctx, cfg, tensor.Shape{28, 28, 1}, noise)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{4, 28, 28, 1}, out.Shape())
}

func TestImageGeneratorRejectsBadShapes(t *testing.T) {
	cfg := imageTestConfig()
	g := gorgonia.NewGraph()
	ctx := &OpCtx{G: g, Params: NewParamStore(g), Stats: NewContext(), Training: true}
	noise := inputNode(g, "noise", 4, tensor.Shape{cfg.LatentSpaceDim})

	_, err := imageGenerator(ctx, cfg, tensor.Shape{28, 28}, noise)
	assert.Error(t, err)

	_, err = imageGenerator(ctx, cfg, tensor.Shape{10, 10, 1}, noise)
	assert.Error(t, err)

	bad := imageTestConfig()
	bad.GNumFilters = 6
	_, err = imageGenerator(ctx, bad, tensor.Shape{28, 28, 1}, noise)
	assert.Error(t, err)
}

func TestNewImageGanBuilds(t *testing.T) {
	cfg := imageTestConfig()
	data := imageTestDataset(t, 40, 8, 8, 1)

	model, err := NewImageGan(cfg, data, nil, nil)
	require.NoError(t, err)
	defer model.Close()

	assert.Equal(t, tensor.Shape{cfg.BatchSize, 8, 8, 1}, model.GeneratorOut().Shape())

	_, err = model.Sample(cfg, 5)
	assert.ErrorIs(t, err, ErrNotTrained)

	assert.NoError(t, model.Close())
	assert.NoError(t, model.Close())
}

func TestImageGanTrainAndSample(t *testing.T) {
	cfg := imageTestConfig()
	data := imageTestDataset(t, 40, 8, 8, 1)

	model, err := NewImageGan(cfg, data, nil, nil)
	require.NoError(t, err)
	defer model.Close()

	require.NoError(t, model.Train(cfg))

	sample, err := model.Sample(cfg, 12)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{12, 8, 8, 1}, sample.Shape())
}

func TestImageMixtureDiscriminatorRejectsBadFakes(t *testing.T) {
	cfg := imageTestConfig()
	model, err := NewImageGan(cfg, imageTestDataset(t, 40, 8, 8, 1), nil, nil)
	require.NoError(t, err)
	defer model.Close()

	_, err = model.TrainMixtureDiscriminator(cfg, nil)
	assert.Error(t, err)

	few := tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(cfg.BatchSize-1, 8, 8, 1))
	_, err = model.TrainMixtureDiscriminator(cfg, few)
	assert.Error(t, err)
}
