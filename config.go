package adagan

import (
	"github.com/pkg/errors"
)

// Config captures every option consumed by the GAN trainers. One Config is
// expected to stay unchanged for the lifetime of a model instance.
type Config struct {
	// RunBatchSize is the chunk size used when a trained function is applied
	// to arbitrarily large inputs (see RunBatch).
	RunBatchSize int
	// BatchSize is the minibatch size for every optimization step.
	BatchSize int
	// GanEpochNum is the number of epochs of adversarial training.
	GanEpochNum int
	// MixtureCEpochNum is the number of epochs for the mixture classifier.
	MixtureCEpochNum int
	// DSteps and GSteps are the discriminator/generator updates per minibatch.
	DSteps int
	GSteps int
	// LatentSpaceDim is the dimensionality of the generator's noise input.
	LatentSpaceDim int
	// GNumFilters and DNumFilters size the convolutional variants.
	GNumFilters int
	DNumFilters int
	// InputNormalizeSym tells whether data points are normalized to [-1, 1];
	// the image generator then ends with tanh instead of sigmoid.
	InputNormalizeSym bool
	// OptLearningRate and OptBeta1 parameterize the Adam solvers.
	OptLearningRate float64
	OptBeta1        float64
	// UnrollingSteps is the number of anticipated discriminator updates the
	// unrolled variant differentiates through. Zero or negative disables
	// unrolling (generator loss becomes the plain negated discriminator loss).
	UnrollingSteps int
	// EarlyStop caps the total number of minibatch updates when positive.
	// The check happens at minibatch granularity and only breaks the inner
	// batch loop; epochs still run to completion.
	EarlyStop int
	// PlotEvery is the plot/log cadence (in updates) of the image variants.
	PlotEvery int
	// Verbose enables progress bars, debug plots and log lines.
	Verbose bool
	// Seed makes noise generation and minibatch sampling reproducible.
	// Zero picks a time-based seed.
	Seed int64
	// WorkDir is where the default metrics collaborator writes plots.
	WorkDir string
	// UnrolledTrainMode pins the unrolled variant's batch-norm layers to
	// training mode everywhere, including sampling and classifier
	// evaluation. The historical trainer behaved that way; the default
	// (false) keeps the base image variant's train/inference switch.
	UnrolledTrainMode bool
}

// DefaultConfig returns the options used by the runnable examples.
func DefaultConfig() *Config {
	return &Config{
		RunBatchSize:      100,
		BatchSize:         64,
		GanEpochNum:       10,
		MixtureCEpochNum:  5,
		DSteps:            1,
		GSteps:            1,
		LatentSpaceDim:    16,
		GNumFilters:       16,
		DNumFilters:       16,
		InputNormalizeSym: false,
		OptLearningRate:   2e-4,
		OptBeta1:          0.5,
		UnrollingSteps:    5,
		EarlyStop:         -1,
		PlotEvery:         50,
		Verbose:           false,
	}
}

// Validate verifies the options a model build relies on.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.RunBatchSize <= 0 {
		return errors.Errorf("run batch size must be > 0 (got %d)", c.RunBatchSize)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LatentSpaceDim <= 0 {
		return errors.Errorf("latent space dimension must be > 0 (got %d)", c.LatentSpaceDim)
	}
	if c.GanEpochNum < 0 || c.MixtureCEpochNum < 0 {
		return errors.Errorf("epoch counts must be >= 0 (got %d and %d)", c.GanEpochNum, c.MixtureCEpochNum)
	}
	if c.DSteps < 0 || c.GSteps < 0 {
		return errors.Errorf("step counts must be >= 0 (got %d and %d)", c.DSteps, c.GSteps)
	}
	if c.PlotEvery <= 0 {
		return errors.Errorf("plot cadence must be > 0 (got %d)", c.PlotEvery)
	}
	if c.OptLearningRate <= 0 {
		return errors.Errorf("learning rate must be > 0 (got %f)", c.OptLearningRate)
	}
	return nil
}
