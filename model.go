package adagan

import (
	"math/rand"
	"time"

	rng "github.com/leesper/go_rng"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Parameter scopes of the three optimization objectives. Discriminator and
// classifier share one architecture but never share parameters.
const (
	scopeGenerator     = "GENERATOR"
	scopeDiscriminator = "DISCRIMINATOR"
	scopeClassifier    = "CLASSIFIER"
)

// ErrNotImplemented is returned when an abstract operation is invoked on the
// Gan base instead of one of its concrete variants.
var ErrNotImplemented = errors.New("not implemented")

// ErrNotTrained is returned when sampling is requested before training has
// completed at least once.
var ErrNotTrained = errors.New("model is not trained yet")

// Model Capability contract every GAN trainer fulfills: train the adversarial
// pair, sample synthetic points from the trained generator, train the
// auxiliary mixture classifier, and release engine resources.
type Model interface {
	Train(opts *Config) error
	Sample(opts *Config, num int) (*tensor.Dense, error)
	TrainMixtureDiscriminator(opts *Config, fakePoints *tensor.Dense) (*tensor.Dense, error)
	Close() error
}

// Gan Base of the concrete trainers. It owns the dataset reference, the
// importance weights used for minibatch sampling, the random sources, the
// noise cache reused for plotting, and the computation context that every
// expression graph of the variant lives in. The three training operations are
// unimplemented here and must come from a variant.
type Gan struct {
	cfg         *Config
	data        *Dataset
	dataWeights []float64
	metrics     Metrics

	ctx           *Context
	rnd           *rand.Rand
	gauss         *rng.GaussianGenerator
	noiseForPlots *tensor.Dense
	trained       bool
}

// newGan validates the collaborators and seeds the base state. The variant
// constructor is expected to build its graphs right after and to Close the
// base if that build fails.
func newGan(cfg *Config, data *Dataset, weights []float64, metrics Metrics) (*Gan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Can't construct model")
	}
	if data == nil {
		return nil, errors.New("Can't construct model: dataset is nil")
	}
	if err := validateWeights(weights, data.NumPoints()); err != nil {
		return nil, errors.Wrap(err, "Can't construct model")
	}
	if metrics == nil {
		if cfg.WorkDir != "" {
			metrics = &PlotMetrics{Dir: cfg.WorkDir}
		} else {
			metrics = NopMetrics{}
		}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gauss := rng.NewGaussianGenerator(seed)
	return &Gan{
		cfg:           cfg,
		data:          data,
		dataWeights:   weights,
		metrics:       metrics,
		ctx:           NewContext(),
		rnd:           rand.New(rand.NewSource(seed)),
		gauss:         gauss,
		noiseForPlots: GenerateNoise(gauss, noiseCacheSize, cfg.LatentSpaceDim),
	}, nil
}

// Train Abstract on the base type.
func (gan *Gan) Train(opts *Config) error {
	return errors.Wrap(ErrNotImplemented, "Gan base has no train defined")
}

// Sample Abstract on the base type.
func (gan *Gan) Sample(opts *Config, num int) (*tensor.Dense, error) {
	return nil, errors.Wrap(ErrNotImplemented, "Gan base has no sample defined")
}

// TrainMixtureDiscriminator Abstract on the base type.
func (gan *Gan) TrainMixtureDiscriminator(opts *Config, fakePoints *tensor.Dense) (*tensor.Dense, error) {
	return nil, errors.Wrap(ErrNotImplemented, "Gan base has no mixture discriminator defined")
}

// Close Releases the computation context. Meant to be deferred right after
// construction so teardown runs even when training fails partway.
func (gan *Gan) Close() error {
	if gan.ctx == nil {
		return nil
	}
	return gan.ctx.Close()
}

// nextBatch draws one importance-weighted minibatch of real points.
func (gan *Gan) nextBatch(batchSize int) (*tensor.Dense, error) {
	ids, err := SampleBatchIDs(gan.data.NumPoints(), batchSize, gan.dataWeights, gan.rnd)
	if err != nil {
		return nil, errors.Wrap(err, "Can't sample minibatch indices")
	}
	return gan.data.Batch(ids)
}

// uniformBatch draws a minibatch from t uniformly, without replacement and
// independent of the importance weights.
func (gan *Gan) uniformBatch(t *tensor.Dense, batchSize int) (*tensor.Dense, error) {
	ids, err := SampleBatchIDs(t.Shape()[0], batchSize, nil, gan.rnd)
	if err != nil {
		return nil, errors.Wrap(err, "Can't sample minibatch indices")
	}
	return gatherRows(t, ids)
}

// plotNoise returns the leading rows of the construction-time noise cache.
func (gan *Gan) plotNoise(num int) (*tensor.Dense, error) {
	if num > noiseCacheSize {
		num = noiseCacheSize
	}
	return sliceRows(gan.noiseForPlots, 0, num)
}
