package adagan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// toyPlotEvery is the fixed plot cadence (in updates) of the toy variant.
const toyPlotEvery = 100

// toyPlotPoints is how many cached noise vectors and leading real points the
// toy variant hands to the metrics collaborator.
const toyPlotPoints = 300

// ToyGan GAN trainer for low-dimensional point clouds: a small
// fully-connected generator against a fully-connected discriminator, plus the
// auxiliary mixture classifier. No batch normalization and no train/inference
// mode switch.
type ToyGan struct {
	Gan

	dVM, gVM, cVM             gorgonia.VM
	dSolver, gSolver, cSolver gorgonia.Solver
	dParams, gParams, cParams gorgonia.Nodes

	dRealIn, dNoiseIn *gorgonia.Node
	gNoiseIn          *gorgonia.Node
	cRealIn, cFakeIn  *gorgonia.Node

	dLossVal, gLossVal, cLossVal gorgonia.Value

	genOut     *gorgonia.Node
	sampleOp   BatchOp
	classifyOp BatchOp
}

var _ Model = (*ToyGan)(nil)

// NewToyGan Builds the toy variant's expression graphs for the given dataset
// and importance weights and initializes every trainable parameter. A nil
// metrics collaborator plots into cfg.WorkDir when set and is silent
// otherwise; nil weights mean uniform minibatch sampling.
func NewToyGan(cfg *Config, data *Dataset, weights []float64, metrics Metrics) (*ToyGan, error) {
	base, err := newGan(cfg, data, weights, metrics)
	if err != nil {
		return nil, err
	}
	t := &ToyGan{Gan: *base}
	if err := t.buildModel(); err != nil {
		_ = t.Close()
		return nil, errors.Wrap(err, "Can't build toy GAN graphs")
	}
	return t, nil
}

// toyGenerator Noise to data point: linear(10) - relu - linear(5) - relu -
// linear(point size), reshaped to the dataset's point shape.
func toyGenerator(ctx *OpCtx, dataShape tensor.Shape, noise *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := Linear(ctx, noise, 10, scopeGenerator, "h0_lin")
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, errors.Wrap(err, "Can't rectify generator layer h0")
	}
	if h, err = Linear(ctx, h, 5, scopeGenerator, "h1_lin"); err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, errors.Wrap(err, "Can't rectify generator layer h1")
	}
	if h, err = Linear(ctx, h, dataShape.TotalSize(), scopeGenerator, "h2_lin"); err != nil {
		return nil, err
	}
	outShape := append([]int{noise.Shape()[0]}, dataShape...)
	return gorgonia.Reshape(h, outShape)
}

// toyDiscriminator Point to raw logit: linear(50) - relu - linear(30) - relu
// - linear(1). The same architecture backs both the discriminator and the
// classifier, distinguished only by scope.
func toyDiscriminator(ctx *OpCtx, x *gorgonia.Node, scope string) (*gorgonia.Node, error) {
	h, err := Linear(ctx, x, 50, scope, "h0_lin")
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, errors.Wrapf(err, "Can't rectify %s layer h0", scope)
	}
	if h, err = Linear(ctx, h, 30, scope, "h1_lin"); err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, errors.Wrapf(err, "Can't rectify %s layer h1", scope)
	}
	return Linear(ctx, h, 1, scope, "h2_lin")
}

func (t *ToyGan) buildModel() error {
	cfg := t.cfg
	dataShape := t.data.DataShape()
	klog.V(1).Info("building the toy GAN graphs")

	// Generator graph, first phase: the generator forward pass creates the
	// GENERATOR parameters every other graph mirrors.
	gg := gorgonia.NewGraph()
	gStore := NewParamStore(gg)
	t.gNoiseIn = inputNode(gg, "noise", cfg.BatchSize, tensor.Shape{cfg.LatentSpaceDim})
	gctx := &OpCtx{G: gg, Params: gStore}
	genOut, err := toyGenerator(gctx, dataShape, t.gNoiseIn)
	if err != nil {
		return err
	}
	t.genOut = genOut

	// Discriminator graph: owns DISCRIMINATOR parameters, mirrors the
	// generator so both branches of the loss see the same weights.
	dg := gorgonia.NewGraph()
	dStore := NewParamStore(dg)
	if err := dStore.Mirror(gStore, scopeGenerator); err != nil {
		return err
	}
	t.dRealIn = inputNode(dg, "real_points", cfg.BatchSize, dataShape)
	t.dNoiseIn = inputNode(dg, "noise", cfg.BatchSize, tensor.Shape{cfg.LatentSpaceDim})
	dctx := &OpCtx{G: dg, Params: dStore}
	dFake, err := toyGenerator(dctx, dataShape, t.dNoiseIn)
	if err != nil {
		return err
	}
	dRealLogits, err := toyDiscriminator(dctx, t.dRealIn, scopeDiscriminator)
	if err != nil {
		return err
	}
	dFakeLogits, err := toyDiscriminator(dctx, dFake, scopeDiscriminator)
	if err != nil {
		return err
	}
	dLoss, err := adversarialLoss(dRealLogits, dFakeLogits)
	if err != nil {
		return err
	}
	gorgonia.WithName("d_loss")(dLoss)
	gorgonia.Read(dLoss, &t.dLossVal)
	t.dParams = dStore.Scope(scopeDiscriminator)
	if _, err := gorgonia.Grad(dLoss, t.dParams...); err != nil {
		return errors.Wrap(err, "Can't differentiate discriminator loss")
	}
	t.dVM = t.ctx.trackVM(gorgonia.NewTapeMachine(dg, gorgonia.BindDualValues(t.dParams...)))
	t.dSolver = newAdamSolver(cfg)

	// Generator graph, second phase: mirror the discriminator and close the
	// adversarial loop.
	if err := gStore.Mirror(dStore, scopeDiscriminator); err != nil {
		return err
	}
	gFakeLogits, err := toyDiscriminator(gctx, genOut, scopeDiscriminator)
	if err != nil {
		return err
	}
	gLoss, err := SigmoidCrossEntropyOnes(gFakeLogits)
	if err != nil {
		return errors.Wrap(err, "Can't build generator loss")
	}
	gorgonia.WithName("g_loss")(gLoss)
	gorgonia.Read(gLoss, &t.gLossVal)
	t.gParams = gStore.Scope(scopeGenerator)
	if _, err := gorgonia.Grad(gLoss, t.gParams...); err != nil {
		return errors.Wrap(err, "Can't differentiate generator loss")
	}
	t.gVM = t.ctx.trackVM(gorgonia.NewTapeMachine(gg, gorgonia.BindDualValues(t.gParams...)))
	t.gSolver = newAdamSolver(cfg)

	// Classifier graph: fully independent parameter set, real points against
	// externally supplied fake points.
	cg := gorgonia.NewGraph()
	cStore := NewParamStore(cg)
	t.cRealIn = inputNode(cg, "real_points", cfg.BatchSize, dataShape)
	t.cFakeIn = inputNode(cg, "fake_points", cfg.BatchSize, dataShape)
	cctx := &OpCtx{G: cg, Params: cStore}
	cRealLogits, err := toyDiscriminator(cctx, t.cRealIn, scopeClassifier)
	if err != nil {
		return err
	}
	cFakeLogits, err := toyDiscriminator(cctx, t.cFakeIn, scopeClassifier)
	if err != nil {
		return err
	}
	cLoss, err := adversarialLoss(cRealLogits, cFakeLogits)
	if err != nil {
		return err
	}
	gorgonia.WithName("c_loss")(cLoss)
	gorgonia.Read(cLoss, &t.cLossVal)
	t.cParams = cStore.Scope(scopeClassifier)
	if _, err := gorgonia.Grad(cLoss, t.cParams...); err != nil {
		return errors.Wrap(err, "Can't differentiate classifier loss")
	}
	t.cVM = t.ctx.trackVM(gorgonia.NewTapeMachine(cg, gorgonia.BindDualValues(t.cParams...)))
	t.cSolver = newAdamSolver(cfg)

	// Evaluation graphs sized by the batched-execution chunk, mirroring the
	// trained parameters by shared backing.
	if err := t.buildSampleGraph(gStore, dataShape); err != nil {
		return err
	}
	if err := t.buildClassifyGraph(cStore, dataShape); err != nil {
		return err
	}
	klog.V(1).Info("building the toy GAN graphs done")
	return nil
}

func (t *ToyGan) buildSampleGraph(gSrc *ParamStore, dataShape tensor.Shape) error {
	sg := gorgonia.NewGraph()
	store := NewParamStore(sg)
	if err := store.Mirror(gSrc, scopeGenerator); err != nil {
		return err
	}
	noiseIn := inputNode(sg, "noise", t.cfg.RunBatchSize, tensor.Shape{t.cfg.LatentSpaceDim})
	out, err := toyGenerator(&OpCtx{G: sg, Params: store}, dataShape, noiseIn)
	if err != nil {
		return err
	}
	t.sampleOp = BatchOp{Input: noiseIn, Output: new(gorgonia.Value)}
	gorgonia.Read(out, t.sampleOp.Output)
	t.sampleOp.VM = t.ctx.trackVM(gorgonia.NewTapeMachine(sg))
	return nil
}

func (t *ToyGan) buildClassifyGraph(cSrc *ParamStore, dataShape tensor.Shape) error {
	eg := gorgonia.NewGraph()
	store := NewParamStore(eg)
	if err := store.Mirror(cSrc, scopeClassifier); err != nil {
		return err
	}
	realIn := inputNode(eg, "real_points", t.cfg.RunBatchSize, dataShape)
	logits, err := toyDiscriminator(&OpCtx{G: eg, Params: store}, realIn, scopeClassifier)
	if err != nil {
		return err
	}
	prob, err := gorgonia.Sigmoid(logits)
	if err != nil {
		return errors.Wrap(err, "Can't build classifier probability output")
	}
	t.classifyOp = BatchOp{Input: realIn, Output: new(gorgonia.Value)}
	gorgonia.Read(prob, t.classifyOp.Output)
	t.classifyOp.VM = t.ctx.trackVM(gorgonia.NewTapeMachine(eg))
	return nil
}

func (t *ToyGan) dStep(real, noise *tensor.Dense) error {
	if err := gorgonia.Let(t.dRealIn, real); err != nil {
		return errors.Wrap(err, "Can't feed real points")
	}
	if err := gorgonia.Let(t.dNoiseIn, noise); err != nil {
		return errors.Wrap(err, "Can't feed noise")
	}
	if err := t.dVM.RunAll(); err != nil {
		return errors.Wrap(err, "Can't run discriminator update")
	}
	if err := t.dSolver.Step(gorgonia.NodesToValueGrads(t.dParams)); err != nil {
		return errors.Wrap(err, "Can't step discriminator solver")
	}
	t.dVM.Reset()
	return nil
}

func (t *ToyGan) gStep(noise *tensor.Dense) error {
	if err := gorgonia.Let(t.gNoiseIn, noise); err != nil {
		return errors.Wrap(err, "Can't feed noise")
	}
	if err := t.gVM.RunAll(); err != nil {
		return errors.Wrap(err, "Can't run generator update")
	}
	if err := t.gSolver.Step(gorgonia.NodesToValueGrads(t.gParams)); err != nil {
		return errors.Wrap(err, "Can't step generator solver")
	}
	t.gVM.Reset()
	return nil
}

func (t *ToyGan) cStep(real, fake *tensor.Dense) error {
	if err := gorgonia.Let(t.cRealIn, real); err != nil {
		return errors.Wrap(err, "Can't feed real points")
	}
	if err := gorgonia.Let(t.cFakeIn, fake); err != nil {
		return errors.Wrap(err, "Can't feed fake points")
	}
	if err := t.cVM.RunAll(); err != nil {
		return errors.Wrap(err, "Can't run classifier update")
	}
	if err := t.cSolver.Step(gorgonia.NodesToValueGrads(t.cParams)); err != nil {
		return errors.Wrap(err, "Can't step classifier solver")
	}
	t.cVM.Reset()
	return nil
}

// Train Runs the alternating optimization: for every importance-weighted
// minibatch, DSteps discriminator updates followed by GSteps generator
// updates on freshly drawn noise. Every 100 updates the current generator
// output on a fixed noise slice goes to the metrics collaborator.
func (t *ToyGan) Train(opts *Config) error {
	batchesNum := t.data.NumPoints() / opts.BatchSize
	counter := 0
	klog.V(1).Info("training GAN")
	pbar := NewProgress(opts.Verbose, opts.GanEpochNum, "gan epochs")
	defer pbar.Finish()
	for epoch := 0; epoch < opts.GanEpochNum; epoch++ {
		for idx := 0; idx < batchesNum; idx++ {
			batch, err := t.nextBatch(opts.BatchSize)
			if err != nil {
				return err
			}
			noise := GenerateNoise(t.gauss, opts.BatchSize, opts.LatentSpaceDim)
			for i := 0; i < opts.DSteps; i++ {
				if err := t.dStep(batch, noise); err != nil {
					return err
				}
			}
			for i := 0; i < opts.GSteps; i++ {
				if err := t.gStep(noise); err != nil {
					return err
				}
			}
			counter++
			if opts.Verbose && counter%toyPlotEvery == 0 {
				if err := t.plotProgress(opts, counter, epoch, idx); err != nil {
					return err
				}
			}
		}
		pbar.Bam()
	}
	t.trained = true
	return nil
}

func (t *ToyGan) plotProgress(opts *Config, counter, epoch, idx int) error {
	noise, err := t.plotNoise(toyPlotPoints)
	if err != nil {
		return err
	}
	points, err := RunBatch(t.sampleOp, noise)
	if err != nil {
		return errors.Wrap(err, "Can't sample points for plotting")
	}
	realNum := toyPlotPoints
	if realNum > t.data.NumPoints() {
		realNum = t.data.NumPoints()
	}
	real, err := sliceRows(t.data.Points, 0, realNum)
	if err != nil {
		return err
	}
	prefix := fmt.Sprintf("gan_e%d_mb%d_", epoch, idx)
	return t.metrics.MakePlots(opts, counter, real, points, prefix)
}

// Sample Generates num fresh synthetic points through the trained generator.
func (t *ToyGan) Sample(opts *Config, num int) (*tensor.Dense, error) {
	if !t.trained {
		return nil, errors.Wrap(ErrNotTrained, "Can't sample")
	}
	noise := GenerateNoise(t.gauss, num, opts.LatentSpaceDim)
	return RunBatch(t.sampleOp, noise)
}

// TrainMixtureDiscriminator Trains the classifier to separate the dataset
// from fakePoints and returns its probability output on every real point, in
// dataset order.
func (t *ToyGan) TrainMixtureDiscriminator(opts *Config, fakePoints *tensor.Dense) (*tensor.Dense, error) {
	if err := validateFakePoints(fakePoints, t.data.DataShape(), opts.BatchSize); err != nil {
		return nil, err
	}
	batchesNum := t.data.NumPoints() / opts.BatchSize
	klog.V(1).Info("training a mixture discriminator")
	pbar := NewProgress(opts.Verbose, opts.MixtureCEpochNum, "mixture epochs")
	defer pbar.Finish()
	for epoch := 0; epoch < opts.MixtureCEpochNum; epoch++ {
		for idx := 0; idx < batchesNum; idx++ {
			fakeBatch, err := t.uniformBatch(fakePoints, opts.BatchSize)
			if err != nil {
				return nil, err
			}
			realBatch, err := t.uniformBatch(t.data.Points, opts.BatchSize)
			if err != nil {
				return nil, err
			}
			if err := t.cStep(realBatch, fakeBatch); err != nil {
				return nil, err
			}
		}
		pbar.Bam()
	}
	return RunBatch(t.classifyOp, t.data.Points)
}

// adversarialLoss Sum of the real branch's cross-entropy against ones and the
// fake branch's cross-entropy against zeros.
func adversarialLoss(realLogits, fakeLogits *gorgonia.Node) (*gorgonia.Node, error) {
	lossReal, err := SigmoidCrossEntropyOnes(realLogits)
	if err != nil {
		return nil, errors.Wrap(err, "Can't build real-branch loss")
	}
	lossFake, err := SigmoidCrossEntropyZeros(fakeLogits)
	if err != nil {
		return nil, errors.Wrap(err, "Can't build fake-branch loss")
	}
	return gorgonia.Add(lossReal, lossFake)
}

// newAdamSolver Solver configured from the shared optimizer options.
func newAdamSolver(cfg *Config) gorgonia.Solver {
	return gorgonia.NewAdamSolver(
		gorgonia.WithLearnRate(cfg.OptLearningRate),
		gorgonia.WithBeta1(cfg.OptBeta1),
		gorgonia.WithBatchSize(float64(cfg.BatchSize)),
	)
}

// validateFakePoints checks the mixture-classifier feed: point shape matching
// the dataset and at least one full minibatch of points.
func validateFakePoints(fakePoints *tensor.Dense, dataShape tensor.Shape, batchSize int) error {
	if fakePoints == nil || fakePoints.Dims() < 2 || fakePoints.Shape()[0] == 0 {
		return errors.New("Can't train mixture discriminator: no fake points")
	}
	if !tensor.Shape(fakePoints.Shape()[1:]).Eq(dataShape) {
		return errors.Errorf("fake points have shape %v, dataset points have shape %v", fakePoints.Shape()[1:], dataShape)
	}
	if fakePoints.Shape()[0] < batchSize {
		return errors.Errorf("need at least %d fake points for one minibatch, got %d", batchSize, fakePoints.Shape()[0])
	}
	return nil
}
