package adagan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// imagePlotPoints is how many cached noise vectors the image variants sample
// for one plot grid.
const imagePlotPoints = 16

// ImageGan GAN trainer for image datasets: a transposed-convolution generator
// against a convolutional discriminator, both with channel-wise batch
// normalization. Training graphs normalize with batch statistics; the
// evaluation graphs used for sampling and classifier output normalize with
// running averages flushed after every optimization step.
type ImageGan struct {
	Gan

	dVM, gVM, cVM             gorgonia.VM
	dSolver, gSolver, cSolver gorgonia.Solver
	dParams, gParams, cParams gorgonia.Nodes

	dRealIn, dNoiseIn *gorgonia.Node
	gNoiseIn          *gorgonia.Node
	// gRealIn is only set by the unrolled variant, whose generator loss
	// re-evaluates the discriminator on real points.
	gRealIn          *gorgonia.Node
	cRealIn, cFakeIn *gorgonia.Node

	dFlush, gFlush, cFlush []*bnFlush

	dLossVal, gLossVal, cLossVal gorgonia.Value
	// dLossAtGVal mirrors the discriminator loss as seen inside the
	// generator graph of the unrolled variant.
	dLossAtGVal gorgonia.Value

	// laParams are the parameter input nodes the unrolled generator loss is
	// evaluated at; lookahead computes their values before every generator
	// update. Both stay nil outside the unrolled variant and for
	// UnrollingSteps <= 0.
	laParams  gorgonia.Nodes
	lookahead *lookahead

	genOut     *gorgonia.Node
	sampleOp   BatchOp
	classifyOp BatchOp
}

var _ Model = (*ImageGan)(nil)

// NewImageGan Builds the image variant's expression graphs for the given
// dataset (points shaped height x width x channels, spatial dimensions
// divisible by 4) and initializes every trainable parameter.
func NewImageGan(cfg *Config, data *Dataset, weights []float64, metrics Metrics) (*ImageGan, error) {
	return newImageModel(cfg, data, weights, metrics, false)
}

func newImageModel(cfg *Config, data *Dataset, weights []float64, metrics Metrics, unrolled bool) (*ImageGan, error) {
	base, err := newGan(cfg, data, weights, metrics)
	if err != nil {
		return nil, err
	}
	m := &ImageGan{Gan: *base}
	if err := m.buildModel(unrolled); err != nil {
		_ = m.Close()
		return nil, errors.Wrap(err, "Can't build image GAN graphs")
	}
	return m, nil
}

// imageGenerator Noise to image: linear projection to a coarse spatial
// tensor, then two upsampling transposed convolutions and a stride-1
// projection, each followed by batch normalization. The output is NHWC with
// tanh activation for symmetrically normalized inputs, sigmoid otherwise.
func imageGenerator(ctx *OpCtx, cfg *Config, dataShape tensor.Shape, noise *gorgonia.Node) (*gorgonia.Node, error) {
	if len(dataShape) != 3 {
		return nil, errors.Errorf("image points must be rank 3 (height, width, channels), got shape %v", dataShape)
	}
	height, width, channels := dataShape[0], dataShape[1], dataShape[2]
	if height%4 != 0 || width%4 != 0 {
		return nil, errors.Errorf("spatial dimensions must be divisible by 4, got %dx%d", height, width)
	}
	numFilters := cfg.GNumFilters
	if numFilters < 4 || numFilters%4 != 0 {
		return nil, errors.Errorf("generator filter count must be a positive multiple of 4, got %d", numFilters)
	}
	batch := noise.Shape()[0]

	h, err := Linear(ctx, noise, numFilters*(height/4)*(width/4), scopeGenerator, "h0_lin")
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Reshape(h, tensor.Shape{batch, numFilters, height / 4, width / 4}); err != nil {
		return nil, errors.Wrap(err, "Can't reshape projected noise to a spatial tensor")
	}
	if h, err = BatchNorm(ctx, h, scopeGenerator, "bn_layer1"); err != nil {
		return nil, err
	}
	if h, err = LRelu(h); err != nil {
		return nil, err
	}
	// height/4 x width/4 -> height/2 x width/2
	if h, err = Deconv2D(ctx, h, numFilters/2, 2, scopeGenerator, "h1_deconv"); err != nil {
		return nil, err
	}
	if h, err = BatchNorm(ctx, h, scopeGenerator, "bn_layer2"); err != nil {
		return nil, err
	}
	if h, err = LRelu(h); err != nil {
		return nil, err
	}
	// height/2 x width/2 -> height x width
	if h, err = Deconv2D(ctx, h, numFilters/4, 2, scopeGenerator, "h2_deconv"); err != nil {
		return nil, err
	}
	if h, err = BatchNorm(ctx, h, scopeGenerator, "bn_layer3"); err != nil {
		return nil, err
	}
	if h, err = LRelu(h); err != nil {
		return nil, err
	}
	if h, err = Deconv2D(ctx, h, channels, 1, scopeGenerator, "h3_deconv"); err != nil {
		return nil, err
	}
	if h, err = BatchNorm(ctx, h, scopeGenerator, "bn_layer4"); err != nil {
		return nil, err
	}
	if h, err = gorgonia.Transpose(h, 0, 2, 3, 1); err != nil {
		return nil, errors.Wrap(err, "Can't lay generator output out as NHWC")
	}
	if cfg.InputNormalizeSym {
		return gorgonia.Tanh(h)
	}
	return gorgonia.Sigmoid(h)
}

// imageDiscriminator NHWC image to raw logit: three strided convolutions with
// batch normalization and leaky rectifiers, then a linear head.
func imageDiscriminator(ctx *OpCtx, cfg *Config, x *gorgonia.Node, scope string) (*gorgonia.Node, error) {
	numFilters := cfg.DNumFilters
	h, err := gorgonia.Transpose(x, 0, 3, 1, 2)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't lay %s input out as NCHW", scope)
	}
	if h, err = Conv2D(ctx, h, numFilters, scope, "h0_conv"); err != nil {
		return nil, err
	}
	if h, err = BatchNorm(ctx, h, scope, "bn_layer1"); err != nil {
		return nil, err
	}
	if h, err = LRelu(h); err != nil {
		return nil, err
	}
	if h, err = Conv2D(ctx, h, numFilters*2, scope, "h1_conv"); err != nil {
		return nil, err
	}
	if h, err = BatchNorm(ctx, h, scope, "bn_layer2"); err != nil {
		return nil, err
	}
	if h, err = LRelu(h); err != nil {
		return nil, err
	}
	if h, err = Conv2D(ctx, h, numFilters*4, scope, "h2_conv"); err != nil {
		return nil, err
	}
	if h, err = BatchNorm(ctx, h, scope, "bn_layer3"); err != nil {
		return nil, err
	}
	if h, err = LRelu(h); err != nil {
		return nil, err
	}
	return Linear(ctx, h, 1, scope, "h3_lin")
}

func (m *ImageGan) buildModel(unrolled bool) error {
	cfg := m.cfg
	dataShape := m.data.DataShape()
	klog.V(1).Info("building the image GAN graphs")
	// The unrolled variant historically pinned batch norm to training mode
	// everywhere, including the evaluation graphs.
	evalTraining := unrolled && cfg.UnrolledTrainMode

	// Generator graph, first phase.
	gg := gorgonia.NewGraph()
	gStore := NewParamStore(gg)
	m.gNoiseIn = inputNode(gg, "noise", cfg.BatchSize, tensor.Shape{cfg.LatentSpaceDim})
	gctx := &OpCtx{G: gg, Params: gStore, Stats: m.ctx, Training: true, Collect: true}
	genOut, err := imageGenerator(gctx, cfg, dataShape, m.gNoiseIn)
	if err != nil {
		return err
	}
	m.genOut = genOut

	// Discriminator graph.
	dg := gorgonia.NewGraph()
	dStore := NewParamStore(dg)
	if err := dStore.Mirror(gStore, scopeGenerator); err != nil {
		return err
	}
	m.dRealIn = inputNode(dg, "real_points", cfg.BatchSize, dataShape)
	m.dNoiseIn = inputNode(dg, "noise", cfg.BatchSize, tensor.Shape{cfg.LatentSpaceDim})
	dGenCtx := &OpCtx{G: dg, Params: dStore, Stats: m.ctx, Training: true}
	dFake, err := imageGenerator(dGenCtx, cfg, dataShape, m.dNoiseIn)
	if err != nil {
		return err
	}
	dctx := &OpCtx{G: dg, Params: dStore, Stats: m.ctx, Training: true, Collect: true}
	dRealLogits, err := imageDiscriminator(dctx, cfg, m.dRealIn, scopeDiscriminator)
	if err != nil {
		return err
	}
	dFakeLogits, err := imageDiscriminator(dctx, cfg, dFake, scopeDiscriminator)
	if err != nil {
		return err
	}
	dLoss, err := adversarialLoss(dRealLogits, dFakeLogits)
	if err != nil {
		return err
	}
	gorgonia.WithName("d_loss")(dLoss)
	gorgonia.Read(dLoss, &m.dLossVal)
	m.dFlush = dctx.flushes
	m.dParams = dStore.Scope(scopeDiscriminator)
	if _, err := gorgonia.Grad(dLoss, m.dParams...); err != nil {
		return errors.Wrap(err, "Can't differentiate discriminator loss")
	}
	m.dVM = m.ctx.trackVM(gorgonia.NewTapeMachine(dg, gorgonia.BindDualValues(m.dParams...)))
	m.dSolver = newAdamSolver(cfg)

	// Generator graph, second phase: either the plain adversarial loss or
	// the unrolled lookahead.
	if err := gStore.Mirror(dStore, scopeDiscriminator); err != nil {
		return err
	}
	var gLoss *gorgonia.Node
	if unrolled {
		m.gRealIn = inputNode(gg, "real_points", cfg.BatchSize, dataShape)
		gLoss, err = buildUnrolledGeneratorLoss(m, gg, gStore, genOut)
		if err != nil {
			return err
		}
	} else {
		gHeadCtx := &OpCtx{G: gg, Params: gStore, Stats: m.ctx, Training: true}
		gFakeLogits, err := imageDiscriminator(gHeadCtx, cfg, genOut, scopeDiscriminator)
		if err != nil {
			return err
		}
		gLoss, err = SigmoidCrossEntropyOnes(gFakeLogits)
		if err != nil {
			return errors.Wrap(err, "Can't build generator loss")
		}
	}
	gorgonia.WithName("g_loss")(gLoss)
	gorgonia.Read(gLoss, &m.gLossVal)
	m.gFlush = gctx.flushes
	m.gParams = gStore.Scope(scopeGenerator)
	if _, err := gorgonia.Grad(gLoss, m.gParams...); err != nil {
		return errors.Wrap(err, "Can't differentiate generator loss")
	}
	m.gVM = m.ctx.trackVM(gorgonia.NewTapeMachine(gg, gorgonia.BindDualValues(m.gParams...)))
	m.gSolver = newAdamSolver(cfg)

	// Classifier graph.
	cg := gorgonia.NewGraph()
	cStore := NewParamStore(cg)
	m.cRealIn = inputNode(cg, "real_points", cfg.BatchSize, dataShape)
	m.cFakeIn = inputNode(cg, "fake_points", cfg.BatchSize, dataShape)
	cctx := &OpCtx{G: cg, Params: cStore, Stats: m.ctx, Training: true, Collect: true}
	cRealLogits, err := imageDiscriminator(cctx, cfg, m.cRealIn, scopeClassifier)
	if err != nil {
		return err
	}
	cFakeLogits, err := imageDiscriminator(cctx, cfg, m.cFakeIn, scopeClassifier)
	if err != nil {
		return err
	}
	cLoss, err := adversarialLoss(cRealLogits, cFakeLogits)
	if err != nil {
		return err
	}
	gorgonia.WithName("c_loss")(cLoss)
	gorgonia.Read(cLoss, &m.cLossVal)
	m.cFlush = cctx.flushes
	m.cParams = cStore.Scope(scopeClassifier)
	if _, err := gorgonia.Grad(cLoss, m.cParams...); err != nil {
		return errors.Wrap(err, "Can't differentiate classifier loss")
	}
	m.cVM = m.ctx.trackVM(gorgonia.NewTapeMachine(cg, gorgonia.BindDualValues(m.cParams...)))
	m.cSolver = newAdamSolver(cfg)

	// Evaluation graphs.
	if err := m.buildSampleGraph(gStore, dataShape, evalTraining); err != nil {
		return err
	}
	if err := m.buildClassifyGraph(cStore, dataShape, evalTraining); err != nil {
		return err
	}
	klog.V(1).Info("building the image GAN graphs done")
	return nil
}

func (m *ImageGan) buildSampleGraph(gSrc *ParamStore, dataShape tensor.Shape, training bool) error {
	sg := gorgonia.NewGraph()
	store := NewParamStore(sg)
	if err := store.Mirror(gSrc, scopeGenerator); err != nil {
		return err
	}
	noiseIn := inputNode(sg, "noise", m.cfg.RunBatchSize, tensor.Shape{m.cfg.LatentSpaceDim})
	sctx := &OpCtx{G: sg, Params: store, Stats: m.ctx, Training: training}
	out, err := imageGenerator(sctx, m.cfg, dataShape, noiseIn)
	if err != nil {
		return err
	}
	m.sampleOp = BatchOp{Input: noiseIn, Output: new(gorgonia.Value)}
	gorgonia.Read(out, m.sampleOp.Output)
	m.sampleOp.VM = m.ctx.trackVM(gorgonia.NewTapeMachine(sg))
	return nil
}

func (m *ImageGan) buildClassifyGraph(cSrc *ParamStore, dataShape tensor.Shape, training bool) error {
	eg := gorgonia.NewGraph()
	store := NewParamStore(eg)
	if err := store.Mirror(cSrc, scopeClassifier); err != nil {
		return err
	}
	realIn := inputNode(eg, "real_points", m.cfg.RunBatchSize, dataShape)
	ectx := &OpCtx{G: eg, Params: store, Stats: m.ctx, Training: training}
	logits, err := imageDiscriminator(ectx, m.cfg, realIn, scopeClassifier)
	if err != nil {
		return err
	}
	prob, err := gorgonia.Sigmoid(logits)
	if err != nil {
		return errors.Wrap(err, "Can't build classifier probability output")
	}
	m.classifyOp = BatchOp{Input: realIn, Output: new(gorgonia.Value)}
	gorgonia.Read(prob, m.classifyOp.Output)
	m.classifyOp.VM = m.ctx.trackVM(gorgonia.NewTapeMachine(eg))
	return nil
}

// GeneratorOut Returns the generator's symbolic output on the training graph.
func (m *ImageGan) GeneratorOut() *gorgonia.Node {
	return m.genOut
}

func (m *ImageGan) dStep(real, noise *tensor.Dense) error {
	if err := gorgonia.Let(m.dRealIn, real); err != nil {
		return errors.Wrap(err, "Can't feed real points")
	}
	if err := gorgonia.Let(m.dNoiseIn, noise); err != nil {
		return errors.Wrap(err, "Can't feed noise")
	}
	if err := m.dVM.RunAll(); err != nil {
		return errors.Wrap(err, "Can't run discriminator update")
	}
	if err := m.dSolver.Step(gorgonia.NodesToValueGrads(m.dParams)); err != nil {
		return errors.Wrap(err, "Can't step discriminator solver")
	}
	m.dVM.Reset()
	return flushBatchNorms(m.dFlush)
}

func (m *ImageGan) gStep(real, noise *tensor.Dense) error {
	if m.gRealIn != nil {
		if err := gorgonia.Let(m.gRealIn, real); err != nil {
			return errors.Wrap(err, "Can't feed real points")
		}
	}
	if m.lookahead != nil {
		ahead, err := m.lookahead.run(real, noise)
		if err != nil {
			return errors.Wrap(err, "Can't anticipate discriminator updates")
		}
		for i, n := range m.laParams {
			if err := gorgonia.Let(n, ahead[i]); err != nil {
				return errors.Wrap(err, "Can't feed anticipated discriminator parameters")
			}
		}
	}
	if err := gorgonia.Let(m.gNoiseIn, noise); err != nil {
		return errors.Wrap(err, "Can't feed noise")
	}
	if err := m.gVM.RunAll(); err != nil {
		return errors.Wrap(err, "Can't run generator update")
	}
	if err := m.gSolver.Step(gorgonia.NodesToValueGrads(m.gParams)); err != nil {
		return errors.Wrap(err, "Can't step generator solver")
	}
	m.gVM.Reset()
	return flushBatchNorms(m.gFlush)
}

func (m *ImageGan) cStep(real, fake *tensor.Dense) error {
	if err := gorgonia.Let(m.cRealIn, real); err != nil {
		return errors.Wrap(err, "Can't feed real points")
	}
	if err := gorgonia.Let(m.cFakeIn, fake); err != nil {
		return errors.Wrap(err, "Can't feed fake points")
	}
	if err := m.cVM.RunAll(); err != nil {
		return errors.Wrap(err, "Can't run classifier update")
	}
	if err := m.cSolver.Step(gorgonia.NodesToValueGrads(m.cParams)); err != nil {
		return errors.Wrap(err, "Can't step classifier solver")
	}
	m.cVM.Reset()
	return flushBatchNorms(m.cFlush)
}

// Train Runs the alternating optimization with the configured plot cadence
// and the best-effort early stop: a positive EarlyStop cuts the inner
// minibatch loop short once the update counter passes it, while the epoch
// loop still runs to completion.
func (m *ImageGan) Train(opts *Config) error {
	batchesNum := m.data.NumPoints() / opts.BatchSize
	counter := 0
	klog.V(1).Info("training GAN")
	pbar := NewProgress(opts.Verbose, opts.GanEpochNum, "gan epochs")
	defer pbar.Finish()
	for epoch := 0; epoch < opts.GanEpochNum; epoch++ {
		for idx := 0; idx < batchesNum; idx++ {
			batch, err := m.nextBatch(opts.BatchSize)
			if err != nil {
				return err
			}
			noise := GenerateNoise(m.gauss, opts.BatchSize, opts.LatentSpaceDim)
			for i := 0; i < opts.DSteps; i++ {
				if err := m.dStep(batch, noise); err != nil {
					return err
				}
			}
			for i := 0; i < opts.GSteps; i++ {
				if err := m.gStep(batch, noise); err != nil {
					return err
				}
			}
			counter++
			if opts.Verbose && counter%opts.PlotEvery == 0 {
				klog.V(1).Infof("epoch %d/%d, batch %d/%d", epoch, opts.GanEpochNum, idx, batchesNum)
				if err := m.plotProgress(opts, counter, epoch, idx); err != nil {
					return err
				}
			}
			if opts.EarlyStop > 0 && counter > opts.EarlyStop {
				break
			}
		}
		pbar.Bam()
	}
	m.trained = true
	return nil
}

func (m *ImageGan) plotProgress(opts *Config, counter, epoch, idx int) error {
	noise, err := m.plotNoise(imagePlotPoints)
	if err != nil {
		return err
	}
	points, err := RunBatch(m.sampleOp, noise)
	if err != nil {
		return errors.Wrap(err, "Can't sample points for plotting")
	}
	prefix := fmt.Sprintf("sample_e%02d_mb%05d_", epoch, idx)
	return m.metrics.MakePlots(opts, counter, nil, points, prefix)
}

// Sample Generates num fresh synthetic images through the trained generator.
func (m *ImageGan) Sample(opts *Config, num int) (*tensor.Dense, error) {
	if !m.trained {
		return nil, errors.Wrap(ErrNotTrained, "Can't sample")
	}
	noise := GenerateNoise(m.gauss, num, opts.LatentSpaceDim)
	return RunBatch(m.sampleOp, noise)
}

// TrainMixtureDiscriminator Trains the classifier to separate the dataset
// from fakePoints and returns its probability output on every real point, in
// dataset order.
func (m *ImageGan) TrainMixtureDiscriminator(opts *Config, fakePoints *tensor.Dense) (*tensor.Dense, error) {
	if err := validateFakePoints(fakePoints, m.data.DataShape(), opts.BatchSize); err != nil {
		return nil, err
	}
	batchesNum := m.data.NumPoints() / opts.BatchSize
	klog.V(1).Info("training a mixture discriminator")
	pbar := NewProgress(opts.Verbose, opts.MixtureCEpochNum, "mixture epochs")
	defer pbar.Finish()
	for epoch := 0; epoch < opts.MixtureCEpochNum; epoch++ {
		for idx := 0; idx < batchesNum; idx++ {
			fakeBatch, err := m.uniformBatch(fakePoints, opts.BatchSize)
			if err != nil {
				return nil, err
			}
			realBatch, err := m.uniformBatch(m.data.Points, opts.BatchSize)
			if err != nil {
				return nil, err
			}
			if err := m.cStep(realBatch, fakeBatch); err != nil {
				return nil, err
			}
		}
		pbar.Bam()
	}
	return RunBatch(m.classifyOp, m.data.Points)
}
