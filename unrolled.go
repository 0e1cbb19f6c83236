package adagan

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// UnrolledGan Image GAN whose generator plays against several anticipated
// discriminator updates instead of the discriminator's current parameters.
// The discriminator itself still trains with ordinary single steps; only the
// generator's view of it looks ahead.
type UnrolledGan struct {
	*ImageGan
}

var _ Model = (*UnrolledGan)(nil)

// NewUnrolledGan Builds the unrolled variant. Architecture, training loop,
// sampling and the mixture classifier are shared with ImageGan; the generator
// loss is the negated discriminator loss evaluated at the parameters after
// cfg.UnrollingSteps anticipated optimizer steps (the plain negation when the
// step count is zero or negative).
func NewUnrolledGan(cfg *Config, data *Dataset, weights []float64, metrics Metrics) (*UnrolledGan, error) {
	m, err := newImageModel(cfg, data, weights, metrics, true)
	if err != nil {
		return nil, err
	}
	return &UnrolledGan{ImageGan: m}, nil
}

// buildUnrolledGeneratorLoss Builds the generator objective on the generator
// graph. With no lookahead the discriminator loss is taken at the mirrored
// live parameters. With a positive step count it is taken at a set of
// parameter input nodes instead; before every generator update those inputs
// are fed with the values a compiled one-step lookahead (see buildLookahead)
// produces after cfg.UnrollingSteps iterations. The anticipated parameters
// enter the objective as plain inputs, so the generator gradient flows
// through its own output only.
func buildUnrolledGeneratorLoss(m *ImageGan, g *gorgonia.ExprGraph, store *ParamStore, genOut *gorgonia.Node) (*gorgonia.Node, error) {
	cfg := m.cfg

	dLossAt := func(overrides map[string]*gorgonia.Node) (*gorgonia.Node, error) {
		var params paramSource = store
		if overrides != nil {
			params = &overlayStore{base: store, override: overrides}
		}
		octx := &OpCtx{G: g, Params: params, Stats: m.ctx, Training: true}
		realLogits, err := imageDiscriminator(octx, cfg, m.gRealIn, scopeDiscriminator)
		if err != nil {
			return nil, err
		}
		fakeLogits, err := imageDiscriminator(octx, cfg, genOut, scopeDiscriminator)
		if err != nil {
			return nil, err
		}
		return adversarialLoss(realLogits, fakeLogits)
	}

	if cfg.UnrollingSteps <= 0 {
		loss, err := dLossAt(nil)
		if err != nil {
			return nil, err
		}
		gorgonia.Read(loss, &m.dLossAtGVal)
		return gorgonia.Neg(loss)
	}

	klog.V(1).Infof("unrolling %d discriminator steps", cfg.UnrollingSteps)
	keys := store.ScopeKeys(scopeDiscriminator)
	overrides := make(map[string]*gorgonia.Node, len(keys))
	m.laParams = make(gorgonia.Nodes, len(keys))
	for i, key := range keys {
		src := store.Node(key)
		n := gorgonia.NewTensor(g, gorgonia.Float64, src.Dims(),
			gorgonia.WithShape(src.Shape()...),
			gorgonia.WithName("unrolled/"+key))
		m.laParams[i] = n
		overrides[key] = n
	}
	loss, err := dLossAt(overrides)
	if err != nil {
		return nil, errors.Wrap(err, "Can't build discriminator loss at anticipated parameters")
	}
	gorgonia.Read(loss, &m.dLossAtGVal)

	la, err := buildLookahead(m, store, keys)
	if err != nil {
		return nil, errors.Wrap(err, "Can't build discriminator lookahead")
	}
	m.lookahead = la
	return gorgonia.Neg(loss)
}

// lookahead One symbolic Adam step of the discriminator, compiled on its own
// graph with the parameters and moment estimates as input nodes. Iterating
// the machine with each run's outputs fed back in as the next run's inputs
// yields the anticipated parameters the unrolled generator loss is evaluated
// at. Differentiation happens exactly once on this graph, with respect to
// input nodes only.
type lookahead struct {
	vm    gorgonia.VM
	adam  *SymbolicAdam
	steps int
	keys  []string

	realIn, noiseIn, lrIn *gorgonia.Node
	paramIn, mIn, vIn     gorgonia.Nodes
	// src holds the live discriminator parameters the iteration starts from.
	src gorgonia.Nodes

	paramOut, mOut, vOut []gorgonia.Value
}

func buildLookahead(m *ImageGan, gSrc *ParamStore, keys []string) (*lookahead, error) {
	cfg := m.cfg
	dataShape := m.data.DataShape()

	lg := gorgonia.NewGraph()
	store := NewParamStore(lg)
	if err := store.Mirror(gSrc, scopeGenerator); err != nil {
		return nil, err
	}

	la := &lookahead{
		adam:  NewSymbolicAdam(cfg.OptLearningRate, cfg.OptBeta1),
		steps: cfg.UnrollingSteps,
		keys:  keys,
	}
	la.realIn = inputNode(lg, "real_points", cfg.BatchSize, dataShape)
	la.noiseIn = inputNode(lg, "noise", cfg.BatchSize, tensor.Shape{cfg.LatentSpaceDim})
	la.lrIn = gorgonia.NewScalar(lg, gorgonia.Float64, gorgonia.WithName("lr_t"))

	overrides := make(map[string]*gorgonia.Node, len(keys))
	la.paramIn = make(gorgonia.Nodes, len(keys))
	la.mIn = make(gorgonia.Nodes, len(keys))
	la.vIn = make(gorgonia.Nodes, len(keys))
	la.src = make(gorgonia.Nodes, len(keys))
	for i, key := range keys {
		src := gSrc.Node(key)
		la.src[i] = src
		la.paramIn[i] = gorgonia.NewTensor(lg, gorgonia.Float64, src.Dims(),
			gorgonia.WithShape(src.Shape()...), gorgonia.WithName(key))
		la.mIn[i] = gorgonia.NewTensor(lg, gorgonia.Float64, src.Dims(),
			gorgonia.WithShape(src.Shape()...), gorgonia.WithName("adam_m/"+key))
		la.vIn[i] = gorgonia.NewTensor(lg, gorgonia.Float64, src.Dims(),
			gorgonia.WithShape(src.Shape()...), gorgonia.WithName("adam_v/"+key))
		overrides[key] = la.paramIn[i]
	}

	genCtx := &OpCtx{G: lg, Params: store, Stats: m.ctx, Training: true}
	fake, err := imageGenerator(genCtx, cfg, dataShape, la.noiseIn)
	if err != nil {
		return nil, err
	}
	dctx := &OpCtx{G: lg, Params: &overlayStore{base: store, override: overrides}, Stats: m.ctx, Training: true}
	realLogits, err := imageDiscriminator(dctx, cfg, la.realIn, scopeDiscriminator)
	if err != nil {
		return nil, err
	}
	fakeLogits, err := imageDiscriminator(dctx, cfg, fake, scopeDiscriminator)
	if err != nil {
		return nil, err
	}
	loss, err := adversarialLoss(realLogits, fakeLogits)
	if err != nil {
		return nil, err
	}

	grads, err := gorgonia.Grad(loss, la.paramIn...)
	if err != nil {
		return nil, errors.Wrap(err, "Can't differentiate lookahead loss")
	}
	updates, err := la.adam.Step(la.lrIn, keys, la.paramIn, grads, la.mIn, la.vIn)
	if err != nil {
		return nil, errors.Wrap(err, "Can't build optimizer updates")
	}
	post, err := ExtractUpdateMap(updates)
	if err != nil {
		return nil, errors.Wrap(err, "Can't extract update values")
	}

	la.paramOut = make([]gorgonia.Value, len(keys))
	la.mOut = make([]gorgonia.Value, len(keys))
	la.vOut = make([]gorgonia.Value, len(keys))
	for i, key := range keys {
		next := post[key]
		if next == nil {
			return nil, errors.Errorf("no update value extracted for %q", key)
		}
		gorgonia.Read(next, &la.paramOut[i])
		gorgonia.Read(post["adam_m/"+key], &la.mOut[i])
		gorgonia.Read(post["adam_v/"+key], &la.vOut[i])
	}

	la.vm = m.ctx.trackVM(gorgonia.NewTapeMachine(lg))
	return la, nil
}

// run Applies steps Adam updates to a scratch copy of the live discriminator
// parameters and returns the anticipated values in key order. The live
// parameters and the solver state of the real discriminator update are never
// touched.
func (la *lookahead) run(real, noise *tensor.Dense) ([]*tensor.Dense, error) {
	cur := make([]*tensor.Dense, len(la.keys))
	ms := make([]*tensor.Dense, len(la.keys))
	vs := make([]*tensor.Dense, len(la.keys))
	for i, src := range la.src {
		val, err := cloneDense(src.Value(), la.keys[i])
		if err != nil {
			return nil, err
		}
		cur[i] = val
		ms[i] = tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(val.Shape()...))
		vs[i] = tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(val.Shape()...))
	}

	for t := 1; t <= la.steps; t++ {
		if err := gorgonia.Let(la.realIn, real); err != nil {
			return nil, errors.Wrap(err, "Can't feed real points")
		}
		if err := gorgonia.Let(la.noiseIn, noise); err != nil {
			return nil, errors.Wrap(err, "Can't feed noise")
		}
		if err := gorgonia.Let(la.lrIn, la.adam.StepSize(t)); err != nil {
			return nil, errors.Wrap(err, "Can't feed step size")
		}
		for i := range la.keys {
			if err := gorgonia.Let(la.paramIn[i], cur[i]); err != nil {
				return nil, errors.Wrapf(err, "Can't feed parameter %q", la.keys[i])
			}
			if err := gorgonia.Let(la.mIn[i], ms[i]); err != nil {
				return nil, errors.Wrapf(err, "Can't feed first moment of %q", la.keys[i])
			}
			if err := gorgonia.Let(la.vIn[i], vs[i]); err != nil {
				return nil, errors.Wrapf(err, "Can't feed second moment of %q", la.keys[i])
			}
		}
		if err := la.vm.RunAll(); err != nil {
			return nil, errors.Wrapf(err, "Can't run lookahead step %d of %d", t, la.steps)
		}
		for i, key := range la.keys {
			var err error
			if cur[i], err = cloneDense(la.paramOut[i], key); err != nil {
				return nil, err
			}
			if ms[i], err = cloneDense(la.mOut[i], key); err != nil {
				return nil, err
			}
			if vs[i], err = cloneDense(la.vOut[i], key); err != nil {
				return nil, err
			}
		}
		la.vm.Reset()
	}
	return cur, nil
}

func cloneDense(v gorgonia.Value, what string) (*tensor.Dense, error) {
	d, ok := v.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("value of %q is not dense: %T", what, v)
	}
	return d.Clone().(*tensor.Dense), nil
}
