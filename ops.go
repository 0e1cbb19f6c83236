package adagan

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	convKernelSize = 5
	lreluLeak      = 0.2
	bnDecay        = 0.9
	bnEpsilon      = 1e-5
)

// OpCtx Carries everything a layer builder needs: the target expression
// graph, the parameter source resolving named parameters, the shared running
// statistics and the batch-norm mode. Training selects symbolic batch
// statistics over stored running averages; Collect additionally captures the
// batch statistics so the model can flush them into the running averages
// after each optimization step.
type OpCtx struct {
	G        *gorgonia.ExprGraph
	Params   paramSource
	Stats    *Context
	Training bool
	Collect  bool

	flushes   []*bnFlush
	statNodes map[string]*gorgonia.Node
}

// Linear Fully-connected layer: x*W + b, with W fetched-or-created under
// (scope, name). Inputs of rank above 2 are flattened first.
func Linear(ctx *OpCtx, x *gorgonia.Node, outDim int, scope, name string) (*gorgonia.Node, error) {
	var err error
	if x.Dims() > 2 {
		batch := x.Shape()[0]
		x, err = gorgonia.Reshape(x, tensor.Shape{batch, x.Shape().TotalSize() / batch})
		if err != nil {
			return nil, errors.Wrapf(err, "Can't flatten input of linear layer %s/%s", scope, name)
		}
	}
	inDim := x.Shape()[1]
	w, err := ctx.Params.Get(scope, name+"_w", tensor.Shape{inDim, outDim}, gorgonia.GlorotN(1.0))
	if err != nil {
		return nil, err
	}
	b, err := ctx.Params.Get(scope, name+"_b", tensor.Shape{1, outDim}, gorgonia.Zeroes())
	if err != nil {
		return nil, err
	}
	h, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't multiply input and weights of linear layer %s/%s", scope, name)
	}
	h, err = gorgonia.BroadcastAdd(h, b, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't add bias to output of linear layer %s/%s", scope, name)
	}
	return h, nil
}

// Conv2D Convolution with a 5x5 kernel, stride 2 and SAME padding, halving
// the spatial resolution. Input and output are NCHW.
func Conv2D(ctx *OpCtx, x *gorgonia.Node, outFilters int, scope, name string) (*gorgonia.Node, error) {
	inFilters := x.Shape()[1]
	k, err := ctx.Params.Get(scope, name+"_k", tensor.Shape{outFilters, inFilters, convKernelSize, convKernelSize}, gorgonia.GlorotN(1.0))
	if err != nil {
		return nil, err
	}
	h, err := gorgonia.Conv2d(x, k, tensor.Shape{convKernelSize, convKernelSize}, []int{2, 2}, []int{2, 2}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't convolve[2D] input by kernel of layer %s/%s", scope, name)
	}
	b, err := ctx.Params.Get(scope, name+"_b", tensor.Shape{1, outFilters, 1, 1}, gorgonia.Zeroes())
	if err != nil {
		return nil, err
	}
	h, err = gorgonia.BroadcastAdd(h, b, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't add bias to output of layer %s/%s", scope, name)
	}
	return h, nil
}

// Deconv2D Transposed convolution expressed as nearest-neighbour upsampling
// followed by a 5x5 stride-1 SAME convolution. stride 2 doubles the spatial
// resolution, stride 1 only projects to outFilters channels. Input and output
// are NCHW.
func Deconv2D(ctx *OpCtx, x *gorgonia.Node, outFilters, stride int, scope, name string) (*gorgonia.Node, error) {
	var err error
	switch stride {
	case 1:
		// projection only
	case 2:
		x, err = gorgonia.Upsample2D(x, 2)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't upsample input of layer %s/%s", scope, name)
		}
	default:
		return nil, errors.Errorf("transposed convolution %s/%s supports strides 1 and 2, got %d", scope, name, stride)
	}
	inFilters := x.Shape()[1]
	k, err := ctx.Params.Get(scope, name+"_k", tensor.Shape{outFilters, inFilters, convKernelSize, convKernelSize}, gorgonia.GlorotN(1.0))
	if err != nil {
		return nil, err
	}
	h, err := gorgonia.Conv2d(x, k, tensor.Shape{convKernelSize, convKernelSize}, []int{2, 2}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't convolve[2D] upsampled input by kernel of layer %s/%s", scope, name)
	}
	b, err := ctx.Params.Get(scope, name+"_b", tensor.Shape{1, outFilters, 1, 1}, gorgonia.Zeroes())
	if err != nil {
		return nil, err
	}
	h, err = gorgonia.BroadcastAdd(h, b, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't add bias to output of layer %s/%s", scope, name)
	}
	return h, nil
}

// bnStat Running mean/variance of one batch-norm layer, shaped (1, C, 1, 1).
type bnStat struct {
	mean, variance *tensor.Dense
}

// bnFlush Pairs a running statistic with the batch statistic values read out
// of a training graph. flushBatchNorms folds the latter into the former after
// every optimization step.
type bnFlush struct {
	stat           *bnStat
	mean, variance gorgonia.Value
}

// BatchNorm Channel-wise batch normalization over an NCHW tensor with a
// learnable scale and shift per channel. In training mode the layer
// normalizes with symbolic batch statistics and captures them for the running
// averages; otherwise it normalizes with the stored running statistics.
func BatchNorm(ctx *OpCtx, x *gorgonia.Node, scope, name string) (*gorgonia.Node, error) {
	channels := x.Shape()[1]
	statShape := tensor.Shape{1, channels, 1, 1}
	gamma, err := ctx.Params.Get(scope, name+"_gamma", statShape, gorgonia.Ones())
	if err != nil {
		return nil, err
	}
	beta, err := ctx.Params.Get(scope, name+"_beta", statShape, gorgonia.Zeroes())
	if err != nil {
		return nil, err
	}

	var mean, variance *gorgonia.Node
	if ctx.Training {
		mean, variance, err = batchMoments(x, statShape)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't compute batch statistics of layer %s/%s", scope, name)
		}
		if ctx.Collect {
			f := &bnFlush{stat: ctx.Stats.bnStat(paramKey(scope, name), channels)}
			gorgonia.Read(mean, &f.mean)
			gorgonia.Read(variance, &f.variance)
			ctx.flushes = append(ctx.flushes, f)
		}
	} else {
		mean, variance = ctx.runningStatNodes(scope, name, channels)
	}

	centered, err := gorgonia.BroadcastSub(x, mean, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't center input of layer %s/%s", scope, name)
	}
	std, err := gorgonia.Sqrt(gorgonia.Must(gorgonia.Add(variance, gorgonia.NewConstant(bnEpsilon))))
	if err != nil {
		return nil, errors.Wrapf(err, "Can't compute standard deviation of layer %s/%s", scope, name)
	}
	normed, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't normalize input of layer %s/%s", scope, name)
	}
	scaled, err := gorgonia.BroadcastHadamardProd(normed, gamma, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't scale normalized input of layer %s/%s", scope, name)
	}
	out, err := gorgonia.BroadcastAdd(scaled, beta, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't shift normalized input of layer %s/%s", scope, name)
	}
	return out, nil
}

// batchMoments computes per-channel mean and variance of an NCHW tensor,
// reshaped to (1, C, 1, 1) for broadcasting.
func batchMoments(x *gorgonia.Node, statShape tensor.Shape) (*gorgonia.Node, *gorgonia.Node, error) {
	mean, err := gorgonia.Mean(x, 0, 2, 3)
	if err != nil {
		return nil, nil, err
	}
	mean, err = gorgonia.Reshape(mean, statShape)
	if err != nil {
		return nil, nil, err
	}
	centered, err := gorgonia.BroadcastSub(x, mean, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, nil, err
	}
	variance, err := gorgonia.Mean(gorgonia.Must(gorgonia.Square(centered)), 0, 2, 3)
	if err != nil {
		return nil, nil, err
	}
	variance, err = gorgonia.Reshape(variance, statShape)
	if err != nil {
		return nil, nil, err
	}
	return mean, variance, nil
}

// runningStatNodes binds the shared running statistics into this graph,
// re-using already-created nodes when the same layer appears twice.
func (ctx *OpCtx) runningStatNodes(scope, name string, channels int) (*gorgonia.Node, *gorgonia.Node) {
	if ctx.statNodes == nil {
		ctx.statNodes = make(map[string]*gorgonia.Node)
	}
	key := paramKey(scope, name)
	if m, ok := ctx.statNodes[key+":mean"]; ok {
		return m, ctx.statNodes[key+":var"]
	}
	stat := ctx.Stats.bnStat(key, channels)
	mean := gorgonia.NewTensor(ctx.G, gorgonia.Float64, 4,
		gorgonia.WithShape(1, channels, 1, 1),
		gorgonia.WithName(key+"_running_mean"),
		gorgonia.WithValue(stat.mean))
	variance := gorgonia.NewTensor(ctx.G, gorgonia.Float64, 4,
		gorgonia.WithShape(1, channels, 1, 1),
		gorgonia.WithName(key+"_running_var"),
		gorgonia.WithValue(stat.variance))
	ctx.statNodes[key+":mean"] = mean
	ctx.statNodes[key+":var"] = variance
	return mean, variance
}

// flushBatchNorms folds the captured batch statistics into the running
// averages with exponential decay. Flushes whose graph has not produced
// values yet are skipped.
func flushBatchNorms(flushes []*bnFlush) error {
	for _, f := range flushes {
		if f.mean == nil || f.variance == nil {
			continue
		}
		bm, ok := f.mean.Data().([]float64)
		if !ok {
			return errors.Errorf("batch mean has non-float64 backing %T", f.mean.Data())
		}
		bv, ok := f.variance.Data().([]float64)
		if !ok {
			return errors.Errorf("batch variance has non-float64 backing %T", f.variance.Data())
		}
		rm := f.stat.mean.Data().([]float64)
		rv := f.stat.variance.Data().([]float64)
		for i := range rm {
			rm[i] = bnDecay*rm[i] + (1-bnDecay)*bm[i]
			rv[i] = bnDecay*rv[i] + (1-bnDecay)*bv[i]
		}
	}
	return nil
}

// LRelu Leaky rectifier max(x, leak*x), built from plain rectifiers as
// relu(x) - leak*relu(-x).
func LRelu(x *gorgonia.Node) (*gorgonia.Node, error) {
	pos, err := gorgonia.Rectify(x)
	if err != nil {
		return nil, errors.Wrap(err, "Can't rectify positive branch")
	}
	neg, err := gorgonia.Rectify(gorgonia.Must(gorgonia.Neg(x)))
	if err != nil {
		return nil, errors.Wrap(err, "Can't rectify negative branch")
	}
	leaked, err := gorgonia.Mul(gorgonia.NewConstant(lreluLeak), neg)
	if err != nil {
		return nil, errors.Wrap(err, "Can't scale negative branch")
	}
	return gorgonia.Sub(pos, leaked)
}
