package adagan

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// Context Owns the engine resources of one model instance: every tape machine
// compiled during the build and the batch-norm running statistics shared
// between the model's expression graphs. One model owns exactly one Context;
// Close releases everything and is safe to call more than once.
type Context struct {
	machines []gorgonia.VM
	stats    map[string]*bnStat
	closed   bool
}

// NewContext Constructor for Context
func NewContext() *Context {
	return &Context{
		stats: make(map[string]*bnStat),
	}
}

// trackVM registers a tape machine for teardown and returns it unchanged.
func (c *Context) trackVM(vm gorgonia.VM) gorgonia.VM {
	c.machines = append(c.machines, vm)
	return vm
}

// bnStat Fetches the running mean/variance pair stored under key, creating a
// fresh one (zero mean, unit variance) on first use. The tensors are shared by
// backing: evaluation graphs bind them into value nodes while the host-side
// flush after each training step mutates them in place.
func (c *Context) bnStat(key string, channels int) *bnStat {
	if s, ok := c.stats[key]; ok {
		return s
	}
	ones := make([]float64, channels)
	for i := range ones {
		ones[i] = 1.0
	}
	s := &bnStat{
		mean:     tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(1, channels, 1, 1)),
		variance: tensor.New(tensor.WithShape(1, channels, 1, 1), tensor.WithBacking(ones)),
	}
	c.stats[key] = s
	return s
}

// Close Releases every tape machine owned by the context. Expression graphs
// hold no external resources and are discarded with the model itself.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	klog.V(1).Info("closing the computation context")
	var firstErr error
	for _, vm := range c.machines {
		if err := vm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// inputNode creates a fixed-shape input node with a leading batch dimension.
func inputNode(g *gorgonia.ExprGraph, name string, batch int, shape tensor.Shape) *gorgonia.Node {
	dims := append([]int{batch}, shape...)
	return gorgonia.NewTensor(g, gorgonia.Float64, len(dims),
		gorgonia.WithShape(dims...),
		gorgonia.WithName(name))
}
