package adagan

import (
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// paramSource resolves named parameters during a network forward pass.
// Fetching an existing key returns the already-created node, so invoking the
// same builder twice on one graph shares parameters instead of duplicating
// them.
type paramSource interface {
	Get(scope, name string, shape tensor.Shape, init gorgonia.InitWFn) (*gorgonia.Node, error)
}

// ParamStore Owns the trainable parameter nodes of one expression graph,
// keyed by "SCOPE/name". Creation order is preserved so gradient and update
// bookkeeping stays deterministic.
type ParamStore struct {
	g     *gorgonia.ExprGraph
	nodes map[string]*gorgonia.Node
	order []string
}

// NewParamStore Constructor for ParamStore
func NewParamStore(g *gorgonia.ExprGraph) *ParamStore {
	return &ParamStore{
		g:     g,
		nodes: make(map[string]*gorgonia.Node),
	}
}

func paramKey(scope, name string) string {
	return scope + "/" + name
}

// Get Fetches the parameter for (scope, name), creating it with the given
// shape and initializer on first use. A later call with a conflicting shape
// is an error.
func (s *ParamStore) Get(scope, name string, shape tensor.Shape, init gorgonia.InitWFn) (*gorgonia.Node, error) {
	key := paramKey(scope, name)
	if n, ok := s.nodes[key]; ok {
		if !n.Shape().Eq(shape) {
			return nil, errors.Errorf("parameter %q already exists with shape %v, requested %v", key, n.Shape(), shape)
		}
		return n, nil
	}
	n := gorgonia.NewTensor(s.g, gorgonia.Float64, len(shape),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(key),
		gorgonia.WithInit(init))
	s.nodes[key] = n
	s.order = append(s.order, key)
	return n, nil
}

// Node Returns the parameter stored under key, or nil.
func (s *ParamStore) Node(key string) *gorgonia.Node {
	return s.nodes[key]
}

// Scope Returns the parameters whose key starts with the scope prefix, in
// creation order.
func (s *ParamStore) Scope(scope string) gorgonia.Nodes {
	keys := s.ScopeKeys(scope)
	out := make(gorgonia.Nodes, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.nodes[key])
	}
	return out
}

// ScopeKeys Returns the keys of one scope in creation order.
func (s *ParamStore) ScopeKeys(scope string) []string {
	prefix := scope + "/"
	out := make([]string, 0, len(s.order))
	for _, key := range s.order {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}

// Mirror Recreates every parameter of src's scope in this store, binding the
// mirror to the source node's value. Both nodes then share one backing
// tensor, so in-place solver updates on the source graph are visible here
// without copying.
func (s *ParamStore) Mirror(src *ParamStore, scope string) error {
	for _, key := range src.ScopeKeys(scope) {
		orig := src.nodes[key]
		if orig.Value() == nil {
			return errors.Errorf("can't mirror %q: source parameter has no value yet", key)
		}
		if _, ok := s.nodes[key]; ok {
			return errors.Errorf("can't mirror %q: key already present in target store", key)
		}
		n := gorgonia.NewTensor(s.g, gorgonia.Float64, orig.Dims(),
			gorgonia.WithShape(orig.Shape()...),
			gorgonia.WithName(key),
			gorgonia.WithValue(orig.Value()))
		s.nodes[key] = n
		s.order = append(s.order, key)
	}
	return nil
}

// overlayStore resolves parameters through an override map first, falling
// back to the base store. It lets a forward pass be rebuilt "as if" some
// parameters had different (symbolic) values, which is how the unrolled
// lookahead substitutes post-update expressions for the live parameters.
type overlayStore struct {
	base     *ParamStore
	override map[string]*gorgonia.Node
}

func (o *overlayStore) Get(scope, name string, shape tensor.Shape, init gorgonia.InitWFn) (*gorgonia.Node, error) {
	if n, ok := o.override[paramKey(scope, name)]; ok {
		return n, nil
	}
	return o.base.Get(scope, name, shape, init)
}
