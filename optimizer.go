package adagan

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// ErrUnsupportedUpdate is returned when an optimizer update expression is
// neither a direct assignment nor an additive assignment.
var ErrUnsupportedUpdate = errors.New("unsupported update op")

type UpdateKind uint8

const (
	// UpdateAssign replaces the variable with the update value.
	UpdateAssign = UpdateKind(iota)
	// UpdateAddAssign increments the variable by the update value.
	UpdateAddAssign
)

// ParamUpdate One optimizer update for a single variable, in one of the two
// recognized forms: "var = Value" (UpdateAssign) or "var = var + Value"
// (UpdateAddAssign).
type ParamUpdate struct {
	Key   string
	Var   *gorgonia.Node
	Kind  UpdateKind
	Value *gorgonia.Node
}

// ExtractUpdateMap Converts a list of update ops into a map from variable key
// to the variable's post-update symbolic value. Any update form other than
// assignment and additive assignment is rejected with ErrUnsupportedUpdate.
func ExtractUpdateMap(updates []ParamUpdate) (map[string]*gorgonia.Node, error) {
	out := make(map[string]*gorgonia.Node, len(updates))
	for _, u := range updates {
		switch u.Kind {
		case UpdateAssign:
			out[u.Key] = u.Value
		case UpdateAddAssign:
			sum, err := gorgonia.Add(u.Var, u.Value)
			if err != nil {
				return nil, errors.Wrapf(err, "Can't apply additive update for %q", u.Key)
			}
			out[u.Key] = sum
		default:
			return nil, errors.Wrapf(ErrUnsupportedUpdate, "update for %q has kind %d", u.Key, u.Kind)
		}
	}
	return out, nil
}

// SymbolicAdam Builds one Adam step as expression-graph nodes instead of
// executing it. Parameters, gradients and moment estimates all enter as
// nodes, so the same compiled step can be evaluated repeatedly with each
// evaluation's outputs fed back in as the next evaluation's inputs.
type SymbolicAdam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
}

// NewSymbolicAdam Constructor for SymbolicAdam
func NewSymbolicAdam(lr, beta1 float64) *SymbolicAdam {
	return &SymbolicAdam{
		lr:    lr,
		beta1: beta1,
		beta2: 0.999,
		eps:   1e-8,
	}
}

// StepSize Returns the bias-corrected learning rate of step t (1-based).
func (a *SymbolicAdam) StepSize(t int) float64 {
	return a.lr * math.Sqrt(1-math.Pow(a.beta2, float64(t))) / (1 - math.Pow(a.beta1, float64(t)))
}

// Step Produces the update ops of one Adam step for the given parameters,
// their gradients and their incoming moment estimates. lrT is the
// bias-corrected step size (see StepSize) supplied as a scalar node, so one
// compiled graph serves every step index. Moment updates come out in
// assignment form, the parameter update in additive-assignment form,
// mirroring what a stateful optimizer would execute in place.
func (a *SymbolicAdam) Step(lrT *gorgonia.Node, keys []string, params, grads, ms, vs []*gorgonia.Node) ([]ParamUpdate, error) {
	if len(keys) != len(params) || len(keys) != len(grads) || len(keys) != len(ms) || len(keys) != len(vs) {
		return nil, errors.Errorf("mismatched update inputs: %d keys, %d params, %d grads, %d/%d moments",
			len(keys), len(params), len(grads), len(ms), len(vs))
	}
	updates := make([]ParamUpdate, 0, 3*len(keys))
	for i, key := range keys {
		param, grad, m, v := params[i], grads[i], ms[i], vs[i]

		mNext, err := axpby(a.beta1, m, 1-a.beta1, grad)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't update first moment of %q", key)
		}
		gradSq, err := gorgonia.Square(grad)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't square gradient of %q", key)
		}
		vNext, err := axpby(a.beta2, v, 1-a.beta2, gradSq)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't update second moment of %q", key)
		}

		denom, err := gorgonia.Add(gorgonia.Must(gorgonia.Sqrt(vNext)), gorgonia.NewConstant(a.eps))
		if err != nil {
			return nil, errors.Wrapf(err, "Can't build update denominator of %q", key)
		}
		scaled, err := gorgonia.HadamardDiv(mNext, denom)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't scale update of %q", key)
		}
		delta, err := gorgonia.Neg(gorgonia.Must(gorgonia.Mul(lrT, scaled)))
		if err != nil {
			return nil, errors.Wrapf(err, "Can't negate update of %q", key)
		}

		updates = append(updates,
			ParamUpdate{Key: "adam_m/" + key, Var: m, Kind: UpdateAssign, Value: mNext},
			ParamUpdate{Key: "adam_v/" + key, Var: v, Kind: UpdateAssign, Value: vNext},
			ParamUpdate{Key: key, Var: param, Kind: UpdateAddAssign, Value: delta},
		)
	}
	return updates, nil
}

// axpby builds alpha*x + beta*y.
func axpby(alpha float64, x *gorgonia.Node, beta float64, y *gorgonia.Node) (*gorgonia.Node, error) {
	ax, err := gorgonia.Mul(gorgonia.NewConstant(alpha), x)
	if err != nil {
		return nil, err
	}
	by, err := gorgonia.Mul(gorgonia.NewConstant(beta), y)
	if err != nil {
		return nil, err
	}
	return gorgonia.Add(ax, by)
}
