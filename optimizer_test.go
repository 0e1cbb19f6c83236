package adagan

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
)

func TestExtractUpdateMapRejectsUnknownForms(t *testing.T) {
	g := gorgonia.NewGraph()
	w := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(2, 2),
		gorgonia.WithName("w"),
		gorgonia.WithInit(gorgonia.GlorotN(1.0)))

	_, err := ExtractUpdateMap([]ParamUpdate{
		{Key: "w", Var: w, Kind: UpdateKind(99), Value: w},
	})
	assert.ErrorIs(t, err, ErrUnsupportedUpdate)
}

func TestExtractUpdateMapComposesRecognizedForms(t *testing.T) {
	g := gorgonia.NewGraph()
	w := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(2, 2),
		gorgonia.WithName("w"),
		gorgonia.WithInit(gorgonia.GlorotN(1.0)))
	delta := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(2, 2),
		gorgonia.WithName("delta"),
		gorgonia.WithInit(gorgonia.Zeroes()))

	post, err := ExtractUpdateMap([]ParamUpdate{
		{Key: "assigned", Var: w, Kind: UpdateAssign, Value: delta},
		{Key: "incremented", Var: w, Kind: UpdateAddAssign, Value: delta},
	})
	require.NoError(t, err)
	// direct assignment passes the value through unchanged
	assert.Equal(t, delta, post["assigned"])
	// additive assignment wraps var + value
	require.NotNil(t, post["incremented"])
	assert.NotEqual(t, delta, post["incremented"])
	assert.Equal(t, delta.Shape(), post["incremented"].Shape())
}

func TestSymbolicAdamStepForms(t *testing.T) {
	g := gorgonia.NewGraph()
	w := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(3, 2),
		gorgonia.WithName("w"),
		gorgonia.WithInit(gorgonia.GlorotN(1.0)))
	loss, err := gorgonia.Mean(gorgonia.Must(gorgonia.Square(w)))
	require.NoError(t, err)
	grads, err := gorgonia.Grad(loss, w)
	require.NoError(t, err)

	lrT := gorgonia.NewScalar(g, gorgonia.Float64, gorgonia.WithName("lr_t"))
	m0 := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(3, 2), gorgonia.WithName("m0"))
	v0 := gorgonia.NewMatrix(g, gorgonia.Float64,
		gorgonia.WithShape(3, 2), gorgonia.WithName("v0"))

	adam := NewSymbolicAdam(1e-3, 0.5)
	updates, err := adam.Step(lrT, []string{"w"},
		gorgonia.Nodes{w}, grads, gorgonia.Nodes{m0}, gorgonia.Nodes{v0})
	require.NoError(t, err)
	require.Len(t, updates, 3)

	// moment estimates come out as assignments, the parameter update as an
	// additive assignment
	assert.Equal(t, "adam_m/w", updates[0].Key)
	assert.Equal(t, UpdateAssign, updates[0].Kind)
	assert.Equal(t, m0, updates[0].Var)
	assert.Equal(t, "adam_v/w", updates[1].Key)
	assert.Equal(t, UpdateAssign, updates[1].Kind)
	assert.Equal(t, v0, updates[1].Var)
	assert.Equal(t, "w", updates[2].Key)
	assert.Equal(t, UpdateAddAssign, updates[2].Kind)
	assert.Equal(t, w, updates[2].Var)

	post, err := ExtractUpdateMap(updates)
	require.NoError(t, err)
	require.NotNil(t, post["w"])
	assert.Equal(t, w.Shape(), post["w"].Shape())
	assert.Equal(t, updates[0].Value, post["adam_m/w"])
	assert.Equal(t, updates[1].Value, post["adam_v/w"])
}

func TestSymbolicAdamStepSize(t *testing.T) {
	adam := NewSymbolicAdam(2e-4, 0.5)
	want := 2e-4 * math.Sqrt(1-0.999) / (1 - 0.5)
	assert.InDelta(t, want, adam.StepSize(1), 1e-15)
	// bias correction decays towards the plain learning rate
	assert.InDelta(t, 2e-4, adam.StepSize(100000), 1e-8)
}

func TestSymbolicAdamRejectsMismatchedInputs(t *testing.T) {
	adam := NewSymbolicAdam(1e-3, 0.5)
	_, err := adam.Step(nil, []string{"a", "b"}, nil, nil, nil, nil)
	assert.Error(t, err)
}
