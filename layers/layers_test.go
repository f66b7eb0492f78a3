package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"
)

func TestLinearApply(t *testing.T) {
	l := NewLinear(3, 2, rand.NewSource(1))
	copy(l.Weight.Data().([]float32), []float32{1, 2, 3, -1, 0, 1})
	copy(l.Bias.Data().([]float32), []float32{0.5, -0.5})

	out := make([]float32, 2)
	require.NoError(t, l.Apply(out, []float32{1, 1, 1}))
	assert.Equal(t, []float32{6.5, -0.5}, out)

	assert.Error(t, l.Apply(out, []float32{1, 1}))
	assert.Error(t, l.Apply(make([]float32, 3), []float32{1, 1, 1}))
}

func TestLinearInitialisation(t *testing.T) {
	l := NewLinear(64, 64, rand.NewSource(7))
	var sum, sumSquares float64
	for _, w := range l.Weight.Data().([]float32) {
		sum += float64(w)
		sumSquares += float64(w) * float64(w)
	}
	n := float64(64 * 64)
	mean := sum / n
	assert.InDelta(t, 0, mean, 0.002)
	assert.InDelta(t, InitializerRange*InitializerRange, sumSquares/n-mean*mean, 1e-4)
	for _, b := range l.Bias.Data().([]float32) {
		assert.Zero(t, b)
	}

	same := NewLinear(64, 64, rand.NewSource(7))
	assert.Equal(t, l.Weight.Data(), same.Weight.Data())
}

func TestEmbeddingRow(t *testing.T) {
	e := NewEmbedding(100, 4, rand.NewSource(3))
	row, err := e.Row(99)
	require.NoError(t, err)
	assert.Equal(t, e.Weight.Data().([]float32)[396:400], row)

	_, err = e.Row(100)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = e.Row(-1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestDropout(t *testing.T) {
	x := []float32{1, 1, 1, 1}
	Dropout{P: 0.5}.Apply(x, nil)
	assert.Equal(t, []float32{1, 1, 1, 1}, x)

	Dropout{P: 0}.Apply(x, rand.NewSource(1))
	assert.Equal(t, []float32{1, 1, 1, 1}, x)

	x = make([]float32, 1000)
	for i := range x {
		x[i] = 1
	}
	Dropout{P: 0.25}.Apply(x, rand.NewSource(1))
	kept := 0
	for _, v := range x {
		if v != 0 {
			assert.InDelta(t, 1/0.75, v, 1e-6)
			kept++
		}
	}
	assert.InDelta(t, 750, kept, 60)

	Dropout{P: 1}.Apply(x, rand.NewSource(1))
	for _, v := range x {
		assert.Zero(t, v)
	}
}

func TestParameterAssign(t *testing.T) {
	l := NewLinear(2, 1, rand.NewSource(1))
	params := l.Parameters("classifier")
	require.Len(t, params, 2)
	assert.Equal(t, "classifier.weight", params[0].Name)

	require.NoError(t, params[0].Assign(tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float32{3, 4}))))
	assert.Equal(t, []float32{3, 4}, l.Weight.Data())
	assert.Error(t, params[0].Assign(tensor.New(tensor.WithShape(2, 1), tensor.WithBacking([]float32{3, 4}))))

	assert.NoError(t, params[1].Check(tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{9}))))
	assert.Error(t, params[1].Check(tensor.New(tensor.WithShape(1), tensor.WithBacking([]float64{9}))))
	assert.Error(t, params[1].Check(tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{9, 9}))))
	assert.Equal(t, []float32{3, 4}, l.Weight.Data())
}
