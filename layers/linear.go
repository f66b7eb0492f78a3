package layers

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gorgonia.org/tensor"
)

// Linear computes y = Wx + b with W stored (Out, In).
type Linear struct {
	In     int
	Out    int
	Weight *tensor.Dense
	Bias   *tensor.Dense
}

// NewLinear draws the weights from N(0, InitializerRange) and zeroes the bias.
func NewLinear(in, out int, src rand.Source) *Linear {
	weight := make([]float32, out*in)
	normalInit(weight, src)
	return &Linear{
		In:     in,
		Out:    out,
		Weight: tensor.New(tensor.WithShape(out, in), tensor.WithBacking(weight)),
		Bias:   tensor.New(tensor.WithShape(out), tensor.WithBacking(make([]float32, out))),
	}
}

// Apply writes Wx + b into dst.
func (l *Linear) Apply(dst, x []float32) error {
	if len(x) != l.In || len(dst) != l.Out {
		return fmt.Errorf("linear layer (%d -> %d) called with input %d and output %d", l.In, l.Out, len(x), len(dst))
	}
	copy(dst, l.Bias.Data().([]float32))
	weight := blas32.General{
		Rows:   l.Out,
		Cols:   l.In,
		Stride: l.In,
		Data:   l.Weight.Data().([]float32),
	}
	blas32.Gemv(blas.NoTrans, 1, weight, blas32.Vector{N: l.In, Inc: 1, Data: x}, 1, blas32.Vector{N: l.Out, Inc: 1, Data: dst})
	return nil
}

func (l *Linear) Parameters(prefix string) []Parameter {
	return []Parameter{
		{Name: prefix + ".weight", Value: l.Weight},
		{Name: prefix + ".bias", Value: l.Bias},
	}
}
