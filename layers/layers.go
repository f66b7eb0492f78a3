// Package layers holds the dense building blocks of the extraction heads.
// Every layer works on one input row at a time so a row's result never
// depends on how rows are grouped into chunks.
package layers

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/util/tensorutil"
)

// InitializerRange is the standard deviation of the normal weight initialisation.
const InitializerRange = 0.02

var ErrIndexOutOfRange = errors.New("index out of range")

// Parameter is a named learned tensor.
type Parameter struct {
	Name  string
	Value *tensor.Dense
}

func normalInit(data []float32, src rand.Source) {
	dist := distuv.Normal{Mu: 0, Sigma: InitializerRange, Src: src}
	for i := range data {
		data[i] = float32(dist.Rand())
	}
}

// Check reports whether value can be assigned to p.
func (p Parameter) Check(value *tensor.Dense) error {
	if !tensorutil.SameShape(p.Value.Shape(), value.Shape()) {
		return fmt.Errorf("parameter %s has shape %v, got %v", p.Name, p.Value.Shape(), value.Shape())
	}
	if _, ok := p.Value.Data().([]float32); !ok {
		return fmt.Errorf("parameter %s is not float32", p.Name)
	}
	if _, ok := value.Data().([]float32); !ok {
		return fmt.Errorf("value for parameter %s is %v, expected float32", p.Name, value.Dtype())
	}
	return nil
}

// Assign copies value into p after checking that the shapes agree.
func (p Parameter) Assign(value *tensor.Dense) error {
	if err := p.Check(value); err != nil {
		return err
	}
	copy(p.Value.Data().([]float32), value.Data().([]float32))
	return nil
}
