package layers

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"
)

// Embedding is a lookup table of Rows vectors of Width values.
type Embedding struct {
	Rows   int
	Width  int
	Weight *tensor.Dense
}

func NewEmbedding(rows, width int, src rand.Source) *Embedding {
	weight := make([]float32, rows*width)
	normalInit(weight, src)
	return &Embedding{
		Rows:   rows,
		Width:  width,
		Weight: tensor.New(tensor.WithShape(rows, width), tensor.WithBacking(weight)),
	}
}

// Row returns a read-only view of the vector stored at index.
func (e *Embedding) Row(index int) ([]float32, error) {
	if index < 0 || index >= e.Rows {
		return nil, fmt.Errorf("%w: embedding index %d not in [0, %d)", ErrIndexOutOfRange, index, e.Rows)
	}
	data := e.Weight.Data().([]float32)
	return data[index*e.Width : (index+1)*e.Width], nil
}

func (e *Embedding) Parameters(prefix string) []Parameter {
	return []Parameter{{Name: prefix + ".weight", Value: e.Weight}}
}
