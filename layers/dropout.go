package layers

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Dropout zeroes each value with probability P and rescales the survivors by 1/(1-P).
type Dropout struct {
	P float64
}

// Apply drops values of x in place using src. A nil source or P == 0 leaves x untouched.
func (d Dropout) Apply(x []float32, src rand.Source) {
	if d.P <= 0 || src == nil {
		return
	}
	if d.P >= 1 {
		for i := range x {
			x[i] = 0
		}
		return
	}
	keep := distuv.Bernoulli{P: 1 - d.P, Src: src}
	scale := float32(1 / (1 - d.P))
	for i := range x {
		if keep.Rand() == 1 {
			x[i] *= scale
		} else {
			x[i] = 0
		}
	}
}
