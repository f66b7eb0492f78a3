package vectorutil

import (
	"fmt"

	"github.com/chewxy/math32"
)

// SoftMaxInto writes the softmax of vector into out (which may alias vector).
// Rows holding +Inf share the mass between the +Inf entries and rows of -Inf
// only fall back to the uniform distribution, so the result never holds NaN
// unless the input does.
func SoftMaxInto(out, vector []float32) {
	if len(vector) == 0 {
		return
	}
	maxLogit := vector[0]
	for _, v := range vector[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	switch {
	case math32.IsInf(maxLogit, 1):
		var n float32
		for _, v := range vector {
			if math32.IsInf(v, 1) {
				n++
			}
		}
		for i, v := range vector {
			if math32.IsInf(v, 1) {
				out[i] = 1 / n
			} else {
				out[i] = 0
			}
		}
		return
	case math32.IsInf(maxLogit, -1):
		uniform := 1 / float32(len(vector))
		for i := range vector {
			out[i] = uniform
		}
		return
	}
	var sum float32
	for i, logit := range vector {
		out[i] = math32.Exp(logit - maxLogit)
		sum += out[i]
	}
	for i := range out[:len(vector)] {
		out[i] /= sum
	}
}

// Sigmoid applies the logistic function elementwise, in place.
func Sigmoid(s []float32) []float32 {
	for i, v := range s {
		s[i] = 1 / (1 + math32.Exp(-v))
	}
	return s
}

// ReLU clamps negative values to zero, in place.
func ReLU(s []float32) []float32 {
	for i, v := range s {
		if v < 0 {
			s[i] = 0
		}
	}
	return s
}

// ArgMax finds both the index of the max value in s and the max value.
// Ties resolve to the lowest index.
func ArgMax(s []float32) (int, float32, error) {
	if len(s) == 0 {
		return 0, 0, fmt.Errorf("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}

// MaxInto sets dst[i] = max(dst[i], src[i]).
func MaxInto(dst, src []float32) {
	for i, v := range src {
		if v > dst[i] {
			dst[i] = v
		}
	}
}
