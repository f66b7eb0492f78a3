package tensorutil

import (
	"errors"
	"fmt"

	"gorgonia.org/tensor"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Float32s returns the backing slice of a Float32 tensor with the given number of dimensions.
func Float32s(t *tensor.Dense, name string, dims int) ([]float32, error) {
	if err := checkDims(t, name, dims); err != nil {
		return nil, err
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %v, expected float32", ErrShapeMismatch, name, t.Dtype())
	}
	return data, nil
}

// Bools returns the backing slice of a Bool tensor with the given number of dimensions.
func Bools(t *tensor.Dense, name string, dims int) ([]bool, error) {
	if err := checkDims(t, name, dims); err != nil {
		return nil, err
	}
	data, ok := t.Data().([]bool)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %v, expected bool", ErrShapeMismatch, name, t.Dtype())
	}
	return data, nil
}

// Ints returns the backing slice of an Int tensor with the given number of dimensions.
func Ints(t *tensor.Dense, name string, dims int) ([]int, error) {
	if err := checkDims(t, name, dims); err != nil {
		return nil, err
	}
	data, ok := t.Data().([]int)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %v, expected int", ErrShapeMismatch, name, t.Dtype())
	}
	return data, nil
}

func checkDims(t *tensor.Dense, name string, dims int) error {
	if t == nil {
		return fmt.Errorf("%w: %s is missing", ErrShapeMismatch, name)
	}
	if t.Dims() != dims {
		return fmt.Errorf("%w: %s has shape %v, expected %d dimensions", ErrShapeMismatch, name, t.Shape(), dims)
	}
	return nil
}

// ExpectShape fails unless t has exactly the given shape.
func ExpectShape(t *tensor.Dense, name string, shape ...int) error {
	if t == nil {
		return fmt.Errorf("%w: %s is missing", ErrShapeMismatch, name)
	}
	if !SameShape(t.Shape(), shape) {
		return fmt.Errorf("%w: %s has shape %v, expected %v", ErrShapeMismatch, name, t.Shape(), tensor.Shape(shape))
	}
	return nil
}

func NewFloat32(backing []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

func NewBool(backing []bool, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

func NewInt(backing []int, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// SameShape compares shapes dimension by dimension. Unlike tensor.Shape.Eq it never
// treats a row vector and a flat vector as equal.
func SameShape(a, b tensor.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
