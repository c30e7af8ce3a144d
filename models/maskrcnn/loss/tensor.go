package loss

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// floats returns the backing data of a float32 tensor of the given rank.
// Empty tensors yield a nil slice.
func floats(name string, t tensor.Tensor, rank int) ([]float32, tensor.Shape, error) {
	shape, err := checkRank(name, t, rank)
	if err != nil {
		return nil, nil, err
	}
	if t.Dtype() != tensor.Float32 {
		return nil, nil, errors.Wrapf(ErrShape, "%s must be float32, got %v", name, t.Dtype())
	}
	if shape.TotalSize() == 0 {
		return nil, shape, nil
	}
	return t.Data().([]float32), shape, nil
}

// Ints returns the data of an integer tensor of the given rank as []int.
// int, int32 and int64 backings are accepted; empty tensors yield a nil slice.
func Ints(name string, t tensor.Tensor, rank int) ([]int, tensor.Shape, error) {
	shape, err := checkRank(name, t, rank)
	if err != nil {
		return nil, nil, err
	}
	if shape.TotalSize() == 0 {
		return nil, shape, nil
	}

	switch data := t.Data().(type) {
	case []int:
		return data, shape, nil
	case []int32:
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, shape, nil
	case []int64:
		out := make([]int, len(data))
		for i, v := range data {
			out[i] = int(v)
		}
		return out, shape, nil
	default:
		return nil, nil, errors.Wrapf(ErrShape, "%s must be an integer tensor, got %v", name, t.Dtype())
	}
}

func checkRank(name string, t tensor.Tensor, rank int) (tensor.Shape, error) {
	if t == nil {
		return nil, errors.Wrapf(ErrShape, "%s is nil", name)
	}
	shape := t.Shape()
	if len(shape) != rank {
		return nil, errors.Wrapf(ErrShape, "%s has shape %v, want rank %d", name, shape, rank)
	}
	return shape, nil
}

// samePrefix checks that b starts with the dimensions of a.
func samePrefix(aName string, a tensor.Shape, bName string, b tensor.Shape) error {
	if len(b) < len(a) {
		return errors.Wrapf(ErrShape, "%s %v and %s %v", aName, a, bName, b)
	}
	for i := range a {
		if a[i] != b[i] {
			return errors.Wrapf(ErrShape, "%s %v and %s %v", aName, a, bName, b)
		}
	}
	return nil
}

func gradTensor(shape tensor.Shape, data []float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(data))
}
