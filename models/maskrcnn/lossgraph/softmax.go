package lossgraph

import (
	"fmt"
	"hash"
	"hash/fnv"

	"github.com/chewxy/hm"
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// logSoftmaxOp is a row-wise log-softmax over a float32 (rows, classes)
// matrix. Each row is shifted by its own maximum before exponentiating, so
// logits of any magnitude stay finite.
type logSoftmaxOp struct{}

// logSoftmax applies logSoftmaxOp to the (rows, classes) node x.
func logSoftmax(x *G.Node) (*G.Node, error) {
	return G.ApplyOp(logSoftmaxOp{}, x)
}

func (op logSoftmaxOp) Arity() int { return 1 }

func (op logSoftmaxOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (op logSoftmaxOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	s, ok := inputs[0].(tensor.Shape)
	if !ok || s.Dims() != 2 {
		return nil, errors.Errorf("log softmax expects a matrix, got %v", inputs[0])
	}
	return s.Clone(), nil
}

func (op logSoftmaxOp) Do(inputs ...G.Value) (G.Value, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("log softmax takes 1 input, got %d", len(inputs))
	}
	x, rows, cols, err := matrixData(inputs[0])
	if err != nil {
		return nil, err
	}

	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		peak := row[0]
		for _, v := range row[1:] {
			if v > peak {
				peak = v
			}
		}
		var sum float32
		for _, v := range row {
			sum += math32.Exp(v - peak)
		}
		lse := peak + math32.Log(sum)
		for c, v := range row {
			out[r*cols+c] = v - lse
		}
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(out)), nil
}

func (op logSoftmaxOp) ReturnsPtr() bool      { return false }
func (op logSoftmaxOp) CallsExtern() bool     { return false }
func (op logSoftmaxOp) OverwritesInput() int  { return -1 }
func (op logSoftmaxOp) WriteHash(h hash.Hash) { fmt.Fprint(h, op.String()) }
func (op logSoftmaxOp) Hashcode() uint32      { return hashOp(op) }
func (op logSoftmaxOp) String() string        { return "RowLogSoftmax" }

func (op logSoftmaxOp) DiffWRT(inputs int) []bool { return []bool{true} }

// SymDiff builds the input gradient from the op output y and the output
// gradient g: g - softmax(x) * rowsum(g), with softmax(x) = exp(y).
func (op logSoftmaxOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("log softmax takes 1 input, got %d", len(inputs))
	}
	dx, err := G.ApplyOp(logSoftmaxDiffOp{}, output, grad)
	if err != nil {
		return nil, err
	}
	return G.Nodes{dx}, nil
}

// logSoftmaxDiffOp computes the log-softmax input gradient from (y, g).
type logSoftmaxDiffOp struct{}

func (op logSoftmaxDiffOp) Arity() int { return 2 }

func (op logSoftmaxDiffOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a, a)
}

func (op logSoftmaxDiffOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	s, ok := inputs[0].(tensor.Shape)
	if !ok {
		return nil, errors.Errorf("log softmax gradient expects a shape, got %v", inputs[0])
	}
	return s.Clone(), nil
}

func (op logSoftmaxDiffOp) Do(inputs ...G.Value) (G.Value, error) {
	if len(inputs) != 2 {
		return nil, errors.Errorf("log softmax gradient takes 2 inputs, got %d", len(inputs))
	}
	y, rows, cols, err := matrixData(inputs[0])
	if err != nil {
		return nil, err
	}
	g, gRows, gCols, err := matrixData(inputs[1])
	if err != nil {
		return nil, err
	}
	if gRows != rows || gCols != cols {
		return nil, errors.Errorf("gradient is (%d, %d), output is (%d, %d)", gRows, gCols, rows, cols)
	}

	dx := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		var sum float32
		for c := 0; c < cols; c++ {
			sum += g[r*cols+c]
		}
		for c := 0; c < cols; c++ {
			i := r*cols + c
			dx[i] = g[i] - math32.Exp(y[i])*sum
		}
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(dx)), nil
}

func (op logSoftmaxDiffOp) ReturnsPtr() bool      { return false }
func (op logSoftmaxDiffOp) CallsExtern() bool     { return false }
func (op logSoftmaxDiffOp) OverwritesInput() int  { return -1 }
func (op logSoftmaxDiffOp) WriteHash(h hash.Hash) { fmt.Fprint(h, op.String()) }
func (op logSoftmaxDiffOp) Hashcode() uint32      { return hashOp(op) }
func (op logSoftmaxDiffOp) String() string        { return "RowLogSoftmaxDiff" }

func hashOp(op interface{ WriteHash(hash.Hash) }) uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

// matrixData returns the row-major float32 data of a 2-d value.
func matrixData(v G.Value) ([]float32, int, int, error) {
	s := v.Shape()
	if s.Dims() != 2 {
		return nil, 0, 0, errors.Errorf("want a matrix, got shape %v", s)
	}
	data, ok := v.Data().([]float32)
	if !ok {
		return nil, 0, 0, errors.Errorf("want float32 data, got %v", v.Dtype())
	}
	rows, cols := s[0], s[1]
	if len(data) < rows*cols {
		return nil, 0, 0, errors.Errorf("%d values for shape %v", len(data), s)
	}
	return data[:rows*cols], rows, cols, nil
}
