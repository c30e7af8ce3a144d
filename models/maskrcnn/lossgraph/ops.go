package lossgraph

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/models/maskrcnn/loss"
)

// gather flattens x to (rows, width) and returns the (len(pick), width)
// picked rows. The backward pass scatters gradients back to those rows only.
func gather(x *G.Node, rows, width int, pick []int) (*G.Node, error) {
	flat, err := G.Reshape(x, tensor.Shape{rows, width})
	if err != nil {
		return nil, errors.Wrapf(err, "flatten %v to (%d, %d)", x.Shape(), rows, width)
	}
	idx := G.NewConstant(tensor.New(tensor.WithShape(len(pick)), tensor.WithBacking(pick)), G.WithName("pick"))
	out, err := G.ByIndices(flat, idx, 0)
	if err != nil {
		return nil, errors.Wrap(err, "gather rows")
	}
	return out, nil
}

// crossEntropy is mean(-log_softmax(x)[label]) over the rows of x.
func crossEntropy(x *G.Node, labels []int, classes int) (*G.Node, error) {
	onehot := make([]float32, len(labels)*classes)
	for k, c := range labels {
		onehot[k*classes+c] = 1
	}
	y := G.NewConstant(tensor.New(tensor.WithShape(len(labels), classes), tensor.WithBacking(onehot)), G.WithName("onehot"))

	logp, err := logSoftmax(x)
	if err != nil {
		return nil, err
	}
	picked, err := G.HadamardProd(y, logp)
	if err != nil {
		return nil, err
	}
	sum, err := G.Sum(picked)
	if err != nil {
		return nil, err
	}
	return G.Mul(sum, G.NewConstant(float32(-1)/float32(len(labels))))
}

// smoothL1 is the mean Huber loss (delta 1) between the (n, 4) node x and
// the row-major targets. With a = |x - t| and q = min(a, 1) the loss is
// 0.5*q^2 + a - q, where min(a, 1) = 0.5*(a + 1 - |a - 1|).
func smoothL1(x *G.Node, targets []float32, n int) (*G.Node, error) {
	if len(targets) != 4*n {
		return nil, errors.Wrapf(loss.ErrMisaligned, "%d target values for %d rows", len(targets), n)
	}
	t := G.NewConstant(tensor.New(tensor.WithShape(n, 4), tensor.WithBacking(targets)), G.WithName("target"))
	one := G.NewConstant(float32(1))
	half := G.NewConstant(float32(0.5))

	d, err := G.Sub(x, t)
	if err != nil {
		return nil, err
	}
	a, err := G.Abs(d)
	if err != nil {
		return nil, err
	}
	am1, err := G.Sub(a, one)
	if err != nil {
		return nil, err
	}
	absAm1, err := G.Abs(am1)
	if err != nil {
		return nil, err
	}
	ap1, err := G.Add(a, one)
	if err != nil {
		return nil, err
	}
	diff, err := G.Sub(ap1, absAm1)
	if err != nil {
		return nil, err
	}
	q, err := G.Mul(diff, half)
	if err != nil {
		return nil, err
	}
	q2, err := G.Square(q)
	if err != nil {
		return nil, err
	}
	quad, err := G.Mul(q2, half)
	if err != nil {
		return nil, err
	}
	lin, err := G.Sub(a, q)
	if err != nil {
		return nil, err
	}
	l, err := G.Add(quad, lin)
	if err != nil {
		return nil, err
	}
	return G.Mean(l)
}

// binaryCrossEntropy is the mean of -(y log(p+eps) + (1-y) log(1-p+eps))
// over the (n, area) node p.
func binaryCrossEntropy(p *G.Node, y []float32, n, area int) (*G.Node, error) {
	if len(y) != n*area {
		return nil, errors.Wrapf(loss.ErrMisaligned, "%d target values for %d masks of %d pixels", len(y), n, area)
	}
	inv := make([]float32, len(y))
	for i, v := range y {
		inv[i] = 1 - v
	}
	yPos := G.NewConstant(tensor.New(tensor.WithShape(n, area), tensor.WithBacking(y)), G.WithName("mask_target"))
	yNeg := G.NewConstant(tensor.New(tensor.WithShape(n, area), tensor.WithBacking(inv)), G.WithName("mask_target_inv"))
	eps := G.NewConstant(float32(maskEps))
	one := G.NewConstant(float32(1))

	pe, err := G.Add(p, eps)
	if err != nil {
		return nil, err
	}
	logP, err := G.Log(pe)
	if err != nil {
		return nil, err
	}
	q, err := G.Sub(one, p)
	if err != nil {
		return nil, err
	}
	qe, err := G.Add(q, eps)
	if err != nil {
		return nil, err
	}
	logQ, err := G.Log(qe)
	if err != nil {
		return nil, err
	}
	pos, err := G.HadamardProd(yPos, logP)
	if err != nil {
		return nil, err
	}
	neg, err := G.HadamardProd(yNeg, logQ)
	if err != nil {
		return nil, err
	}
	ll, err := G.Add(pos, neg)
	if err != nil {
		return nil, err
	}
	mean, err := G.Mean(ll)
	if err != nil {
		return nil, err
	}
	return G.Neg(mean)
}

// positiveSlots returns, for every ROI with a class id > 0, its flat
// (roi, class) slot and its ROI index.
func positiveSlots(ids []int, classes int) ([]int, []int, error) {
	var slots, rows []int
	for r, id := range ids {
		if id >= classes {
			return nil, nil, errors.Wrapf(loss.ErrShape, "roi %d has class id %d with %d classes", r, id, classes)
		}
		if id > 0 {
			slots = append(slots, r*classes+id)
			rows = append(rows, r)
		}
	}
	return slots, rows, nil
}

func flatten(rows [][]float32) []float32 {
	var out []float32
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func floatData(t tensor.Tensor, want tensor.Shape) ([]float32, error) {
	if t == nil || !t.Shape().Eq(want) {
		return nil, errors.Wrapf(loss.ErrShape, "want a float32 tensor of shape %v", want)
	}
	if want.TotalSize() == 0 {
		return nil, nil
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(loss.ErrShape, "want float32 data, got %v", t.Dtype())
	}
	return data, nil
}
