package loss

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/models/maskrcnn"
)

// RPNClass is the anchor classification loss: softmax cross-entropy over the
// non-neutral anchors, with match 1 as the object class.
//
// Arguments:
//   - match: Integer [batch, anchors]; 1 positive, -1 negative, 0 neutral.
//   - logits: Float32 [batch, anchors, 2].
//   - opts: Optional observer.
//
// Returns:
//   - Loss: Mean cross-entropy and its gradient with respect to logits.
//   - error: ErrEmptySelection when every anchor is neutral, ErrShape on bad input.
func RPNClass(match, logits tensor.Tensor, opts ...Option) (Loss, error) {
	o := newOptions(opts)
	m, mShape, err := Ints("rpn_match", match, 2)
	if err != nil {
		return Loss{}, err
	}
	l, lShape, err := floats("rpn_class_logits", logits, 3)
	if err != nil {
		return Loss{}, err
	}
	if err := samePrefix("rpn_match", mShape, "rpn_class_logits", lShape); err != nil {
		return Loss{}, err
	}
	if lShape[2] != 2 {
		return Loss{}, errors.Wrapf(ErrShape, "rpn_class_logits has %d classes, want 2", lShape[2])
	}

	rows := make([]int, 0, len(m))
	for i, v := range m {
		if v != 0 {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return Loss{}, errors.Wrap(ErrEmptySelection, "every anchor is neutral")
	}

	n := float32(len(rows))
	grad := make([]float32, len(l))
	pred := make([]float32, 0, 2*len(rows))
	target := make([]float32, 2*len(rows))
	var sum float32
	for k, r := range rows {
		label := 0
		if m[r] == 1 {
			label = 1
		}
		target[2*k+label] = 1
		pred = append(pred, l[2*r:2*r+2]...)
		sum += crossEntropy(l[2*r:2*r+2], label, grad[2*r:2*r+2], 1/n)
	}

	value := sum / n
	o.report("rpn_class", pred, target, 2, value)
	return Loss{Value: value, Grad: gradTensor(lShape, grad)}, nil
}

// RPNBBox is the anchor box regression loss: smooth L1 between the deltas
// predicted at positive anchors and the per-image regression targets.
//
// Target rows are trimmed per image to target.Counts and concatenated in
// image order; image i must have exactly target.Counts[i] positive anchors.
//
// Arguments:
//   - target: Padded [batch, maxPositives, 4] regression targets.
//   - match: Integer [batch, anchors].
//   - pred: Float32 [batch, anchors, 4].
//   - opts: Optional observer.
//
// Returns:
//   - Loss: Mean smooth L1 over every coordinate, or a detached zero without positives.
//   - error: ErrMisaligned when counts disagree with match, ErrShape on bad input.
func RPNBBox(target *maskrcnn.Padded, match, pred tensor.Tensor, opts ...Option) (Loss, error) {
	o := newOptions(opts)
	if target == nil || target.Data == nil {
		return Loss{}, errors.Wrap(ErrShape, "rpn_bbox target is nil")
	}
	m, mShape, err := Ints("rpn_match", match, 2)
	if err != nil {
		return Loss{}, err
	}
	p, pShape, err := floats("rpn_bbox", pred, 3)
	if err != nil {
		return Loss{}, err
	}
	if err := samePrefix("rpn_match", mShape, "rpn_bbox", pShape); err != nil {
		return Loss{}, err
	}
	if pShape[2] != 4 {
		return Loss{}, errors.Wrapf(ErrShape, "rpn_bbox has width %d, want 4", pShape[2])
	}
	batch, _, width := target.Shape()
	if batch != mShape[0] || width != 4 || len(target.Counts) != batch {
		return Loss{}, errors.Wrapf(ErrShape, "rpn_bbox target %v for match %v", target.Data.Shape(), mShape)
	}

	anchors := mShape[1]
	var rows []int
	for i := 0; i < batch; i++ {
		count := 0
		for a := 0; a < anchors; a++ {
			if m[i*anchors+a] == 1 {
				rows = append(rows, i*anchors+a)
				count++
			}
		}
		if count != target.Counts[i] {
			return Loss{}, errors.Wrapf(ErrMisaligned, "image %d has %d positive anchors and %d targets", i, count, target.Counts[i])
		}
	}
	if len(rows) == 0 {
		o.report("rpn_bbox", nil, nil, 4, 0)
		return detachedZero(), nil
	}

	trimmed, err := target.Trim()
	if err != nil {
		return Loss{}, errors.Wrap(err, "trim rpn_bbox target")
	}

	value, grad, gathered, flat := smoothL1Rows(p, rows, trimmed)
	o.report("rpn_bbox", gathered, flat, 4, value)
	return Loss{Value: value, Grad: gradTensor(pShape, grad)}, nil
}

// smoothL1Rows computes the mean smooth L1 between the 4-wide prediction rows
// at the given flat row offsets and the matching target rows.
func smoothL1Rows(pred []float32, rows []int, targets [][]float32) (float32, []float32, []float32, []float32) {
	n := float32(4 * len(rows))
	grad := make([]float32, len(pred))
	gathered := make([]float32, 0, 4*len(rows))
	flat := make([]float32, 0, 4*len(rows))
	var sum float32
	for k, r := range rows {
		for j := 0; j < 4; j++ {
			v, d := smoothL1(pred[4*r+j] - targets[k][j])
			sum += v
			grad[4*r+j] = d / n
		}
		gathered = append(gathered, pred[4*r:4*r+4]...)
		flat = append(flat, targets[k]...)
	}
	return sum / n, grad, gathered, flat
}
