// Package lossgraph - The Mask R-CNN training losses as gorgonia expression graph nodes.
//
// Predictions are graph nodes; targets and match labels are plain tensors
// that become constants. Row selection and class-slot gathers index the
// flattened prediction, so gradients flow back to exactly the selected
// elements. Terms with nothing to select are constant zero scalars with no
// gradient path.
package lossgraph

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/models/maskrcnn"
	"github.com/nvr-ai/go-maskrcnn/models/maskrcnn/loss"
	"github.com/nvr-ai/go-maskrcnn/profiler"
)

// maskEps keeps log away from zero in the mask term.
const maskEps = 1e-7

// Option configures a loss builder.
type Option func(*options)

type options struct {
	observer profiler.Observer
}

// WithObserver reports the selection size and the constant targets of each
// term while the graph is built. Loss values exist only after the graph runs;
// pass the built terms to Report for those.
func WithObserver(o profiler.Observer) Option {
	return func(opts *options) { opts.observer = profiler.OrNop(o) }
}

func newOptions(opts []Option) options {
	o := options{observer: profiler.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) selected(term string, rows int) {
	o.observer.Scalar(term+"/selected", float64(rows))
}

func (o options) target(term string, data []float32, rows, width int) {
	if rows == 0 {
		return
	}
	if _, nop := o.observer.(profiler.Nop); nop {
		return
	}
	o.observer.Tensor(term+"/target", tensor.New(tensor.WithShape(rows, width), tensor.WithBacking(data)))
}

// Report sends the value of every evaluated term to o as "<term>/loss".
// Call it after the machine has run the graph.
func Report(o profiler.Observer, terms map[string]*G.Node) {
	o = profiler.OrNop(o)
	for _, name := range loss.Terms {
		n, ok := terms[name]
		if !ok || n == nil || n.Value() == nil {
			continue
		}
		if v, ok := n.Value().Data().(float32); ok {
			o.Scalar(name+"/loss", float64(v))
		}
	}
}

// RPNClass builds the anchor classification loss node.
func RPNClass(match tensor.Tensor, logits *G.Node, opts ...Option) (*G.Node, error) {
	o := newOptions(opts)
	m, mShape, err := loss.Ints("rpn_match", match, 2)
	if err != nil {
		return nil, err
	}
	lShape := logits.Shape()
	if len(lShape) != 3 || lShape[0] != mShape[0] || lShape[1] != mShape[1] || lShape[2] != 2 {
		return nil, errors.Wrapf(loss.ErrShape, "rpn_class_logits %v for match %v", lShape, mShape)
	}

	var rows, labels []int
	for i, v := range m {
		if v != 0 {
			rows = append(rows, i)
			if v == 1 {
				labels = append(labels, 1)
			} else {
				labels = append(labels, 0)
			}
		}
	}
	o.selected(loss.TermRPNClass, len(rows))
	if len(rows) == 0 {
		return nil, errors.Wrap(loss.ErrEmptySelection, "every anchor is neutral")
	}

	picked, err := gather(logits, len(m), 2, rows)
	if err != nil {
		return nil, err
	}
	return crossEntropy(picked, labels, 2)
}

// RPNBBox builds the anchor box regression loss node. Target rows are trimmed
// per image to target.Counts, which must match the positive anchors of each image.
func RPNBBox(target *maskrcnn.Padded, match tensor.Tensor, pred *G.Node, opts ...Option) (*G.Node, error) {
	o := newOptions(opts)
	if target == nil || target.Data == nil {
		return nil, errors.Wrap(loss.ErrShape, "rpn_bbox target is nil")
	}
	m, mShape, err := loss.Ints("rpn_match", match, 2)
	if err != nil {
		return nil, err
	}
	pShape := pred.Shape()
	if len(pShape) != 3 || pShape[0] != mShape[0] || pShape[1] != mShape[1] || pShape[2] != 4 {
		return nil, errors.Wrapf(loss.ErrShape, "rpn_bbox %v for match %v", pShape, mShape)
	}
	if len(target.Counts) != mShape[0] {
		return nil, errors.Wrapf(loss.ErrShape, "rpn_bbox target has %d counts for %d images", len(target.Counts), mShape[0])
	}

	anchors := mShape[1]
	var rows []int
	for i := 0; i < mShape[0]; i++ {
		count := 0
		for a := 0; a < anchors; a++ {
			if m[i*anchors+a] == 1 {
				rows = append(rows, i*anchors+a)
				count++
			}
		}
		if count != target.Counts[i] {
			return nil, errors.Wrapf(loss.ErrMisaligned, "image %d has %d positive anchors and %d targets", i, count, target.Counts[i])
		}
	}
	o.selected(loss.TermRPNBBox, len(rows))
	if len(rows) == 0 {
		return zero(), nil
	}

	trimmed, err := target.Trim()
	if err != nil {
		return nil, errors.Wrap(err, "trim rpn_bbox target")
	}
	targets := flatten(trimmed)
	o.target(loss.TermRPNBBox, targets, len(rows), 4)
	picked, err := gather(pred, len(m), 4, rows)
	if err != nil {
		return nil, err
	}
	return smoothL1(picked, targets, len(rows))
}

// HeadClass builds the ROI classification loss node over every ROI.
func HeadClass(targetClassIDs tensor.Tensor, logits *G.Node, opts ...Option) (*G.Node, error) {
	o := newOptions(opts)
	ids, idShape, err := loss.Ints("target_class_ids", targetClassIDs, 2)
	if err != nil {
		return nil, err
	}
	lShape := logits.Shape()
	if len(lShape) != 3 || lShape[0] != idShape[0] || lShape[1] != idShape[1] {
		return nil, errors.Wrapf(loss.ErrShape, "mrcnn_class_logits %v for target_class_ids %v", lShape, idShape)
	}
	o.selected(loss.TermHeadClass, len(ids))
	if len(ids) == 0 {
		return zero(), nil
	}
	classes := lShape[2]
	for r, id := range ids {
		if id < 0 || id >= classes {
			return nil, errors.Wrapf(loss.ErrShape, "roi %d has class id %d with %d classes", r, id, classes)
		}
	}

	flat, err := G.Reshape(logits, tensor.Shape{len(ids), classes})
	if err != nil {
		return nil, errors.Wrap(err, "flatten mrcnn_class_logits")
	}
	return crossEntropy(flat, ids, classes)
}

// HeadBBox builds the ROI box regression loss node over positive ROIs, each
// read from the prediction slot of its own class.
func HeadBBox(targetDeltas, targetClassIDs tensor.Tensor, pred *G.Node, opts ...Option) (*G.Node, error) {
	o := newOptions(opts)
	ids, idShape, err := loss.Ints("target_class_ids", targetClassIDs, 2)
	if err != nil {
		return nil, err
	}
	t, err := floatData(targetDeltas, tensor.Shape{idShape[0], idShape[1], 4})
	if err != nil {
		return nil, err
	}
	pShape := pred.Shape()
	if len(pShape) != 4 || pShape[0] != idShape[0] || pShape[1] != idShape[1] || pShape[3] != 4 {
		return nil, errors.Wrapf(loss.ErrShape, "mrcnn_bbox %v for target_class_ids %v", pShape, idShape)
	}

	classes := pShape[2]
	slots, rows, err := positiveSlots(ids, classes)
	if err != nil {
		return nil, err
	}
	o.selected(loss.TermHeadBBox, len(slots))
	if len(slots) == 0 {
		return zero(), nil
	}

	targets := make([]float32, 0, 4*len(rows))
	for _, r := range rows {
		targets = append(targets, t[4*r:4*r+4]...)
	}
	o.target(loss.TermHeadBBox, targets, len(rows), 4)
	picked, err := gather(pred, len(ids)*classes, 4, slots)
	if err != nil {
		return nil, err
	}
	return smoothL1(picked, targets, len(slots))
}

// HeadMask builds the mask loss node: per-pixel binary cross-entropy over
// positive ROIs, each read from the predicted mask of its own class.
func HeadMask(targetMasks, targetClassIDs tensor.Tensor, pred *G.Node, opts ...Option) (*G.Node, error) {
	o := newOptions(opts)
	ids, idShape, err := loss.Ints("target_class_ids", targetClassIDs, 2)
	if err != nil {
		return nil, err
	}
	pShape := pred.Shape()
	if len(pShape) != 5 || pShape[0] != idShape[0] || pShape[1] != idShape[1] {
		return nil, errors.Wrapf(loss.ErrShape, "mrcnn_mask %v for target_class_ids %v", pShape, idShape)
	}
	t, err := floatData(targetMasks, tensor.Shape{idShape[0], idShape[1], pShape[3], pShape[4]})
	if err != nil {
		return nil, err
	}

	classes, area := pShape[2], pShape[3]*pShape[4]
	slots, rows, err := positiveSlots(ids, classes)
	if err != nil {
		return nil, err
	}
	o.selected(loss.TermHeadMask, len(slots))
	if len(slots) == 0 || area == 0 {
		return zero(), nil
	}

	y := make([]float32, 0, area*len(rows))
	for _, r := range rows {
		y = append(y, t[r*area:(r+1)*area]...)
	}
	o.target(loss.TermHeadMask, y, len(rows), area)
	p, err := gather(pred, len(ids)*classes, area, slots)
	if err != nil {
		return nil, err
	}
	return binaryCrossEntropy(p, y, len(slots), area)
}

// Total returns the weighted sum of the given terms. Terms without a weight
// count once; constant zero terms are skipped.
func Total(weights map[string]float32, terms map[string]*G.Node) (*G.Node, error) {
	var sum *G.Node
	for _, name := range loss.Terms {
		n, ok := terms[name]
		if !ok || IsZero(n) {
			continue
		}
		w, ok := weights[name]
		if !ok {
			w = 1
		}
		weighted, err := G.Mul(n, G.NewConstant(w))
		if err != nil {
			return nil, errors.Wrapf(err, "weight %s", name)
		}
		if sum == nil {
			sum = weighted
			continue
		}
		if sum, err = G.Add(sum, weighted); err != nil {
			return nil, errors.Wrapf(err, "add %s", name)
		}
	}
	if sum == nil {
		return zero(), nil
	}
	return sum, nil
}

const zeroName = "zero_loss"

func zero() *G.Node {
	return G.NewConstant(float32(0), G.WithName(zeroName))
}

// IsZero reports whether n is the constant zero returned for an empty selection.
func IsZero(n *G.Node) bool {
	return n != nil && n.Name() == zeroName
}
