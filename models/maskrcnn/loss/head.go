package loss

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// HeadClass is the ROI classification loss: softmax cross-entropy over every
// ROI, negatives and padding included as background.
//
// Arguments:
//   - targetClassIDs: Integer [batch, rois].
//   - logits: Float32 [batch, rois, classes].
//   - opts: Optional observer.
//
// Returns:
//   - Loss: Mean cross-entropy, or a detached zero when there are no ROIs.
//   - error: ErrShape on bad input or a class id outside [0, classes).
func HeadClass(targetClassIDs, logits tensor.Tensor, opts ...Option) (Loss, error) {
	o := newOptions(opts)
	ids, idShape, err := Ints("target_class_ids", targetClassIDs, 2)
	if err != nil {
		return Loss{}, err
	}
	l, lShape, err := floats("mrcnn_class_logits", logits, 3)
	if err != nil {
		return Loss{}, err
	}
	if err := samePrefix("target_class_ids", idShape, "mrcnn_class_logits", lShape); err != nil {
		return Loss{}, err
	}
	if len(ids) == 0 {
		o.report("mrcnn_class", nil, nil, lShape[2], 0)
		return detachedZero(), nil
	}

	classes := lShape[2]
	if err := checkClassIDs(ids, classes, false); err != nil {
		return Loss{}, err
	}

	n := float32(len(ids))
	grad := make([]float32, len(l))
	target := make([]float32, len(l))
	var sum float32
	for r, id := range ids {
		row := l[r*classes : (r+1)*classes]
		target[r*classes+id] = 1
		sum += crossEntropy(row, id, grad[r*classes:(r+1)*classes], 1/n)
	}

	value := sum / n
	o.report("mrcnn_class", l, target, classes, value)
	return Loss{Value: value, Grad: gradTensor(lShape, grad)}, nil
}

// HeadBBox is the ROI box regression loss over positive ROIs. Each positive
// ROI is compared against the prediction in the slot of its own class.
//
// Arguments:
//   - targetDeltas: Float32 [batch, rois, 4].
//   - targetClassIDs: Integer [batch, rois]; ids <= 0 are not positives.
//   - pred: Float32 [batch, rois, classes, 4].
//   - opts: Optional observer.
//
// Returns:
//   - Loss: Mean smooth L1, or a detached zero without positives.
//   - error: ErrShape on bad input or a class id outside the class axis.
func HeadBBox(targetDeltas, targetClassIDs, pred tensor.Tensor, opts ...Option) (Loss, error) {
	o := newOptions(opts)
	ids, idShape, err := Ints("target_class_ids", targetClassIDs, 2)
	if err != nil {
		return Loss{}, err
	}
	t, tShape, err := floats("target_bbox", targetDeltas, 3)
	if err != nil {
		return Loss{}, err
	}
	p, pShape, err := floats("mrcnn_bbox", pred, 4)
	if err != nil {
		return Loss{}, err
	}
	if err := samePrefix("target_class_ids", idShape, "target_bbox", tShape); err != nil {
		return Loss{}, err
	}
	if err := samePrefix("target_class_ids", idShape, "mrcnn_bbox", pShape); err != nil {
		return Loss{}, err
	}
	if tShape[2] != 4 || pShape[3] != 4 {
		return Loss{}, errors.Wrapf(ErrShape, "target_bbox %v and mrcnn_bbox %v must end in 4", tShape, pShape)
	}

	classes := pShape[2]
	if err := checkClassIDs(ids, classes, true); err != nil {
		return Loss{}, err
	}

	var slots []int
	var targets [][]float32
	for r, id := range ids {
		if id > 0 {
			slots = append(slots, r*classes+id)
			targets = append(targets, t[4*r:4*r+4])
		}
	}
	if len(slots) == 0 {
		o.report("mrcnn_bbox", nil, nil, 4, 0)
		return detachedZero(), nil
	}

	value, grad, gathered, flat := smoothL1Rows(p, slots, targets)
	o.report("mrcnn_bbox", gathered, flat, 4, value)
	return Loss{Value: value, Grad: gradTensor(pShape, grad)}, nil
}

// HeadMask is the mask loss over positive ROIs: per-pixel binary
// cross-entropy between the predicted mask in the ROI's class slot and the
// binary target mask.
//
// Arguments:
//   - targetMasks: Float32 [batch, rois, height, width].
//   - targetClassIDs: Integer [batch, rois]; ids <= 0 are not positives.
//   - pred: Float32 [batch, rois, classes, height, width] of probabilities.
//   - opts: Optional observer.
//
// Returns:
//   - Loss: Mean binary cross-entropy, or a detached zero without positives.
//   - error: ErrShape on bad input or a class id outside the class axis.
func HeadMask(targetMasks, targetClassIDs, pred tensor.Tensor, opts ...Option) (Loss, error) {
	o := newOptions(opts)
	ids, idShape, err := Ints("target_class_ids", targetClassIDs, 2)
	if err != nil {
		return Loss{}, err
	}
	t, tShape, err := floats("target_masks", targetMasks, 4)
	if err != nil {
		return Loss{}, err
	}
	p, pShape, err := floats("mrcnn_mask", pred, 5)
	if err != nil {
		return Loss{}, err
	}
	if err := samePrefix("target_class_ids", idShape, "target_masks", tShape); err != nil {
		return Loss{}, err
	}
	if err := samePrefix("target_class_ids", idShape, "mrcnn_mask", pShape); err != nil {
		return Loss{}, err
	}
	if tShape[2] != pShape[3] || tShape[3] != pShape[4] {
		return Loss{}, errors.Wrapf(ErrShape, "target_masks %v and mrcnn_mask %v disagree on mask size", tShape, pShape)
	}

	classes := pShape[2]
	if err := checkClassIDs(ids, classes, true); err != nil {
		return Loss{}, err
	}

	area := tShape[2] * tShape[3]
	var rows []int
	for r, id := range ids {
		if id > 0 {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 || area == 0 {
		o.report("mrcnn_mask", nil, nil, area, 0)
		return detachedZero(), nil
	}

	n := float32(len(rows) * area)
	grad := make([]float32, len(p))
	gathered := make([]float32, 0, len(rows)*area)
	flat := make([]float32, 0, len(rows)*area)
	var sum float32
	for _, r := range rows {
		off := (r*classes + ids[r]) * area
		target := t[r*area : (r+1)*area]
		for j, y := range target {
			v, d := binaryCrossEntropy(p[off+j], y)
			sum += v
			grad[off+j] = d / n
		}
		gathered = append(gathered, p[off:off+area]...)
		flat = append(flat, target...)
	}

	value := sum / n
	o.report("mrcnn_mask", gathered, flat, area, value)
	return Loss{Value: value, Grad: gradTensor(pShape, grad)}, nil
}

// checkClassIDs rejects ids past the class axis, and negative ids unless
// they only mark non-positives.
func checkClassIDs(ids []int, classes int, allowNegative bool) error {
	for r, id := range ids {
		if id >= classes || (id < 0 && !allowNegative) {
			return errors.Wrapf(ErrShape, "roi %d has class id %d with %d classes", r, id, classes)
		}
	}
	return nil
}
