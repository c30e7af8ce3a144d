package images

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

var (
	// ErrDegenerateBox is returned when a box with zero or negative height or
	// width is used as the basis of a delta.
	ErrDegenerateBox = errors.New("degenerate box")
	// ErrLengthMismatch is returned when paired box slices differ in length.
	ErrLengthMismatch = errors.New("box slices differ in length")
)

// Delta is the regression target that moves a box onto a target box:
// (dy, dx, log(dh), log(dw)).
type Delta struct {
	DY, DX, DH, DW float32
}

// Scale divides each component by the matching standard deviation.
func (d Delta) Scale(std [4]float32) Delta {
	return Delta{DY: d.DY / std[0], DX: d.DX / std[1], DH: d.DH / std[2], DW: d.DW / std[3]}
}

// Unscale multiplies each component by the matching standard deviation.
func (d Delta) Unscale(std [4]float32) Delta {
	return Delta{DY: d.DY * std[0], DX: d.DX * std[1], DH: d.DH * std[2], DW: d.DW * std[3]}
}

// Slice returns the delta as a 4-element slice in (dy, dx, dh, dw) order.
func (d Delta) Slice() []float32 {
	return []float32{d.DY, d.DX, d.DH, d.DW}
}

// BoxRefinement computes the delta from boxes[i] to targets[i].
//
// Arguments:
//   - boxes: Source boxes (proposals or anchors).
//   - targets: Ground-truth boxes, paired by index with boxes.
//
// Returns:
//   - []Delta: One delta per pair.
//   - error: ErrLengthMismatch for unequal inputs, ErrDegenerateBox when either
//     box of a pair has no height or width.
func BoxRefinement(boxes, targets []Box) ([]Delta, error) {
	if len(boxes) != len(targets) {
		return nil, errors.Wrapf(ErrLengthMismatch, "%d boxes, %d targets", len(boxes), len(targets))
	}

	deltas := make([]Delta, len(boxes))
	for i := range boxes {
		b, t := boxes[i], targets[i]
		h, w := b.Height(), b.Width()
		th, tw := t.Height(), t.Width()
		if h <= 0 || w <= 0 {
			return nil, errors.Wrapf(ErrDegenerateBox, "box %d: %v", i, b)
		}
		if th <= 0 || tw <= 0 {
			return nil, errors.Wrapf(ErrDegenerateBox, "target %d: %v", i, t)
		}

		cy, cx := b.Center()
		tcy, tcx := t.Center()
		deltas[i] = Delta{
			DY: (tcy - cy) / h,
			DX: (tcx - cx) / w,
			DH: math32.Log(th / h),
			DW: math32.Log(tw / w),
		}
	}
	return deltas, nil
}

// ApplyDelta moves box by d. It is the inverse of BoxRefinement.
func ApplyDelta(box Box, d Delta) Box {
	h, w := box.Height(), box.Width()
	cy, cx := box.Center()

	cy += d.DY * h
	cx += d.DX * w
	h *= math32.Exp(d.DH)
	w *= math32.Exp(d.DW)

	return Box{
		Y1: cy - 0.5*h,
		X1: cx - 0.5*w,
		Y2: cy + 0.5*h,
		X2: cx + 0.5*w,
	}
}
