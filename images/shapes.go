// Package images - Box geometry, masks and overlap utilities for Mask R-CNN targets.
package images

import (
	"fmt"
)

// Box is an axis-aligned box in (y1, x1, y2, x2) order.
//
// Boxes handed between the sampler and the losses are normalized to [0, 1]
// against the image height and width. Ground-truth boxes arrive in pixel
// coordinates and are normalized with NormalizeBoxes.
type Box struct {
	Y1, X1, Y2, X2 float32
}

// Height returns y2 - y1.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Width returns x2 - x1.
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Area returns the box area, or 0 for inverted boxes.
func (b Box) Area() float32 {
	h, w := b.Height(), b.Width()
	if h <= 0 || w <= 0 {
		return 0
	}
	return h * w
}

// Center returns the (y, x) center of the box.
func (b Box) Center() (float32, float32) {
	return b.Y1 + 0.5*b.Height(), b.X1 + 0.5*b.Width()
}

// IsZero reports whether b is an all-zero padding box.
func (b Box) IsZero() bool {
	return b == Box{}
}

func (b Box) String() string {
	return fmt.Sprintf("Box(y1=%.4f, x1=%.4f, y2=%.4f, x2=%.4f)", b.Y1, b.X1, b.Y2, b.X2)
}

// CalculateIoU returns the Intersection over Union of two boxes.
//
// IoU is the area where the boxes overlap divided by the area they cover
// together:
//
//	IoU = Area of Intersection / (Area(A) + Area(B) - Area of Intersection)
//
// 1.0 means the boxes are identical, 0.0 means they do not overlap. When the
// union is empty (two zero-padding boxes) the IoU is defined as 0 so padded
// proposals never count as overlapping anything.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - float32: A value between 0.0 and 1.0.
//
// Example Usage:
// ```go
//
//	a := Box{Y1: 0, X1: 0, Y2: 0.5, X2: 0.5}
//	b := Box{Y1: 0.25, X1: 0.25, Y2: 0.75, X2: 0.75}
//	iou := CalculateIoU(a, b) // 0.0625 / (0.25 + 0.25 - 0.0625) = 0.142857
//
// ```
func CalculateIoU(a, b Box) float32 {
	iy1 := max(a.Y1, b.Y1)
	ix1 := max(a.X1, b.X1)
	iy2 := min(a.Y2, b.Y2)
	ix2 := min(a.X2, b.X2)

	var inter float32
	if ih, iw := iy2-iy1, ix2-ix1; ih > 0 && iw > 0 {
		inter = ih * iw
	}

	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	iou := inter / union
	// Rounding can push a perfect match a hair above 1.
	return min(iou, 1)
}

// Overlaps is a dense IoU matrix: rows index the first box set, columns the second.
type Overlaps struct {
	rows, cols int
	data       []float32
}

// ComputeOverlaps computes the IoU of every pair of boxes in a and b.
//
// The result has shape (len(a), len(b)). Either input may be empty, in which
// case the matrix has zero rows or zero columns.
func ComputeOverlaps(a, b []Box) *Overlaps {
	o := &Overlaps{
		rows: len(a),
		cols: len(b),
		data: make([]float32, len(a)*len(b)),
	}
	for i, boxA := range a {
		row := o.data[i*o.cols : (i+1)*o.cols]
		for j, boxB := range b {
			row[j] = CalculateIoU(boxA, boxB)
		}
	}
	return o
}

// Rows returns the number of boxes in the first set.
func (o *Overlaps) Rows() int { return o.rows }

// Cols returns the number of boxes in the second set.
func (o *Overlaps) Cols() int { return o.cols }

// At returns the IoU of a[i] and b[j].
func (o *Overlaps) At(i, j int) float32 {
	if i < 0 || i >= o.rows || j < 0 || j >= o.cols {
		panic(fmt.Sprintf("overlaps index (%d, %d) out of range (%d, %d)", i, j, o.rows, o.cols))
	}
	return o.data[i*o.cols+j]
}

// Row returns a copy of row i.
func (o *Overlaps) Row(i int) []float32 {
	out := make([]float32, o.cols)
	copy(out, o.data[i*o.cols:(i+1)*o.cols])
	return out
}

// RowMax returns the maximum IoU in row i and the first column achieving it.
// A row over zero columns returns (0, -1).
func (o *Overlaps) RowMax(i int) (float32, int) {
	if o.cols == 0 {
		return 0, -1
	}
	row := o.data[i*o.cols : (i+1)*o.cols]
	best, arg := row[0], 0
	for j := 1; j < len(row); j++ {
		if row[j] > best {
			best, arg = row[j], j
		}
	}
	return best, arg
}

// Transpose returns the (cols, rows) matrix.
func (o *Overlaps) Transpose() *Overlaps {
	t := &Overlaps{rows: o.cols, cols: o.rows, data: make([]float32, len(o.data))}
	for i := 0; i < o.rows; i++ {
		for j := 0; j < o.cols; j++ {
			t.data[j*t.cols+i] = o.data[i*o.cols+j]
		}
	}
	return t
}

// NormalizeBoxes converts pixel boxes to normalized coordinates by dividing
// by (height, width, height, width).
func NormalizeBoxes(boxes []Box, height, width int) []Box {
	h, w := float32(height), float32(width)
	out := make([]Box, len(boxes))
	for i, b := range boxes {
		out[i] = Box{Y1: b.Y1 / h, X1: b.X1 / w, Y2: b.Y2 / h, X2: b.X2 / w}
	}
	return out
}

// DenormalizeBoxes converts normalized boxes back to pixel coordinates.
func DenormalizeBoxes(boxes []Box, height, width int) []Box {
	h, w := float32(height), float32(width)
	out := make([]Box, len(boxes))
	for i, b := range boxes {
		out[i] = Box{Y1: b.Y1 * h, X1: b.X1 * w, Y2: b.Y2 * h, X2: b.X2 * w}
	}
	return out
}
