// Package kernels - Grid resampling kernels used to build mask targets.
package kernels

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-maskrcnn/images"
)

// ErrBoxIndex is returned when a box refers to a source grid that does not exist.
var ErrBoxIndex = errors.New("box index out of range")

// Cropper extracts box regions from source grids and resamples them to a
// fixed size.
//
// Boxes are normalized to the source grid: (0, 0, 1, 1) covers the full grid.
// boxIndex[i] selects the source grid for boxes[i]. Samples that fall outside
// the source take the extrapolation value. An empty box list yields an empty
// result.
type Cropper interface {
	CropAndResize(sources []images.Mask, boxes []images.Box, boxIndex []int, height, width int, extrapolation float32) ([]images.Mask, error)
}

// Bilinear is the default Cropper. It samples with bilinear interpolation and
// is differentiable with respect to the source grids through Backward. Box
// coordinates are treated as constants.
type Bilinear struct{}

// edgeSlack absorbs float32 rounding on samples that land exactly on the
// source border.
const edgeSlack = 1e-4

// sample is a single bilinear tap: four source offsets and their weights.
type sample struct {
	inside bool
	idx    [4]int
	weight [4]float32
}

// CropAndResize implements Cropper.
//
// Arguments:
//   - sources: Source grids.
//   - boxes: Normalized crop boxes, one per output.
//   - boxIndex: Source grid index for each box.
//   - height, width: Output size.
//   - extrapolation: Value for samples outside the source grid.
//
// Returns:
//   - []images.Mask: One (height, width) grid per box.
//   - error: On mismatched inputs or an out of range box index.
func (Bilinear) CropAndResize(sources []images.Mask, boxes []images.Box, boxIndex []int, height, width int, extrapolation float32) ([]images.Mask, error) {
	if err := validate(sources, boxes, boxIndex, height, width); err != nil {
		return nil, err
	}

	out := make([]images.Mask, len(boxes))
	for i, box := range boxes {
		src := sources[boxIndex[i]]
		dst := images.NewMask(height, width)
		taps := plan(box, src.Height, src.Width, height, width)
		for p, s := range taps {
			if !s.inside {
				dst.Pix[p] = extrapolation
				continue
			}
			var v float32
			for k := 0; k < 4; k++ {
				v += s.weight[k] * src.Pix[s.idx[k]]
			}
			dst.Pix[p] = v
		}
		out[i] = dst
	}
	return out, nil
}

// Backward returns the gradient of a loss with respect to each source grid,
// given the gradient with respect to each CropAndResize output.
func (Bilinear) Backward(grads []images.Mask, sources []images.Mask, boxes []images.Box, boxIndex []int) ([]images.Mask, error) {
	if len(grads) != len(boxes) {
		return nil, errors.Errorf("crop backward: %d grads for %d boxes", len(grads), len(boxes))
	}

	out := make([]images.Mask, len(sources))
	for i, s := range sources {
		out[i] = images.NewMask(s.Height, s.Width)
	}
	if len(boxes) == 0 {
		return out, nil
	}
	if err := validate(sources, boxes, boxIndex, grads[0].Height, grads[0].Width); err != nil {
		return nil, err
	}

	for i, box := range boxes {
		g := grads[i]
		src := sources[boxIndex[i]]
		acc := out[boxIndex[i]]
		for p, s := range plan(box, src.Height, src.Width, g.Height, g.Width) {
			if !s.inside {
				continue
			}
			for k := 0; k < 4; k++ {
				acc.Pix[s.idx[k]] += s.weight[k] * g.Pix[p]
			}
		}
	}
	return out, nil
}

func validate(sources []images.Mask, boxes []images.Box, boxIndex []int, height, width int) error {
	if len(boxes) != len(boxIndex) {
		return errors.Errorf("crop: %d boxes but %d box indices", len(boxes), len(boxIndex))
	}
	if height <= 0 || width <= 0 {
		return errors.Errorf("crop: invalid output size %dx%d", height, width)
	}
	for i, ix := range boxIndex {
		if ix < 0 || ix >= len(sources) {
			return errors.Wrapf(ErrBoxIndex, "box %d refers to grid %d of %d", i, ix, len(sources))
		}
	}
	return nil
}

// plan computes the bilinear taps for every output pixel of one box.
func plan(box images.Box, srcH, srcW, height, width int) []sample {
	hs, ws := float32(srcH-1), float32(srcW-1)

	ys := make([]float32, height)
	for y := range ys {
		if height > 1 {
			ys[y] = box.Y1*hs + float32(y)*(box.Y2-box.Y1)*hs/float32(height-1)
		} else {
			ys[y] = 0.5 * (box.Y1 + box.Y2) * hs
		}
	}
	xs := make([]float32, width)
	for x := range xs {
		if width > 1 {
			xs[x] = box.X1*ws + float32(x)*(box.X2-box.X1)*ws/float32(width-1)
		} else {
			xs[x] = 0.5 * (box.X1 + box.X2) * ws
		}
	}

	taps := make([]sample, height*width)
	for y, inY := range ys {
		if inY < -edgeSlack || inY > hs+edgeSlack {
			continue
		}
		inY = min(max(inY, 0), hs)
		top := int(math32.Floor(inY))
		bottom := int(math32.Ceil(inY))
		yl := inY - float32(top)

		for x, inX := range xs {
			if inX < -edgeSlack || inX > ws+edgeSlack {
				continue
			}
			inX = min(max(inX, 0), ws)
			left := int(math32.Floor(inX))
			right := int(math32.Ceil(inX))
			xl := inX - float32(left)

			taps[y*width+x] = sample{
				inside: true,
				idx: [4]int{
					top*srcW + left,
					top*srcW + right,
					bottom*srcW + left,
					bottom*srcW + right,
				},
				weight: [4]float32{
					(1 - yl) * (1 - xl),
					(1 - yl) * xl,
					yl * (1 - xl),
					yl * xl,
				},
			}
		}
	}
	return taps
}
