package images

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Mask is a single-channel row-major grid. Ground-truth masks hold 0 or 1;
// predicted masks hold probabilities.
type Mask struct {
	Height, Width int
	Pix           []float32
}

// NewMask returns a zeroed mask of the given size.
func NewMask(height, width int) Mask {
	return Mask{Height: height, Width: width, Pix: make([]float32, height*width)}
}

// At returns the value at row y, column x.
func (m Mask) At(y, x int) float32 {
	return m.Pix[y*m.Width+x]
}

// Set stores v at row y, column x.
func (m Mask) Set(y, x int, v float32) {
	m.Pix[y*m.Width+x] = v
}

// Sum returns the sum of all values.
func (m Mask) Sum() float32 {
	var s float32
	for _, v := range m.Pix {
		s += v
	}
	return s
}

// Round snaps every value to 0 or 1 in place, rounding half away from zero.
func (m Mask) Round() {
	for i, v := range m.Pix {
		if v >= 0.5 {
			m.Pix[i] = 1
		} else {
			m.Pix[i] = 0
		}
	}
}

// Clone returns a deep copy.
func (m Mask) Clone() Mask {
	out := Mask{Height: m.Height, Width: m.Width, Pix: make([]float32, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// FillBox sets every pixel covered by a pixel-space box to 1.
func (m Mask) FillBox(b Box) {
	y1, x1, y2, x2 := clampBox(b, m.Height, m.Width)
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			m.Set(y, x, 1)
		}
	}
}

// ToGray converts a binary mask to an 8-bit grayscale image (1 -> 255).
func (m Mask) ToGray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			v := m.At(y, x)
			if v > 1 {
				v = 1
			} else if v < 0 {
				v = 0
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v*255 + 0.5)})
		}
	}
	return img
}

// MaskFromImage thresholds an image at half intensity into a binary mask.
func MaskFromImage(img image.Image) Mask {
	b := img.Bounds()
	m := NewMask(b.Dy(), b.Dx())
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			if g.Y >= 128 {
				m.Set(y, x, 1)
			}
		}
	}
	return m
}

// MinimizeMask crops a full-image mask to its pixel-space box and resizes it
// to shape (height, width). Mini-masks keep ground truth small; the sampler
// re-expresses proposals in the box frame before cropping them.
//
// Arguments:
//   - mask: Full image mask.
//   - box: Instance box in pixel coordinates.
//   - shape: Mini-mask (height, width).
//
// Returns:
//   - Mask: The mini-mask, binary.
//   - error: If the box does not cover at least one pixel.
func MinimizeMask(mask Mask, box Box, shape [2]int) (Mask, error) {
	y1, x1, y2, x2 := clampBox(box, mask.Height, mask.Width)
	if y2 <= y1 || x2 <= x1 {
		return Mask{}, errors.Wrapf(ErrDegenerateBox, "mini-mask crop %v", box)
	}

	crop := NewMask(y2-y1, x2-x1)
	for y := y1; y < y2; y++ {
		copy(crop.Pix[(y-y1)*crop.Width:(y-y1+1)*crop.Width], mask.Pix[y*mask.Width+x1:y*mask.Width+x2])
	}

	resized := resize.Resize(uint(shape[1]), uint(shape[0]), crop.ToGray(), resize.Bilinear)
	return MaskFromImage(resized), nil
}

// ExpandMask is the inverse of MinimizeMask: it resizes a mini-mask to its
// pixel-space box and places it in a (height, width) grid.
func ExpandMask(mini Mask, box Box, height, width int) (Mask, error) {
	out := NewMask(height, width)
	y1, x1, y2, x2 := clampBox(box, height, width)
	if y2 <= y1 || x2 <= x1 {
		return Mask{}, errors.Wrapf(ErrDegenerateBox, "mini-mask expand %v", box)
	}

	resized := MaskFromImage(resize.Resize(uint(x2-x1), uint(y2-y1), mini.ToGray(), resize.Bilinear))
	for y := 0; y < resized.Height; y++ {
		copy(out.Pix[(y1+y)*width+x1:(y1+y)*width+x1+resized.Width], resized.Pix[y*resized.Width:(y+1)*resized.Width])
	}
	return out, nil
}

// clampBox rounds a pixel box to integer bounds inside a height x width grid.
func clampBox(b Box, height, width int) (int, int, int, int) {
	y1 := min(max(int(b.Y1+0.5), 0), height)
	x1 := min(max(int(b.X1+0.5), 0), width)
	y2 := min(max(int(b.Y2+0.5), 0), height)
	x2 := min(max(int(b.X2+0.5), 0), width)
	return y1, x1, y2, x2
}
