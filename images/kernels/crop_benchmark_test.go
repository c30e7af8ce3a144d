package kernels

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-maskrcnn/images"
)

func genMasks(n, h, w int) []images.Mask {
	rng := rand.New(rand.NewSource(1))
	out := make([]images.Mask, n)
	for i := range out {
		m := images.NewMask(h, w)
		for p := range m.Pix {
			m.Pix[p] = float32(rng.Intn(2))
		}
		out[i] = m
	}
	return out
}

func genBoxes(n int) ([]images.Box, []int) {
	rng := rand.New(rand.NewSource(2))
	boxes := make([]images.Box, n)
	idx := make([]int, n)
	for i := range boxes {
		y, x := rng.Float32()*0.5, rng.Float32()*0.5
		boxes[i] = images.Box{Y1: y, X1: x, Y2: y + 0.1 + rng.Float32()*0.4, X2: x + 0.1 + rng.Float32()*0.4}
		idx[i] = i
	}
	return boxes, idx
}

// Mini-mask training: 66 positives cropped from 56x56 mini-masks to 28x28.
func BenchmarkCropAndResize_MiniMask(b *testing.B) {
	sources := genMasks(66, 56, 56)
	boxes, idx := genBoxes(66)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := (Bilinear{}).CropAndResize(sources, boxes, idx, 28, 28, 0); err != nil {
			b.Fatal(err)
		}
	}
}

// Full-image masks: every crop samples a 1024x1024 source.
func BenchmarkCropAndResize_FullMask(b *testing.B) {
	for _, n := range []int{1, 16, 66} {
		sources := genMasks(n, 1024, 1024)
		boxes, idx := genBoxes(n)
		b.Run(fmt.Sprintf("rois=%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := (Bilinear{}).CropAndResize(sources, boxes, idx, 28, 28, 0); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkBackward_MiniMask(b *testing.B) {
	sources := genMasks(66, 56, 56)
	grads := genMasks(66, 28, 28)
	boxes, idx := genBoxes(66)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := (Bilinear{}).Backward(grads, sources, boxes, idx); err != nil {
			b.Fatal(err)
		}
	}
}
