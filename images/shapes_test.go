package images

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIoU_Correctness validates the IoU implementation against known test cases
func TestIoU_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		a        Box
		b        Box
		expected float32
	}{
		{
			name:     "Identical boxes",
			a:        Box{0, 0, 0.5, 0.5},
			b:        Box{0, 0, 0.5, 0.5},
			expected: 1.0,
		},
		{
			name:     "No overlap",
			a:        Box{0, 0, 0.25, 0.25},
			b:        Box{0.5, 0.5, 0.75, 0.75},
			expected: 0.0,
		},
		{
			name:     "Touching edges",
			a:        Box{0, 0, 0.5, 0.5},
			b:        Box{0, 0.5, 0.5, 1.0},
			expected: 0.0,
		},
		{
			name:     "Quarter overlap",
			a:        Box{0, 0, 0.5, 0.5},
			b:        Box{0.25, 0.25, 0.75, 0.75},
			expected: 0.142857, // 0.0625 / (0.25 + 0.25 - 0.0625)
		},
		{
			name:     "One inside other",
			a:        Box{0, 0, 1, 1},
			b:        Box{0.25, 0.25, 0.75, 0.75},
			expected: 0.25,
		},
		{
			name:     "Both zero padding",
			a:        Box{},
			b:        Box{},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateIoU(tt.a, tt.b)
			assert.InDelta(t, tt.expected, result, 1e-4)

			// IoU(A, B) should equal IoU(B, A)
			assert.InDelta(t, result, CalculateIoU(tt.b, tt.a), 1e-6)
		})
	}
}

func TestComputeOverlaps_Shapes(t *testing.T) {
	boxes := []Box{{0, 0, 0.5, 0.5}, {0.5, 0.5, 1, 1}}

	tests := []struct {
		name       string
		a, b       []Box
		rows, cols int
	}{
		{"both populated", boxes, boxes[:1], 2, 1},
		{"empty first", nil, boxes, 0, 2},
		{"empty second", boxes, nil, 2, 0},
		{"both empty", nil, nil, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := ComputeOverlaps(tt.a, tt.b)
			assert.Equal(t, tt.rows, o.Rows())
			assert.Equal(t, tt.cols, o.Cols())
		})
	}

	o := ComputeOverlaps(boxes, nil)
	v, arg := o.RowMax(0)
	assert.Equal(t, float32(0), v)
	assert.Equal(t, -1, arg)
}

func TestComputeOverlaps_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := randomBoxes(rng, 13)
	b := randomBoxes(rng, 9)

	ab := ComputeOverlaps(a, b)
	ba := ComputeOverlaps(b, a)
	require.Equal(t, ab.Rows(), ba.Cols())
	require.Equal(t, ab.Cols(), ba.Rows())

	for i := 0; i < ab.Rows(); i++ {
		for j := 0; j < ab.Cols(); j++ {
			v := ab.At(i, j)
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, float32(1))
			assert.InDelta(t, v, ba.At(j, i), 1e-6, "overlaps must be symmetric at (%d, %d)", i, j)
		}
	}

	self := ComputeOverlaps(a, a)
	for i := range a {
		assert.InDelta(t, 1.0, self.At(i, i), 1e-5)
	}

	assert.Equal(t, ab.Row(3), ba.Transpose().Row(3))
}

func TestRowMax_FirstOccurrence(t *testing.T) {
	proposal := []Box{{0, 0, 0.5, 0.5}}
	gt := []Box{{0.5, 0.5, 1, 1}, {0, 0, 0.5, 0.5}, {0, 0, 0.5, 0.5}}

	v, arg := ComputeOverlaps(proposal, gt).RowMax(0)
	assert.InDelta(t, 1.0, v, 1e-6)
	assert.Equal(t, 1, arg, "ties resolve to the first maximal column")
}

func TestNormalizeBoxes_RoundTrip(t *testing.T) {
	pixel := []Box{{10, 20, 110, 220}, {0, 0, 480, 640}}

	norm := NormalizeBoxes(pixel, 480, 640)
	assert.InDelta(t, 1.0, norm[1].Y2, 1e-6)
	assert.InDelta(t, 1.0, norm[1].X2, 1e-6)

	back := DenormalizeBoxes(norm, 480, 640)
	for i := range pixel {
		assert.InDelta(t, pixel[i].Y1, back[i].Y1, 1e-3)
		assert.InDelta(t, pixel[i].X2, back[i].X2, 1e-3)
	}
}

func randomBoxes(rng *rand.Rand, n int) []Box {
	boxes := make([]Box, n)
	for i := range boxes {
		y1, x1 := rng.Float32()*0.8, rng.Float32()*0.8
		boxes[i] = Box{
			Y1: y1,
			X1: x1,
			Y2: y1 + 0.05 + rng.Float32()*0.15,
			X2: x1 + 0.05 + rng.Float32()*0.15,
		}
	}
	return boxes
}
