package maskrcnn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-maskrcnn/images"
	"github.com/nvr-ai/go-maskrcnn/profiler"
)

// testConfig is a 100x100 setup with a small ROI budget: 2 positives at most,
// and round(p/0.33)-p negatives for p positives.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ImageShape = [3]int{100, 100, 3}
	cfg.NumClasses = 4
	cfg.TrainROIsPerImage = 6
	cfg.UseMiniMask = false
	cfg.MaskShape = [2]int{4, 4}
	return cfg
}

// fullMask returns a 100x100 mask with the given pixel box filled.
func fullMask(b images.Box) images.Mask {
	m := images.NewMask(100, 100)
	m.FillBox(b)
	return m
}

func newTestBuilder(t *testing.T, cfg Config, seed int64, opts ...Option) *TargetBuilder {
	t.Helper()
	opts = append([]Option{WithSource(rand.New(rand.NewSource(seed)))}, opts...)
	b, err := NewTargetBuilder(cfg, opts...)
	require.NoError(t, err)
	return b
}

// TestBuildSinglePositive covers one ground-truth box of class 2 that exactly
// matches the first of three proposals.
func TestBuildSinglePositive(t *testing.T) {
	b := newTestBuilder(t, testConfig(), 1)

	proposals := []images.Box{
		{Y1: 0.1, X1: 0.1, Y2: 0.5, X2: 0.5},
		{Y1: 0.6, X1: 0.6, Y2: 0.9, X2: 0.9},
		{Y1: 0.6, X1: 0.1, Y2: 0.9, X2: 0.4},
	}
	gt := GroundTruth{
		ClassIDs: []int{2},
		Boxes:    []images.Box{{Y1: 10, X1: 10, Y2: 50, X2: 50}},
		Masks:    []images.Mask{fullMask(images.Box{Y1: 0, X1: 0, Y2: 60, X2: 60})},
	}

	out, err := b.Build(proposals, gt)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, out.ClassIDs)
	assert.Equal(t, []int{0}, out.PositiveIndices)
	assert.ElementsMatch(t, []int{1, 2}, out.NegativeIndices, "negatives come from the non-overlapping proposals")
	assert.Len(t, out.ROIs, 1+len(out.NegativeIndices))
	assert.Equal(t, proposals[0], out.ROIs[0], "positives come first")

	require.Len(t, out.Deltas, 1)
	for _, v := range out.Deltas[0].Slice() {
		assert.InDelta(t, 0, v, 1e-5)
	}

	require.Len(t, out.Masks, 1)
	assert.Equal(t, 4, out.Masks[0].Height)
	assert.Equal(t, 4, out.Masks[0].Width)
	assert.Equal(t, float32(16), out.Masks[0].Sum(), "ROI lies inside the instance")
}

func TestBuildCrowdExcludedFromNegatives(t *testing.T) {
	b := newTestBuilder(t, testConfig(), 1)

	proposals := []images.Box{
		{Y1: 0.1, X1: 0.1, Y2: 0.5, X2: 0.5},
		{Y1: 0.6, X1: 0.6, Y2: 0.9, X2: 0.9},
		{Y1: 0.6, X1: 0.1, Y2: 0.9, X2: 0.4},
	}
	gt := GroundTruth{
		ClassIDs: []int{2, -1},
		Boxes: []images.Box{
			{Y1: 10, X1: 10, Y2: 50, X2: 50},
			{Y1: 60, X1: 60, Y2: 90, X2: 90},
		},
		Masks: []images.Mask{
			fullMask(images.Box{Y1: 10, X1: 10, Y2: 50, X2: 50}),
			fullMask(images.Box{Y1: 60, X1: 60, Y2: 90, X2: 90}),
		},
	}

	out, err := b.Build(proposals, gt)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, out.ClassIDs, "crowds never become positives")
	assert.Equal(t, []int{2}, out.NegativeIndices, "proposal 1 touches the crowd")
	assert.Len(t, out.ROIs, 2)
}

func TestBuildInCrowdProposalCanBePositive(t *testing.T) {
	b := newTestBuilder(t, testConfig(), 1)

	proposals := []images.Box{
		{Y1: 0.1, X1: 0.1, Y2: 0.5, X2: 0.5},
		{Y1: 0.8, X1: 0.8, Y2: 0.95, X2: 0.95},
		{Y1: 0.6, X1: 0.6, Y2: 0.7, X2: 0.7},
	}
	gt := GroundTruth{
		ClassIDs: []int{2, -1},
		Boxes: []images.Box{
			{Y1: 10, X1: 10, Y2: 50, X2: 50},
			{Y1: 30, X1: 30, Y2: 70, X2: 70},
		},
		Masks: []images.Mask{
			fullMask(images.Box{Y1: 10, X1: 10, Y2: 50, X2: 50}),
			fullMask(images.Box{Y1: 30, X1: 30, Y2: 70, X2: 70}),
		},
	}

	out, err := b.Build(proposals, gt)
	require.NoError(t, err)

	assert.Equal(t, []int{0}, out.PositiveIndices, "proposal 0 overlaps the crowd and still matches class 2")
	assert.Equal(t, []int{2}, out.ClassIDs)
	assert.Equal(t, []int{1}, out.NegativeIndices, "proposal 2 lies inside the crowd")
}

func TestBuildScaledDeltas(t *testing.T) {
	b := newTestBuilder(t, testConfig(), 1)

	proposals := []images.Box{{Y1: 0.1, X1: 0.1, Y2: 0.5, X2: 0.6}}
	gt := GroundTruth{
		ClassIDs: []int{3},
		Boxes:    []images.Box{{Y1: 10, X1: 10, Y2: 50, X2: 50}},
		Masks:    []images.Mask{fullMask(images.Box{Y1: 10, X1: 10, Y2: 50, X2: 50})},
	}

	out, err := b.Build(proposals, gt)
	require.NoError(t, err)
	require.Len(t, out.Deltas, 1)

	// dx = (0.3 - 0.35) / 0.5 / 0.1, dw = ln(0.8) / 0.2.
	d := out.Deltas[0]
	assert.InDelta(t, 0, d.DY, 1e-5)
	assert.InDelta(t, -1, d.DX, 1e-4)
	assert.InDelta(t, 0, d.DH, 1e-5)
	assert.InDelta(t, -1.1157178, d.DW, 1e-4)
	assert.Empty(t, out.NegativeIndices, "no negatives available")
}

func TestBuildNoPositivesYieldsNoROIs(t *testing.T) {
	b := newTestBuilder(t, testConfig(), 1)

	proposals := []images.Box{
		{Y1: 0.6, X1: 0.6, Y2: 0.9, X2: 0.9},
		{Y1: 0.6, X1: 0.1, Y2: 0.9, X2: 0.4},
	}
	gt := GroundTruth{
		ClassIDs: []int{1},
		Boxes:    []images.Box{{Y1: 10, X1: 10, Y2: 30, X2: 30}},
		Masks:    []images.Mask{fullMask(images.Box{Y1: 10, X1: 10, Y2: 30, X2: 30})},
	}

	out, err := b.Build(proposals, gt)
	require.NoError(t, err)
	assert.Empty(t, out.ROIs)
	assert.Empty(t, out.ClassIDs)
	assert.Empty(t, out.Deltas)
	assert.Empty(t, out.Masks)
	assert.Empty(t, out.NegativeIndices)
}

func TestBuildSkipsPaddingAndIgnoredInstances(t *testing.T) {
	b := newTestBuilder(t, testConfig(), 1)

	proposals := []images.Box{
		{Y1: 0.1, X1: 0.1, Y2: 0.5, X2: 0.5},
		{Y1: 0.6, X1: 0.6, Y2: 0.9, X2: 0.9},
		{},
		{},
	}
	gt := GroundTruth{
		ClassIDs: []int{1, 0},
		Boxes: []images.Box{
			{Y1: 10, X1: 10, Y2: 50, X2: 50},
			{Y1: 60, X1: 60, Y2: 90, X2: 90},
		},
		Masks: []images.Mask{
			fullMask(images.Box{Y1: 10, X1: 10, Y2: 50, X2: 50}),
			fullMask(images.Box{Y1: 60, X1: 60, Y2: 90, X2: 90}),
		},
	}

	out, err := b.Build(proposals, gt)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, out.PositiveIndices)
	assert.Equal(t, []int{1}, out.NegativeIndices, "class 0 instances and zero proposals are ignored")
}

func TestBuildMiniMask(t *testing.T) {
	cfg := testConfig()
	cfg.UseMiniMask = true
	cfg.MiniMaskShape = [2]int{8, 8}
	b := newTestBuilder(t, cfg, 1)

	// Left half of the instance is foreground in its own frame.
	mini := images.NewMask(8, 8)
	mini.FillBox(images.Box{Y1: 0, X1: 0, Y2: 8, X2: 4})

	gt := GroundTruth{
		ClassIDs: []int{1},
		Boxes:    []images.Box{{Y1: 20, X1: 20, Y2: 60, X2: 60}},
		Masks:    []images.Mask{mini},
	}
	out, err := b.Build([]images.Box{{Y1: 0.2, X1: 0.2, Y2: 0.6, X2: 0.6}}, gt)
	require.NoError(t, err)
	require.Len(t, out.Masks, 1)

	m := out.Masks[0]
	for y := 0; y < 4; y++ {
		assert.Equal(t, float32(1), m.At(y, 0))
		assert.Equal(t, float32(0), m.At(y, 3))
	}
	for _, v := range m.Pix {
		assert.True(t, v == 0 || v == 1, "mask targets are binary")
	}
}

func TestBuildDeterministicWithSeed(t *testing.T) {
	cfg := testConfig()
	cfg.TrainROIsPerImage = 20
	proposals, gt := randomScene(rand.New(rand.NewSource(42)), 60)

	a, err := newTestBuilder(t, cfg, 7).Build(proposals, gt)
	require.NoError(t, err)
	b, err := newTestBuilder(t, cfg, 7).Build(proposals, gt)
	require.NoError(t, err)

	assert.Equal(t, a.PositiveIndices, b.PositiveIndices)
	assert.Equal(t, a.NegativeIndices, b.NegativeIndices)
	assert.Equal(t, a.ROIs, b.ROIs)
}

func TestBuildRatioBounds(t *testing.T) {
	cfg := testConfig()
	cfg.TrainROIsPerImage = 20
	rng := rand.New(rand.NewSource(3))

	for trial := 0; trial < 25; trial++ {
		proposals, gt := randomScene(rng, 80)
		b := newTestBuilder(t, cfg, int64(trial))
		out, err := b.Build(proposals, gt)
		require.NoError(t, err)

		p := out.PositiveCount()
		assert.LessOrEqual(t, p, cfg.PositiveTarget())
		assert.LessOrEqual(t, out.NegativeCount(), cfg.NegativeTarget(p))
		assert.Len(t, out.ClassIDs, p)
		assert.Len(t, out.Deltas, p)
		assert.Len(t, out.Masks, p)
		if p == 0 {
			assert.Empty(t, out.ROIs)
		}

		gtNorm := images.NormalizeBoxes(gt.Boxes, 100, 100)
		for k, idx := range out.PositiveIndices {
			best, arg := images.ComputeOverlaps(proposals[idx:idx+1], gtNorm).RowMax(0)
			assert.GreaterOrEqual(t, best, float32(PositiveIoU))
			assert.Equal(t, gt.ClassIDs[arg], out.ClassIDs[k])
		}
		for _, idx := range out.NegativeIndices {
			best, _ := images.ComputeOverlaps(proposals[idx:idx+1], gtNorm).RowMax(0)
			assert.Less(t, best, float32(PositiveIoU))
		}
	}
}

func TestBuildObserver(t *testing.T) {
	rec := profiler.NewRecorder()
	b := newTestBuilder(t, testConfig(), 1, WithObserver(rec))

	gt := GroundTruth{
		ClassIDs: []int{2},
		Boxes:    []images.Box{{Y1: 10, X1: 10, Y2: 50, X2: 50}},
		Masks:    []images.Mask{fullMask(images.Box{Y1: 10, X1: 10, Y2: 50, X2: 50})},
	}
	_, err := b.Build([]images.Box{{Y1: 0.1, X1: 0.1, Y2: 0.5, X2: 0.5}}, gt)
	require.NoError(t, err)

	m, ok := rec.Metric("head_targets/positives")
	require.True(t, ok)
	assert.Equal(t, 1.0, m.Last)
}

func TestBuildRejectsMisalignedGroundTruth(t *testing.T) {
	b := newTestBuilder(t, testConfig(), 1)
	_, err := b.Build(nil, GroundTruth{ClassIDs: []int{1}})
	assert.Error(t, err)
}

func TestNewTargetBuilderValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ROIPositiveRatio = 0
	_, err := NewTargetBuilder(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// randomScene scatters ground-truth boxes over a 100x100 image and jitters
// proposals around them, plus some background proposals.
func randomScene(rng *rand.Rand, n int) ([]images.Box, GroundTruth) {
	var gt GroundTruth
	for i := 0; i < 3; i++ {
		y, x := float32(rng.Intn(60)), float32(rng.Intn(60))
		box := images.Box{Y1: y, X1: x, Y2: y + 20 + float32(rng.Intn(20)), X2: x + 20 + float32(rng.Intn(20))}
		gt.ClassIDs = append(gt.ClassIDs, 1+rng.Intn(3))
		gt.Boxes = append(gt.Boxes, box)
		gt.Masks = append(gt.Masks, fullMask(box))
	}

	proposals := make([]images.Box, n)
	for i := range proposals {
		if i%2 == 0 {
			g := gt.Boxes[rng.Intn(len(gt.Boxes))]
			j := func() float32 { return float32(rng.Intn(7) - 3) }
			proposals[i] = images.Box{Y1: g.Y1 + j(), X1: g.X1 + j(), Y2: g.Y2 + j(), X2: g.X2 + j()}
		} else {
			y, x := float32(rng.Intn(80)), float32(rng.Intn(80))
			proposals[i] = images.Box{Y1: y, X1: x, Y2: y + 5 + float32(rng.Intn(15)), X2: x + 5 + float32(rng.Intn(15))}
		}
	}
	return images.NormalizeBoxes(proposals, 100, 100), gt
}
