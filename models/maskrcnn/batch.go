package maskrcnn

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/images"
)

// BuildBatch runs Build for every image of a batch, up to Config.Workers
// images at a time, and returns the results in image order.
//
// Each image gets its own random stream seeded from the builder's source
// before any work starts, so the output does not depend on the worker count
// or on scheduling.
//
// Arguments:
//   - ctx: Cancels the remaining images.
//   - proposals: Per-image proposals.
//   - gts: Per-image ground truth, aligned with proposals.
//
// Returns:
//   - []*HeadTargets: One entry per image, in input order.
//   - error: The first error, annotated with its image index.
func (b *TargetBuilder) BuildBatch(ctx context.Context, proposals [][]images.Box, gts []GroundTruth) ([]*HeadTargets, error) {
	if len(proposals) != len(gts) {
		return nil, errors.Errorf("batch has %d proposal sets and %d ground truths", len(proposals), len(gts))
	}

	seeds := make([]int64, len(proposals))
	for i := range seeds {
		seeds[i] = b.src.Int63()
	}

	out := make([]*HeadTargets, len(proposals))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(b.cfg.Workers, 1))
	for i := range proposals {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := b.build(rand.New(rand.NewSource(seeds[i])), proposals[i], gts[i])
			if err != nil {
				return errors.Wrapf(err, "image %d", i)
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// HeadBatch is a batch of head targets zero padded to a fixed ROI count, in
// the layout the head losses consume.
type HeadBatch struct {
	// ROIs is float32 [batch, rois, 4].
	ROIs *tensor.Dense
	// ClassIDs is int [batch, rois]; negatives and padding are 0.
	ClassIDs *tensor.Dense
	// Deltas is float32 [batch, rois, 4].
	Deltas *tensor.Dense
	// Masks is float32 [batch, rois, height, width].
	Masks *tensor.Dense
	// Counts is the number of valid ROIs per image.
	Counts []int
	// PositiveCounts is the number of positive ROIs per image.
	PositiveCounts []int
}

// PadHeadTargets zero pads per-image targets to roisPerImage rows. Pass
// Config.MaxROIsPerImage to fit every target Build can produce.
func PadHeadTargets(targets []*HeadTargets, roisPerImage int, maskShape [2]int) (*HeadBatch, error) {
	if len(targets) == 0 {
		return nil, errors.New("no targets to pad")
	}
	if roisPerImage <= 0 {
		return nil, errors.Errorf("invalid rois per image %d", roisPerImage)
	}

	n := len(targets)
	mh, mw := maskShape[0], maskShape[1]
	rois := make([]float32, n*roisPerImage*4)
	ids := make([]int, n*roisPerImage)
	deltas := make([]float32, n*roisPerImage*4)
	masks := make([]float32, n*roisPerImage*mh*mw)
	counts := make([]int, n)
	positives := make([]int, n)

	for i, t := range targets {
		if t == nil {
			return nil, errors.Errorf("image %d has no targets", i)
		}
		if len(t.ROIs) > roisPerImage {
			return nil, errors.Errorf("image %d has %d rois, more than %d", i, len(t.ROIs), roisPerImage)
		}
		counts[i] = len(t.ROIs)
		positives[i] = t.PositiveCount()

		base := i * roisPerImage
		for r, box := range t.ROIs {
			copy(rois[(base+r)*4:], []float32{box.Y1, box.X1, box.Y2, box.X2})
		}
		for r := 0; r < t.PositiveCount(); r++ {
			ids[base+r] = t.ClassIDs[r]
			copy(deltas[(base+r)*4:], t.Deltas[r].Slice())
			m := t.Masks[r]
			if m.Height != mh || m.Width != mw {
				return nil, errors.Errorf("image %d mask %d is %dx%d, expected %dx%d", i, r, m.Height, m.Width, mh, mw)
			}
			copy(masks[(base+r)*mh*mw:], m.Pix)
		}
	}

	return &HeadBatch{
		ROIs:           tensor.New(tensor.WithShape(n, roisPerImage, 4), tensor.WithBacking(rois)),
		ClassIDs:       tensor.New(tensor.WithShape(n, roisPerImage), tensor.WithBacking(ids)),
		Deltas:         tensor.New(tensor.WithShape(n, roisPerImage, 4), tensor.WithBacking(deltas)),
		Masks:          tensor.New(tensor.WithShape(n, roisPerImage, mh, mw), tensor.WithBacking(masks)),
		Counts:         counts,
		PositiveCounts: positives,
	}, nil
}
