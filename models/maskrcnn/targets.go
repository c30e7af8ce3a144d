package maskrcnn

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-maskrcnn/images"
	"github.com/nvr-ai/go-maskrcnn/images/kernels"
	"github.com/nvr-ai/go-maskrcnn/profiler"
)

const (
	// PositiveIoU is the minimum IoU with a ground-truth box for a positive ROI.
	PositiveIoU = 0.5
	// CrowdIoU is the IoU with a crowd box above which a proposal is never a negative.
	CrowdIoU = 0.001
)

// Source is the random source used for subsampling. *rand.Rand satisfies it.
type Source interface {
	Perm(n int) []int
	Int63() int64
}

// GroundTruth holds the instances of one image.
type GroundTruth struct {
	// ClassIDs per instance: > 0 object, < 0 crowd, 0 ignored.
	ClassIDs []int
	// Boxes per instance in pixel coordinates.
	Boxes []images.Box
	// Masks per instance: full image size, or MiniMaskShape with UseMiniMask.
	Masks []images.Mask
}

// Validate checks that the instance slices line up.
func (gt GroundTruth) Validate() error {
	if len(gt.Boxes) != len(gt.ClassIDs) || len(gt.Masks) != len(gt.ClassIDs) {
		return errors.Errorf("ground truth has %d class ids, %d boxes and %d masks",
			len(gt.ClassIDs), len(gt.Boxes), len(gt.Masks))
	}
	return nil
}

// HeadTargets is the sampled training batch for one image.
//
// ROIs holds positives first, then negatives. ClassIDs, Deltas and Masks
// describe the positive prefix only and are exactly PositiveCount() long.
type HeadTargets struct {
	ROIs     []images.Box
	ClassIDs []int
	Deltas   []images.Delta
	Masks    []images.Mask

	// PositiveIndices and NegativeIndices are the proposal indices that were
	// kept, in ROI order.
	PositiveIndices []int
	NegativeIndices []int
}

// PositiveCount returns the number of positive ROIs.
func (t *HeadTargets) PositiveCount() int { return len(t.ClassIDs) }

// NegativeCount returns the number of negative ROIs.
func (t *HeadTargets) NegativeCount() int { return len(t.ROIs) - len(t.ClassIDs) }

// Option configures a TargetBuilder.
type Option func(*TargetBuilder)

// WithSource sets the subsampling random source. Use a seeded *rand.Rand for
// reproducible targets.
func WithSource(src Source) Option {
	return func(b *TargetBuilder) { b.src = src }
}

// WithCropper replaces the crop-and-resize primitive used for mask targets.
func WithCropper(c kernels.Cropper) Option {
	return func(b *TargetBuilder) { b.cropper = c }
}

// WithObserver attaches a diagnostic observer.
func WithObserver(o profiler.Observer) Option {
	return func(b *TargetBuilder) { b.observer = profiler.OrNop(o) }
}

// TargetBuilder subsamples proposals and builds class, box and mask targets.
//
// A TargetBuilder is not safe for concurrent calls to Build because it owns a
// single random stream; BuildBatch derives one stream per image instead.
type TargetBuilder struct {
	cfg      Config
	src      Source
	cropper  kernels.Cropper
	observer profiler.Observer
}

// NewTargetBuilder validates cfg and returns a builder.
//
// Arguments:
//   - cfg: Training configuration.
//   - opts: Optional source, cropper and observer.
//
// Returns:
//   - *TargetBuilder: The builder.
//   - error: If cfg is invalid.
//
// @example
// builder, err := NewTargetBuilder(DefaultConfig(), WithSource(rand.New(rand.NewSource(1))))
// targets, err := builder.Build(proposals, gt)
func NewTargetBuilder(cfg Config, opts ...Option) (*TargetBuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &TargetBuilder{
		cfg:      cfg,
		src:      rand.New(rand.NewSource(time.Now().UnixNano())),
		cropper:  kernels.Bilinear{},
		observer: profiler.Nop{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the builder configuration.
func (b *TargetBuilder) Config() Config {
	return b.cfg
}

// Build samples head targets for one image.
//
// Arguments:
//   - proposals: Normalized proposals, possibly with trailing zero padding.
//   - gt: Ground truth in pixel coordinates.
//
// Returns:
//   - *HeadTargets: Sampled ROIs and positive targets.
//   - error: On malformed ground truth or a degenerate positive box.
func (b *TargetBuilder) Build(proposals []images.Box, gt GroundTruth) (*HeadTargets, error) {
	return b.build(b.src, proposals, gt)
}

func (b *TargetBuilder) build(src Source, proposals []images.Box, gt GroundTruth) (*HeadTargets, error) {
	if err := gt.Validate(); err != nil {
		return nil, err
	}

	gtBoxes := images.NormalizeBoxes(gt.Boxes, b.cfg.ImageShape[0], b.cfg.ImageShape[1])

	// Split crowds from real instances. Class id 0 is padding and joins neither.
	var (
		crowdBoxes []images.Box
		classIDs   []int
		boxes      []images.Box
		masks      []images.Mask
	)
	for i, id := range gt.ClassIDs {
		switch {
		case id < 0:
			crowdBoxes = append(crowdBoxes, gtBoxes[i])
		case id > 0:
			classIDs = append(classIDs, id)
			boxes = append(boxes, gtBoxes[i])
			masks = append(masks, gt.Masks[i])
		}
	}

	// Proposals touching a crowd are never negatives.
	noCrowd := make([]bool, len(proposals))
	for i := range noCrowd {
		noCrowd[i] = true
	}
	if len(crowdBoxes) > 0 {
		crowd := images.ComputeOverlaps(proposals, crowdBoxes)
		for i := range proposals {
			if v, _ := crowd.RowMax(i); v >= CrowdIoU {
				noCrowd[i] = false
			}
		}
	}

	overlaps := images.ComputeOverlaps(proposals, boxes)
	assignment := make([]int, len(proposals))
	var positives, negatives []int
	for i := range proposals {
		if proposals[i].IsZero() {
			continue
		}
		iou, arg := overlaps.RowMax(i)
		assignment[i] = arg
		switch {
		case iou >= PositiveIoU:
			positives = append(positives, i)
		case noCrowd[i]:
			negatives = append(negatives, i)
		}
	}

	positives = subsample(src, positives, b.cfg.PositiveTarget())
	out := &HeadTargets{
		ROIs:            []images.Box{},
		ClassIDs:        []int{},
		Deltas:          []images.Delta{},
		Masks:           []images.Mask{},
		PositiveIndices: positives,
		NegativeIndices: []int{},
	}

	if len(positives) > 0 {
		posROIs := make([]images.Box, len(positives))
		posGT := make([]images.Box, len(positives))
		posMasks := make([]images.Mask, len(positives))
		for k, p := range positives {
			a := assignment[p]
			posROIs[k] = proposals[p]
			posGT[k] = boxes[a]
			posMasks[k] = masks[a]
			out.ClassIDs = append(out.ClassIDs, classIDs[a])
		}

		deltas, err := images.BoxRefinement(posROIs, posGT)
		if err != nil {
			return nil, errors.Wrap(err, "positive box refinement")
		}
		for k := range deltas {
			deltas[k] = deltas[k].Scale(b.cfg.BBoxStdDev)
		}
		out.Deltas = deltas

		maskTargets, err := b.maskTargets(posROIs, posGT, posMasks)
		if err != nil {
			return nil, err
		}
		out.Masks = maskTargets
		out.ROIs = append(out.ROIs, posROIs...)

		negatives = subsample(src, negatives, b.cfg.NegativeTarget(len(positives)))
		for _, n := range negatives {
			out.ROIs = append(out.ROIs, proposals[n])
		}
		out.NegativeIndices = negatives
	}

	b.observer.Scalar("head_targets/positives", float64(out.PositiveCount()))
	b.observer.Scalar("head_targets/negatives", float64(out.NegativeCount()))
	return out, nil
}

// maskTargets crops each positive's ground-truth mask to the ROI and resizes
// it to MaskShape, then binarizes it.
func (b *TargetBuilder) maskTargets(rois, gtBoxes []images.Box, gtMasks []images.Mask) ([]images.Mask, error) {
	crops := rois
	if b.cfg.UseMiniMask {
		// Mini-masks live in the frame of their own box.
		crops = make([]images.Box, len(rois))
		for k, r := range rois {
			g := gtBoxes[k]
			h, w := g.Height(), g.Width()
			crops[k] = images.Box{
				Y1: (r.Y1 - g.Y1) / h,
				X1: (r.X1 - g.X1) / w,
				Y2: (r.Y2 - g.Y1) / h,
				X2: (r.X2 - g.X1) / w,
			}
		}
	}

	boxIndex := make([]int, len(rois))
	for k := range boxIndex {
		boxIndex[k] = k
	}

	out, err := b.cropper.CropAndResize(gtMasks, crops, boxIndex, b.cfg.MaskShape[0], b.cfg.MaskShape[1], 0)
	if err != nil {
		return nil, errors.Wrap(err, "mask crop and resize")
	}
	if len(out) != len(rois) {
		return nil, errors.Errorf("cropper returned %d masks for %d rois", len(out), len(rois))
	}
	for _, m := range out {
		m.Round()
	}
	return out, nil
}

// subsample shuffles idx and keeps at most limit entries.
func subsample(src Source, idx []int, limit int) []int {
	if len(idx) == 0 || limit <= 0 {
		return []int{}
	}
	perm := src.Perm(len(idx))
	n := min(limit, len(perm))
	out := make([]int, n)
	for k := range out {
		out[k] = idx[perm[k]]
	}
	return out
}
