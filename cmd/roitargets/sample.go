package main

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-maskrcnn/images"
	"github.com/nvr-ai/go-maskrcnn/models/maskrcnn"
	"github.com/nvr-ai/go-maskrcnn/profiler"
	"github.com/nvr-ai/go-maskrcnn/util"
)

// imageResult is the per-image summary printed by the sample command.
type imageResult struct {
	Path            string       `json:"path"`
	Positives       int          `json:"positives"`
	Negatives       int          `json:"negatives"`
	ClassIDs        []int        `json:"class_ids"`
	PositiveIndices []int        `json:"positive_indices"`
	NegativeIndices []int        `json:"negative_indices"`
	ROIs            []images.Box `json:"rois"`
}

type sampleOutput struct {
	Config string        `json:"config"`
	Seed   int64         `json:"seed"`
	Shape  []int         `json:"padded_rois_shape"`
	Images []imageResult `json:"images"`
}

func newSampleCmd() *cobra.Command {
	var (
		input       string
		seed        int64
		workers     int
		metricsFile string
	)

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample head targets for every sample in a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}

			samples, err := util.LoadDirectorySamples(input)
			if err != nil {
				return errors.Wrapf(err, "failed to load samples from %s", input)
			}
			if len(samples) == 0 {
				return errors.Errorf("no samples in %s", input)
			}
			log.Info().Str("config", cfg.Name).Int("samples", len(samples)).Int64("seed", seed).Msg("Sampling head targets")

			reg := prometheus.NewRegistry()
			metrics, err := profiler.NewMetricsObserver(reg)
			if err != nil {
				return err
			}
			builder, err := maskrcnn.NewTargetBuilder(cfg,
				maskrcnn.WithSource(rand.New(rand.NewSource(seed))),
				maskrcnn.WithObserver(profiler.Multi{metrics, profiler.NewLogObserver(log.Logger)}),
			)
			if err != nil {
				return err
			}

			proposals := make([][]images.Box, len(samples))
			gts := make([]maskrcnn.GroundTruth, len(samples))
			for i, s := range samples {
				proposals[i] = s.ProposalBoxes()
				if gts[i], err = groundTruth(cfg, s); err != nil {
					return errors.Wrap(err, s.Path)
				}
			}

			targets, err := builder.BuildBatch(cmd.Context(), proposals, gts)
			if err != nil {
				return err
			}
			padded, err := maskrcnn.PadHeadTargets(targets, cfg.MaxROIsPerImage(), cfg.MaskShape)
			if err != nil {
				return err
			}

			out := sampleOutput{Config: cfg.Name, Seed: seed, Shape: padded.ROIs.Shape().Clone()}
			for i, t := range targets {
				out.Images = append(out.Images, imageResult{
					Path:            samples[i].Path,
					Positives:       t.PositiveCount(),
					Negatives:       t.NegativeCount(),
					ClassIDs:        t.ClassIDs,
					PositiveIndices: t.PositiveIndices,
					NegativeIndices: t.NegativeIndices,
					ROIs:            t.ROIs,
				})
			}

			if metricsFile != "" {
				if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
					return errors.Wrapf(err, "failed to write metrics to %s", metricsFile)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&input, "input", ".", "Directory of sample files")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed for subsampling (default: time based)")
	cmd.Flags().IntVar(&workers, "workers", 1, "Images sampled in parallel")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write sampling metrics in Prometheus text format")
	return cmd
}

// groundTruth converts a sample's annotations, shrinking masks to mini-masks
// when the configuration asks for them.
func groundTruth(cfg maskrcnn.Config, s util.Sample) (maskrcnn.GroundTruth, error) {
	masks, err := s.LoadMasks()
	if err != nil {
		return maskrcnn.GroundTruth{}, err
	}
	boxes := s.Boxes()

	// Boxes are given for the network input size.
	if s.ImageSize[0] != cfg.ImageShape[0] || s.ImageSize[1] != cfg.ImageShape[1] {
		return maskrcnn.GroundTruth{}, errors.Errorf("image size %v does not match image_shape %v", s.ImageSize, cfg.ImageShape)
	}

	if cfg.UseMiniMask {
		for i := range masks {
			if masks[i], err = images.MinimizeMask(masks[i], boxes[i], cfg.MiniMaskShape); err != nil {
				return maskrcnn.GroundTruth{}, errors.Wrapf(err, "instance %d", i)
			}
		}
	}
	return maskrcnn.GroundTruth{ClassIDs: s.ClassIDs(), Boxes: boxes, Masks: masks}, nil
}
