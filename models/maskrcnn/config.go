// Package maskrcnn - Head-target sampling for Mask R-CNN training.
//
// The package turns class-agnostic region proposals plus ground truth into the
// fixed-ratio training batch consumed by the classifier, box and mask heads.
package maskrcnn

import (
	"math"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Validate and LoadConfig.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the read-only option bundle shared by the target builder and the losses.
type Config struct {
	// Name of the configuration for logs.
	Name string `mapstructure:"name" json:"name" yaml:"name"`
	// ImageShape is (height, width, channels) of the network input.
	ImageShape [3]int `mapstructure:"image_shape" json:"image_shape" yaml:"image_shape"`
	// NumClasses includes the background class 0.
	NumClasses int `mapstructure:"num_classes" json:"num_classes" yaml:"num_classes"`
	// TrainROIsPerImage is the ROI budget per image fed to the heads.
	TrainROIsPerImage int `mapstructure:"train_rois_per_image" json:"train_rois_per_image" yaml:"train_rois_per_image"`
	// ROIPositiveRatio is the target fraction of positive ROIs, in (0, 1].
	ROIPositiveRatio float64 `mapstructure:"roi_positive_ratio" json:"roi_positive_ratio" yaml:"roi_positive_ratio"`
	// UseMiniMask means ground-truth masks are stored relative to their box.
	UseMiniMask bool `mapstructure:"use_mini_mask" json:"use_mini_mask" yaml:"use_mini_mask"`
	// MiniMaskShape is the (height, width) of stored mini-masks.
	MiniMaskShape [2]int `mapstructure:"mini_mask_shape" json:"mini_mask_shape" yaml:"mini_mask_shape"`
	// MaskShape is the (height, width) of mask targets.
	MaskShape [2]int `mapstructure:"mask_shape" json:"mask_shape" yaml:"mask_shape"`
	// BBoxStdDev scales box deltas for both RPN and head targets.
	BBoxStdDev [4]float32 `mapstructure:"bbox_std_dev" json:"bbox_std_dev" yaml:"bbox_std_dev"`
	// LossWeights multiplies each loss term before summing. Missing terms weigh 1.
	LossWeights map[string]float32 `mapstructure:"loss_weights" json:"loss_weights" yaml:"loss_weights"`
	// Workers bounds per-image parallelism in BuildBatch.
	Workers int `mapstructure:"workers" json:"workers" yaml:"workers"`
}

// DefaultConfig returns the standard COCO training configuration.
//
// Returns:
//   - Config: Defaults matching the reference Mask R-CNN training setup.
//
// @example
// cfg := DefaultConfig()
// cfg.NumClasses = 2 // background + nucleus
// builder, err := NewTargetBuilder(cfg)
func DefaultConfig() Config {
	return Config{
		Name:              "coco",
		ImageShape:        [3]int{1024, 1024, 3},
		NumClasses:        81,
		TrainROIsPerImage: 200,
		ROIPositiveRatio:  0.33,
		UseMiniMask:       true,
		MiniMaskShape:     [2]int{56, 56},
		MaskShape:         [2]int{28, 28},
		BBoxStdDev:        [4]float32{0.1, 0.1, 0.2, 0.2},
		LossWeights: map[string]float32{
			"rpn_class_loss":   1,
			"rpn_bbox_loss":    1,
			"mrcnn_class_loss": 1,
			"mrcnn_bbox_loss":  1,
			"mrcnn_mask_loss":  1,
		},
		Workers: 1,
	}
}

// PositiveTarget is the maximum number of positive ROIs kept per image.
func (c Config) PositiveTarget() int {
	return int(math.Round(float64(c.TrainROIsPerImage) * c.ROIPositiveRatio))
}

// NegativeTarget is the number of negatives that keeps the positive ratio
// for a given positive count.
func (c Config) NegativeTarget(positives int) int {
	return int(math.Round(float64(positives)/c.ROIPositiveRatio)) - positives
}

// MaxROIsPerImage is the largest ROI count Build can return for one image and
// the row count targets are padded to. Rounding the positive and negative
// targets separately can overshoot TrainROIsPerImage.
func (c Config) MaxROIsPerImage() int {
	p := c.PositiveTarget()
	return max(c.TrainROIsPerImage, p+c.NegativeTarget(p))
}

// Validate checks option ranges.
func (c Config) Validate() error {
	switch {
	case c.ImageShape[0] <= 0 || c.ImageShape[1] <= 0:
		return errors.Wrapf(ErrInvalidConfig, "image_shape %v", c.ImageShape)
	case c.NumClasses < 2:
		return errors.Wrapf(ErrInvalidConfig, "num_classes %d must include background and one class", c.NumClasses)
	case c.TrainROIsPerImage <= 0:
		return errors.Wrapf(ErrInvalidConfig, "train_rois_per_image %d", c.TrainROIsPerImage)
	case c.ROIPositiveRatio <= 0 || c.ROIPositiveRatio > 1:
		return errors.Wrapf(ErrInvalidConfig, "roi_positive_ratio %v not in (0, 1]", c.ROIPositiveRatio)
	case c.MaskShape[0] <= 0 || c.MaskShape[1] <= 0:
		return errors.Wrapf(ErrInvalidConfig, "mask_shape %v", c.MaskShape)
	case c.UseMiniMask && (c.MiniMaskShape[0] <= 0 || c.MiniMaskShape[1] <= 0):
		return errors.Wrapf(ErrInvalidConfig, "mini_mask_shape %v", c.MiniMaskShape)
	case c.Workers < 0:
		return errors.Wrapf(ErrInvalidConfig, "workers %d", c.Workers)
	}
	for i, s := range c.BBoxStdDev {
		if s <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "bbox_std_dev[%d] = %v", i, s)
		}
	}
	return nil
}

// LoadConfig layers a YAML file and MASKRCNN_* environment variables over
// DefaultConfig. An empty path loads defaults and environment only.
// Array keys read from the environment are comma or space separated, with
// optional brackets: MASKRCNN_IMAGE_SHAPE="512,512,3".
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	v.SetEnvPrefix("MASKRCNN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToArrayHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stringToArrayHookFunc splits a string into elements when the target is a
// fixed-size array. Elements are then weakly decoded to the array's type.
func stringToArrayHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Array {
			return data, nil
		}
		raw := reflect.ValueOf(data).String()
		s := strings.Trim(strings.TrimSpace(raw), "[]")
		fields := strings.FieldsFunc(s, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
		if len(fields) != t.Len() {
			return nil, errors.Errorf("%q has %d elements, want %d", raw, len(fields), t.Len())
		}
		return fields, nil
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("name", d.Name)
	v.SetDefault("image_shape", d.ImageShape[:])
	v.SetDefault("num_classes", d.NumClasses)
	v.SetDefault("train_rois_per_image", d.TrainROIsPerImage)
	v.SetDefault("roi_positive_ratio", d.ROIPositiveRatio)
	v.SetDefault("use_mini_mask", d.UseMiniMask)
	v.SetDefault("mini_mask_shape", d.MiniMaskShape[:])
	v.SetDefault("mask_shape", d.MaskShape[:])
	v.SetDefault("bbox_std_dev", d.BBoxStdDev[:])
	v.SetDefault("workers", d.Workers)
	for k, w := range d.LossWeights {
		v.SetDefault("loss_weights."+k, w)
	}
}
