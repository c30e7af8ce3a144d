package util

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-maskrcnn/images"
)

// Instance is one annotated object of a sample.
type Instance struct {
	// ClassID is > 0 for objects, < 0 for crowds and 0 for ignored instances.
	ClassID int `yaml:"class_id" json:"class_id"`
	// Box is (y1, x1, y2, x2) in pixels.
	Box [4]float32 `yaml:"box" json:"box"`
	// Mask is an optional grayscale image path, relative to the sample file.
	// Without it the box itself is the mask.
	Mask string `yaml:"mask,omitempty" json:"mask,omitempty"`
}

// Sample is a training image's proposals and annotations.
type Sample struct {
	// Path is the file the sample was read from.
	Path string `yaml:"-" json:"-"`
	// ImageSize is (height, width) in pixels.
	ImageSize [2]int `yaml:"image_size" json:"image_size"`
	// Proposals are normalized (y1, x1, y2, x2) boxes.
	Proposals [][4]float32 `yaml:"proposals" json:"proposals"`
	Instances []Instance   `yaml:"instances" json:"instances"`
}

// ProposalBoxes returns the proposals as boxes.
func (s Sample) ProposalBoxes() []images.Box {
	out := make([]images.Box, len(s.Proposals))
	for i, p := range s.Proposals {
		out[i] = images.Box{Y1: p[0], X1: p[1], Y2: p[2], X2: p[3]}
	}
	return out
}

// ClassIDs returns the class id of every instance.
func (s Sample) ClassIDs() []int {
	out := make([]int, len(s.Instances))
	for i, inst := range s.Instances {
		out[i] = inst.ClassID
	}
	return out
}

// Boxes returns the pixel box of every instance.
func (s Sample) Boxes() []images.Box {
	out := make([]images.Box, len(s.Instances))
	for i, inst := range s.Instances {
		out[i] = images.Box{Y1: inst.Box[0], X1: inst.Box[1], Y2: inst.Box[2], X2: inst.Box[3]}
	}
	return out
}

// LoadMasks returns a full-image mask per instance, read from its mask file
// or filled from its box.
//
// Returns:
//   - []images.Mask: One ImageSize mask per instance.
//   - error: If a mask file cannot be read or has the wrong size.
func (s Sample) LoadMasks() ([]images.Mask, error) {
	h, w := s.ImageSize[0], s.ImageSize[1]
	out := make([]images.Mask, len(s.Instances))
	for i, inst := range s.Instances {
		if inst.Mask == "" {
			m := images.NewMask(h, w)
			m.FillBox(images.Box{Y1: inst.Box[0], X1: inst.Box[1], Y2: inst.Box[2], X2: inst.Box[3]})
			out[i] = m
			continue
		}

		path := inst.Mask
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(s.Path), path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "instance %d mask", i)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", path)
		}
		m := images.MaskFromImage(img)
		if m.Height != h || m.Width != w {
			return nil, errors.Errorf("mask %s is %dx%d, image is %dx%d", path, m.Height, m.Width, h, w)
		}
		out[i] = m
	}
	return out, nil
}

// LoadDirectorySamples reads every .json, .yaml and .yml sample in a
// directory, sorted by file name.
//
// Arguments:
//   - dir: Directory path containing sample files.
//
// Returns:
//   - []Sample: The samples in file name order.
//   - error: Error if reading or decoding fails.
func LoadDirectorySamples(dir string) ([]Sample, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var samples []Sample
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		switch filepath.Ext(file.Name()) {
		case ".json", ".yaml", ".yml":
			path := filepath.Join(dir, file.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			var s Sample
			if err := yaml.Unmarshal(data, &s); err != nil {
				return nil, errors.Wrapf(err, "decode %s", path)
			}
			if s.ImageSize[0] <= 0 || s.ImageSize[1] <= 0 {
				return nil, errors.Errorf("%s: image_size %v", path, s.ImageSize)
			}
			s.Path = path
			samples = append(samples, s)
		}
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Path < samples[j].Path
	})

	return samples, nil
}
