package maskrcnn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Padded is a batch of variable-length row sets stored in a zero-padded
// [batch, maxRows, width] float32 tensor, with the valid row count of every
// image carried explicitly. Zero rows are never used to infer lengths.
type Padded struct {
	Data   *tensor.Dense
	Counts []int
}

// NewPadded packs per-image rows into a Padded batch.
//
// Arguments:
//   - rows: rows[i] are the valid rows of image i, each width long.
//   - maxRows: Padded row count; every image must fit.
//   - width: Row width.
//
// Returns:
//   - *Padded: The packed batch.
//   - error: On overflow or a row of the wrong width.
func NewPadded(rows [][][]float32, maxRows, width int) (*Padded, error) {
	if len(rows) == 0 || maxRows <= 0 || width <= 0 {
		return nil, errors.Errorf("invalid padded shape: batch %d, rows %d, width %d", len(rows), maxRows, width)
	}

	data := make([]float32, len(rows)*maxRows*width)
	counts := make([]int, len(rows))
	for i, image := range rows {
		if len(image) > maxRows {
			return nil, errors.Errorf("image %d has %d rows, more than %d", i, len(image), maxRows)
		}
		counts[i] = len(image)
		for r, row := range image {
			if len(row) != width {
				return nil, errors.Errorf("image %d row %d has width %d, expected %d", i, r, len(row), width)
			}
			copy(data[(i*maxRows+r)*width:], row)
		}
	}

	return &Padded{
		Data:   tensor.New(tensor.WithShape(len(rows), maxRows, width), tensor.WithBacking(data)),
		Counts: counts,
	}, nil
}

// Shape returns (batch, maxRows, width).
func (p *Padded) Shape() (int, int, int) {
	s := p.Data.Shape()
	return s[0], s[1], s[2]
}

// Total returns the number of valid rows across the batch.
func (p *Padded) Total() int {
	n := 0
	for _, c := range p.Counts {
		n += c
	}
	return n
}

// Trim drops the padding of every image and concatenates the valid rows in
// image order. Rows are copies.
func (p *Padded) Trim() ([][]float32, error) {
	batch, maxRows, width := p.Shape()
	if len(p.Counts) != batch {
		return nil, errors.Errorf("padded batch of %d has %d counts", batch, len(p.Counts))
	}
	data, ok := p.Data.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("padded data must be float32, got %v", p.Data.Dtype())
	}

	out := make([][]float32, 0, p.Total())
	for i, c := range p.Counts {
		if c < 0 || c > maxRows {
			return nil, errors.Errorf("image %d count %d outside [0, %d]", i, c, maxRows)
		}
		for r := 0; r < c; r++ {
			row := make([]float32, width)
			copy(row, data[(i*maxRows+r)*width:])
			out = append(out, row)
		}
	}
	return out, nil
}
