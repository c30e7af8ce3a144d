// Package loss - The five Mask R-CNN training losses with analytic gradients.
//
// Every entry point flattens (batch, N, ...) predictions to (batch*N, ...),
// selects the contributing rows with explicit index slices, and returns the
// mean loss together with its gradient with respect to the prediction tensor.
// Terms with nothing to select return a detached zero.
package loss

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-maskrcnn/profiler"
)

var (
	// ErrEmptySelection is returned by RPNClass when every anchor is neutral.
	ErrEmptySelection = errors.New("empty selection")
	// ErrMisaligned is returned when targets and predictions disagree on
	// which rows exist.
	ErrMisaligned = errors.New("targets and predictions are misaligned")
	// ErrShape is returned for tensors of the wrong rank, size or dtype, and
	// for class ids outside the prediction's class axis.
	ErrShape = errors.New("unexpected tensor shape")
)

// Loss term names, matching the keys of maskrcnn.Config.LossWeights.
const (
	TermRPNClass  = "rpn_class_loss"
	TermRPNBBox   = "rpn_bbox_loss"
	TermHeadClass = "mrcnn_class_loss"
	TermHeadBBox  = "mrcnn_bbox_loss"
	TermHeadMask  = "mrcnn_mask_loss"
)

// Terms lists the loss terms in the order a training loop reports them.
var Terms = []string{TermRPNClass, TermRPNBBox, TermHeadClass, TermHeadBBox, TermHeadMask}

// Loss is a scalar loss and its gradient with respect to the prediction.
type Loss struct {
	Value float32
	// Grad has the prediction's shape. It is nil when Detached.
	Grad *tensor.Dense
	// Detached marks a constant zero that contributes no gradient.
	Detached bool
}

// Scale multiplies the value and gradient by w.
func (l Loss) Scale(w float32) Loss {
	if l.Detached {
		return l
	}
	out := Loss{Value: l.Value * w}
	if l.Grad != nil {
		g := l.Grad.Data().([]float32)
		scaled := make([]float32, len(g))
		for i, v := range g {
			scaled[i] = v * w
		}
		out.Grad = tensor.New(tensor.WithShape(l.Grad.Shape().Clone()...), tensor.WithBacking(scaled))
	}
	return out
}

func detachedZero() Loss {
	return Loss{Detached: true}
}

// Total sums the weighted values of the given terms. Terms without a weight
// count once.
func Total(weights map[string]float32, terms map[string]Loss) float32 {
	var sum float32
	for name, l := range terms {
		w, ok := weights[name]
		if !ok {
			w = 1
		}
		sum += w * l.Value
	}
	return sum
}

// Option configures a loss call.
type Option func(*options)

type options struct {
	observer profiler.Observer
}

// WithObserver reports the selected predictions, targets and the loss value.
func WithObserver(o profiler.Observer) Option {
	return func(opts *options) { opts.observer = profiler.OrNop(o) }
}

func newOptions(opts []Option) options {
	o := options{observer: profiler.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// report sends the selected rows and the final value to the observer.
func (o options) report(term string, pred, target []float32, width int, value float32) {
	if _, nop := o.observer.(profiler.Nop); nop {
		return
	}
	if n := len(pred) / max(width, 1); n > 0 {
		o.observer.Tensor(term+"/pred", tensor.New(tensor.WithShape(n, width), tensor.WithBacking(pred)))
		o.observer.Tensor(term+"/target", tensor.New(tensor.WithShape(n, width), tensor.WithBacking(target)))
	}
	o.observer.Scalar(term+"/loss", float64(value))
}
