package profiler

import (
	"github.com/rs/zerolog"
	"gorgonia.org/tensor"
)

// LogObserver writes every observation as a debug-level structured event.
// Tensors are logged by shape and dtype only.
type LogObserver struct {
	Logger zerolog.Logger
}

// NewLogObserver returns an observer writing to logger with a component field.
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{Logger: logger.With().Str("component", "maskrcnn").Logger()}
}

// Tensor implements Observer.
func (l *LogObserver) Tensor(name string, t tensor.Tensor) {
	if t == nil {
		return
	}
	l.Logger.Debug().
		Str("name", name).
		Ints("shape", t.Shape()).
		Str("dtype", t.Dtype().String()).
		Msg("tensor")
}

// Scalar implements Observer.
func (l *LogObserver) Scalar(name string, v float64) {
	l.Logger.Debug().
		Str("name", name).
		Float64("value", v).
		Msg("scalar")
}
