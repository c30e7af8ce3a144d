// Package profiler - Diagnostic hooks for target building and loss computation.
//
// Every target and loss function accepts an Observer. Implementations record
// named intermediate values (tensors and scalars) for debugging; the default is
// Nop, which discards everything.
package profiler

import (
	"sync"

	"gorgonia.org/tensor"
)

// Observer receives intermediate values by name.
//
// Names are slash separated, "<function>/<value>", e.g. "mrcnn_bbox/pred".
// Observers may be shared between goroutines and must be safe for concurrent use.
type Observer interface {
	Tensor(name string, t tensor.Tensor)
	Scalar(name string, v float64)
}

// Nop discards all observations.
type Nop struct{}

// Tensor implements Observer.
func (Nop) Tensor(string, tensor.Tensor) {}

// Scalar implements Observer.
func (Nop) Scalar(string, float64) {}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}

// MetricTracker tracks statistics for a scalar series.
type MetricTracker struct {
	Name  string
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Last  float64
}

// Mean returns the running mean, or 0 before the first sample.
func (m *MetricTracker) Mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

func (m *MetricTracker) add(v float64) {
	if m.Count == 0 || v < m.Min {
		m.Min = v
	}
	if m.Count == 0 || v > m.Max {
		m.Max = v
	}
	m.Count++
	m.Sum += v
	m.Last = v
}

// Recorder keeps the last tensor per name and running statistics per scalar
// name. It replaces ad-hoc "save everything" debugging.
type Recorder struct {
	mu      sync.RWMutex
	tensors map[string]tensor.Tensor
	scalars map[string]*MetricTracker
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		tensors: make(map[string]tensor.Tensor),
		scalars: make(map[string]*MetricTracker),
	}
}

// Tensor implements Observer. The tensor is cloned so callers may reuse it.
func (r *Recorder) Tensor(name string, t tensor.Tensor) {
	if t == nil {
		return
	}
	c, ok := t.Clone().(tensor.Tensor)
	if !ok {
		return
	}
	r.mu.Lock()
	r.tensors[name] = c
	r.mu.Unlock()
}

// Scalar implements Observer.
func (r *Recorder) Scalar(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.scalars[name]
	if !ok {
		m = &MetricTracker{Name: name}
		r.scalars[name] = m
	}
	m.add(v)
}

// TensorValue returns the last tensor recorded under name.
func (r *Recorder) TensorValue(name string) (tensor.Tensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tensors[name]
	return t, ok
}

// Metric returns a copy of the statistics recorded under name.
func (r *Recorder) Metric(name string) (MetricTracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.scalars[name]
	if !ok {
		return MetricTracker{}, false
	}
	return *m, true
}

// Names returns every recorded tensor and scalar name.
func (r *Recorder) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tensors)+len(r.scalars))
	for n := range r.tensors {
		names = append(names, n)
	}
	for n := range r.scalars {
		names = append(names, n)
	}
	return names
}

// Multi fans observations out to several observers.
type Multi []Observer

// Tensor implements Observer.
func (m Multi) Tensor(name string, t tensor.Tensor) {
	for _, o := range m {
		o.Tensor(name, t)
	}
}

// Scalar implements Observer.
func (m Multi) Scalar(name string, v float64) {
	for _, o := range m {
		o.Scalar(name, v)
	}
}
