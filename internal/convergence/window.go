// Package convergence detects when an optimization has stopped making
// progress by fitting a trend to a trailing window of energy values.
package convergence

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"
)

// WindowMonitor keeps the last Size energy values of a run. Its capacity is
// fixed at construction.
//
// Until the window is full the convergence value is math.MaxFloat64. Once
// full, it is the negated slope of a least-squares line through the window,
// with abscissae spread evenly over [0, 1] and energies divided by the total
// absolute energy added since the last Clear. The value is positive while
// the energy keeps decreasing and drops to zero or below once it flattens
// out or starts to increase.
type WindowMonitor struct {
	size        int
	values      []float64 // ring buffer
	start       int
	count       int
	totalEnergy float64

	xs []float64
	ys []float64
}

// NewWindowMonitor returns a monitor with the given window size.
func NewWindowMonitor(size int) (*WindowMonitor, error) {
	if size < 2 {
		return nil, fmt.Errorf("convergence window size must be at least 2, got %d", size)
	}
	xs := make([]float64, size)
	for i := range xs {
		xs[i] = float64(i) / float64(size-1)
	}
	return &WindowMonitor{
		size:   size,
		values: make([]float64, size),
		xs:     xs,
		ys:     make([]float64, size),
	}, nil
}

// Size returns the window capacity.
func (w *WindowMonitor) Size() int { return w.size }

// Len returns the number of values currently in the window.
func (w *WindowMonitor) Len() int { return w.count }

// Full reports whether the window holds Size values.
func (w *WindowMonitor) Full() bool { return w.count == w.size }

// AddEnergyValue appends v, evicting the oldest value when full.
func (w *WindowMonitor) AddEnergyValue(v float64) {
	if w.count < w.size {
		w.values[(w.start+w.count)%w.size] = v
		w.count++
	} else {
		w.values[w.start] = v
		w.start = (w.start + 1) % w.size
	}
	w.totalEnergy += math.Abs(v)
}

// Values returns the window contents from oldest to newest.
func (w *WindowMonitor) Values() []float64 {
	out := make([]float64, w.count)
	for i := range out {
		out[i] = w.values[(w.start+i)%w.size]
	}
	return out
}

// ConvergenceValue returns the trend-based convergence value.
func (w *WindowMonitor) ConvergenceValue() float64 {
	if !w.Full() {
		return math.MaxFloat64
	}
	if math.IsInf(w.totalEnergy, 0) || math.IsNaN(w.totalEnergy) {
		return math.MaxFloat64
	}
	if w.totalEnergy == 0 {
		return 0
	}
	for i := 0; i < w.size; i++ {
		w.ys[i] = w.values[(w.start+i)%w.size] / w.totalEnergy
	}
	_, slope := stat.LinearRegression(w.xs, w.ys, nil, false)
	cv := -slope
	slog.Debug("Convergence value computed", "value", cv, "window", w.size, "total_energy", w.totalEnergy)
	return cv
}

// Clear empties the window and resets the accumulated energy.
func (w *WindowMonitor) Clear() {
	w.start = 0
	w.count = 0
	w.totalEnergy = 0
}
