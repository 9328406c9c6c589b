package domain

import "math"

// Tolerance bounds acceptable disagreement between two sources for one
// metric. Values within either bound agree; both zero means the relative
// default applies.
type Tolerance struct {
	Relative float64 // fraction of the larger magnitude, e.g. 0.10 for ±10%
	Absolute float64 // in the metric's canonical unit
}

// ToleranceTable maps metric fields to their tolerance. Fields without an
// entry fall back to defaultRelativeTolerance.
type ToleranceTable map[string]Tolerance

const defaultRelativeTolerance = 0.05

// DefaultTolerances returns the per-field defaults. They are starting points,
// not constants: callers tune them per deployment via config.
func DefaultTolerances() ToleranceTable {
	return ToleranceTable{
		MetricCalories: {Relative: 0.10},
		MetricDistance: {Relative: 0.02},
		MetricDuration: {Absolute: 5},
	}
}

// Within reports whether two values for the given field agree.
func (t ToleranceTable) Within(field string, a, b float64) bool {
	tol, ok := t[field]
	if !ok || (tol.Relative == 0 && tol.Absolute == 0) {
		tol = Tolerance{Relative: defaultRelativeTolerance}
	}

	diff := math.Abs(a - b)
	if tol.Absolute > 0 && diff <= tol.Absolute {
		return true
	}
	if tol.Relative > 0 {
		scale := math.Max(math.Abs(a), math.Abs(b))
		if scale == 0 {
			return diff == 0
		}
		return diff/scale <= tol.Relative
	}
	return diff == 0
}
