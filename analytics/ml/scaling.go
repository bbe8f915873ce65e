package ml

import "gonum.org/v1/gonum/floats"

// RescaleThreshold is the maximum above which a series is divided by its maximum
const RescaleThreshold = 1e6

// Scaler divides large series by their maximum before fitting
type Scaler struct {
	Factor float64 `json:"factor"`
}

// NewScaler returns a scaler for values; it is the identity unless the
// maximum exceeds RescaleThreshold
func NewScaler(values []float64) Scaler {
	if len(values) == 0 {
		return Scaler{Factor: 1}
	}
	if max := floats.Max(values); max > RescaleThreshold {
		return Scaler{Factor: max}
	}
	return Scaler{Factor: 1}
}

// Active reports whether the scaler changes values
func (s Scaler) Active() bool {
	return s.Factor != 1
}

// Apply returns the scaled copy of values
func (s Scaler) Apply(values []float64) []float64 {
	out := append([]float64(nil), values...)
	if s.Active() {
		floats.Scale(1/s.Factor, out)
	}
	return out
}

// Invert maps values back to the original scale in place
func (s Scaler) Invert(values []float64) []float64 {
	if s.Active() {
		floats.Scale(s.Factor, values)
	}
	return values
}
