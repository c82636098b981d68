// Package units holds the temperature unit conversions used across the
// engine. Ensemble arithmetic runs in °F, standard deviations in °C, and
// every city declares the unit its markets settle in, so conversions show
// up at almost every boundary.
package units

// Unit is a temperature unit as declared by a city's market definition.
type Unit string

const (
	Fahrenheit Unit = "F"
	Celsius    Unit = "C"
)

// Valid reports whether u is one of the two supported units.
func (u Unit) Valid() bool {
	return u == Fahrenheit || u == Celsius
}

// CToF converts an absolute temperature from Celsius to Fahrenheit.
func CToF(c float64) float64 {
	return c*9.0/5.0 + 32.0
}

// FToC converts an absolute temperature from Fahrenheit to Celsius.
func FToC(f float64) float64 {
	return (f - 32.0) * 5.0 / 9.0
}

// DeltaCToF converts a temperature difference (bias, spread, error) from
// Celsius to Fahrenheit. No offset applies to deltas.
func DeltaCToF(c float64) float64 {
	return c * 9.0 / 5.0
}

// DeltaFToC converts a temperature difference from Fahrenheit to Celsius.
func DeltaFToC(f float64) float64 {
	return f * 5.0 / 9.0
}

// Convert converts an absolute temperature between units.
func Convert(v float64, from, to Unit) float64 {
	if from == to {
		return v
	}
	if from == Celsius {
		return CToF(v)
	}
	return FToC(v)
}

// ConvertDelta converts a temperature difference between units.
func ConvertDelta(v float64, from, to Unit) float64 {
	if from == to {
		return v
	}
	if from == Celsius {
		return DeltaCToF(v)
	}
	return DeltaFToC(v)
}
