package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAbsoluteConversions(t *testing.T) {
	assert.InDelta(t, 212.0, CToF(100), 1e-9)
	assert.InDelta(t, 32.0, CToF(0), 1e-9)
	assert.InDelta(t, 0.0, FToC(32), 1e-9)
	assert.InDelta(t, 37.0, FToC(98.6), 1e-9)
	assert.InDelta(t, -40.0, CToF(-40), 1e-9, "the scales cross at -40")
}

func TestDeltaConversionsHaveNoOffset(t *testing.T) {
	assert.InDelta(t, 1.8, DeltaCToF(1.0), 1e-9)
	assert.InDelta(t, 1.0, DeltaFToC(1.8), 1e-9)
	assert.InDelta(t, 0.0, DeltaCToF(0), 1e-9)
	assert.InDelta(t, -9.0, DeltaCToF(-5), 1e-9)
}

func TestConvertRoundTrip(t *testing.T) {
	assert.InDelta(t, 25.0, Convert(Convert(25, Celsius, Fahrenheit), Fahrenheit, Celsius), 1e-9)
	assert.InDelta(t, 77.0, Convert(77, Fahrenheit, Fahrenheit), 1e-9)
	assert.InDelta(t, 2.5, ConvertDelta(ConvertDelta(2.5, Celsius, Fahrenheit), Fahrenheit, Celsius), 1e-9)
}

func TestValid(t *testing.T) {
	assert.True(t, Fahrenheit.Valid())
	assert.True(t, Celsius.Valid())
	assert.False(t, Unit("K").Valid())
	assert.False(t, Unit("").Valid())
}
