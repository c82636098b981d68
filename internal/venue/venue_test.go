package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
)

func fp(v float64) *float64 { return &v }

func TestEventTicker(t *testing.T) {
	got, err := eventTicker("KXHIGHNY", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, "KXHIGHNY-26AUG24", got)

	got, err = eventTicker("KXHIGHCHI", "2026-01-03")
	require.NoError(t, err)
	assert.Equal(t, "KXHIGHCHI-26JAN03", got)

	_, err = eventTicker("KXHIGHNY", "08/24/2026")
	assert.Error(t, err)
}

func TestEventSlug(t *testing.T) {
	got, err := eventSlug("highest-temperature-in-nyc", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, "highest-temperature-in-nyc-on-august-24", got)

	// Single-digit days carry no zero padding.
	got, err = eventSlug("highest-temperature-in-nyc", "2026-09-05")
	require.NoError(t, err)
	assert.Equal(t, "highest-temperature-in-nyc-on-september-5", got)

	_, err = eventSlug("highest-temperature-in-nyc", "bad-date")
	assert.Error(t, err)
}

func TestParseBracket(t *testing.T) {
	min, max, typ, err := parseBracket("84-85")
	require.NoError(t, err)
	assert.Equal(t, models.RangeBounded, typ)
	assert.Equal(t, 84.0, *min)
	assert.Equal(t, 85.0, *max)

	min, max, typ, err = parseBracket("79 or below")
	require.NoError(t, err)
	assert.Equal(t, models.RangeUnboundedLower, typ)
	assert.Nil(t, min)
	assert.Equal(t, 79.0, *max)

	min, max, typ, err = parseBracket("90°F or above")
	require.NoError(t, err)
	assert.Equal(t, models.RangeUnboundedUpper, typ)
	assert.Equal(t, 90.0, *min)
	assert.Nil(t, max)

	// Negative winter brackets.
	min, max, typ, err = parseBracket("-5--4")
	require.NoError(t, err)
	assert.Equal(t, models.RangeBounded, typ)
	assert.Equal(t, -5.0, *min)
	assert.Equal(t, -4.0, *max)

	_, _, _, err = parseBracket("85-84")
	assert.Error(t, err, "inverted bracket")
	_, _, _, err = parseBracket("mostly sunny")
	assert.Error(t, err)
}

func TestClobTokens(t *testing.T) {
	yes, no := clobTokens(`["111","222"]`)
	assert.Equal(t, "111", yes)
	assert.Equal(t, "222", no)

	yes, no = clobTokens(`["111"]`)
	assert.Equal(t, "111", yes)
	assert.Empty(t, no)

	yes, no = clobTokens("not json")
	assert.Empty(t, yes)
	assert.Empty(t, no)
}

func TestRangeType(t *testing.T) {
	assert.Equal(t, models.RangeBounded, rangeType(fp(84), fp(85)))
	assert.Equal(t, models.RangeUnboundedUpper, rangeType(fp(90), nil))
	assert.Equal(t, models.RangeUnboundedLower, rangeType(nil, fp(79)))
}

func TestEntryFees(t *testing.T) {
	k := NewKalshi(config.PlatformConfig{Simulate: true})
	// 0.07 * p * (1-p), worst at the half-dollar.
	assert.InDelta(t, 0.0147, k.EntryFee(0.30), 1e-9)
	assert.InDelta(t, 0.0175, k.EntryFee(0.50), 1e-9)

	p := NewPolymarket(config.PlatformConfig{Simulate: true})
	assert.Zero(t, p.EntryFee(0.30))
}
