package wire

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseNumberToleratesGarbage(t *testing.T) {
	for _, raw := range []string{"", "  ", "null", "NaN", "abc", "1.2.3", "true"} {
		n := ParseNumber(raw)
		require.False(t, n.Valid, "raw=%q", raw)
		require.Equal(t, "<absent>", n.String())
	}
}

func TestParseNumberKeepsVenuePrecision(t *testing.T) {
	n := ParseNumber(" -0.00012345 ")
	require.True(t, n.Valid)
	require.Equal(t, "-0.00012345", n.Value.String())
	require.True(t, ParseNumber("1e-3").Value.Equal(decimal.RequireFromString("0.001")))
}

func TestParseNumberRejectsOutOfRangeTokens(t *testing.T) {
	long := "1" + strings.Repeat("0", 80)
	for _, raw := range []string{"1e-2000000000", "1e2000000000", "1e-41", long} {
		require.False(t, ParseNumber(raw).Valid, "raw=%q", raw)
	}
	require.True(t, ParseNumber("1e-8").Valid)
	require.True(t, ParseNumber("123456789.123456789").Valid)
}

func TestNumberOr(t *testing.T) {
	require.True(t, Number{}.Or(decimal.NewFromInt(5)).Equal(decimal.NewFromInt(5)))
	require.True(t, MustNumber("2").Or(decimal.NewFromInt(5)).Equal(decimal.NewFromInt(2)))
	require.Panics(t, func() { MustNumber("x") })
}

func TestOrderUpdateCanceled(t *testing.T) {
	require.True(t, OrderUpdate{Status: "CANCELED"}.Canceled())
	require.True(t, OrderUpdate{Status: "canceled was: PARTIALLY FILLED @ 100(0.1)"}.Canceled())
	require.False(t, OrderUpdate{Status: "EXECUTED @ 100(0.1)"}.Canceled())
}
