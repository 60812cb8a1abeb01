package payment

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConverter(t *testing.T) *Converter {
	t.Helper()
	c, err := NewConverter("xaf", map[string]decimal.Decimal{
		"XAF": decimal.NewFromInt(1),
		"EUR": decimal.RequireFromString("655.957"),
		"USD": decimal.NewFromInt(600),
	})
	require.NoError(t, err)
	return c
}

func TestNewConverterRequiresBaseRate(t *testing.T) {
	_, err := NewConverter("XAF", map[string]decimal.Decimal{"EUR": decimal.NewFromInt(655)})
	require.Error(t, err)

	_, err = NewConverter("XAF", map[string]decimal.Decimal{
		"XAF": decimal.NewFromInt(1),
		"EUR": decimal.Zero,
	})
	require.Error(t, err)
}

func TestConvert(t *testing.T) {
	c := testConverter(t)
	assert.Equal(t, "XAF", c.Base())

	got, err := c.Convert(decimal.NewFromInt(10), "EUR", "XAF")
	require.NoError(t, err)
	assert.Equal(t, "6560", got.String())

	got, err = c.Convert(decimal.NewFromInt(5000), "XAF", "USD")
	require.NoError(t, err)
	assert.Equal(t, "8.33", got.StringFixed(2))

	got, err = c.ToBase(decimal.RequireFromString("1.5"), "usd")
	require.NoError(t, err)
	assert.Equal(t, "900", got.String())

	_, err = c.Convert(decimal.NewFromInt(1), "GBP", "XAF")
	require.ErrorIs(t, err, ErrUnsupportedCurrency)
}

func TestChargeAmountRoundsUp(t *testing.T) {
	c := testConverter(t)

	got, err := c.ChargeAmount(decimal.NewFromInt(5000), "XAF", "USD")
	require.NoError(t, err)
	assert.Equal(t, "8.34", got.StringFixed(2))

	got, err = c.ChargeAmount(decimal.RequireFromString("0.01"), "EUR", "XAF")
	require.NoError(t, err)
	assert.Equal(t, "7", got.String())
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int32(0), MinorUnits("XAF"))
	assert.Equal(t, int32(0), MinorUnits("xof"))
	assert.Equal(t, int32(2), MinorUnits("EUR"))
}
