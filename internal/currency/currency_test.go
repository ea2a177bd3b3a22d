package currency

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupIsCaseInsensitive(t *testing.T) {
	info, ok := Lookup("eur")
	require.True(t, ok)
	assert.Equal(t, "EUR", info.Code)
	assert.EqualValues(t, 2, info.DecDigits)

	_, ok = Lookup("XYZ")
	assert.False(t, ok)
}

func TestToMinorUnitsRoundTrip(t *testing.T) {
	assert.EqualValues(t, 1050, ToMinorUnits("10.50", 2))
	assert.EqualValues(t, 10, ToMinorUnits("10", 0))
	assert.Equal(t, "10.50", FromMinorUnits(1050, 2))
}

func TestToMinorUnitsRejectsExcessFractionalDigits(t *testing.T) {
	assert.EqualValues(t, 0, ToMinorUnits("10.505", 2))
}

func TestToMinorUnitsRejectsGarbage(t *testing.T) {
	assert.EqualValues(t, 0, ToMinorUnits("not-a-number", 2))
	assert.EqualValues(t, 0, ToMinorUnits("-5", 2))
}

func TestCanonicalNormalizesFractionalDigits(t *testing.T) {
	s, ok := Canonical("+10.5", 2)
	require.True(t, ok)
	assert.Equal(t, "10.50", s)
}

func TestParseCheckedAmountRejectsInvalidAmount(t *testing.T) {
	info, _ := Lookup("EUR")
	_, err := ParseCheckedAmount("abc", info)
	assert.Error(t, err)
}

func TestParseCheckedAmountAcceptsZero(t *testing.T) {
	info, _ := Lookup("EUR")
	cents, err := ParseCheckedAmount("0.00", info)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cents)
}

func TestParseCheckedAmountRejectsExcessFractionalDigitsForZeroDecCurrency(t *testing.T) {
	info, _ := Lookup("JPY")
	_, err := ParseCheckedAmount("0.00", info)
	assert.Error(t, err)
}

func TestParseCheckedAmountRejectsExcessFractionalDigitsPastCurrencyBudget(t *testing.T) {
	info, _ := Lookup("EUR")
	_, err := ParseCheckedAmount("0.000", info)
	assert.Error(t, err)
}

type stubRateSource struct{ rate decimal.Decimal }

func (s stubRateSource) RateToEuro(ctx context.Context, code string, t time.Time) (decimal.Decimal, error) {
	return s.rate, nil
}

func TestTableRefreshAndConvertToEuro(t *testing.T) {
	tbl := NewTable(stubRateSource{rate: decimal.NewFromFloat(0.5)})
	require.NoError(t, tbl.Refresh(context.Background()))

	rate, ok := tbl.Rate("EUR")
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.New(1, 0)))

	euros := tbl.ConvertToEuro(1000, "USD")
	assert.Equal(t, "5.00", euros)
}

func TestConvertToEuroUnknownCurrency(t *testing.T) {
	tbl := NewTable(stubRateSource{rate: decimal.NewFromFloat(0.5)})
	assert.Equal(t, "", tbl.ConvertToEuro(1000, "XYZ"))
}

func TestConvertToEuroBeforeRefreshIsEmpty(t *testing.T) {
	tbl := NewTable(stubRateSource{rate: decimal.NewFromFloat(0.5)})
	assert.Equal(t, "", tbl.ConvertToEuro(1000, "USD"))
}
