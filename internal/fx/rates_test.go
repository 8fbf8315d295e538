package fx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	StaticRates
	calls int
}

func (c *countingProvider) RateAt(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, bool, error) {
	c.calls++
	return c.StaticRates.RateAt(ctx, from, to, on)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestConvertUsesRateOfTheTransactionDate(t *testing.T) {
	provider := &countingProvider{StaticRates: StaticRates{
		{From: "USD", To: "EUR", On: day(2024, 1, 1), Rate: decimal.RequireFromString("0.90")},
		{From: "USD", To: "EUR", On: day(2024, 1, 15), Rate: decimal.RequireFromString("0.95")},
	}}
	conv := NewConverter(provider, "eur")

	got, err := conv.Convert(context.Background(), decimal.NewFromInt(100), "usd", day(2024, 1, 10))
	require.NoError(t, err)
	require.Equal(t, "90", got.String())

	got, err = conv.Convert(context.Background(), decimal.RequireFromString("10.005"), "USD", time.Date(2024, 1, 20, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "9.5", got.String())

	_, err = conv.Convert(context.Background(), decimal.NewFromInt(1), "USD", day(2024, 1, 20))
	require.NoError(t, err)
	require.Equal(t, 2, provider.calls)
}

func TestConvertSameCurrencyIsIdentity(t *testing.T) {
	conv := NewConverter(nil, "EUR")
	got, err := conv.Convert(context.Background(), decimal.RequireFromString("12.345"), "EUR", day(2024, 1, 1))
	require.NoError(t, err)
	require.Equal(t, "12.35", got.String())
}

func TestConvertMissingRate(t *testing.T) {
	conv := NewConverter(StaticRates{}, "EUR")
	_, err := conv.Convert(context.Background(), decimal.NewFromInt(1), "GBP", day(2024, 3, 1))
	var missing *MissingRateError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, "GBPEUR", missing.Pair)
}
