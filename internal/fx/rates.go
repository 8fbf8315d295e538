// Package fx converts amounts into the reporting currency using the rate in
// force on the transaction or payment date.
package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// RateProvider resolves the rate converting one unit of from into to, in force on the given day.
type RateProvider interface {
	RateAt(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, bool, error)
}

// MissingRateError reports a currency pair without a rate on a date.
type MissingRateError struct {
	Pair string
	On   time.Time
}

func (e *MissingRateError) Error() string {
	return fmt.Sprintf("fx: no rate for %s on %s", e.Pair, e.On.Format("2006-01-02"))
}

type rateKey struct {
	pair string
	day  time.Time
}

// Converter converts amounts to a reporting currency. Rates are memoised for
// the lifetime of the converter, which is one build.
type Converter struct {
	provider  RateProvider
	reporting string

	mu    sync.Mutex
	rates map[rateKey]decimal.Decimal
}

// NewConverter constructs a converter for the reporting currency.
func NewConverter(provider RateProvider, reportingCurrency string) *Converter {
	return &Converter{
		provider:  provider,
		reporting: normalize(reportingCurrency),
		rates:     make(map[rateKey]decimal.Decimal),
	}
}

// ReportingCurrency returns the target currency.
func (c *Converter) ReportingCurrency() string {
	return c.reporting
}

// Convert returns amount expressed in the reporting currency, rounded to cents.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, currency string, on time.Time) (decimal.Decimal, error) {
	rate, err := c.Rate(ctx, currency, on)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate).Round(2), nil
}

// Rate returns the rate applied to currency on the given date.
func (c *Converter) Rate(ctx context.Context, currency string, on time.Time) (decimal.Decimal, error) {
	from := normalize(currency)
	if from == "" || from == c.reporting {
		return decimal.NewFromInt(1), nil
	}
	day := time.Date(on.Year(), on.Month(), on.Day(), 0, 0, 0, 0, time.UTC)
	key := rateKey{pair: from + c.reporting, day: day}

	c.mu.Lock()
	rate, ok := c.rates[key]
	c.mu.Unlock()
	if ok {
		return rate, nil
	}
	if c.provider == nil {
		return decimal.Zero, &MissingRateError{Pair: key.pair, On: day}
	}
	rate, found, err := c.provider.RateAt(ctx, from, c.reporting, day)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fx: lookup %s: %w", key.pair, err)
	}
	if !found || !rate.IsPositive() {
		return decimal.Zero, &MissingRateError{Pair: key.pair, On: day}
	}
	c.mu.Lock()
	c.rates[key] = rate
	c.mu.Unlock()
	return rate, nil
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Quote is a dated rate for a currency pair.
type Quote struct {
	From string
	To   string
	On   time.Time
	Rate decimal.Decimal
}

// StaticRates is an in-memory provider returning the latest quote not after the requested day.
type StaticRates []Quote

// RateAt implements RateProvider.
func (s StaticRates) RateAt(_ context.Context, from, to string, on time.Time) (decimal.Decimal, bool, error) {
	var (
		best  Quote
		found bool
	)
	for _, q := range s {
		if normalize(q.From) != normalize(from) || normalize(q.To) != normalize(to) || q.On.After(on) {
			continue
		}
		if !found || q.On.After(best.On) {
			best, found = q, true
		}
	}
	return best.Rate, found, nil
}

// PGRateProvider reads rates from the fx_rates table. Inverse quotes are used
// when the direct pair is missing.
type PGRateProvider struct {
	pool *pgxpool.Pool
}

// NewPGRateProvider constructs a Postgres-backed provider.
func NewPGRateProvider(pool *pgxpool.Pool) *PGRateProvider {
	return &PGRateProvider{pool: pool}
}

const latestRateSQL = `SELECT rate FROM fx_rates
WHERE from_currency = $1 AND to_currency = $2 AND as_of <= $3
ORDER BY as_of DESC LIMIT 1`

// RateAt implements RateProvider.
func (p *PGRateProvider) RateAt(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, bool, error) {
	rate, ok, err := p.lookup(ctx, from, to, on)
	if err != nil || ok {
		return rate, ok, err
	}
	inverse, ok, err := p.lookup(ctx, to, from, on)
	if err != nil || !ok || inverse.IsZero() {
		return decimal.Zero, false, err
	}
	return decimal.NewFromInt(1).DivRound(inverse, 10), true, nil
}

func (p *PGRateProvider) lookup(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, bool, error) {
	var raw string
	err := p.pool.QueryRow(ctx, latestRateSQL, normalize(from), normalize(to), on).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("fx: query rate: %w", err)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("fx: parse rate %q: %w", raw, err)
	}
	return rate, true, nil
}
