package aggregation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ereporting/internal/payload"
)

// Date is a civil date usable as a map key.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates a timestamp to its civil date.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Before orders dates.
func (d Date) Before(o Date) bool {
	return d.Time().Before(o.Time())
}

func (d Date) String() string {
	return payload.Date(d.Time())
}

// RateKey identifies a VAT rate in hundredths of a percent.
type RateKey int64

// RateKeyOf converts a percentage into its key.
func RateKeyOf(rate decimal.Decimal) RateKey {
	return RateKey(rate.Shift(2).Round(0).IntPart())
}

// Percent returns the rate as a percentage.
func (k RateKey) Percent() decimal.Decimal {
	return decimal.New(int64(k), -2)
}

// BucketKey groups consumer transaction lines.
type BucketKey struct {
	Date     Date
	Category payload.Category
}

type txSet map[int64]struct{}

func (s txSet) add(id int64) {
	s[id] = struct{}{}
}

// RateBucket accumulates the lines of a bucket sharing one VAT rate.
type RateBucket struct {
	Rate    RateKey
	Untaxed decimal.Decimal
	Tax     decimal.Decimal

	transactions txSet
}

// TransactionCount returns the number of distinct contributing transactions.
func (r *RateBucket) TransactionCount() int {
	return len(r.transactions)
}

// Bucket accumulates consumer lines for one date and category.
type Bucket struct {
	Key     BucketKey
	Untaxed decimal.Decimal
	Tax     decimal.Decimal

	transactions txSet
	rates        map[RateKey]*RateBucket
}

// TransactionCount returns the number of distinct contributing transactions.
func (b *Bucket) TransactionCount() int {
	return len(b.transactions)
}

// Rates returns the VAT sub-buckets ordered by rate.
func (b *Bucket) Rates() []*RateBucket {
	out := make([]*RateBucket, 0, len(b.rates))
	for _, r := range b.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rate < out[j].Rate })
	return out
}

func (b *Bucket) add(txID int64, rate RateKey, untaxed, tax decimal.Decimal) {
	b.Untaxed = b.Untaxed.Add(untaxed)
	b.Tax = b.Tax.Add(tax)
	b.transactions.add(txID)
	rb, ok := b.rates[rate]
	if !ok {
		rb = &RateBucket{Rate: rate, transactions: txSet{}}
		b.rates[rate] = rb
	}
	rb.Untaxed = rb.Untaxed.Add(untaxed)
	rb.Tax = rb.Tax.Add(tax)
	rb.transactions.add(txID)
}

// Aggregator groups lines into buckets. A fresh aggregator is used per build.
type Aggregator struct {
	buckets map[BucketKey]*Bucket
}

// NewAggregator constructs an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{buckets: make(map[BucketKey]*Bucket)}
}

// Add records one line amount.
func (a *Aggregator) Add(key BucketKey, txID int64, rate RateKey, untaxed, tax decimal.Decimal) {
	b, ok := a.buckets[key]
	if !ok {
		b = &Bucket{Key: key, transactions: txSet{}, rates: make(map[RateKey]*RateBucket)}
		a.buckets[key] = b
	}
	b.add(txID, rate, untaxed, tax)
}

// Buckets returns buckets ordered by date then category.
func (a *Aggregator) Buckets() []*Bucket {
	out := make([]*Bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Date != out[j].Key.Date {
			return out[i].Key.Date.Before(out[j].Key.Date)
		}
		return out[i].Key.Category < out[j].Key.Category
	})
	return out
}

// PaymentKey groups allocated payments.
type PaymentKey struct {
	Date Date
	Rate RateKey
}

// PaymentBucket accumulates payment allocations received on one date for one rate.
type PaymentBucket struct {
	Key     PaymentKey
	Amount  decimal.Decimal
	Untaxed decimal.Decimal
	Tax     decimal.Decimal

	transactions txSet
}

// TransactionCount returns the number of distinct paid transactions.
func (p *PaymentBucket) TransactionCount() int {
	return len(p.transactions)
}

// PaymentAggregator groups allocations by payment date and rate.
type PaymentAggregator struct {
	buckets map[PaymentKey]*PaymentBucket
}

// NewPaymentAggregator constructs an empty payment aggregator.
func NewPaymentAggregator() *PaymentAggregator {
	return &PaymentAggregator{buckets: make(map[PaymentKey]*PaymentBucket)}
}

// Add records one allocation.
func (a *PaymentAggregator) Add(key PaymentKey, txID int64, amount, untaxed, tax decimal.Decimal) {
	b, ok := a.buckets[key]
	if !ok {
		b = &PaymentBucket{Key: key, transactions: txSet{}}
		a.buckets[key] = b
	}
	b.Amount = b.Amount.Add(amount)
	b.Untaxed = b.Untaxed.Add(untaxed)
	b.Tax = b.Tax.Add(tax)
	b.transactions.add(txID)
}

// Buckets returns payment buckets ordered by date then rate.
func (a *PaymentAggregator) Buckets() []*PaymentBucket {
	out := make([]*PaymentBucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Date != out[j].Key.Date {
			return out[i].Key.Date.Before(out[j].Key.Date)
		}
		return out[i].Key.Rate < out[j].Key.Rate
	})
	return out
}
