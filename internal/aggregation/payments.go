package aggregation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ereporting/internal/source"
)

var hundred = decimal.NewFromInt(100)

// PaymentReportable reports whether VAT on the line becomes due on payment.
func PaymentReportable(tx source.Transaction, line source.Line) bool {
	return line.OnPayment || line.IsAdvance || tx.DocumentType == source.DocAdvance
}

// RateShare is the tax-inclusive subtotal of the payment-reportable lines of
// a transaction for one VAT rate.
type RateShare struct {
	Rate  RateKey
	Total decimal.Decimal
}

// ReportableShares groups payment-reportable lines by VAT rate, ordered by rate.
func ReportableShares(tx source.Transaction) []RateShare {
	totals := make(map[RateKey]decimal.Decimal)
	for _, line := range tx.Lines {
		if !PaymentReportable(tx, line) {
			continue
		}
		k := RateKeyOf(line.VATRate)
		totals[k] = totals[k].Add(line.Total())
	}
	out := make([]RateShare, 0, len(totals))
	for k, total := range totals {
		out = append(out, RateShare{Rate: k, Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rate < out[j].Rate })
	return out
}

// Allocation is the share of a payment attributed to one VAT rate.
type Allocation struct {
	Rate    RateKey
	Amount  decimal.Decimal
	Untaxed decimal.Decimal
	Tax     decimal.Decimal
}

// Allocate splits a payment across rate shares using share/txTotal. The
// allocations sum exactly to the reportable part of the payment: the rounding
// residue goes to the largest share.
func Allocate(amount, txTotal decimal.Decimal, shares []RateShare) []Allocation {
	if len(shares) == 0 || amount.IsZero() {
		return nil
	}
	reportable := decimal.Zero
	for _, s := range shares {
		reportable = reportable.Add(s.Total)
	}
	if txTotal.IsZero() {
		txTotal = reportable
	}
	if txTotal.IsZero() {
		return nil
	}

	target := amount.Mul(reportable).Div(txTotal).Round(2)
	out := make([]Allocation, len(shares))
	allocated := decimal.Zero
	largest := 0
	for i, s := range shares {
		part := amount.Mul(s.Total).Div(txTotal).Round(2)
		out[i] = Allocation{Rate: s.Rate, Amount: part}
		allocated = allocated.Add(part)
		if s.Total.Abs().GreaterThan(shares[largest].Total.Abs()) {
			largest = i
		}
	}
	if residue := target.Sub(allocated); !residue.IsZero() {
		out[largest].Amount = out[largest].Amount.Add(residue)
	}
	for i := range out {
		out[i].Untaxed, out[i].Tax = SplitInclusive(out[i].Amount, out[i].Rate)
	}
	return out
}

// SplitInclusive separates a tax-inclusive amount into base and VAT.
func SplitInclusive(amount decimal.Decimal, rate RateKey) (untaxed, tax decimal.Decimal) {
	pct := rate.Percent()
	if pct.IsZero() {
		return amount, decimal.Zero
	}
	tax = amount.Mul(pct).Div(hundred.Add(pct)).Round(2)
	return amount.Sub(tax), tax
}
