// Package aggregation turns the valid source transactions of a flow into a
// declaration document.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ereporting/internal/fx"
	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/schema"
	"github.com/odyssey-erp/ereporting/internal/source"
	"github.com/odyssey-erp/ereporting/internal/validation"
)

var (
	// ErrNoContent is returned when the valid transactions produce nothing to report.
	ErrNoContent = errors.New("aggregation: nothing to report")
	// ErrUnsupportedFlow is returned for an unknown report kind or operation.
	ErrUnsupportedFlow = errors.New("aggregation: unsupported report kind or operation")
)

// Request describes the declaration to build.
type Request struct {
	Company          source.Company
	TrackingID       string
	ParentTrackingID string
	Transmission     payload.TransmissionType
	Revision         int
	Kind             payload.ReportKind
	Operation        payload.Operation
	Scope            payload.Scope
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Currency         string
	Transactions     []source.Transaction
}

// Result is a rendered and validated declaration.
type Result struct {
	Report         payload.Report
	Document       []byte
	Filename       string
	Buckets        []*Bucket
	PaymentBuckets []*PaymentBucket
	// EventIDs lists the unreconciled payment events included in the report.
	EventIDs []int64
}

// Builder aggregates transactions, renders the document and validates it.
type Builder struct {
	engine   *validation.Engine
	rates    fx.RateProvider
	payments source.PaymentProvider
	checker  *schema.Checker
}

// NewBuilder constructs a builder. payments may be nil when no payment flows are built.
func NewBuilder(engine *validation.Engine, rates fx.RateProvider, payments source.PaymentProvider, checker *schema.Checker) *Builder {
	if engine == nil {
		engine = validation.NewEngine()
	}
	return &Builder{engine: engine, rates: rates, payments: payments, checker: checker}
}

type flowType struct {
	kind      payload.ReportKind
	operation payload.Operation
}

// Build produces the declaration for the request. Payload violations are
// returned as a *validation.ValidationError.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	conv := fx.NewConverter(b.rates, req.Currency)
	report := payload.Report{Header: header(req)}
	res := Result{}

	var err error
	switch (flowType{req.Kind, req.Operation}) {
	case flowType{payload.KindTransaction, payload.OperationSale}:
		report.Transactions, res.Buckets, err = b.transactionSection(ctx, conv, req, false)
	case flowType{payload.KindTransaction, payload.OperationPurchase}:
		report.Transactions, res.Buckets, err = b.transactionSection(ctx, conv, req, true)
	case flowType{payload.KindPayment, payload.OperationSale}, flowType{payload.KindPayment, payload.OperationPurchase}:
		report.Payments, res.PaymentBuckets, res.EventIDs, err = b.paymentSection(ctx, conv, req)
	default:
		return Result{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedFlow, req.Kind, req.Operation)
	}
	if err != nil {
		return Result{}, err
	}
	if report.Empty() {
		return Result{}, ErrNoContent
	}
	if err := b.engine.ValidateReport(report); err != nil {
		return Result{}, err
	}
	doc, err := payload.Render(report)
	if err != nil {
		return Result{}, err
	}
	if err := b.checker.Check(string(req.Kind), doc); err != nil {
		return Result{}, err
	}
	res.Report = report
	res.Document = doc
	res.Filename = payload.Filename(req.TrackingID)
	return res, nil
}

func header(req Request) payload.Header {
	c := req.Company
	return payload.Header{
		TrackingID:       req.TrackingID,
		TransmissionType: string(req.Transmission),
		Revision:         req.Revision,
		ParentTrackingID: req.ParentTrackingID,
		Kind:             string(req.Kind),
		Operation:        string(req.Operation),
		Scope:            string(req.Scope),
		PeriodStart:      payload.Date(req.PeriodStart),
		PeriodEnd:        payload.Date(req.PeriodEnd),
		Currency:         strings.ToUpper(req.Currency),
		Declarant: payload.Party{
			Name:        c.Name,
			SIREN:       strings.ReplaceAll(c.SIREN, " ", ""),
			VATNumber:   validation.NormalizeVAT(c.VATNumber),
			CountryCode: strings.ToUpper(c.CountryCode),
		},
	}
}

// CategoryOf derives the reporting category of a line: explicit override,
// then exemption, then service or goods.
func CategoryOf(line source.Line) payload.Category {
	if c, ok := payload.ParseCategory(line.CategoryOverride); ok {
		return c
	}
	if line.Exempt {
		return payload.CategoryExempt
	}
	if line.Kind == source.KindService {
		return payload.CategoryServices
	}
	return payload.CategoryGoods
}

type lineAmounts struct {
	line     source.Line
	category payload.Category
	rate     RateKey
	untaxed  decimal.Decimal
	tax      decimal.Decimal
}

func convertLines(ctx context.Context, conv *fx.Converter, tx source.Transaction) ([]lineAmounts, error) {
	sign := tx.Sign()
	out := make([]lineAmounts, 0, len(tx.Lines))
	for _, line := range tx.Lines {
		untaxed, err := conv.Convert(ctx, line.AmountUntaxed.Mul(sign), tx.Currency, tx.Date)
		if err != nil {
			return nil, err
		}
		tax, err := conv.Convert(ctx, line.TaxAmount.Mul(sign), tx.Currency, tx.Date)
		if err != nil {
			return nil, err
		}
		out = append(out, lineAmounts{
			line:     line,
			category: CategoryOf(line),
			rate:     RateKeyOf(line.VATRate),
			untaxed:  untaxed,
			tax:      tax,
		})
	}
	return out, nil
}

func (b *Builder) transactionSection(ctx context.Context, conv *fx.Converter, req Request, allInternational bool) (*payload.TransactionsSection, []*Bucket, error) {
	agg := NewAggregator()
	section := &payload.TransactionsSection{}
	txs := append([]source.Transaction(nil), req.Transactions...)
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.Before(txs[j].Date)
		}
		return txs[i].ID < txs[j].ID
	})

	for _, tx := range txs {
		lines, err := convertLines(ctx, conv, tx)
		if err != nil {
			return nil, nil, err
		}
		if allInternational || validation.Classify(tx, req.Company, req.Operation) == payload.ScopeInternational {
			section.Invoices = append(section.Invoices, invoice(req, tx, lines, conv.ReportingCurrency()))
			continue
		}
		day := DateOf(tx.Date)
		for _, l := range lines {
			agg.Add(BucketKey{Date: day, Category: l.category}, tx.ID, l.rate, l.untaxed, l.tax)
		}
	}

	buckets := agg.Buckets()
	for _, bucket := range buckets {
		summary := payload.DailySummary{
			Date:             bucket.Key.Date.String(),
			Category:         string(bucket.Key.Category),
			Currency:         conv.ReportingCurrency(),
			TotalUntaxed:     payload.NewAmount(bucket.Untaxed),
			TotalTax:         payload.NewAmount(bucket.Tax),
			TransactionCount: bucket.TransactionCount(),
		}
		for _, rb := range bucket.Rates() {
			summary.Rates = append(summary.Rates, payload.RateSubtotal{
				Rate:             payload.NewAmount(rb.Rate.Percent()),
				Untaxed:          payload.NewAmount(rb.Untaxed),
				Tax:              payload.NewAmount(rb.Tax),
				TransactionCount: rb.TransactionCount(),
			})
		}
		section.Summaries = append(section.Summaries, summary)
	}
	if len(section.Summaries) == 0 && len(section.Invoices) == 0 {
		return nil, buckets, nil
	}
	return section, buckets, nil
}

func party(p source.Party) payload.Party {
	return payload.Party{
		Name:        strings.TrimSpace(p.Name),
		VATNumber:   validation.NormalizeVAT(p.VATNumber),
		CountryCode: strings.ToUpper(strings.TrimSpace(p.CountryCode)),
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func invoice(req Request, tx source.Transaction, lines []lineAmounts, currency string) payload.Invoice {
	company := req.Company
	self := payload.Party{
		Name:        company.Name,
		VATNumber:   validation.NormalizeVAT(company.VATNumber),
		CountryCode: strings.ToUpper(company.CountryCode),
	}
	inv := payload.Invoice{
		Number:    truncate(tx.Name, 100),
		IssueDate: payload.Date(tx.Date),
		TypeCode:  string(tx.DocumentType),
		Currency:  currency,
		Seller:    self,
		Buyer:     party(tx.Partner),
	}
	if req.Operation == payload.OperationPurchase {
		inv.Seller, inv.Buyer = party(tx.Partner), self
	}
	if rep := tx.FiscalRepresentative; rep != nil && !validation.IsEU(tx.Partner.CountryCode) {
		p := party(*rep)
		if p.CountryCode == "" {
			p.CountryCode = self.CountryCode
		}
		inv.TaxRepresentative = &p
	}

	breakdown := make(map[RateKey]*payload.TaxSubtotal)
	var untaxed, tax decimal.Decimal
	var main payload.Category
	largest := decimal.NewFromInt(-1)
	for _, l := range lines {
		inv.Lines = append(inv.Lines, payload.InvoiceLine{
			Description: truncate(l.line.Description, 500),
			Category:    string(l.category),
			Quantity:    payload.NewAmount(l.line.Quantity),
			Untaxed:     payload.NewAmount(l.untaxed),
			Rate:        payload.NewAmount(l.rate.Percent()),
			Tax:         payload.NewAmount(l.tax),
		})
		st, ok := breakdown[l.rate]
		if !ok {
			st = &payload.TaxSubtotal{Rate: payload.NewAmount(l.rate.Percent())}
			breakdown[l.rate] = st
		}
		st.Untaxed = payload.NewAmount(st.Untaxed.Add(l.untaxed))
		st.Tax = payload.NewAmount(st.Tax.Add(l.tax))
		untaxed = untaxed.Add(l.untaxed)
		tax = tax.Add(l.tax)
		if l.untaxed.Abs().GreaterThan(largest) {
			largest = l.untaxed.Abs()
			main = l.category
		}
	}
	keys := make([]RateKey, 0, len(breakdown))
	for k := range breakdown {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		inv.TaxBreakdown = append(inv.TaxBreakdown, *breakdown[k])
	}
	inv.Category = string(main)
	inv.TotalUntaxed = payload.NewAmount(untaxed)
	inv.TotalTax = payload.NewAmount(tax)
	inv.TotalAmount = payload.NewAmount(untaxed.Add(tax))
	return inv
}

func inPeriod(t time.Time, req Request) bool {
	d := DateOf(t)
	return !d.Before(DateOf(req.PeriodStart)) && !DateOf(req.PeriodEnd).Before(d)
}

func (b *Builder) paymentSection(ctx context.Context, conv *fx.Converter, req Request) (*payload.PaymentsSection, []*PaymentBucket, []int64, error) {
	agg := NewPaymentAggregator()
	byID := make(map[int64]source.Transaction, len(req.Transactions))
	shares := make(map[int64][]RateShare, len(req.Transactions))
	for _, tx := range req.Transactions {
		s := ReportableShares(tx)
		if len(s) == 0 {
			continue
		}
		byID[tx.ID] = tx
		shares[tx.ID] = s
	}

	allocate := func(tx source.Transaction, amount decimal.Decimal, currency string, on time.Time) error {
		if currency == "" {
			currency = tx.Currency
		}
		converted, err := conv.Convert(ctx, amount, currency, on)
		if err != nil {
			return err
		}
		for _, a := range Allocate(converted, tx.AmountTotal, shares[tx.ID]) {
			a = signed(a, tx.Sign())
			agg.Add(PaymentKey{Date: DateOf(on), Rate: a.Rate}, tx.ID, a.Amount, a.Untaxed, a.Tax)
		}
		return nil
	}

	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if b.payments != nil {
		for _, id := range ids {
			tx := byID[id]
			payments, err := b.payments.Payments(ctx, id)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("aggregation: payments of %d: %w", id, err)
			}
			for _, p := range payments {
				if !inPeriod(p.Date, req) {
					continue
				}
				if err := allocate(tx, p.Amount, p.Currency, p.Date); err != nil {
					return nil, nil, nil, err
				}
			}
		}
	}

	var eventIDs []int64
	if b.payments != nil && len(byID) > 0 {
		events, err := b.payments.PendingEvents(ctx, req.Company.ID, req.PeriodStart, req.PeriodEnd)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("aggregation: pending payment events: %w", err)
		}
		for _, ev := range events {
			tx, ok := byID[ev.TransactionID]
			if !ok || !inPeriod(ev.Date, req) {
				continue
			}
			if err := allocate(tx, ev.Amount, ev.Currency, ev.Date); err != nil {
				return nil, nil, nil, err
			}
			eventIDs = append(eventIDs, ev.ID)
		}
	}

	buckets := agg.Buckets()
	if len(buckets) == 0 {
		return nil, buckets, eventIDs, nil
	}
	section := &payload.PaymentsSection{}
	for _, pb := range buckets {
		entry := payload.PaymentRate{
			Rate:             payload.NewAmount(pb.Key.Rate.Percent()),
			Amount:           payload.NewAmount(pb.Amount),
			Untaxed:          payload.NewAmount(pb.Untaxed),
			Tax:              payload.NewAmount(pb.Tax),
			TransactionCount: pb.TransactionCount(),
		}
		date := pb.Key.Date.String()
		if n := len(section.Days); n > 0 && section.Days[n-1].Date == date {
			section.Days[n-1].Rates = append(section.Days[n-1].Rates, entry)
			continue
		}
		section.Days = append(section.Days, payload.PaymentDay{Date: date, Rates: []payload.PaymentRate{entry}})
	}
	return section, buckets, eventIDs, nil
}

func signed(a Allocation, sign decimal.Decimal) Allocation {
	return Allocation{
		Rate:    a.Rate,
		Amount:  a.Amount.Mul(sign),
		Untaxed: a.Untaxed.Mul(sign),
		Tax:     a.Tax.Mul(sign),
	}
}
