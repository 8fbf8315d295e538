// Package validation checks declaration payloads against format and business
// rules and decides which source transactions must be excluded.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ereporting/internal/payload"
)

var defaultRates = []string{"0", "0.9", "1.05", "2.1", "5.5", "8.5", "10", "13", "20"}

// Engine validates rendered report values. It holds no state between calls.
type Engine struct {
	validate  *validator.Validate
	rates     []decimal.Decimal
	tolerance decimal.Decimal
}

// Option customises an Engine.
type Option func(*Engine)

// WithRates replaces the set of admissible VAT rates.
func WithRates(rates ...decimal.Decimal) Option {
	return func(e *Engine) {
		e.rates = append([]decimal.Decimal(nil), rates...)
	}
}

// WithTolerance sets the rounding tolerance used for total consistency checks.
func WithTolerance(t decimal.Decimal) Option {
	return func(e *Engine) {
		e.tolerance = t
	}
}

// NewEngine builds a validation engine with the custom rules registered.
func NewEngine(opts ...Option) *Engine {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "siren", func(fl validator.FieldLevel) bool { return ValidSIREN(fl.Field().String()) })
	mustRegister(v, "vatnumber", func(fl validator.FieldLevel) bool { return ValidVATNumber(fl.Field().String()) })
	mustRegister(v, "tracking", func(fl validator.FieldLevel) bool { return ValidTrackingID(fl.Field().String()) })
	mustRegister(v, "category", func(fl validator.FieldLevel) bool {
		_, ok := payload.ParseCategory(fl.Field().String())
		return ok
	})

	e := &Engine{validate: v, tolerance: decimal.New(1, -2)}
	for _, r := range defaultRates {
		e.rates = append(e.rates, decimal.RequireFromString(r))
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validation: register %s: %v", tag, err))
	}
}

// ValidateReport checks every rule and returns a *ValidationError listing all
// violations, or nil when the report is valid.
func (e *Engine) ValidateReport(r payload.Report) error {
	verr := &ValidationError{}
	if err := e.validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validation: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add(fe.Namespace(), fe.Tag(), fmt.Sprint(fe.Value()), describe(fe))
		}
	}

	h := r.Header
	start, errStart := payload.ParseDate(h.PeriodStart)
	end, errEnd := payload.ParseDate(h.PeriodEnd)
	periodKnown := errStart == nil && errEnd == nil
	if periodKnown && start.After(end) {
		verr.add("EReport.Header.PeriodStart", "period_order", h.PeriodStart, "period start is after period end")
	}

	switch payload.ReportKind(h.Kind) {
	case payload.KindTransaction:
		if r.Payments != nil {
			verr.add("EReport.Payments", "kind", "", "transaction report must not carry payments")
		}
		if r.Transactions != nil {
			e.checkTransactions(verr, r.Transactions, payload.Scope(h.Scope), start, end, periodKnown)
		}
	case payload.KindPayment:
		if r.Transactions != nil {
			verr.add("EReport.Transactions", "kind", "", "payment report must not carry transactions")
		}
		if r.Payments != nil {
			e.checkPayments(verr, r.Payments, start, end, periodKnown)
		}
	}
	if r.Empty() {
		verr.add("EReport", "not_empty", "", "report has no content")
	}
	return verr.errOrNil()
}

func (e *Engine) checkTransactions(verr *ValidationError, s *payload.TransactionsSection, scope payload.Scope, start, end time.Time, periodKnown bool) {
	if len(s.Summaries) > 0 && !scope.Covers(payload.ScopeB2C) {
		verr.add("EReport.Transactions.Summary", "scope", string(scope), "summaries require a b2c or mixed scope")
	}
	if len(s.Invoices) > 0 && !scope.Covers(payload.ScopeInternational) {
		verr.add("EReport.Transactions.Invoice", "scope", string(scope), "invoices require an international or mixed scope")
	}
	for i, sum := range s.Summaries {
		path := fmt.Sprintf("EReport.Transactions.Summary[%d]", i)
		e.checkDate(verr, path+".Date", sum.Date, start, end, periodKnown)
		var untaxed, tax decimal.Decimal
		for j, rate := range sum.Rates {
			rpath := fmt.Sprintf("%s.Rate[%d]", path, j)
			e.checkRate(verr, rpath+".Percent", rate.Rate.Decimal)
			e.checkAmount(verr, rpath+".Untaxed", rate.Untaxed.Decimal)
			e.checkAmount(verr, rpath+".Tax", rate.Tax.Decimal)
			untaxed = untaxed.Add(rate.Untaxed.Decimal)
			tax = tax.Add(rate.Tax.Decimal)
		}
		e.checkTotal(verr, path+".TotalUntaxed", sum.TotalUntaxed.Decimal, untaxed)
		e.checkTotal(verr, path+".TotalTax", sum.TotalTax.Decimal, tax)
	}
	for i, inv := range s.Invoices {
		path := fmt.Sprintf("EReport.Transactions.Invoice[%d]", i)
		e.checkDate(verr, path+".IssueDate", inv.IssueDate, start, end, periodKnown)
		if strings.TrimSpace(inv.Buyer.VATNumber) == "" {
			verr.add(path+".Buyer.VATNumber", "required", "", "buyer VAT number is required")
		}
		var untaxed, tax decimal.Decimal
		for j, line := range inv.Lines {
			lpath := fmt.Sprintf("%s.Line[%d]", path, j)
			e.checkRate(verr, lpath+".Percent", line.Rate.Decimal)
			untaxed = untaxed.Add(line.Untaxed.Decimal)
			tax = tax.Add(line.Tax.Decimal)
		}
		for j, st := range inv.TaxBreakdown {
			e.checkRate(verr, fmt.Sprintf("%s.TaxSubtotal[%d].Percent", path, j), st.Rate.Decimal)
		}
		e.checkAmount(verr, path+".TotalUntaxed", inv.TotalUntaxed.Decimal)
		e.checkAmount(verr, path+".TotalTax", inv.TotalTax.Decimal)
		e.checkTotal(verr, path+".TotalUntaxed", inv.TotalUntaxed.Decimal, untaxed)
		e.checkTotal(verr, path+".TotalTax", inv.TotalTax.Decimal, tax)
		e.checkTotal(verr, path+".TotalAmount", inv.TotalAmount.Decimal, inv.TotalUntaxed.Add(inv.TotalTax.Decimal))
	}
}

func (e *Engine) checkPayments(verr *ValidationError, s *payload.PaymentsSection, start, end time.Time, periodKnown bool) {
	for i, day := range s.Days {
		path := fmt.Sprintf("EReport.Payments.Day[%d]", i)
		e.checkDate(verr, path+".Date", day.Date, start, end, periodKnown)
		for j, rate := range day.Rates {
			rpath := fmt.Sprintf("%s.Rate[%d]", path, j)
			e.checkRate(verr, rpath+".Percent", rate.Rate.Decimal)
			e.checkAmount(verr, rpath+".Amount", rate.Amount.Decimal)
			e.checkTotal(verr, rpath+".Amount", rate.Amount.Decimal, rate.Untaxed.Add(rate.Tax.Decimal))
		}
	}
}

func (e *Engine) checkDate(verr *ValidationError, path, value string, start, end time.Time, periodKnown bool) {
	d, err := payload.ParseDate(value)
	if err != nil || !periodKnown {
		return
	}
	if d.Before(start) || d.After(end) {
		verr.add(path, "in_period", value, "date is outside the declared period")
	}
}

func (e *Engine) checkRate(verr *ValidationError, path string, rate decimal.Decimal) {
	for _, r := range e.rates {
		if r.Equal(rate) {
			return
		}
	}
	verr.add(path, "vatrate", rate.String(), "VAT rate is not admissible")
}

func (e *Engine) checkAmount(verr *ValidationError, path string, amount decimal.Decimal) {
	if !twoDecimals(amount) {
		verr.add(path, "decimals", amount.String(), "amount must have at most two decimals")
	}
}

func (e *Engine) checkTotal(verr *ValidationError, path string, got, want decimal.Decimal) {
	if got.Sub(want).Abs().GreaterThan(e.tolerance) {
		verr.add(path, "total", got.StringFixed(2), "total does not match its breakdown "+want.StringFixed(2))
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "value is required"
	case "siren":
		return "invalid SIREN"
	case "vatnumber":
		return "invalid VAT number"
	case "tracking":
		return "invalid tracking identifier"
	case "category":
		return "unknown reporting category"
	case "iso4217":
		return "unknown currency code"
	case "iso3166_1_alpha2":
		return "unknown country code"
	case "datetime":
		return "date must use YYYY-MM-DD"
	case "oneof":
		return "value must be one of " + fe.Param()
	case "max":
		return "value exceeds " + fe.Param() + " characters"
	case "min":
		return "at least " + fe.Param() + " entries required"
	default:
		return fe.Error()
	}
}
