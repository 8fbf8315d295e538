// Package source describes the business records consumed by e-reporting
// flows and provides read-only Postgres adapters for them.
package source

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ereporting/internal/deadline"
)

// DocumentType is the UNTDID 1001 code of the originating document.
type DocumentType string

const (
	DocInvoice    DocumentType = "380"
	DocCreditNote DocumentType = "381"
	DocAdvance    DocumentType = "386"
)

// ProductKind separates goods from services for category inference.
type ProductKind string

const (
	KindGoods   ProductKind = "goods"
	KindService ProductKind = "service"
)

// Party identifies a customer, supplier or fiscal representative.
type Party struct {
	Name        string
	VATNumber   string
	CountryCode string
	SIREN       string
	IsCompany   bool
}

// Line is a taxable product line with the tax engine output already applied.
type Line struct {
	ID               int64
	Description      string
	Kind             ProductKind
	CategoryOverride string
	Quantity         decimal.Decimal
	PriceUnit        decimal.Decimal
	AmountUntaxed    decimal.Decimal
	VATRate          decimal.Decimal
	TaxAmount        decimal.Decimal
	Exempt           bool
	ExemptionReason  string
	// OnPayment marks VAT that becomes due when the payment is received.
	OnPayment bool
	IsAdvance bool
}

// Total returns the tax-inclusive amount of the line.
func (l Line) Total() decimal.Decimal {
	return l.AmountUntaxed.Add(l.TaxAmount)
}

// Transaction is an invoice, credit note or advance invoice.
type Transaction struct {
	ID                   int64
	CompanyID            int64
	Name                 string
	Reference            string
	ExternalRef          string
	Date                 time.Time
	Currency             string
	DocumentType         DocumentType
	Posted               bool
	Partner              Party
	FiscalRepresentative *Party
	Lines                []Line
	AmountUntaxed        decimal.Decimal
	AmountTax            decimal.Decimal
	AmountTotal          decimal.Decimal
	// Violations carries the business-rule findings of the originating module.
	Violations []string
}

// IsRefund reports whether amounts must be reported with a negative sign.
func (t Transaction) IsRefund() bool {
	return t.DocumentType == DocCreditNote
}

// Sign returns -1 for refunds and 1 otherwise.
func (t Transaction) Sign() decimal.Decimal {
	if t.IsRefund() {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// References returns the admissible identifiers used to match gateway feedback.
func (t Transaction) References() []string {
	refs := make([]string, 0, 3)
	for _, v := range []string{t.ExternalRef, t.Name, t.Reference} {
		if strings.TrimSpace(v) != "" {
			refs = append(refs, v)
		}
	}
	return refs
}

// Payment is a reconciled payment allocation against a transaction.
type Payment struct {
	ID            int64
	TransactionID int64
	Date          time.Time
	Amount        decimal.Decimal
	Currency      string
	Reference     string
}

// PaymentEvent is a due but unreconciled payment recorded by the payment module.
type PaymentEvent struct {
	ID            int64
	CompanyID     int64
	TransactionID int64
	Date          time.Time
	Amount        decimal.Decimal
	Currency      string
	State         string
}

// Payment event states.
const (
	EventPending  = "pending"
	EventReported = "reported"
)

// Company is the tax configuration of the declaring company.
type Company struct {
	ID          int64
	Name        string
	SIREN       string
	VATNumber   string
	CountryCode string
	Currency    string
	AutoSend    bool
	Periodicity deadline.Periodicity
	Override    deadline.Override
}

// TransactionProvider loads source transactions.
type TransactionProvider interface {
	Transactions(ctx context.Context, ids []int64) ([]Transaction, error)
}

// PaymentProvider loads reconciled payments and unreconciled events.
type PaymentProvider interface {
	Payments(ctx context.Context, transactionID int64) ([]Payment, error)
	PendingEvents(ctx context.Context, companyID int64, from, to time.Time) ([]PaymentEvent, error)
}

// EventMarker flags unreconciled payment events once they were transmitted.
type EventMarker interface {
	MarkReported(ctx context.Context, ids []int64) error
}

// TransactionNoter posts an audit note on a source transaction.
type TransactionNoter interface {
	PostNote(ctx context.Context, transactionID int64, body string) error
}

// CompanyProvider resolves company tax configuration.
type CompanyProvider interface {
	Company(ctx context.Context, id int64) (Company, error)
	AutoSendCompanies(ctx context.Context) ([]Company, error)
}
