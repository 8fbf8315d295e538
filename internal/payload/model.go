// Package payload defines the declaration document exchanged with the
// certified gateway and its XML rendering.
package payload

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReportKind distinguishes transaction declarations from payment declarations.
type ReportKind string

const (
	KindTransaction ReportKind = "transaction"
	KindPayment     ReportKind = "payment"
)

// Operation is the commercial direction of the reported transactions.
type Operation string

const (
	OperationSale     Operation = "sale"
	OperationPurchase Operation = "purchase"
)

// Scope separates domestic consumer sales from cross-border business trade.
type Scope string

const (
	ScopeB2C           Scope = "b2c"
	ScopeInternational Scope = "international"
	ScopeMixed         Scope = "mixed"
)

// Covers reports whether a flow of this scope may carry a transaction of the given scope.
func (s Scope) Covers(other Scope) bool {
	return s == ScopeMixed || s == other
}

// TransmissionType tags a flow as an initial declaration or a correction.
type TransmissionType string

const (
	TransmissionInitial       TransmissionType = "IN"
	TransmissionRectificative TransmissionType = "RE"
)

// Category is the reporting category of an aggregated bucket.
type Category string

const (
	CategoryGoods    Category = "TLB1"
	CategoryServices Category = "TPS1"
	CategoryExempt   Category = "TNT1"
	CategoryMargin   Category = "TMA1"
)

// ParseCategory validates a category override.
func ParseCategory(v string) (Category, bool) {
	switch c := Category(strings.ToUpper(strings.TrimSpace(v))); c {
	case CategoryGoods, CategoryServices, CategoryExempt, CategoryMargin:
		return c, true
	}
	return "", false
}

const dateLayout = "2006-01-02"

// Date renders a civil date.
func Date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// ParseDate parses a civil date rendered by Date.
func ParseDate(v string) (time.Time, error) {
	return time.Parse(dateLayout, v)
}

// Amount is a monetary value rendered with two decimals.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps a decimal value.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.StringFixed(2)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(b []byte) error {
	d, err := decimal.NewFromString(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	a.Decimal = d
	return nil
}

// Report is the declaration document.
type Report struct {
	XMLName      xml.Name             `xml:"EReport"`
	Header       Header               `xml:"Header" validate:"required"`
	Transactions *TransactionsSection `xml:"Transactions,omitempty"`
	Payments     *PaymentsSection     `xml:"Payments,omitempty"`
}

// Header identifies the declaration.
type Header struct {
	TrackingID       string `xml:"TrackingID" validate:"required,tracking"`
	TransmissionType string `xml:"TransmissionType" validate:"required,oneof=IN RE"`
	Revision         int    `xml:"Revision" validate:"gte=0"`
	ParentTrackingID string `xml:"ParentTrackingID,omitempty" validate:"required_if=TransmissionType RE"`
	Kind             string `xml:"Kind" validate:"required,oneof=transaction payment"`
	Operation        string `xml:"Operation" validate:"required,oneof=sale purchase"`
	Scope            string `xml:"Scope" validate:"required,oneof=b2c international mixed"`
	PeriodStart      string `xml:"PeriodStart" validate:"required,datetime=2006-01-02"`
	PeriodEnd        string `xml:"PeriodEnd" validate:"required,datetime=2006-01-02"`
	Currency         string `xml:"Currency" validate:"required,iso4217"`
	Declarant        Party  `xml:"Declarant"`
}

// Party identifies a declarant, seller or buyer.
type Party struct {
	Name        string `xml:"Name" validate:"required,max=200"`
	SIREN       string `xml:"SIREN,omitempty" validate:"omitempty,siren"`
	VATNumber   string `xml:"VATNumber,omitempty" validate:"omitempty,vatnumber"`
	CountryCode string `xml:"CountryCode" validate:"required,iso3166_1_alpha2"`
}

// TransactionsSection carries daily summaries and individual invoices.
type TransactionsSection struct {
	Summaries []DailySummary `xml:"Summary" validate:"dive"`
	Invoices  []Invoice      `xml:"Invoice" validate:"dive"`
}

// DailySummary aggregates consumer transactions per day and category.
type DailySummary struct {
	Date             string         `xml:"Date" validate:"required,datetime=2006-01-02"`
	Category         string         `xml:"Category" validate:"required,category"`
	Currency         string         `xml:"Currency" validate:"required,iso4217"`
	TotalUntaxed     Amount         `xml:"TotalUntaxed"`
	TotalTax         Amount         `xml:"TotalTax"`
	TransactionCount int            `xml:"TransactionCount" validate:"gt=0"`
	Rates            []RateSubtotal `xml:"Rate" validate:"required,min=1,dive"`
}

// RateSubtotal is the VAT breakdown of a summary for one rate.
type RateSubtotal struct {
	Rate             Amount `xml:"Percent"`
	Untaxed          Amount `xml:"Untaxed"`
	Tax              Amount `xml:"Tax"`
	TransactionCount int    `xml:"TransactionCount" validate:"gt=0"`
}

// Invoice is a cross-border business invoice reported individually.
type Invoice struct {
	Number       string        `xml:"Number" validate:"required,max=100"`
	IssueDate    string        `xml:"IssueDate" validate:"required,datetime=2006-01-02"`
	TypeCode     string        `xml:"TypeCode" validate:"required,oneof=380 381 386"`
	Currency     string        `xml:"Currency" validate:"required,iso4217"`
	Category     string        `xml:"Category" validate:"required,category"`
	Seller       Party         `xml:"Seller"`
	Buyer        Party         `xml:"Buyer"`
	Lines        []InvoiceLine `xml:"Line" validate:"required,min=1,dive"`
	TaxBreakdown []TaxSubtotal `xml:"TaxSubtotal" validate:"dive"`
	TotalUntaxed Amount        `xml:"TotalUntaxed"`
	TotalTax     Amount        `xml:"TotalTax"`
	TotalAmount  Amount        `xml:"TotalAmount"`

	// TaxRepresentative is set for partners established outside the EU.
	TaxRepresentative *Party `xml:"TaxRepresentative,omitempty"`
}

// InvoiceLine is one reported product line.
type InvoiceLine struct {
	Description string `xml:"Description" validate:"max=500"`
	Category    string `xml:"Category" validate:"required,category"`
	Quantity    Amount `xml:"Quantity"`
	Untaxed     Amount `xml:"Untaxed"`
	Rate        Amount `xml:"Percent"`
	Tax         Amount `xml:"Tax"`
}

// TaxSubtotal is the VAT breakdown of an invoice for one rate.
type TaxSubtotal struct {
	Rate    Amount `xml:"Percent"`
	Untaxed Amount `xml:"Untaxed"`
	Tax     Amount `xml:"Tax"`
}

// PaymentsSection carries received payments grouped by day and rate.
type PaymentsSection struct {
	Days []PaymentDay `xml:"Day" validate:"dive"`
}

// PaymentDay groups the VAT rates of the payments received on one day.
type PaymentDay struct {
	Date  string        `xml:"Date" validate:"required,datetime=2006-01-02"`
	Rates []PaymentRate `xml:"Rate" validate:"required,min=1,dive"`
}

// PaymentRate is the tax-inclusive amount received for one VAT rate.
type PaymentRate struct {
	Rate             Amount `xml:"Percent"`
	Amount           Amount `xml:"Amount"`
	Untaxed          Amount `xml:"Untaxed"`
	Tax              Amount `xml:"Tax"`
	TransactionCount int    `xml:"TransactionCount" validate:"gte=0"`
}

// Empty reports whether the document carries no reportable content.
func (r Report) Empty() bool {
	tx := r.Transactions == nil || (len(r.Transactions.Summaries) == 0 && len(r.Transactions.Invoices) == 0)
	pay := r.Payments == nil || len(r.Payments.Days) == 0
	return tx && pay
}

// Render serialises the report as an indented XML document.
func Render(r Report) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("payload: render: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("payload: render: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Parse decodes a rendered document.
func Parse(data []byte) (Report, error) {
	var r Report
	if err := xml.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("payload: parse: %w", err)
	}
	return r, nil
}

// Filename names the stored document for a tracking identifier.
func Filename(trackingID string) string {
	return trackingID + ".xml"
}
