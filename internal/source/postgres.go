package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ereporting/internal/deadline"
)

// ErrCompanyNotFound is returned for unknown companies.
var ErrCompanyNotFound = errors.New("source: company not found")

// Postgres reads the source tables owned by the invoicing, payment and
// company modules. It never writes to them except for event flags and notes.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs the adapter.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const transactionsSQL = `SELECT t.id, t.company_id, t.name, COALESCE(t.reference, ''), COALESCE(t.external_ref, ''),
	t.invoice_date, t.currency, t.document_type, t.posted,
	t.partner_name, COALESCE(t.partner_vat, ''), COALESCE(t.partner_country, ''), COALESCE(t.partner_siren, ''), t.partner_is_company,
	COALESCE(t.rep_name, ''), COALESCE(t.rep_vat, ''), COALESCE(t.rep_country, ''),
	t.amount_untaxed::text, t.amount_tax::text, t.amount_total::text,
	COALESCE(t.violations, '{}')
FROM source_transactions t
WHERE t.id = ANY($1)
ORDER BY t.invoice_date, t.id`

const linesSQL = `SELECT l.id, l.transaction_id, COALESCE(l.description, ''), l.product_kind, COALESCE(l.category_override, ''),
	l.quantity::text, l.price_unit::text, l.amount_untaxed::text, l.vat_rate::text, l.tax_amount::text,
	l.exempt, COALESCE(l.exemption_reason, ''), l.vat_on_payment, l.is_advance
FROM source_lines l
WHERE l.transaction_id = ANY($1)
ORDER BY l.transaction_id, l.id`

// Transactions implements TransactionProvider.
func (p *Postgres) Transactions(ctx context.Context, ids []int64) ([]Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, transactionsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("source: query transactions: %w", err)
	}
	defer rows.Close()

	var (
		out   []Transaction
		index = make(map[int64]int)
	)
	for rows.Next() {
		var (
			tx                        Transaction
			docType                   string
			rep                       Party
			untaxed, taxAmount, total string
		)
		if err := rows.Scan(
			&tx.ID, &tx.CompanyID, &tx.Name, &tx.Reference, &tx.ExternalRef,
			&tx.Date, &tx.Currency, &docType, &tx.Posted,
			&tx.Partner.Name, &tx.Partner.VATNumber, &tx.Partner.CountryCode, &tx.Partner.SIREN, &tx.Partner.IsCompany,
			&rep.Name, &rep.VATNumber, &rep.CountryCode,
			&untaxed, &taxAmount, &total,
			&tx.Violations,
		); err != nil {
			return nil, fmt.Errorf("source: scan transaction: %w", err)
		}
		tx.DocumentType = DocumentType(docType)
		if rep.Name != "" || rep.VATNumber != "" {
			r := rep
			tx.FiscalRepresentative = &r
		}
		if tx.AmountUntaxed, err = decimal.NewFromString(untaxed); err != nil {
			return nil, fmt.Errorf("source: transaction %d untaxed: %w", tx.ID, err)
		}
		if tx.AmountTax, err = decimal.NewFromString(taxAmount); err != nil {
			return nil, fmt.Errorf("source: transaction %d tax: %w", tx.ID, err)
		}
		if tx.AmountTotal, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("source: transaction %d total: %w", tx.ID, err)
		}
		index[tx.ID] = len(out)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: iterate transactions: %w", err)
	}

	lineRows, err := p.pool.Query(ctx, linesSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("source: query lines: %w", err)
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var (
			l                                    Line
			txID                                 int64
			kind                                 string
			qty, price, untaxed, rate, taxAmount string
		)
		if err := lineRows.Scan(
			&l.ID, &txID, &l.Description, &kind, &l.CategoryOverride,
			&qty, &price, &untaxed, &rate, &taxAmount,
			&l.Exempt, &l.ExemptionReason, &l.OnPayment, &l.IsAdvance,
		); err != nil {
			return nil, fmt.Errorf("source: scan line: %w", err)
		}
		l.Kind = ProductKind(kind)
		values := []*decimal.Decimal{&l.Quantity, &l.PriceUnit, &l.AmountUntaxed, &l.VATRate, &l.TaxAmount}
		for i, raw := range []string{qty, price, untaxed, rate, taxAmount} {
			if *values[i], err = decimal.NewFromString(raw); err != nil {
				return nil, fmt.Errorf("source: line %d amount: %w", l.ID, err)
			}
		}
		if i, ok := index[txID]; ok {
			out[i].Lines = append(out[i].Lines, l)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, fmt.Errorf("source: iterate lines: %w", err)
	}
	return out, nil
}

// Payments implements PaymentProvider.
func (p *Postgres) Payments(ctx context.Context, transactionID int64) ([]Payment, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, transaction_id, payment_date, amount::text, currency, COALESCE(reference, '')
FROM source_payments WHERE transaction_id = $1 ORDER BY payment_date, id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("source: query payments: %w", err)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		var (
			pay    Payment
			amount string
		)
		if err := rows.Scan(&pay.ID, &pay.TransactionID, &pay.Date, &amount, &pay.Currency, &pay.Reference); err != nil {
			return nil, fmt.Errorf("source: scan payment: %w", err)
		}
		if pay.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("source: payment %d amount: %w", pay.ID, err)
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

// PendingEvents implements PaymentProvider.
func (p *Postgres) PendingEvents(ctx context.Context, companyID int64, from, to time.Time) ([]PaymentEvent, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, company_id, transaction_id, event_date, amount::text, currency, state
FROM payment_events
WHERE company_id = $1 AND state = $2 AND event_date BETWEEN $3 AND $4
ORDER BY event_date, id`, companyID, EventPending, from, to)
	if err != nil {
		return nil, fmt.Errorf("source: query payment events: %w", err)
	}
	defer rows.Close()
	var out []PaymentEvent
	for rows.Next() {
		var (
			ev     PaymentEvent
			amount string
		)
		if err := rows.Scan(&ev.ID, &ev.CompanyID, &ev.TransactionID, &ev.Date, &amount, &ev.Currency, &ev.State); err != nil {
			return nil, fmt.Errorf("source: scan payment event: %w", err)
		}
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("source: payment event %d amount: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkReported implements EventMarker.
func (p *Postgres) MarkReported(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `UPDATE payment_events SET state = $1 WHERE id = ANY($2) AND state = $3`, EventReported, ids, EventPending); err != nil {
		return fmt.Errorf("source: mark events reported: %w", err)
	}
	return nil
}

// PostNote implements TransactionNoter. A note identical to the latest one is skipped.
func (p *Postgres) PostNote(ctx context.Context, transactionID int64, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	var last string
	err := p.pool.QueryRow(ctx, `SELECT body FROM transaction_notes WHERE transaction_id = $1 ORDER BY id DESC LIMIT 1`, transactionID).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("source: latest note: %w", err)
	}
	if last == body {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `INSERT INTO transaction_notes (transaction_id, body) VALUES ($1, $2)`, transactionID, body); err != nil {
		return fmt.Errorf("source: post note: %w", err)
	}
	return nil
}

const companySQL = `SELECT id, name, COALESCE(siren, ''), COALESCE(vat_number, ''), country_code, currency,
	auto_send, COALESCE(periodicity, ''), window_override_start, window_override_end
FROM companies`

func scanCompany(row pgx.Row) (Company, error) {
	var (
		c           Company
		periodicity string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.SIREN, &c.VATNumber, &c.CountryCode, &c.Currency,
		&c.AutoSend, &periodicity, &c.Override.Start, &c.Override.End); err != nil {
		return Company{}, err
	}
	p, err := deadline.ParsePeriodicity(periodicity)
	if err != nil {
		return Company{}, fmt.Errorf("source: company %d: %w", c.ID, err)
	}
	c.Periodicity = p
	return c, nil
}

// Company implements CompanyProvider.
func (p *Postgres) Company(ctx context.Context, id int64) (Company, error) {
	c, err := scanCompany(p.pool.QueryRow(ctx, companySQL+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Company{}, ErrCompanyNotFound
	}
	if err != nil {
		return Company{}, fmt.Errorf("source: load company: %w", err)
	}
	return c, nil
}

// AutoSendCompanies implements CompanyProvider.
func (p *Postgres) AutoSendCompanies(ctx context.Context) ([]Company, error) {
	rows, err := p.pool.Query(ctx, companySQL+` WHERE auto_send ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("source: query companies: %w", err)
	}
	defer rows.Close()
	var out []Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("source: scan company: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
