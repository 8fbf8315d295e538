package ereport

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/odyssey-erp/ereporting/internal/attachments"
	"github.com/odyssey-erp/ereporting/internal/deadline"
	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/source"
)

// LinkedPayments groups the payment data feeding a payment declaration.
type LinkedPayments struct {
	Payments []source.Payment
	Events   []source.PaymentEvent
}

// LinkedTransactions returns every source transaction linked to the flow.
func (s *Service) LinkedTransactions(ctx context.Context, id int64) ([]source.Transaction, error) {
	flow, err := s.repo.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(flow.MoveIDs) == 0 {
		return nil, nil
	}
	if s.transactions == nil {
		return nil, errNoTransactionProvider
	}
	txs, err := s.transactions.Transactions(ctx, flow.MoveIDs)
	if err != nil {
		return nil, fmt.Errorf("ereport: load transactions: %w", err)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })
	return txs, nil
}

// ErrorTransactions returns the isolated transactions with their reasons.
func (s *Service) ErrorTransactions(ctx context.Context, id int64) ([]ErrorTransaction, error) {
	flow, err := s.repo.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(flow.ErrorMoveIDs) == 0 {
		return nil, nil
	}
	if s.transactions == nil {
		return nil, errNoTransactionProvider
	}
	txs, err := s.transactions.Transactions(ctx, flow.ErrorMoveIDs)
	if err != nil {
		return nil, fmt.Errorf("ereport: load transactions: %w", err)
	}
	byID := make(map[int64]source.Transaction, len(txs))
	for _, t := range txs {
		byID[t.ID] = t
	}
	out := make([]ErrorTransaction, 0, len(flow.ErrorMoveIDs))
	for _, txID := range flow.ErrorMoveIDs {
		row := ErrorTransaction{TransactionID: txID, Reasons: flow.ErrorReasons[txID]}
		if t, ok := byID[txID]; ok {
			row.Name = t.Name
			row.Reference = t.Reference
			row.Date = t.Date
			row.Partner = t.Partner.Name
		}
		out = append(out, row)
	}
	return out, nil
}

// LinkedPayments returns the reconciled payments dated in the period and the
// pending unreconciled events of a payment declaration.
func (s *Service) LinkedPayments(ctx context.Context, id int64) (LinkedPayments, error) {
	flow, err := s.repo.GetFlow(ctx, id)
	if err != nil {
		return LinkedPayments{}, err
	}
	if flow.Kind != payload.KindPayment || s.payments == nil {
		return LinkedPayments{}, nil
	}
	var out LinkedPayments
	linked := make(map[int64]struct{}, len(flow.MoveIDs))
	for _, txID := range flow.MoveIDs {
		linked[txID] = struct{}{}
		payments, err := s.payments.Payments(ctx, txID)
		if err != nil {
			return LinkedPayments{}, fmt.Errorf("ereport: load payments: %w", err)
		}
		for _, p := range payments {
			if inPeriod(flow, p.Date) {
				out.Payments = append(out.Payments, p)
			}
		}
	}
	events, err := s.payments.PendingEvents(ctx, flow.CompanyID, flow.PeriodStart, flow.PeriodEnd)
	if err != nil {
		return LinkedPayments{}, fmt.Errorf("ereport: load payment events: %w", err)
	}
	for _, e := range events {
		if _, ok := linked[e.TransactionID]; ok {
			out.Events = append(out.Events, e)
		}
	}
	sort.Slice(out.Payments, func(i, j int) bool {
		if !out.Payments[i].Date.Equal(out.Payments[j].Date) {
			return out.Payments[i].Date.Before(out.Payments[j].Date)
		}
		return out.Payments[i].ID < out.Payments[j].ID
	})
	return out, nil
}

func inPeriod(flow Flow, t time.Time) bool {
	d := deadline.Day(t)
	return !d.Before(deadline.Day(flow.PeriodStart)) && !d.After(deadline.Day(flow.PeriodEnd))
}

// Notes returns the audit trail of a flow.
func (s *Service) Notes(ctx context.Context, id int64) ([]Note, error) {
	if _, err := s.repo.GetFlow(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListNotes(ctx, id)
}

// Window returns the sending window of the flow evaluated now. ok is false
// when no deadline applies.
func (s *Service) Window(ctx context.Context, id int64) (deadline.Window, bool, error) {
	flow, err := s.repo.GetFlow(ctx, id)
	if err != nil {
		return deadline.Window{}, false, err
	}
	company, err := s.company(ctx, flow.CompanyID)
	if err != nil {
		return deadline.Window{}, false, err
	}
	w, ok := deadline.ComputeWindow(flow.PeriodEnd, flow.Periodicity, company.Override, s.now())
	return w, ok, nil
}

// Document returns the stored payload or transport response of a flow.
func (s *Service) Document(ctx context.Context, id int64, kind attachments.Kind) (attachments.Attachment, error) {
	return s.repo.Attachment(ctx, id, kind)
}
