package ereporthttp

import (
	"time"

	"github.com/odyssey-erp/ereporting/internal/ereport"
	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/source"
	"github.com/odyssey-erp/ereporting/internal/transport"
)

type flowView struct {
	ID               int64                `json:"id"`
	CompanyID        int64                `json:"company_id"`
	Name             string               `json:"name"`
	TrackingID       string               `json:"tracking_id"`
	Currency         string               `json:"currency"`
	PeriodStart      string               `json:"period_start"`
	PeriodEnd        string               `json:"period_end"`
	Periodicity      string               `json:"periodicity"`
	Kind             string               `json:"kind"`
	Operation        string               `json:"operation"`
	Scope            string               `json:"scope"`
	Transmission     string               `json:"transmission"`
	ParentID         *int64               `json:"parent_id,omitempty"`
	State            string               `json:"state"`
	Revision         int                  `json:"revision"`
	PayloadFilename  string               `json:"payload_filename,omitempty"`
	TransportID      string               `json:"transport_id,omitempty"`
	TransportStatus  string               `json:"transport_status,omitempty"`
	TransportMessage string               `json:"transport_message,omitempty"`
	AckStatus        string               `json:"ack_status"`
	AckDetails       []transport.AckEntry `json:"ack_details,omitempty"`
	SentAt           *time.Time           `json:"sent_at,omitempty"`
	MoveIDs          []int64              `json:"move_ids"`
	ErrorMoveIDs     []int64              `json:"error_move_ids"`
}

func newFlowView(f ereport.Flow) flowView {
	v := flowView{
		ID:               f.ID,
		CompanyID:        f.CompanyID,
		Name:             f.Name,
		TrackingID:       f.TrackingID,
		Currency:         f.Currency,
		PeriodStart:      payload.Date(f.PeriodStart),
		PeriodEnd:        payload.Date(f.PeriodEnd),
		Periodicity:      string(f.Periodicity),
		Kind:             string(f.Kind),
		Operation:        string(f.Operation),
		Scope:            string(f.Scope),
		Transmission:     string(f.Transmission),
		ParentID:         f.ParentID,
		State:            string(f.State),
		Revision:         f.Revision,
		PayloadFilename:  f.PayloadFilename,
		TransportID:      f.TransportID,
		TransportStatus:  f.TransportStatus,
		TransportMessage: f.TransportMessage,
		AckStatus:        string(f.AckStatus),
		AckDetails:       f.AckDetails,
		SentAt:           f.SentAt,
		MoveIDs:          f.MoveIDs,
		ErrorMoveIDs:     f.ErrorMoveIDs,
	}
	if v.MoveIDs == nil {
		v.MoveIDs = []int64{}
	}
	if v.ErrorMoveIDs == nil {
		v.ErrorMoveIDs = []int64{}
	}
	return v
}

type transactionView struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Reference string   `json:"reference,omitempty"`
	Date      string   `json:"date"`
	Partner   string   `json:"partner"`
	Currency  string   `json:"currency"`
	Total     string   `json:"total"`
	Posted    bool     `json:"posted"`
	Refs      []string `json:"references,omitempty"`
}

func newTransactionView(t source.Transaction) transactionView {
	return transactionView{
		ID:        t.ID,
		Name:      t.Name,
		Reference: t.Reference,
		Date:      payload.Date(t.Date),
		Partner:   t.Partner.Name,
		Currency:  t.Currency,
		Total:     t.AmountTotal.StringFixed(2),
		Posted:    t.Posted,
		Refs:      t.References(),
	}
}

type errorView struct {
	TransactionID int64    `json:"transaction_id"`
	Name          string   `json:"name,omitempty"`
	Reference     string   `json:"reference,omitempty"`
	Date          string   `json:"date,omitempty"`
	Partner       string   `json:"partner,omitempty"`
	Reasons       []string `json:"reasons"`
}

type paymentView struct {
	ID            int64  `json:"id"`
	TransactionID int64  `json:"transaction_id"`
	Date          string `json:"date"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	State         string `json:"state,omitempty"`
}

type paymentsView struct {
	Payments []paymentView `json:"payments"`
	Events   []paymentView `json:"events"`
}

type noteView struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type windowView struct {
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
	Defined bool   `json:"defined"`
}

type sendView struct {
	Flow                   flowView `json:"flow"`
	Cancelled              bool     `json:"cancelled"`
	RejectedTransactionIDs []int64  `json:"rejected_transaction_ids,omitempty"`
	CorrectionID           *int64   `json:"correction_id,omitempty"`
}
