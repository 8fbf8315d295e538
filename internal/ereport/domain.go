package ereport

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/ereporting/internal/deadline"
	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/transport"
)

// State captures the lifecycle position of a flow.
type State string

const (
	StatePending   State = "pending"
	StateBuilding  State = "building"
	StateReady     State = "ready"
	StateError     State = "error"
	StateSent      State = "sent"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Buildable reports whether a payload may still be (re)generated.
func (s State) Buildable() bool {
	switch s {
	case StatePending, StateBuilding, StateReady, StateError:
		return true
	}
	return false
}

// Transmitted reports whether the gateway accepted a submission.
func (s State) Transmitted() bool {
	return s == StateSent || s == StateCompleted
}

// Flow is one periodic declaration and its transmission lifecycle.
type Flow struct {
	ID            int64
	CompanyID     int64
	Name          string
	TrackingID    string
	Currency      string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	ReportingDate time.Time
	Periodicity   deadline.Periodicity
	Kind          payload.ReportKind
	Operation     payload.Operation
	Scope         payload.Scope
	Transmission  payload.TransmissionType
	ParentID      *int64
	State         State
	Revision      int

	Payload         []byte
	PayloadFilename string
	// EventIDs lists the unreconciled payment events included in the current payload.
	EventIDs []int64

	TransportID      string
	TransportStatus  string
	TransportMessage string
	AckStatus        transport.AckStatus
	AckDetails       []transport.AckEntry
	LastAttemptAt    *time.Time
	SentAt           *time.Time

	MoveIDs      []int64
	ErrorMoveIDs []int64
	ErrorReasons map[int64][]string

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRectificative reports whether the flow replaces a previous transmission.
func (f Flow) IsRectificative() bool {
	return f.Transmission == payload.TransmissionRectificative
}

// IsOpen reports whether the flow period has not ended yet on the given day.
func (f Flow) IsOpen(now time.Time) bool {
	return !deadline.Day(now).After(deadline.Day(f.PeriodEnd))
}

// ValidMoveIDs returns the linked transactions not isolated in the error set.
func (f Flow) ValidMoveIDs() []int64 {
	excluded := make(map[int64]struct{}, len(f.ErrorMoveIDs))
	for _, id := range f.ErrorMoveIDs {
		excluded[id] = struct{}{}
	}
	valid := make([]int64, 0, len(f.MoveIDs))
	for _, id := range f.MoveIDs {
		if _, ok := excluded[id]; !ok {
			valid = append(valid, id)
		}
	}
	return valid
}

// HasErrors reports whether transactions are isolated in the error set.
func (f Flow) HasErrors() bool {
	return len(f.ErrorMoveIDs) > 0
}

func (f *Flow) clearPayload() {
	f.Payload = nil
	f.PayloadFilename = ""
	f.EventIDs = nil
}

func (f *Flow) isolate(id int64, reason string) {
	if f.ErrorReasons == nil {
		f.ErrorReasons = make(map[int64][]string)
	}
	if _, ok := f.ErrorReasons[id]; !ok {
		f.ErrorMoveIDs = append(f.ErrorMoveIDs, id)
	}
	for _, existing := range f.ErrorReasons[id] {
		if existing == reason {
			return
		}
	}
	f.ErrorReasons[id] = append(f.ErrorReasons[id], reason)
	sortIDs(f.ErrorMoveIDs)
}

// CreateFlowInput captures the data required to open a flow.
type CreateFlowInput struct {
	CompanyID    int64
	Name         string
	Currency     string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Kind         payload.ReportKind
	Operation    payload.Operation
	Scope        payload.Scope
	Transmission payload.TransmissionType
	ParentID     *int64
	MoveIDs      []int64
}

// Validate performs basic sanity checks before insertion.
func (in *CreateFlowInput) Validate() error {
	var problems []string
	if in.CompanyID <= 0 {
		problems = append(problems, "company is required")
	}
	if in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() {
		problems = append(problems, "period boundaries are required")
	} else if in.PeriodEnd.Before(in.PeriodStart) {
		problems = append(problems, "period end precedes period start")
	}
	switch in.Kind {
	case payload.KindTransaction, payload.KindPayment:
	default:
		problems = append(problems, fmt.Sprintf("unknown report kind %q", in.Kind))
	}
	switch in.Operation {
	case payload.OperationSale, payload.OperationPurchase:
	default:
		problems = append(problems, fmt.Sprintf("unknown operation %q", in.Operation))
	}
	if in.Scope == "" {
		in.Scope = payload.ScopeMixed
	}
	switch in.Scope {
	case payload.ScopeB2C, payload.ScopeInternational, payload.ScopeMixed:
	default:
		problems = append(problems, fmt.Sprintf("unknown scope %q", in.Scope))
	}
	if in.Transmission == "" {
		in.Transmission = payload.TransmissionInitial
	}
	if in.Transmission == payload.TransmissionRectificative && in.ParentID == nil {
		problems = append(problems, "rectificative flow requires a parent")
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.MoveIDs = uniqueIDs(in.MoveIDs)
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// ListFilter narrows flow listings.
type ListFilter struct {
	CompanyID    int64
	States       []State
	Transmission payload.TransmissionType
	Limit        int
}

// CorrectionKey identifies the rectificative slot of a period. Flows of
// different scopes in the same period get separate rectificatives.
type CorrectionKey struct {
	CompanyID   int64
	Currency    string
	Operation   payload.Operation
	Kind        payload.ReportKind
	Scope       payload.Scope
	PeriodStart time.Time
	PeriodEnd   time.Time
	Periodicity deadline.Periodicity
}

func correctionKey(f Flow) CorrectionKey {
	return CorrectionKey{
		CompanyID:   f.CompanyID,
		Currency:    f.Currency,
		Operation:   f.Operation,
		Kind:        f.Kind,
		Scope:       f.Scope,
		PeriodStart: f.PeriodStart,
		PeriodEnd:   f.PeriodEnd,
		Periodicity: f.Periodicity,
	}
}

// Note is an audit entry attached to a flow.
type Note struct {
	ID        int64
	FlowID    int64
	Body      string
	CreatedAt time.Time
}

// PartialRejectionNotice reports transactions rejected after a submission
// that otherwise completed.
type PartialRejectionNotice struct {
	TransactionIDs []int64
	Details        []transport.AckEntry
}

// SendResult is returned by Send.
type SendResult struct {
	Flow      Flow
	Outcome   transport.Outcome
	Cancelled bool
	Partial   *PartialRejectionNotice
	// CorrectionID is the rectificative flow scheduled for excluded transactions.
	CorrectionID *int64
}

// ErrorTransaction pairs an isolated transaction with its exclusion reasons.
type ErrorTransaction struct {
	TransactionID int64
	Name          string
	Reference     string
	Date          time.Time
	Partner       string
	Reasons       []string
}

var (
	// ErrFlowNotFound is returned when a flow id does not exist.
	ErrFlowNotFound = errors.New("ereport: flow not found")
	// ErrAlreadySent is returned when rebuilding or resending a transmitted flow.
	ErrAlreadySent = errors.New("ereport: flow already sent")
	// ErrInvalidState is returned when an operation is not allowed from the current state.
	ErrInvalidState = errors.New("ereport: operation not allowed in current state")
	// ErrNothingToSend is returned when no valid transaction remains.
	ErrNothingToSend = errors.New("ereport: no valid transaction to send")
	// ErrRectificativeIncomplete is returned when a rectificative flow is sent with exclusions.
	ErrRectificativeIncomplete = errors.New("ereport: rectificative flow must be sent complete")
	// ErrConcurrentUpdate is returned when the flow changed since it was read.
	ErrConcurrentUpdate = errors.New("ereport: flow modified concurrently")
	// ErrTrackingConflict is returned when a tracking id is already used by the company.
	ErrTrackingConflict = errors.New("ereport: tracking id already in use")
	// ErrInvalidInput is returned for malformed creation requests.
	ErrInvalidInput = errors.New("ereport: invalid input")
)

// ConfigurationError reports missing company, credential or schema setup.
// It is fatal to the current operation and leaves the flow unchanged.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := "ereport: configuration error"
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

var errNoTransactionProvider = &ConfigurationError{Field: "transactions", Message: "no transaction provider configured"}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sortIDs(out)
	return out
}
