// Package ereport drives periodic declarations through build, transmission,
// acknowledgement and correction.
package ereport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/ereporting/internal/aggregation"
	"github.com/odyssey-erp/ereporting/internal/attachments"
	"github.com/odyssey-erp/ereporting/internal/deadline"
	"github.com/odyssey-erp/ereporting/internal/fx"
	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/platform/cache"
	"github.com/odyssey-erp/ereporting/internal/schema"
	"github.com/odyssey-erp/ereporting/internal/source"
	"github.com/odyssey-erp/ereporting/internal/transport"
	"github.com/odyssey-erp/ereporting/internal/validation"
)

const (
	defaultLockTTL      = 2 * time.Minute
	maxTrackingAttempts = 5
)

// Enqueuer schedules asynchronous builds.
type Enqueuer interface {
	EnqueueBuild(ctx context.Context, flowID int64) error
}

// Recorder receives flow lifecycle measurements.
type Recorder interface {
	FlowTransition(from, to string)
	SendOutcome(outcome string)
}

// Config wires the collaborators of the service.
type Config struct {
	Repository   Repository
	Transactions source.TransactionProvider
	Payments     source.PaymentProvider
	Events       source.EventMarker
	Noter        source.TransactionNoter
	Companies    source.CompanyProvider
	Builder      *aggregation.Builder
	// Connector may be nil when no proxy is configured; Send then fails
	// with a ConfigurationError.
	Connector transport.Connector
	Acks      *transport.AckProcessor
	Locker    cache.Locker
	LockTTL   time.Duration
	Enqueuer  Enqueuer
	Metrics   Recorder
	Logger    *slog.Logger
}

// Service implements the flow state machine.
type Service struct {
	repo         Repository
	transactions source.TransactionProvider
	payments     source.PaymentProvider
	events       source.EventMarker
	noter        source.TransactionNoter
	companies    source.CompanyProvider
	builder      *aggregation.Builder
	connector    transport.Connector
	acks         *transport.AckProcessor
	locker       cache.Locker
	lockTTL      time.Duration
	enqueuer     Enqueuer
	metrics      Recorder
	logger       *slog.Logger
	now          func() time.Time
}

// NewService constructs a Service instance.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = cache.NewLocalLocker()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	acks := cfg.Acks
	if acks == nil {
		acks = transport.NewAckProcessor(transport.DefaultPolicy())
	}
	builder := cfg.Builder
	if builder == nil {
		builder = aggregation.NewBuilder(nil, nil, cfg.Payments, nil)
	}
	return &Service{
		repo:         cfg.Repository,
		transactions: cfg.Transactions,
		payments:     cfg.Payments,
		events:       cfg.Events,
		noter:        cfg.Noter,
		companies:    cfg.Companies,
		builder:      builder,
		connector:    cfg.Connector,
		acks:         acks,
		locker:       locker,
		lockTTL:      ttl,
		enqueuer:     cfg.Enqueuer,
		metrics:      cfg.Metrics,
		logger:       logger.With(slog.String("component", "ereport")),
		now:          time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func flowLockKey(id int64) string {
	return fmt.Sprintf("ereport:flow:%d:lock", id)
}

// withFlowLock serialises Build and Send of the same flow across workers.
func (s *Service) withFlowLock(ctx context.Context, id int64, fn func() error) error {
	unlock, err := s.locker.Acquire(ctx, flowLockKey(id), s.lockTTL)
	if err != nil {
		return fmt.Errorf("ereport: flow %d: %w", id, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release flow lock", slog.Int64("flow_id", id), slog.Any("error", err))
		}
	}()
	return fn()
}

func (s *Service) company(ctx context.Context, id int64) (source.Company, error) {
	if s.companies == nil {
		return source.Company{}, &ConfigurationError{Field: "company", Message: "no company provider configured"}
	}
	company, err := s.companies.Company(ctx, id)
	if errors.Is(err, source.ErrCompanyNotFound) {
		return source.Company{}, &ConfigurationError{Field: "company", Message: fmt.Sprintf("company %d", id), Err: err}
	}
	if err != nil {
		return source.Company{}, err
	}
	return company, nil
}

func (s *Service) transition(flow Flow, from State) {
	if from == flow.State {
		return
	}
	if s.metrics != nil {
		s.metrics.FlowTransition(string(from), string(flow.State))
	}
	s.logger.Info("flow transition",
		slog.Int64("flow_id", flow.ID),
		slog.String("from", string(from)),
		slog.String("state", string(flow.State)),
		slog.Int("revision", flow.Revision),
	)
}

func (s *Service) recordSend(outcome string) {
	if s.metrics != nil {
		s.metrics.SendOutcome(outcome)
	}
}

func trackingID(flow Flow, salt string) string {
	key := fmt.Sprintf("FLOW:%d:%s:%s:%s:%s:%s:%s", flow.CompanyID, payload.Date(flow.PeriodStart), payload.Date(flow.PeriodEnd),
		flow.Kind, flow.Operation, flow.Transmission, salt)
	sum := strings.ToUpper(strings.ReplaceAll(uuid.NewSHA1(uuid.Nil, []byte(key)).String(), "-", ""))
	return fmt.Sprintf("ER%d-%s-%s", flow.CompanyID, flow.PeriodEnd.Format("20060102"), sum[:12])
}

// CreateFlow opens a pending declaration for the given period.
func (s *Service) CreateFlow(ctx context.Context, in CreateFlowInput) (Flow, error) {
	if err := in.Validate(); err != nil {
		return Flow{}, err
	}
	company, err := s.company(ctx, in.CompanyID)
	if err != nil {
		return Flow{}, err
	}
	currency := in.Currency
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(company.Currency))
	}
	if currency == "" {
		return Flow{}, &ConfigurationError{Field: "currency", Message: fmt.Sprintf("company %d has no reporting currency", company.ID)}
	}
	periodicity := company.Periodicity
	if periodicity == "" {
		periodicity = deadline.PeriodicityDecade
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s %s %s", company.Name, in.Kind, in.Operation, payload.Date(in.PeriodEnd))
	}
	flow := Flow{
		CompanyID:     company.ID,
		Name:          name,
		Currency:      currency,
		PeriodStart:   deadline.Day(in.PeriodStart),
		PeriodEnd:     deadline.Day(in.PeriodEnd),
		ReportingDate: deadline.Day(s.now()),
		Periodicity:   periodicity,
		Kind:          in.Kind,
		Operation:     in.Operation,
		Scope:         in.Scope,
		Transmission:  in.Transmission,
		ParentID:      in.ParentID,
		State:         StatePending,
		AckStatus:     transport.AckPending,
		MoveIDs:       in.MoveIDs,
	}

	var created Flow
	for attempt := 0; attempt < maxTrackingAttempts; attempt++ {
		flow.TrackingID = trackingID(flow, fmt.Sprint(attempt))
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			inserted, err := tx.InsertFlow(ctx, flow)
			if err != nil {
				return err
			}
			if _, err := tx.AddNote(ctx, inserted.ID, fmt.Sprintf("Declaration %s opened with %d transaction(s).", inserted.TrackingID, len(inserted.MoveIDs))); err != nil {
				return err
			}
			created = inserted
			return nil
		})
		if !errors.Is(err, ErrTrackingConflict) {
			break
		}
	}
	if err != nil {
		return Flow{}, err
	}
	s.logger.Info("flow created", slog.Int64("flow_id", created.ID), slog.String("tracking_id", created.TrackingID))
	return created, nil
}

// Get loads a flow.
func (s *Service) Get(ctx context.Context, id int64) (Flow, error) {
	return s.repo.GetFlow(ctx, id)
}

// List returns flows matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Flow, error) {
	return s.repo.ListFlows(ctx, filter)
}

// RequestBuild marks the flow as building and queues an asynchronous build.
func (s *Service) RequestBuild(ctx context.Context, id int64) (Flow, error) {
	if s.enqueuer == nil {
		return Flow{}, &ConfigurationError{Field: "queue", Message: "no build queue configured"}
	}
	var out Flow
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		flow, err := tx.LockFlow(ctx, id)
		if err != nil {
			return err
		}
		if !flow.State.Buildable() {
			return ErrAlreadySent
		}
		if flow.State == StateBuilding {
			out = flow
			return nil
		}
		from := flow.State
		flow.State = StateBuilding
		flow.clearPayload()
		if err := tx.DeleteAttachment(ctx, flow.ID, attachments.KindPayload); err != nil {
			return err
		}
		out, err = tx.UpdateFlow(ctx, flow)
		if err != nil {
			return err
		}
		s.transition(out, from)
		return nil
	})
	if err != nil {
		return Flow{}, err
	}
	if err := s.enqueuer.EnqueueBuild(ctx, id); err != nil {
		return out, fmt.Errorf("ereport: enqueue build: %w", err)
	}
	return out, nil
}

// BuildPayload regenerates the declaration of a flow from its source
// transactions. Invalid transactions are isolated; payload violations abort
// the build and leave the flow unchanged.
func (s *Service) BuildPayload(ctx context.Context, id int64) (Flow, error) {
	var out Flow
	err := s.withFlowLock(ctx, id, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			flow, err := tx.LockFlow(ctx, id)
			if err != nil {
				return err
			}
			if !flow.State.Buildable() {
				return ErrAlreadySent
			}
			company, err := s.company(ctx, flow.CompanyID)
			if err != nil {
				return err
			}
			from := flow.State
			built, err := s.rebuild(ctx, tx, flow, company)
			if err != nil {
				return err
			}
			out, err = tx.UpdateFlow(ctx, built)
			if err != nil {
				return err
			}
			s.transition(out, from)
			return nil
		})
	})
	if err != nil {
		return Flow{}, err
	}
	return out, nil
}

// rebuild partitions the source transactions and renders the payload of the
// valid ones. It does not persist the flow.
func (s *Service) rebuild(ctx context.Context, tx TxRepository, flow Flow, company source.Company) (Flow, error) {
	if strings.TrimSpace(flow.TrackingID) == "" {
		flow.TrackingID = trackingID(flow, uuid.NewString())
	}
	if s.transactions == nil {
		return Flow{}, errNoTransactionProvider
	}
	txs, err := s.transactions.Transactions(ctx, flow.MoveIDs)
	if err != nil {
		return Flow{}, fmt.Errorf("ereport: load transactions: %w", err)
	}
	valid, reasons := partition(flow, company, txs)
	flow.ErrorReasons = reasons
	flow.ErrorMoveIDs = nil
	for id := range reasons {
		flow.ErrorMoveIDs = append(flow.ErrorMoveIDs, id)
	}
	sortIDs(flow.ErrorMoveIDs)

	if len(valid) > 0 {
		req, err := s.request(ctx, flow, company, valid)
		if err != nil {
			return Flow{}, err
		}
		res, err := s.builder.Build(ctx, req)
		switch {
		case err == nil:
			flow.Revision++
			flow.Payload = res.Document
			flow.PayloadFilename = res.Filename
			flow.EventIDs = res.EventIDs
			flow.AckStatus = transport.AckPending
			flow.AckDetails = nil
			flow.State = StateReady
			if flow.HasErrors() {
				flow.State = StateError
			}
			if err := tx.SaveAttachment(ctx, attachments.Attachment{
				FlowID:      flow.ID,
				Kind:        attachments.KindPayload,
				Revision:    flow.Revision,
				Filename:    res.Filename,
				ContentType: "application/xml",
				Content:     res.Document,
			}); err != nil {
				return Flow{}, err
			}
			body := fmt.Sprintf("Payload %s generated with %d transaction(s), %d excluded.", res.Filename, len(valid), len(flow.ErrorMoveIDs))
			if _, err := tx.AddNote(ctx, flow.ID, body); err != nil {
				return Flow{}, err
			}
			return flow, nil
		case errors.Is(err, aggregation.ErrNoContent):
		default:
			return Flow{}, buildError(err)
		}
	}

	flow.clearPayload()
	switch {
	case flow.IsOpen(s.now()):
		flow.State = StatePending
	case flow.HasErrors():
		flow.State = StateError
	default:
		flow.State = StateReady
	}
	if err := tx.DeleteAttachment(ctx, flow.ID, attachments.KindPayload); err != nil {
		return Flow{}, err
	}
	body := fmt.Sprintf("No reportable transaction: %d excluded.", len(flow.ErrorMoveIDs))
	if _, err := tx.AddNote(ctx, flow.ID, body); err != nil {
		return Flow{}, err
	}
	return flow, nil
}

func (s *Service) request(ctx context.Context, flow Flow, company source.Company, valid []source.Transaction) (aggregation.Request, error) {
	req := aggregation.Request{
		Company:      company,
		TrackingID:   flow.TrackingID,
		Transmission: flow.Transmission,
		Revision:     flow.Revision + 1,
		Kind:         flow.Kind,
		Operation:    flow.Operation,
		Scope:        flow.Scope,
		PeriodStart:  flow.PeriodStart,
		PeriodEnd:    flow.PeriodEnd,
		Currency:     flow.Currency,
		Transactions: valid,
	}
	if flow.IsRectificative() && flow.ParentID != nil {
		parent, err := s.repo.GetFlow(ctx, *flow.ParentID)
		if err != nil {
			return aggregation.Request{}, fmt.Errorf("ereport: load parent flow: %w", err)
		}
		req.ParentTrackingID = parent.TrackingID
	}
	return req, nil
}

func buildError(err error) error {
	var missing *fx.MissingRateError
	switch {
	case errors.Is(err, schema.ErrSchemaNotFound):
		return &ConfigurationError{Field: "schema", Err: err}
	case errors.As(err, &missing):
		return &ConfigurationError{Field: "exchange_rate", Err: err}
	}
	return err
}

// partition splits the linked transactions into reportable ones and
// exclusion reasons keyed by transaction id.
func partition(flow Flow, company source.Company, txs []source.Transaction) ([]source.Transaction, map[int64][]string) {
	reasons := make(map[int64][]string)
	found := make(map[int64]struct{}, len(txs))
	c := validation.TransactionContext{Company: company, Operation: flow.Operation, Scope: flow.Scope}
	var valid []source.Transaction
	for _, tx := range txs {
		found[tx.ID] = struct{}{}
		if r := validation.CheckTransaction(tx, c); len(r) > 0 {
			reasons[tx.ID] = r
			continue
		}
		valid = append(valid, tx)
	}
	for _, id := range flow.MoveIDs {
		if _, ok := found[id]; !ok {
			reasons[id] = []string{"source transaction not found"}
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].ID < valid[j].ID })
	return valid, reasons
}

// Send transmits the payload of a flow. ignoreErrors allows an initial flow in
// error to be sent without its isolated transactions.
func (s *Service) Send(ctx context.Context, id int64, ignoreErrors bool) (SendResult, error) {
	var (
		result   SendResult
		reported []source.Transaction
	)
	err := s.withFlowLock(ctx, id, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			flow, err := tx.LockFlow(ctx, id)
			if err != nil {
				return err
			}
			from := flow.State
			if flow.State == StateError && !flow.IsRectificative() && len(flow.ValidMoveIDs()) == 0 {
				company, err := s.company(ctx, flow.CompanyID)
				if err != nil {
					return err
				}
				if deadline.IsLastSendDay(flow.PeriodEnd, flow.Periodicity, company.Override, s.now()) {
					cancelled, err := s.cancel(ctx, tx, flow)
					if err != nil {
						return err
					}
					s.transition(cancelled, from)
					s.recordSend("cancelled")
					result = SendResult{Flow: cancelled, Cancelled: true}
					return nil
				}
			}
			if err := checkSendable(flow, ignoreErrors); err != nil {
				return err
			}
			if s.connector == nil {
				return &ConfigurationError{Field: "proxy", Err: transport.ErrNotConfigured}
			}
			company, err := s.company(ctx, flow.CompanyID)
			if err != nil {
				return err
			}
			if flow.State == StateError {
				flow, err = s.rebuild(ctx, tx, flow, company)
				if err != nil {
					return err
				}
			}
			if len(flow.Payload) == 0 || len(flow.ValidMoveIDs()) == 0 {
				return ErrNothingToSend
			}
			if s.transactions == nil {
				return errNoTransactionProvider
			}

			txs, err := s.transactions.Transactions(ctx, flow.ValidMoveIDs())
			if err != nil {
				return fmt.Errorf("ereport: load transactions: %w", err)
			}
			refs := sentTransactions(txs)
			resp, err := s.connector.Send(ctx, transport.Document{
				CompanyID:        flow.CompanyID,
				TrackingID:       flow.TrackingID,
				Kind:             string(flow.Kind),
				TransmissionType: string(flow.Transmission),
				Filename:         flow.PayloadFilename,
				Content:          flow.Payload,
			})
			if err != nil {
				s.recordSend("transport_error")
				return err
			}
			outcome := s.acks.Process(resp.Status, resp.Acknowledgement, refs)
			now := s.now()
			flow.TransportID = resp.ID
			flow.TransportMessage = resp.Message
			flow.LastAttemptAt = &now
			s.applyOutcome(&flow, outcome, refs)
			if flow.State.Transmitted() {
				flow.SentAt = &now
			}
			if err := s.saveResponse(ctx, tx, flow, resp); err != nil {
				return err
			}
			persisted, err := tx.UpdateFlow(ctx, flow)
			if err != nil {
				return err
			}
			if _, err := tx.AddNote(ctx, persisted.ID, outcomeNote(persisted, outcome)); err != nil {
				return err
			}
			s.transition(persisted, from)
			s.recordSend(outcomeLabel(outcome))

			result = SendResult{Flow: persisted, Outcome: outcome}
			if outcome.Partial {
				result.Partial = &PartialRejectionNotice{TransactionIDs: outcome.RejectedIDs, Details: outcome.Details}
			}
			if persisted.State.Transmitted() {
				for _, t := range txs {
					if !containsID(outcome.RejectedIDs, t.ID) {
						reported = append(reported, t)
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		return SendResult{}, err
	}
	if !result.Cancelled {
		s.afterTransmission(ctx, &result, reported)
	}
	return result, nil
}

func checkSendable(flow Flow, ignoreErrors bool) error {
	if flow.IsRectificative() && ignoreErrors {
		return ErrRectificativeIncomplete
	}
	switch flow.State {
	case StateReady:
		return nil
	case StateError:
		if !ignoreErrors {
			if flow.HasErrors() {
				return fmt.Errorf("%w: flow has excluded transactions", ErrInvalidState)
			}
			return fmt.Errorf("%w: flow was rejected by the gateway and must be rebuilt", ErrInvalidState)
		}
		if len(flow.ValidMoveIDs()) == 0 {
			return ErrNothingToSend
		}
		return nil
	case StateSent, StateCompleted:
		return ErrAlreadySent
	}
	return fmt.Errorf("%w: %s", ErrInvalidState, flow.State)
}

func (s *Service) cancel(ctx context.Context, tx TxRepository, flow Flow) (Flow, error) {
	flow.State = StateCancelled
	flow.TransportStatus = transport.StatusCancelled
	flow.clearPayload()
	now := s.now()
	flow.LastAttemptAt = &now
	if err := tx.DeleteAttachment(ctx, flow.ID, attachments.KindPayload); err != nil {
		return Flow{}, err
	}
	persisted, err := tx.UpdateFlow(ctx, flow)
	if err != nil {
		return Flow{}, err
	}
	if _, err := tx.AddNote(ctx, persisted.ID, "Declaration cancelled: no valid transaction at the sending deadline."); err != nil {
		return Flow{}, err
	}
	return persisted, nil
}

func sentTransactions(txs []source.Transaction) []transport.SentTransaction {
	out := make([]transport.SentTransaction, 0, len(txs))
	for _, t := range txs {
		out = append(out, transport.SentTransaction{ID: t.ID, ExternalRef: t.ExternalRef, Name: t.Name, Reference: t.Reference})
	}
	return out
}

// applyOutcome maps a processed gateway response onto the flow. Only the
// transactions named by a partial rejection join the error set.
func (s *Service) applyOutcome(flow *Flow, outcome transport.Outcome, refs []transport.SentTransaction) {
	flow.TransportStatus = outcome.TransportStatus
	flow.AckStatus = outcome.AckStatus
	flow.AckDetails = outcome.Details
	switch outcome.State {
	case transport.StateCompleted:
		flow.State = StateCompleted
	case transport.StateError:
		flow.State = StateError
	default:
		flow.State = StateSent
	}
	if !outcome.Partial {
		return
	}
	for _, entry := range outcome.Details {
		if !s.acks.IsRejection(entry.Code) {
			continue
		}
		reason := strings.TrimSpace("rejected by gateway: " + entry.Code + " " + entry.Message)
		for _, id := range s.acks.Match(entry, refs) {
			if containsID(outcome.RejectedIDs, id) {
				flow.isolate(id, reason)
			}
		}
	}
}

func (s *Service) saveResponse(ctx context.Context, tx TxRepository, flow Flow, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ereport: encode transport response: %w", err)
	}
	return tx.SaveAttachment(ctx, attachments.Attachment{
		FlowID:      flow.ID,
		Kind:        attachments.KindResponse,
		Revision:    flow.Revision,
		Filename:    flow.TrackingID + "-response.json",
		ContentType: "application/json",
		Content:     data,
	})
}

func outcomeLabel(o transport.Outcome) string {
	switch {
	case o.Partial:
		return "partial"
	case o.Duplicate:
		return "duplicate"
	case o.Global:
		return "rejected"
	}
	return string(o.State)
}

func outcomeNote(flow Flow, o transport.Outcome) string {
	switch {
	case o.Partial:
		return fmt.Sprintf("Declaration %s accepted with %d rejected transaction(s).", flow.TrackingID, len(o.RejectedIDs))
	case o.Duplicate:
		return fmt.Sprintf("Declaration %s already received by the gateway.", flow.TrackingID)
	case o.Global:
		return fmt.Sprintf("Declaration %s rejected by the gateway.", flow.TrackingID)
	}
	return fmt.Sprintf("Declaration %s transmitted: %s.", flow.TrackingID, strings.ToLower(flow.TransportStatus))
}

// afterTransmission runs the side effects of a successful submission on
// external records. Failures are logged; the flow is already persisted.
func (s *Service) afterTransmission(ctx context.Context, result *SendResult, reported []source.Transaction) {
	flow := result.Flow
	if !flow.State.Transmitted() {
		return
	}
	if s.noter != nil {
		body := fmt.Sprintf("Reported in e-reporting declaration %s.", flow.TrackingID)
		for _, t := range reported {
			if err := s.noter.PostNote(ctx, t.ID, body); err != nil {
				s.logger.Warn("post transaction note", slog.Int64("flow_id", flow.ID), slog.Int64("transaction_id", t.ID), slog.Any("error", err))
			}
		}
	}
	if flow.Kind == payload.KindPayment && s.events != nil && len(flow.EventIDs) > 0 {
		if err := s.events.MarkReported(ctx, flow.EventIDs); err != nil {
			s.logger.Warn("mark payment events reported", slog.Int64("flow_id", flow.ID), slog.Any("error", err))
		}
	}
	if !flow.IsRectificative() && flow.HasErrors() {
		correction, err := s.ScheduleCorrection(ctx, flow.ID)
		if err != nil {
			s.logger.Error("schedule correction", slog.Int64("flow_id", flow.ID), slog.Any("error", err))
			return
		}
		result.CorrectionID = &correction.ID
	}
}

// ScheduleCorrection finds or creates the rectificative flow replacing a
// transmitted initial flow that still has excluded transactions. The
// rectificative always carries every transaction of the period.
func (s *Service) ScheduleCorrection(ctx context.Context, id int64) (Flow, error) {
	var out Flow
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		parent, err := tx.LockFlow(ctx, id)
		if err != nil {
			return err
		}
		if parent.IsRectificative() || !parent.State.Transmitted() {
			return fmt.Errorf("%w: correction requires a transmitted initial flow", ErrInvalidState)
		}
		if !parent.HasErrors() {
			return ErrNothingToSend
		}
		existing, ok, err := tx.FindOpenRectificative(ctx, correctionKey(parent))
		if err != nil {
			return err
		}
		if ok {
			from := existing.State
			parentID := parent.ID
			existing.ParentID = &parentID
			existing.Scope = parent.Scope
			refreshFrom(&existing, parent)
			existing.State = StatePending
			existing.clearPayload()
			if err := tx.DeleteAttachment(ctx, existing.ID, attachments.KindPayload); err != nil {
				return err
			}
			out, err = tx.UpdateFlow(ctx, existing)
			if err != nil {
				return err
			}
			s.transition(out, from)
			_, err = tx.AddNote(ctx, out.ID, fmt.Sprintf("Refreshed from declaration %s: %d transaction(s), %d in error.", parent.TrackingID, len(out.MoveIDs), len(out.ErrorMoveIDs)))
			return err
		}

		parentID := parent.ID
		flow := Flow{
			CompanyID:     parent.CompanyID,
			Name:          parent.Name + " (rectificative)",
			Currency:      parent.Currency,
			PeriodStart:   parent.PeriodStart,
			PeriodEnd:     parent.PeriodEnd,
			ReportingDate: deadline.Day(s.now()),
			Periodicity:   parent.Periodicity,
			Kind:          parent.Kind,
			Operation:     parent.Operation,
			Scope:         parent.Scope,
			Transmission:  payload.TransmissionRectificative,
			ParentID:      &parentID,
			State:         StatePending,
			AckStatus:     transport.AckPending,
		}
		refreshFrom(&flow, parent)
		flow.TrackingID = trackingID(flow, uuid.NewString())
		out, err = tx.InsertFlow(ctx, flow)
		if err != nil {
			return err
		}
		if _, err := tx.AddNote(ctx, parent.ID, fmt.Sprintf("Rectificative declaration %s scheduled for %d excluded transaction(s).", out.TrackingID, len(parent.ErrorMoveIDs))); err != nil {
			return err
		}
		_, err = tx.AddNote(ctx, out.ID, fmt.Sprintf("Declaration %s opened to replace %s.", out.TrackingID, parent.TrackingID))
		return err
	})
	if err != nil {
		return Flow{}, err
	}
	s.logger.Info("correction scheduled", slog.Int64("flow_id", id), slog.Int64("rectificative_id", out.ID))
	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueBuild(ctx, out.ID); err != nil {
			s.logger.Warn("enqueue rectificative build", slog.Int64("flow_id", out.ID), slog.Any("error", err))
		}
	}
	return out, nil
}

func refreshFrom(flow *Flow, parent Flow) {
	flow.MoveIDs = append([]int64(nil), parent.MoveIDs...)
	flow.ErrorMoveIDs = append([]int64(nil), parent.ErrorMoveIDs...)
	flow.ErrorReasons = make(map[int64][]string, len(parent.ErrorReasons))
	for id, reasons := range parent.ErrorReasons {
		flow.ErrorReasons[id] = append([]string(nil), reasons...)
	}
}
