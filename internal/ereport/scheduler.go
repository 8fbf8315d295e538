package ereport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/odyssey-erp/ereporting/internal/deadline"
	"github.com/odyssey-erp/ereporting/internal/platform/cache"
	"github.com/odyssey-erp/ereporting/internal/source"
	"github.com/odyssey-erp/ereporting/internal/transport"
)

// Action is the decision taken for a flow during a send pass.
type Action string

const (
	ActionSend          Action = "send"
	ActionSendExcluding Action = "send_excluding"
	ActionCancel        Action = "cancel"
	ActionSkip          Action = "skip"
)

// PlannedAction is one entry of a send plan.
type PlannedAction struct {
	FlowID       int64
	CompanyID    int64
	Action       Action
	IgnoreErrors bool
	Reason       string
}

// SendReport summarises a CronSendReady pass.
type SendReport struct {
	Sent      int
	Cancelled int
	Skipped   int
	Failed    int
}

// SyncReport summarises a CronSyncTransportStatuses pass.
type SyncReport struct {
	Polled       int
	Updated      int
	Acknowledged int
	Failed       int
}

// Scheduler exposes the periodic entry points. It holds no state of its own;
// every pass re-reads flows and evaluates windows against the current date.
type Scheduler struct {
	svc    *Service
	logger *slog.Logger
}

// NewScheduler constructs a scheduler around the service.
func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{svc: svc, logger: svc.logger.With(slog.String("job", "ereport_scheduler"))}
}

// Plan decides what the send pass would do at now for every automatic-send company.
func (s *Scheduler) Plan(ctx context.Context, now time.Time) ([]PlannedAction, error) {
	if s.svc.companies == nil {
		return nil, &ConfigurationError{Field: "company", Message: "no company provider configured"}
	}
	companies, err := s.svc.companies.AutoSendCompanies(ctx)
	if err != nil {
		return nil, fmt.Errorf("ereport: list auto-send companies: %w", err)
	}
	sort.Slice(companies, func(i, j int) bool { return companies[i].ID < companies[j].ID })
	var plan []PlannedAction
	for _, company := range companies {
		flows, err := s.svc.repo.ListFlows(ctx, ListFilter{CompanyID: company.ID, States: []State{StateReady, StateError}})
		if err != nil {
			return nil, fmt.Errorf("ereport: list flows of company %d: %w", company.ID, err)
		}
		for _, flow := range flows {
			plan = append(plan, decide(flow, company, now))
		}
	}
	return plan, nil
}

func decide(flow Flow, company source.Company, now time.Time) PlannedAction {
	action := PlannedAction{FlowID: flow.ID, CompanyID: flow.CompanyID, Action: ActionSkip}
	if flow.IsRectificative() {
		if flow.State == StateReady && !flow.HasErrors() {
			action.Action = ActionSend
			return action
		}
		action.Reason = "rectificative flow has excluded transactions"
		return action
	}
	window, ok := deadline.ComputeWindow(flow.PeriodEnd, flow.Periodicity, company.Override, now)
	if !ok {
		action.Reason = "no sending window"
		return action
	}
	if !window.Contains(now) {
		action.Reason = "outside sending window " + window.String()
		return action
	}
	if flow.State == StateReady {
		action.Action = ActionSend
		return action
	}
	if !window.IsLastDay(now) {
		action.Reason = "excluded transactions pending before the last sending day"
		return action
	}
	action.IgnoreErrors = true
	if len(flow.ValidMoveIDs()) == 0 {
		action.Action = ActionCancel
		return action
	}
	action.Action = ActionSendExcluding
	return action
}

// ReadyFlows lists the flows a send pass would act on at now.
func (s *Scheduler) ReadyFlows(ctx context.Context, now time.Time) ([]int64, error) {
	plan, err := s.Plan(ctx, now)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, a := range plan {
		if a.Action != ActionSkip {
			ids = append(ids, a.FlowID)
		}
	}
	return ids, nil
}

// CronSendReady executes the send plan. A failing flow is logged and the
// pass continues.
func (s *Scheduler) CronSendReady(ctx context.Context) (SendReport, error) {
	plan, err := s.Plan(ctx, s.svc.now())
	if err != nil {
		return SendReport{}, err
	}
	var report SendReport
	for _, a := range plan {
		if a.Action == ActionSkip {
			report.Skipped++
			continue
		}
		res, err := s.svc.Send(ctx, a.FlowID, a.IgnoreErrors)
		switch {
		case errors.Is(err, cache.ErrLockHeld):
			report.Skipped++
			s.logger.Info("flow busy, skipped", slog.Int64("flow_id", a.FlowID))
		case err != nil:
			report.Failed++
			s.logger.Error("send flow", slog.Int64("flow_id", a.FlowID), slog.String("action", string(a.Action)), slog.Any("error", err))
		case res.Cancelled:
			report.Cancelled++
		default:
			report.Sent++
		}
	}
	return report, nil
}

// CronSyncTransportStatuses polls the gateway for flows awaiting a final
// status, applies the results and acknowledges the processed messages.
func (s *Scheduler) CronSyncTransportStatuses(ctx context.Context) (SyncReport, error) {
	connector := s.svc.connector
	if connector == nil {
		return SyncReport{}, &ConfigurationError{Field: "proxy", Err: transport.ErrNotConfigured}
	}
	if err := connector.Health(ctx); err != nil {
		return SyncReport{}, fmt.Errorf("ereport: proxy health: %w", err)
	}
	flows, err := s.svc.repo.ListFlows(ctx, ListFilter{States: []State{StateSent}})
	if err != nil {
		return SyncReport{}, err
	}
	byDocument := make(map[string]int64, len(flows))
	byTracking := make(map[string]int64, len(flows))
	for _, f := range flows {
		if f.TransportID != "" {
			byDocument[f.TransportID] = f.ID
		}
		byTracking[f.TrackingID] = f.ID
	}
	if len(byDocument) == 0 {
		return SyncReport{}, nil
	}
	docs := make([]string, 0, len(byDocument))
	for id := range byDocument {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	messages, err := connector.Poll(ctx, transport.Filter{DocumentIDs: docs})
	if err != nil {
		return SyncReport{}, err
	}

	report := SyncReport{Polled: len(messages)}
	var processed []string
	for _, msg := range messages {
		flowID, ok := byDocument[msg.DocumentID]
		if !ok {
			flowID, ok = byTracking[msg.TrackingID]
		}
		if !ok {
			continue
		}
		changed, err := s.svc.ApplyStatus(ctx, flowID, msg)
		if err != nil {
			report.Failed++
			s.logger.Error("apply transport status", slog.Int64("flow_id", flowID), slog.String("message_id", msg.ID), slog.Any("error", err))
			continue
		}
		if changed {
			report.Updated++
		}
		if msg.ID != "" {
			processed = append(processed, msg.ID)
		}
	}
	if len(processed) > 0 {
		if err := connector.Ack(ctx, processed); err != nil {
			return report, fmt.Errorf("ereport: acknowledge messages: %w", err)
		}
		report.Acknowledged = len(processed)
	}
	return report, nil
}

// ApplyStatus applies a polled gateway message to a sent flow. Flows that
// already reached a final state are left untouched.
func (s *Service) ApplyStatus(ctx context.Context, id int64, msg transport.Message) (bool, error) {
	var (
		changed bool
		result  SendResult
	)
	err := s.withFlowLock(ctx, id, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			flow, err := tx.LockFlow(ctx, id)
			if err != nil {
				return err
			}
			if flow.State != StateSent {
				return nil
			}
			if s.transactions == nil {
				return errNoTransactionProvider
			}
			txs, err := s.transactions.Transactions(ctx, flow.ValidMoveIDs())
			if err != nil {
				return fmt.Errorf("ereport: load transactions: %w", err)
			}
			refs := sentTransactions(txs)
			outcome := s.acks.Process(msg.Status, msg.Acknowledgement, refs)
			if outcome.State == transport.StateSent && outcome.TransportStatus == flow.TransportStatus {
				return nil
			}
			from := flow.State
			if msg.Message != "" {
				flow.TransportMessage = msg.Message
			}
			s.applyOutcome(&flow, outcome, refs)
			if err := s.saveResponse(ctx, tx, flow, msg); err != nil {
				return err
			}
			persisted, err := tx.UpdateFlow(ctx, flow)
			if err != nil {
				return err
			}
			if persisted.State != from {
				if _, err := tx.AddNote(ctx, persisted.ID, outcomeNote(persisted, outcome)); err != nil {
					return err
				}
				s.recordSend(outcomeLabel(outcome))
			}
			s.transition(persisted, from)
			changed = true
			result = SendResult{Flow: persisted, Outcome: outcome}
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	// Notes and payment events were handled when the flow was sent; only a
	// late partial rejection adds work.
	if changed && result.Outcome.Partial && !result.Flow.IsRectificative() {
		if _, err := s.ScheduleCorrection(ctx, id); err != nil {
			s.logger.Error("schedule correction", slog.Int64("flow_id", id), slog.Any("error", err))
		}
	}
	return changed, nil
}
