package ereport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ereporting/internal/attachments"
	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/source"
	"github.com/odyssey-erp/ereporting/internal/transport"
	"github.com/odyssey-erp/ereporting/internal/validation"
	_ "github.com/odyssey-erp/ereporting/testing"
)

func TestCreateFlowDefaults(t *testing.T) {
	h := newHarness(t)
	flow := h.flow(t, day(1, 10), consumerTx(2, day(1, 5)), consumerTx(1, day(1, 4)))

	require.Equal(t, StatePending, flow.State)
	require.Equal(t, "EUR", flow.Currency)
	require.Equal(t, payload.ScopeMixed, flow.Scope)
	require.Equal(t, payload.TransmissionInitial, flow.Transmission)
	require.Equal(t, []int64{1, 2}, flow.MoveIDs)
	require.True(t, strings.HasPrefix(flow.TrackingID, "ER1-20240110-"))
	require.True(t, validation.ValidTrackingID(flow.TrackingID))
	require.Len(t, h.repo.noteBodies(flow.ID), 1)
}

func TestCreateFlowRetriesTrackingConflict(t *testing.T) {
	h := newHarness(t)
	taken := trackingID(Flow{
		CompanyID:    1,
		PeriodStart:  day(1, 1),
		PeriodEnd:    day(1, 10),
		Kind:         payload.KindTransaction,
		Operation:    payload.OperationSale,
		Transmission: payload.TransmissionInitial,
	}, "0")
	h.repo.put(Flow{CompanyID: 1, TrackingID: taken, State: StateCompleted})

	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)))
	require.NotEqual(t, taken, flow.TrackingID)
}

func TestCreateFlowRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateFlow(context.Background(), CreateFlowInput{
		CompanyID:    1,
		PeriodStart:  day(1, 10),
		PeriodEnd:    day(1, 1),
		Kind:         payload.KindTransaction,
		Operation:    payload.OperationSale,
		Transmission: payload.TransmissionRectificative,
	})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.CreateFlow(context.Background(), CreateFlowInput{
		CompanyID:   99,
		PeriodStart: day(1, 1),
		PeriodEnd:   day(1, 10),
		Kind:        payload.KindTransaction,
		Operation:   payload.OperationSale,
	})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "company", cfgErr.Field)
}

func TestBuildPayloadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)), consumerTx(2, day(1, 5)))

	first, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateReady, first.State)
	require.Equal(t, 1, first.Revision)
	require.NotEmpty(t, first.Payload)
	require.Empty(t, first.ErrorMoveIDs)

	second, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateReady, second.State)
	require.Equal(t, 2, second.Revision)
	require.Equal(t, first.TrackingID, second.TrackingID)
	require.Equal(t, first.PayloadFilename, second.PayloadFilename)
	require.Equal(t, first.MoveIDs, second.MoveIDs)

	// identical rebuild notes collapse into one entry
	require.Len(t, h.repo.noteBodies(flow.ID), 2)

	att, err := h.svc.Document(ctx, flow.ID, attachments.KindPayload)
	require.NoError(t, err)
	require.Equal(t, 2, att.Revision)
	require.Equal(t, second.Payload, att.Content)
}

func TestBuildPayloadIsolatesInvalidTransactions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)), draftTx(2, day(1, 5)))
	// linked but missing from the source
	h.repo.mu.Lock()
	f := h.repo.state.flows[flow.ID]
	f.MoveIDs = append(f.MoveIDs, 3)
	h.repo.state.flows[flow.ID] = f
	h.repo.mu.Unlock()

	built, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateError, built.State)
	require.Equal(t, []int64{2, 3}, built.ErrorMoveIDs)
	require.Equal(t, []int64{1}, built.ValidMoveIDs())
	require.Contains(t, built.ErrorReasons[2], "transaction is not posted")
	require.Equal(t, []string{"source transaction not found"}, built.ErrorReasons[3])
	require.NotEmpty(t, built.Payload)

	rows, err := h.svc.ErrorTransactions(ctx, flow.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "INV/2024/0002", rows[0].Name)
}

func TestBuildPayloadWithoutValidTransactions(t *testing.T) {
	ctx := context.Background()

	t.Run("open period stays pending", func(t *testing.T) {
		h := newHarness(t)
		h.now = at(1, 5, 9)
		flow := h.flow(t, day(1, 10), draftTx(1, day(1, 4)))
		built, err := h.svc.BuildPayload(ctx, flow.ID)
		require.NoError(t, err)
		require.Equal(t, StatePending, built.State)
		require.Empty(t, built.Payload)
		require.Equal(t, []int64{1}, built.ErrorMoveIDs)
	})

	t.Run("closed period with exclusions is in error", func(t *testing.T) {
		h := newHarness(t)
		flow := h.flow(t, day(1, 10), draftTx(1, day(1, 4)))
		built, err := h.svc.BuildPayload(ctx, flow.ID)
		require.NoError(t, err)
		require.Equal(t, StateError, built.State)
		require.Empty(t, built.Payload)
	})

	t.Run("closed empty period is ready without payload", func(t *testing.T) {
		h := newHarness(t)
		flow := h.flow(t, day(1, 10))
		built, err := h.svc.BuildPayload(ctx, flow.ID)
		require.NoError(t, err)
		require.Equal(t, StateReady, built.State)
		require.Empty(t, built.Payload)

		_, err = h.svc.Send(ctx, flow.ID, false)
		require.ErrorIs(t, err, ErrNothingToSend)
	})
}

func TestBuildPayloadValidationErrorLeavesFlowUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := consumerTx(1, day(1, 4))
	tx.Lines[0].VATRate = d("7")
	tx.Lines[0].TaxAmount = d("7.00")
	tx.AmountTax = d("7.00")
	tx.AmountTotal = d("107.00")
	flow := h.flow(t, day(1, 10), tx)

	_, err := h.svc.BuildPayload(ctx, flow.ID)
	var verr *validation.ValidationError
	require.ErrorAs(t, err, &verr)
	require.True(t, verr.Has("vatrate"))

	stored, err := h.svc.Get(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StatePending, stored.State)
	require.Zero(t, stored.Revision)
	require.Empty(t, stored.Payload)
	require.Equal(t, flow.Version, stored.Version)
}

func TestBuildPayloadRejectsTransmittedFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)))
	_, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	_, err = h.svc.Send(ctx, flow.ID, false)
	require.NoError(t, err)

	_, err = h.svc.BuildPayload(ctx, flow.ID)
	require.ErrorIs(t, err, ErrAlreadySent)
	_, err = h.svc.RequestBuild(ctx, flow.ID)
	require.ErrorIs(t, err, ErrAlreadySent)
	_, err = h.svc.Send(ctx, flow.ID, false)
	require.ErrorIs(t, err, ErrAlreadySent)
}

func TestRequestBuildQueuesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)))

	out, err := h.svc.RequestBuild(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateBuilding, out.State)
	require.Equal(t, []int64{flow.ID}, h.enqueuer.ids)
	require.Contains(t, h.metrics.transitions, "pending->building")

	built, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateReady, built.State)
	_, err = h.repo.Attachment(ctx, flow.ID, attachments.KindPayload)
	require.NoError(t, err)

	// a queued rebuild withdraws the previous payload until the task runs
	out, err = h.svc.RequestBuild(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateBuilding, out.State)
	require.Empty(t, out.Payload)
	require.Empty(t, out.PayloadFilename)
	_, err = h.repo.Attachment(ctx, flow.ID, attachments.KindPayload)
	require.ErrorIs(t, err, attachments.ErrNotFound)
	require.Contains(t, h.metrics.transitions, "ready->building")
}

func TestSendCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)), consumerTx(2, day(1, 5)))
	_, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)

	res, err := h.svc.Send(ctx, flow.ID, false)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.Flow.State)
	require.Equal(t, transport.AckOK, res.Flow.AckStatus)
	require.Equal(t, "DOC-"+flow.TrackingID, res.Flow.TransportID)
	require.NotNil(t, res.Flow.SentAt)
	require.Nil(t, res.CorrectionID)
	require.Nil(t, res.Partial)

	require.Len(t, h.conn.sent, 1)
	require.Equal(t, "IN", h.conn.sent[0].TransmissionType)
	require.Equal(t, []string{"completed"}, h.metrics.outcomes)
	require.Equal(t, []string{"Reported in e-reporting declaration " + flow.TrackingID + "."}, h.src.notes[1])
	require.Len(t, h.src.notes[2], 1)

	resp, err := h.svc.Document(ctx, flow.ID, attachments.KindResponse)
	require.NoError(t, err)
	require.Equal(t, "application/json", resp.ContentType)
}

func TestSendPartialRejectionSchedulesCorrection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)), consumerTx(2, day(1, 5)), consumerTx(3, day(1, 6)))
	_, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	h.conn.responses = []transport.Response{{
		ID:     "DOC-1",
		Status: "accepted",
		Acknowledgement: []transport.AckEntry{
			{Code: "REJ_SEMAN", Message: "invalid buyer", Name: "INV/2024/0002"},
		},
	}}

	res, err := h.svc.Send(ctx, flow.ID, false)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.Flow.State)
	require.Equal(t, transport.AckError, res.Flow.AckStatus)
	require.NotNil(t, res.Partial)
	require.Equal(t, []int64{2}, res.Partial.TransactionIDs)
	require.Equal(t, []int64{2}, res.Flow.ErrorMoveIDs)
	require.Equal(t, []string{"rejected by gateway: REJ_SEMAN invalid buyer"}, res.Flow.ErrorReasons[2])
	require.Equal(t, []string{"partial"}, h.metrics.outcomes)

	require.NotNil(t, res.CorrectionID)
	correction, err := h.svc.Get(ctx, *res.CorrectionID)
	require.NoError(t, err)
	require.Equal(t, payload.TransmissionRectificative, correction.Transmission)
	require.Equal(t, flow.ID, *correction.ParentID)
	require.Equal(t, []int64{1, 2, 3}, correction.MoveIDs)
	require.Equal(t, []int64{2}, correction.ErrorMoveIDs)
	require.Equal(t, StatePending, correction.State)
	require.Equal(t, []int64{*res.CorrectionID}, h.enqueuer.ids)

	// rejected transaction is not marked as reported
	require.Empty(t, h.src.notes[2])
	require.Len(t, h.src.notes[1], 1)
	require.Len(t, h.src.notes[3], 1)
}

func TestSendGlobalRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)))
	_, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	h.conn.responses = []transport.Response{{
		ID:              "DOC-1",
		Status:          "rejected",
		Acknowledgement: []transport.AckEntry{{Code: "REJ_UNI", Message: "unknown declarant"}},
	}}

	res, err := h.svc.Send(ctx, flow.ID, false)
	require.NoError(t, err)
	require.Equal(t, StateError, res.Flow.State)
	require.Equal(t, transport.AckError, res.Flow.AckStatus)
	require.True(t, res.Outcome.Global)
	require.Empty(t, res.Flow.ErrorMoveIDs)
	require.Nil(t, res.CorrectionID)
	require.Empty(t, h.src.notes)
	require.Equal(t, []string{"rejected"}, h.metrics.outcomes)

	_, err = h.svc.Send(ctx, flow.ID, false)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Contains(t, err.Error(), "rejected by the gateway")
	require.NotContains(t, err.Error(), "excluded transactions")
}

func TestSendDuplicateAcknowledgement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)))
	_, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	h.conn.responses = []transport.Response{{
		ID:              "DOC-1",
		Status:          "error",
		Acknowledgement: []transport.AckEntry{{Code: "REJ_DOUBLON"}},
	}}

	res, err := h.svc.Send(ctx, flow.ID, false)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.Flow.State)
	require.Equal(t, transport.StatusDuplicate, res.Flow.TransportStatus)
	require.Equal(t, transport.AckOK, res.Flow.AckStatus)
	require.True(t, res.Outcome.Duplicate)
}

func TestSendErrorFlowRequiresIgnoreErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)), draftTx(2, day(1, 5)))
	built, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateError, built.State)

	_, err = h.svc.Send(ctx, flow.ID, false)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Empty(t, h.conn.sent)

	res, err := h.svc.Send(ctx, flow.ID, true)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.Flow.State)
	require.Equal(t, []int64{2}, res.Flow.ErrorMoveIDs)
	require.Len(t, h.src.notes[1], 1)
	require.Empty(t, h.src.notes[2])

	require.NotNil(t, res.CorrectionID)
	correction, err := h.svc.Get(ctx, *res.CorrectionID)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, correction.MoveIDs)

	_, err = h.svc.Send(ctx, correction.ID, true)
	require.ErrorIs(t, err, ErrRectificativeIncomplete)
}

func TestSendCancelsEmptyFlowOnLastDay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), draftTx(1, day(1, 4)))
	built, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateError, built.State)

	res, err := h.svc.Send(ctx, flow.ID, false)
	require.NoError(t, err)
	require.True(t, res.Cancelled)
	require.Equal(t, StateCancelled, res.Flow.State)
	require.Equal(t, transport.StatusCancelled, res.Flow.TransportStatus)
	require.Empty(t, res.Flow.Payload)
	require.Empty(t, h.conn.sent)
	require.Equal(t, []string{"cancelled"}, h.metrics.outcomes)

	_, err = h.svc.Document(ctx, flow.ID, attachments.KindPayload)
	require.ErrorIs(t, err, attachments.ErrNotFound)
}

func TestSendEmptyErrorFlowBeforeLastDay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.now = at(1, 15, 9)
	flow := h.flow(t, day(1, 10), draftTx(1, day(1, 4)))
	_, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)

	_, err = h.svc.Send(ctx, flow.ID, true)
	require.ErrorIs(t, err, ErrNothingToSend)
}

func TestSendTransportErrorKeepsFlowReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)))
	built, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	h.conn.sendErr = errors.New("connection reset")

	_, err = h.svc.Send(ctx, flow.ID, false)
	require.Error(t, err)

	stored, err := h.svc.Get(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateReady, stored.State)
	require.Equal(t, built.Version, stored.Version)
	require.Equal(t, []string{"transport_error"}, h.metrics.outcomes)
}

func TestSendWithoutConnector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.connector = nil
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)))
	_, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)

	_, err = h.svc.Send(ctx, flow.ID, false)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "proxy", cfgErr.Field)
	require.ErrorIs(t, err, transport.ErrNotConfigured)
}

func TestSendPaymentFlowMarksEventsReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := consumerTx(1, day(1, 3))
	tx.Lines[0].Kind = source.KindService
	tx.Lines[0].OnPayment = true
	h.src.add(tx)
	h.src.events = []source.PaymentEvent{
		{ID: 7, CompanyID: 1, TransactionID: 1, Date: day(1, 6), Amount: d("60.00"), Currency: "EUR", State: source.EventPending},
		{ID: 8, CompanyID: 1, TransactionID: 42, Date: day(1, 6), Amount: d("10.00"), Currency: "EUR", State: source.EventPending},
	}

	flow, err := h.svc.CreateFlow(ctx, CreateFlowInput{
		CompanyID:   1,
		PeriodStart: day(1, 1),
		PeriodEnd:   day(1, 10),
		Kind:        payload.KindPayment,
		Operation:   payload.OperationSale,
		MoveIDs:     []int64{1},
	})
	require.NoError(t, err)
	built, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{7}, built.EventIDs)

	linked, err := h.svc.LinkedPayments(ctx, flow.ID)
	require.NoError(t, err)
	require.Len(t, linked.Events, 1)

	_, err = h.svc.Send(ctx, flow.ID, false)
	require.NoError(t, err)
	require.Equal(t, []int64{7}, h.src.marked)
}

func TestScheduleCorrectionRefreshesOpenRectificative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)), draftTx(2, day(1, 5)))
	_, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	res, err := h.svc.Send(ctx, flow.ID, true)
	require.NoError(t, err)
	require.NotNil(t, res.CorrectionID)

	_, err = h.svc.BuildPayload(ctx, *res.CorrectionID)
	require.NoError(t, err)

	_, err = h.repo.Attachment(ctx, *res.CorrectionID, attachments.KindPayload)
	require.NoError(t, err)

	again, err := h.svc.ScheduleCorrection(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, *res.CorrectionID, again.ID)
	require.Equal(t, StatePending, again.State)
	require.Empty(t, again.Payload)
	require.Equal(t, []int64{1, 2}, again.MoveIDs)
	_, err = h.repo.Attachment(ctx, again.ID, attachments.KindPayload)
	require.ErrorIs(t, err, attachments.ErrNotFound)

	rectificatives, err := h.svc.List(ctx, ListFilter{CompanyID: 1, Transmission: payload.TransmissionRectificative})
	require.NoError(t, err)
	require.Len(t, rectificatives, 1)
}

func TestScheduleCorrectionKeepsScopesApart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sent := func(id int64, tracking string, scope payload.Scope, moves []int64, excluded int64) {
		h.repo.put(Flow{
			ID:           id,
			CompanyID:    1,
			TrackingID:   tracking,
			Currency:     "EUR",
			PeriodStart:  day(1, 1),
			PeriodEnd:    day(1, 10),
			Periodicity:  testCompany.Periodicity,
			Kind:         payload.KindTransaction,
			Operation:    payload.OperationSale,
			Scope:        scope,
			Transmission: payload.TransmissionInitial,
			State:        StateCompleted,
			MoveIDs:      moves,
			ErrorMoveIDs: []int64{excluded},
			ErrorReasons: map[int64][]string{excluded: {"transaction is not posted"}},
		})
	}
	sent(1, "ER1-B2C", payload.ScopeB2C, []int64{1, 2}, 2)
	sent(2, "ER1-INT", payload.ScopeInternational, []int64{3, 4}, 4)
	sent(3, "ER1-B2C-2", payload.ScopeB2C, []int64{5, 6}, 6)

	consumer, err := h.svc.ScheduleCorrection(ctx, 1)
	require.NoError(t, err)
	international, err := h.svc.ScheduleCorrection(ctx, 2)
	require.NoError(t, err)
	require.NotEqual(t, consumer.ID, international.ID)

	consumer, err = h.svc.Get(ctx, consumer.ID)
	require.NoError(t, err)
	require.Equal(t, payload.ScopeB2C, consumer.Scope)
	require.Equal(t, int64(1), *consumer.ParentID)
	require.Equal(t, []int64{1, 2}, consumer.MoveIDs)

	require.Equal(t, payload.ScopeInternational, international.Scope)
	require.Equal(t, int64(2), *international.ParentID)
	require.Equal(t, []int64{3, 4}, international.MoveIDs)

	// a later declaration of the same scope takes over the open rectificative
	refreshed, err := h.svc.ScheduleCorrection(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, consumer.ID, refreshed.ID)
	require.Equal(t, int64(3), *refreshed.ParentID)
	require.Equal(t, []int64{5, 6}, refreshed.MoveIDs)
}

func TestOperationsWithoutTransactionProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)))
	_, err := h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	h.svc.transactions = nil

	var cfgErr *ConfigurationError
	_, err = h.svc.Send(ctx, flow.ID, false)
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "transactions", cfgErr.Field)

	_, err = h.svc.LinkedTransactions(ctx, flow.ID)
	require.ErrorAs(t, err, &cfgErr)

	stored, err := h.svc.Get(ctx, flow.ID)
	require.NoError(t, err)
	stored.State = StateSent
	h.repo.put(stored)
	_, err = h.svc.ApplyStatus(ctx, flow.ID, transport.Message{ID: "DOC-1", Status: "accepted"})
	require.ErrorAs(t, err, &cfgErr)
	stored, err = h.svc.Get(ctx, flow.ID)
	require.NoError(t, err)
	require.Equal(t, StateSent, stored.State)
}

func TestScheduleCorrectionRequiresTransmittedFlowWithErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.flow(t, day(1, 10), consumerTx(1, day(1, 4)))

	_, err := h.svc.ScheduleCorrection(ctx, flow.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.BuildPayload(ctx, flow.ID)
	require.NoError(t, err)
	_, err = h.svc.Send(ctx, flow.ID, false)
	require.NoError(t, err)

	_, err = h.svc.ScheduleCorrection(ctx, flow.ID)
	require.ErrorIs(t, err, ErrNothingToSend)
}

func TestRectificativeReplacesWholePeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txs := []source.Transaction{
		consumerTx(1, day(1, 2)),
		draftTx(2, day(1, 3)),
		consumerTx(3, day(1, 4)),
		draftTx(4, day(1, 5)),
		consumerTx(5, day(1, 6)),
	}
	parent := h.flow(t, day(1, 10), txs...)
	_, err := h.svc.BuildPayload(ctx, parent.ID)
	require.NoError(t, err)
	res, err := h.svc.Send(ctx, parent.ID, true)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 4}, res.Flow.ErrorMoveIDs)
	require.NotNil(t, res.CorrectionID)

	// excluded transactions were fixed at the source
	h.src.add(consumerTx(2, day(1, 3)), consumerTx(4, day(1, 5)))

	correction, err := h.svc.BuildPayload(ctx, *res.CorrectionID)
	require.NoError(t, err)
	require.Equal(t, StateReady, correction.State)
	require.Empty(t, correction.ErrorMoveIDs)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, correction.ValidMoveIDs())

	plan, err := NewScheduler(h.svc).Plan(ctx, h.now)
	require.NoError(t, err)
	require.Contains(t, plan, PlannedAction{FlowID: correction.ID, CompanyID: 1, Action: ActionSend})

	sent, err := h.svc.Send(ctx, correction.ID, false)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, sent.Flow.State)
	require.Nil(t, sent.CorrectionID)

	doc := h.conn.sent[len(h.conn.sent)-1]
	require.Equal(t, "RE", doc.TransmissionType)
	require.Contains(t, string(doc.Content), parent.TrackingID)
	require.Len(t, h.src.notes[2], 1)
	require.Len(t, h.src.notes[1], 2)
}
