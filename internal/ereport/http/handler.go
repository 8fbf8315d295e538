// Package ereporthttp exposes flow actions and read-only inspection over HTTP.
package ereporthttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/ereporting/internal/attachments"
	"github.com/odyssey-erp/ereporting/internal/deadline"
	"github.com/odyssey-erp/ereporting/internal/ereport"
	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/platform/cache"
	"github.com/odyssey-erp/ereporting/internal/platform/httpx"
	"github.com/odyssey-erp/ereporting/internal/source"
	"github.com/odyssey-erp/ereporting/internal/transport"
	"github.com/odyssey-erp/ereporting/internal/validation"
)

const (
	defaultListLimit = 100
	actionRateLimit  = 30
	xlsxContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type flowService interface {
	CreateFlow(ctx context.Context, in ereport.CreateFlowInput) (ereport.Flow, error)
	Get(ctx context.Context, id int64) (ereport.Flow, error)
	List(ctx context.Context, filter ereport.ListFilter) ([]ereport.Flow, error)
	RequestBuild(ctx context.Context, id int64) (ereport.Flow, error)
	Send(ctx context.Context, id int64, ignoreErrors bool) (ereport.SendResult, error)
	ScheduleCorrection(ctx context.Context, id int64) (ereport.Flow, error)
	LinkedTransactions(ctx context.Context, id int64) ([]source.Transaction, error)
	ErrorTransactions(ctx context.Context, id int64) ([]ereport.ErrorTransaction, error)
	ExportErrorTransactions(ctx context.Context, id int64) ([]byte, error)
	LinkedPayments(ctx context.Context, id int64) (ereport.LinkedPayments, error)
	Notes(ctx context.Context, id int64) ([]ereport.Note, error)
	Window(ctx context.Context, id int64) (deadline.Window, bool, error)
	Document(ctx context.Context, id int64, kind attachments.Kind) (attachments.Attachment, error)
}

// Handler wires HTTP endpoints for e-reporting flows.
type Handler struct {
	logger  *slog.Logger
	service flowService
}

// NewHandler constructs the flow HTTP handler.
func NewHandler(logger *slog.Logger, service flowService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/ereport/flows", func(r chi.Router) {
		r.Get("/", h.listFlows)
		r.With(httprate.LimitByIP(actionRateLimit, time.Minute)).Post("/", h.createFlow)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getFlow)
			r.Get("/transactions", h.transactions)
			r.Get("/errors", h.errorTransactions)
			r.Get("/errors.xlsx", h.exportErrors)
			r.Get("/payments", h.payments)
			r.Get("/notes", h.notes)
			r.Get("/window", h.window)
			r.Get("/payload", h.document(attachments.KindPayload))
			r.Get("/response", h.document(attachments.KindResponse))
			r.Group(func(r chi.Router) {
				r.Use(httprate.LimitByIP(actionRateLimit, time.Minute))
				r.Post("/build", h.build)
				r.Post("/send", h.send)
				r.Post("/correction", h.correction)
			})
		})
	})
}

// mapError classifies service errors for httpx.RespondError.
func mapError(err error) error {
	var (
		cfgErr *ereport.ConfigurationError
		verr   *validation.ValidationError
		terr   *transport.TransportError
	)
	switch {
	case errors.Is(err, ereport.ErrFlowNotFound), errors.Is(err, attachments.ErrNotFound):
		return httpx.ErrNotFound
	case errors.Is(err, ereport.ErrInvalidInput):
		return httpx.ErrValidation
	case errors.Is(err, ereport.ErrAlreadySent),
		errors.Is(err, ereport.ErrInvalidState),
		errors.Is(err, ereport.ErrRectificativeIncomplete),
		errors.Is(err, ereport.ErrConcurrentUpdate),
		errors.Is(err, ereport.ErrTrackingConflict),
		errors.Is(err, cache.ErrLockHeld):
		return httpx.ErrConflict
	case errors.Is(err, ereport.ErrNothingToSend), errors.As(err, &verr):
		return httpx.ErrUnprocessable
	case errors.As(err, &cfgErr), errors.As(err, &terr):
		return httpx.ErrUnavailable
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if mapError(err) == nil {
		h.logger.Error("ereport request", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, mapError)
}

func flowID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid flow id", ereport.ErrInvalidInput)
	}
	return id, nil
}

// withID resolves the flow id path parameter before calling fn.
func (h *Handler) withID(w http.ResponseWriter, r *http.Request, fn func(id int64) (any, error)) {
	id, err := flowID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := fn(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ereport.ListFilter{Limit: defaultListLimit}
	if v := q.Get("company_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: invalid company_id", ereport.ErrInvalidInput))
			return
		}
		filter.CompanyID = id
	}
	for _, s := range q["state"] {
		filter.States = append(filter.States, ereport.State(strings.ToLower(s)))
	}
	if v := q.Get("transmission"); v != "" {
		filter.Transmission = payload.TransmissionType(strings.ToUpper(v))
	}
	flows, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]flowView, 0, len(flows))
	for _, f := range flows {
		out = append(out, newFlowView(f))
	}
	httpx.JSON(w, http.StatusOK, out)
}

type createFlowRequest struct {
	CompanyID    int64   `json:"company_id"`
	Name         string  `json:"name"`
	Currency     string  `json:"currency"`
	PeriodStart  string  `json:"period_start"`
	PeriodEnd    string  `json:"period_end"`
	Kind         string  `json:"kind"`
	Operation    string  `json:"operation"`
	Scope        string  `json:"scope"`
	Transmission string  `json:"transmission"`
	ParentID     *int64  `json:"parent_id"`
	MoveIDs      []int64 `json:"move_ids"`
}

func (h *Handler) createFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", ereport.ErrInvalidInput, err))
		return
	}
	start, errStart := payload.ParseDate(req.PeriodStart)
	end, errEnd := payload.ParseDate(req.PeriodEnd)
	if errStart != nil || errEnd != nil {
		h.fail(w, r, fmt.Errorf("%w: period dates must use YYYY-MM-DD", ereport.ErrInvalidInput))
		return
	}
	flow, err := h.service.CreateFlow(r.Context(), ereport.CreateFlowInput{
		CompanyID:    req.CompanyID,
		Name:         req.Name,
		Currency:     req.Currency,
		PeriodStart:  start,
		PeriodEnd:    end,
		Kind:         payload.ReportKind(req.Kind),
		Operation:    payload.Operation(req.Operation),
		Scope:        payload.Scope(req.Scope),
		Transmission: payload.TransmissionType(req.Transmission),
		ParentID:     req.ParentID,
		MoveIDs:      req.MoveIDs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newFlowView(flow))
}

func (h *Handler) getFlow(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		flow, err := h.service.Get(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return newFlowView(flow), nil
	})
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		txs, err := h.service.LinkedTransactions(r.Context(), id)
		if err != nil {
			return nil, err
		}
		out := make([]transactionView, 0, len(txs))
		for _, t := range txs {
			out = append(out, newTransactionView(t))
		}
		return out, nil
	})
}

func (h *Handler) errorTransactions(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		rows, err := h.service.ErrorTransactions(r.Context(), id)
		if err != nil {
			return nil, err
		}
		out := make([]errorView, 0, len(rows))
		for _, row := range rows {
			out = append(out, errorView{
				TransactionID: row.TransactionID,
				Name:          row.Name,
				Reference:     row.Reference,
				Date:          payload.Date(row.Date),
				Partner:       row.Partner,
				Reasons:       row.Reasons,
			})
		}
		return out, nil
	})
}

func (h *Handler) exportErrors(w http.ResponseWriter, r *http.Request) {
	id, err := flowID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data, err := h.service.ExportErrorTransactions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	contentType := mime.TypeByExtension(".xlsx")
	if contentType == "" {
		contentType = xlsxContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="flow-%d-errors.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) payments(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		linked, err := h.service.LinkedPayments(r.Context(), id)
		if err != nil {
			return nil, err
		}
		out := paymentsView{Payments: []paymentView{}, Events: []paymentView{}}
		for _, p := range linked.Payments {
			out.Payments = append(out.Payments, paymentView{ID: p.ID, TransactionID: p.TransactionID, Date: payload.Date(p.Date), Amount: p.Amount.StringFixed(2), Currency: p.Currency})
		}
		for _, e := range linked.Events {
			out.Events = append(out.Events, paymentView{ID: e.ID, TransactionID: e.TransactionID, Date: payload.Date(e.Date), Amount: e.Amount.StringFixed(2), Currency: e.Currency, State: e.State})
		}
		return out, nil
	})
}

func (h *Handler) notes(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		notes, err := h.service.Notes(r.Context(), id)
		if err != nil {
			return nil, err
		}
		out := make([]noteView, 0, len(notes))
		for _, n := range notes {
			out = append(out, noteView{ID: n.ID, Body: n.Body, CreatedAt: n.CreatedAt})
		}
		return out, nil
	})
}

func (h *Handler) window(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(id int64) (any, error) {
		win, ok, err := h.service.Window(r.Context(), id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return windowView{}, nil
		}
		return windowView{Start: payload.Date(win.Start), End: payload.Date(win.End), Defined: true}, nil
	})
}

func (h *Handler) document(kind attachments.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := flowID(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		att, err := h.service.Document(r.Context(), id, kind)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", att.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, att.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(att.Content)
	}
}

func (h *Handler) build(w http.ResponseWriter, r *http.Request) {
	id, err := flowID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	flow, err := h.service.RequestBuild(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, newFlowView(flow))
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	id, err := flowID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ignore := false
	if v := r.URL.Query().Get("ignore_errors"); v != "" {
		ignore, err = strconv.ParseBool(v)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: invalid ignore_errors", ereport.ErrInvalidInput))
			return
		}
	}
	res, err := h.service.Send(r.Context(), id, ignore)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := sendView{Flow: newFlowView(res.Flow), Cancelled: res.Cancelled, CorrectionID: res.CorrectionID}
	if res.Partial != nil {
		out.RejectedTransactionIDs = res.Partial.TransactionIDs
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) correction(w http.ResponseWriter, r *http.Request) {
	id, err := flowID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	flow, err := h.service.ScheduleCorrection(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newFlowView(flow))
}
