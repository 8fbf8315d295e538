package ereport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/ereporting/internal/attachments"
	"github.com/odyssey-erp/ereporting/internal/deadline"
	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/platform/db"
	"github.com/odyssey-erp/ereporting/internal/transport"
)

// Repository is the persistence port of the flow state machine.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetFlow(ctx context.Context, id int64) (Flow, error)
	ListFlows(ctx context.Context, filter ListFilter) ([]Flow, error)
	ListNotes(ctx context.Context, flowID int64) ([]Note, error)
	Attachment(ctx context.Context, flowID int64, kind attachments.Kind) (attachments.Attachment, error)
}

// TxRepository exposes the operations executed inside one flow transaction.
type TxRepository interface {
	LockFlow(ctx context.Context, id int64) (Flow, error)
	InsertFlow(ctx context.Context, flow Flow) (Flow, error)
	// UpdateFlow persists every mutable field and the transaction links,
	// failing with ErrConcurrentUpdate when the version moved.
	UpdateFlow(ctx context.Context, flow Flow) (Flow, error)
	FindOpenRectificative(ctx context.Context, key CorrectionKey) (Flow, bool, error)
	// AddNote appends an audit note unless it repeats the latest one.
	AddNote(ctx context.Context, flowID int64, body string) (bool, error)
	SaveAttachment(ctx context.Context, att attachments.Attachment) error
	DeleteAttachment(ctx context.Context, flowID int64, kind attachments.Kind) error
}

const trackingConstraint = "flows_company_tracking_key"

// PGRepository persists flows in PostgreSQL.
type PGRepository struct {
	pool  *pgxpool.Pool
	store *attachments.Store
}

// NewPGRepository constructs a repository. store defaults to inline attachments.
func NewPGRepository(pool *pgxpool.Pool, store *attachments.Store) *PGRepository {
	if store == nil {
		store = attachments.NewStore(nil)
	}
	return &PGRepository{pool: pool, store: store}
}

type pgTx struct {
	tx    pgx.Tx
	store *attachments.Store
}

// WithTx wraps fn in a repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx, store: r.store})
	})
}

const flowColumns = `id, company_id, name, tracking_id, currency, period_start, period_end,
	reporting_date, periodicity, kind, operation, scope, transmission, parent_id, state,
	revision, payload, payload_filename, event_ids, transport_id, transport_status,
	transport_message, ack_status, ack_details, last_attempt_at, sent_at, lock_version,
	created_at, updated_at`

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanFlow(row pgx.Row) (Flow, error) {
	var (
		f            Flow
		periodicity  string
		kind         string
		operation    string
		scope        string
		transmission string
		state        string
		ackStatus    string
		ackDetails   []byte
	)
	err := row.Scan(
		&f.ID, &f.CompanyID, &f.Name, &f.TrackingID, &f.Currency, &f.PeriodStart, &f.PeriodEnd,
		&f.ReportingDate, &periodicity, &kind, &operation, &scope, &transmission, &f.ParentID, &state,
		&f.Revision, &f.Payload, &f.PayloadFilename, &f.EventIDs, &f.TransportID, &f.TransportStatus,
		&f.TransportMessage, &ackStatus, &ackDetails, &f.LastAttemptAt, &f.SentAt, &f.Version,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flow{}, ErrFlowNotFound
		}
		return Flow{}, err
	}
	f.Periodicity = deadline.Periodicity(periodicity)
	f.Kind = payload.ReportKind(kind)
	f.Operation = payload.Operation(operation)
	f.Scope = payload.Scope(scope)
	f.Transmission = payload.TransmissionType(transmission)
	f.State = State(state)
	f.AckStatus = transport.AckStatus(ackStatus)
	if len(ackDetails) > 0 {
		if err := json.Unmarshal(ackDetails, &f.AckDetails); err != nil {
			return Flow{}, fmt.Errorf("ereport: decode ack details: %w", err)
		}
	}
	return f, nil
}

func loadMoves(ctx context.Context, q queryer, f *Flow) error {
	rows, err := q.Query(ctx, `SELECT move_id, excluded, reasons FROM flow_moves WHERE flow_id = $1 ORDER BY move_id`, f.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	f.MoveIDs = nil
	f.ErrorMoveIDs = nil
	f.ErrorReasons = nil
	for rows.Next() {
		var (
			id       int64
			excluded bool
			reasons  []string
		)
		if err := rows.Scan(&id, &excluded, &reasons); err != nil {
			return err
		}
		f.MoveIDs = append(f.MoveIDs, id)
		if excluded {
			if f.ErrorReasons == nil {
				f.ErrorReasons = make(map[int64][]string)
			}
			f.ErrorMoveIDs = append(f.ErrorMoveIDs, id)
			f.ErrorReasons[id] = reasons
		}
	}
	return rows.Err()
}

func getFlow(ctx context.Context, q queryer, id int64, forUpdate bool) (Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	f, err := scanFlow(q.QueryRow(ctx, query, id))
	if err != nil {
		return Flow{}, err
	}
	if err := loadMoves(ctx, q, &f); err != nil {
		return Flow{}, err
	}
	return f, nil
}

// GetFlow loads a flow with its transaction links.
func (r *PGRepository) GetFlow(ctx context.Context, id int64) (Flow, error) {
	return getFlow(ctx, r.pool, id, false)
}

// ListFlows returns flows matching the filter ordered by period end then id.
func (r *PGRepository) ListFlows(ctx context.Context, filter ListFilter) ([]Flow, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.CompanyID > 0 {
		args = append(args, filter.CompanyID)
		clauses = append(clauses, fmt.Sprintf("company_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		args = append(args, states)
		clauses = append(clauses, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if filter.Transmission != "" {
		args = append(args, string(filter.Transmission))
		clauses = append(clauses, fmt.Sprintf("transmission = $%d", len(args)))
	}
	query := `SELECT ` + flowColumns + ` FROM flows`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY period_end, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var flows []Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		flows = append(flows, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range flows {
		if err := loadMoves(ctx, r.pool, &flows[i]); err != nil {
			return nil, err
		}
	}
	return flows, nil
}

// ListNotes returns the audit trail of a flow, oldest first.
func (r *PGRepository) ListNotes(ctx context.Context, flowID int64) ([]Note, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, flow_id, body, created_at FROM flow_notes WHERE flow_id = $1 ORDER BY created_at, id`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.FlowID, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// Attachment returns the stored document of the given kind.
func (r *PGRepository) Attachment(ctx context.Context, flowID int64, kind attachments.Kind) (attachments.Attachment, error) {
	return r.store.Get(ctx, r.pool, flowID, kind)
}

func (t *pgTx) LockFlow(ctx context.Context, id int64) (Flow, error) {
	return getFlow(ctx, t.tx, id, true)
}

func ackDetailsJSON(entries []transport.AckEntry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	return json.Marshal(entries)
}

func (t *pgTx) InsertFlow(ctx context.Context, f Flow) (Flow, error) {
	details, err := ackDetailsJSON(f.AckDetails)
	if err != nil {
		return Flow{}, err
	}
	now := time.Now().UTC()
	err = t.tx.QueryRow(ctx, `INSERT INTO flows (
		company_id, name, tracking_id, currency, period_start, period_end, reporting_date,
		periodicity, kind, operation, scope, transmission, parent_id, state, revision,
		ack_status, ack_details, lock_version, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,1,$18,$18)
	RETURNING id, lock_version, created_at, updated_at`,
		f.CompanyID, f.Name, f.TrackingID, f.Currency, f.PeriodStart, f.PeriodEnd, f.ReportingDate,
		string(f.Periodicity), string(f.Kind), string(f.Operation), string(f.Scope), string(f.Transmission),
		f.ParentID, string(f.State), f.Revision, string(f.AckStatus), details, now,
	).Scan(&f.ID, &f.Version, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, trackingConstraint) {
			return Flow{}, ErrTrackingConflict
		}
		return Flow{}, err
	}
	if err := t.replaceMoves(ctx, f); err != nil {
		return Flow{}, err
	}
	return f, nil
}

func (t *pgTx) UpdateFlow(ctx context.Context, f Flow) (Flow, error) {
	details, err := ackDetailsJSON(f.AckDetails)
	if err != nil {
		return Flow{}, err
	}
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `UPDATE flows SET
		name = $2, tracking_id = $3, state = $4, revision = $5, payload = $6, payload_filename = $7,
		event_ids = $8, transport_id = $9, transport_status = $10, transport_message = $11,
		ack_status = $12, ack_details = $13, last_attempt_at = $14, sent_at = $15,
		lock_version = lock_version + 1, updated_at = $16
	WHERE id = $1 AND lock_version = $17`,
		f.ID, f.Name, f.TrackingID, string(f.State), f.Revision, f.Payload, f.PayloadFilename,
		f.EventIDs, f.TransportID, f.TransportStatus, f.TransportMessage,
		string(f.AckStatus), details, f.LastAttemptAt, f.SentAt, now, f.Version,
	)
	if err != nil {
		if db.IsUniqueViolation(err, trackingConstraint) {
			return Flow{}, ErrTrackingConflict
		}
		return Flow{}, err
	}
	if tag.RowsAffected() == 0 {
		return Flow{}, ErrConcurrentUpdate
	}
	if err := t.replaceMoves(ctx, f); err != nil {
		return Flow{}, err
	}
	f.Version++
	f.UpdatedAt = now
	return f, nil
}

func (t *pgTx) replaceMoves(ctx context.Context, f Flow) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM flow_moves WHERE flow_id = $1`, f.ID); err != nil {
		return err
	}
	if len(f.MoveIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range f.MoveIDs {
		reasons, excluded := f.ErrorReasons[id]
		if !excluded {
			excluded = containsID(f.ErrorMoveIDs, id)
		}
		batch.Queue(`INSERT INTO flow_moves (flow_id, move_id, excluded, reasons) VALUES ($1, $2, $3, $4)`,
			f.ID, id, excluded, reasons)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) FindOpenRectificative(ctx context.Context, key CorrectionKey) (Flow, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows
	WHERE company_id = $1 AND currency = $2 AND operation = $3 AND kind = $4 AND scope = $5
	  AND period_start = $6 AND period_end = $7 AND periodicity = $8
	  AND transmission = $9 AND state = ANY($10)
	ORDER BY id DESC LIMIT 1 FOR UPDATE`,
		key.CompanyID, key.Currency, string(key.Operation), string(key.Kind), string(key.Scope),
		key.PeriodStart, key.PeriodEnd, string(key.Periodicity),
		string(payload.TransmissionRectificative),
		[]string{string(StatePending), string(StateBuilding), string(StateReady), string(StateError)},
	)
	f, err := scanFlow(row)
	if errors.Is(err, ErrFlowNotFound) {
		return Flow{}, false, nil
	}
	if err != nil {
		return Flow{}, false, err
	}
	if err := loadMoves(ctx, t.tx, &f); err != nil {
		return Flow{}, false, err
	}
	return f, true, nil
}

func (t *pgTx) AddNote(ctx context.Context, flowID int64, body string) (bool, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return false, nil
	}
	var last string
	err := t.tx.QueryRow(ctx, `SELECT body FROM flow_notes WHERE flow_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, flowID).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	if last == body {
		return false, nil
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO flow_notes (flow_id, body, created_at) VALUES ($1, $2, $3)`, flowID, body, time.Now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

func (t *pgTx) SaveAttachment(ctx context.Context, att attachments.Attachment) error {
	return t.store.Upsert(ctx, t.tx, att)
}

func (t *pgTx) DeleteAttachment(ctx context.Context, flowID int64, kind attachments.Kind) error {
	return t.store.Delete(ctx, t.tx, flowID, kind)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
