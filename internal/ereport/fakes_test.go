package ereport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ereporting/internal/attachments"
	"github.com/odyssey-erp/ereporting/internal/deadline"
	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/platform/cache"
	"github.com/odyssey-erp/ereporting/internal/source"
	"github.com/odyssey-erp/ereporting/internal/transport"
)

func cloneFlow(f Flow) Flow {
	out := f
	out.Payload = append([]byte(nil), f.Payload...)
	if f.Payload == nil {
		out.Payload = nil
	}
	out.EventIDs = append([]int64(nil), f.EventIDs...)
	out.AckDetails = append([]transport.AckEntry(nil), f.AckDetails...)
	out.MoveIDs = append([]int64(nil), f.MoveIDs...)
	out.ErrorMoveIDs = append([]int64(nil), f.ErrorMoveIDs...)
	if f.ErrorReasons != nil {
		out.ErrorReasons = make(map[int64][]string, len(f.ErrorReasons))
		for k, v := range f.ErrorReasons {
			out.ErrorReasons[k] = append([]string(nil), v...)
		}
	}
	return out
}

type attachmentKey struct {
	flowID int64
	kind   attachments.Kind
}

type memState struct {
	flows       map[int64]Flow
	notes       map[int64][]Note
	attachments map[attachmentKey]attachments.Attachment
	nextID      int64
	nextNote    int64
}

func (s memState) clone() memState {
	out := memState{
		flows:       make(map[int64]Flow, len(s.flows)),
		notes:       make(map[int64][]Note, len(s.notes)),
		attachments: make(map[attachmentKey]attachments.Attachment, len(s.attachments)),
		nextID:      s.nextID,
		nextNote:    s.nextNote,
	}
	for k, v := range s.flows {
		out.flows[k] = cloneFlow(v)
	}
	for k, v := range s.notes {
		out.notes[k] = append([]Note(nil), v...)
	}
	for k, v := range s.attachments {
		out.attachments[k] = v
	}
	return out
}

// memRepository mimics the transactional behaviour of PGRepository: a
// failing callback rolls every change back.
type memRepository struct {
	mu    sync.Mutex
	state memState

	updateErr error
	commits   int
}

func newMemRepository() *memRepository {
	return &memRepository{state: memState{
		flows:       make(map[int64]Flow),
		notes:       make(map[int64][]Note),
		attachments: make(map[attachmentKey]attachments.Attachment),
	}}
}

func (m *memRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()
	if err := fn(ctx, &memTx{repo: m}); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	return nil
}

func (m *memRepository) GetFlow(_ context.Context, id int64) (Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.state.flows[id]
	if !ok {
		return Flow{}, ErrFlowNotFound
	}
	return cloneFlow(f), nil
}

func (m *memRepository) ListFlows(_ context.Context, filter ListFilter) ([]Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Flow
	for _, f := range m.state.flows {
		if filter.CompanyID > 0 && f.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Transmission != "" && f.Transmission != filter.Transmission {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, s := range filter.States {
				if f.State == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, cloneFlow(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepository) ListNotes(_ context.Context, flowID int64) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Note(nil), m.state.notes[flowID]...), nil
}

func (m *memRepository) Attachment(_ context.Context, flowID int64, kind attachments.Kind) (attachments.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.state.attachments[attachmentKey{flowID, kind}]
	if !ok {
		return attachments.Attachment{}, attachments.ErrNotFound
	}
	return att, nil
}

func (m *memRepository) noteBodies(flowID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, n := range m.state.notes[flowID] {
		out = append(out, n.Body)
	}
	return out
}

func (m *memRepository) put(f Flow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == 0 {
		m.state.nextID++
		f.ID = m.state.nextID
	} else if f.ID > m.state.nextID {
		m.state.nextID = f.ID
	}
	if f.Version == 0 {
		f.Version = 1
	}
	m.state.flows[f.ID] = cloneFlow(f)
}

type memTx struct {
	repo *memRepository
}

func (t *memTx) LockFlow(ctx context.Context, id int64) (Flow, error) {
	return t.repo.GetFlow(ctx, id)
}

func (t *memTx) InsertFlow(_ context.Context, f Flow) (Flow, error) {
	m := t.repo
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.state.flows {
		if existing.CompanyID == f.CompanyID && existing.TrackingID == f.TrackingID {
			return Flow{}, ErrTrackingConflict
		}
	}
	m.state.nextID++
	f.ID = m.state.nextID
	f.Version = 1
	m.state.flows[f.ID] = cloneFlow(f)
	return cloneFlow(f), nil
}

func (t *memTx) UpdateFlow(_ context.Context, f Flow) (Flow, error) {
	m := t.repo
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return Flow{}, m.updateErr
	}
	current, ok := m.state.flows[f.ID]
	if !ok {
		return Flow{}, ErrFlowNotFound
	}
	if current.Version != f.Version {
		return Flow{}, ErrConcurrentUpdate
	}
	f.Version++
	m.state.flows[f.ID] = cloneFlow(f)
	return cloneFlow(f), nil
}

func (t *memTx) FindOpenRectificative(_ context.Context, key CorrectionKey) (Flow, bool, error) {
	m := t.repo
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Flow
	for _, f := range m.state.flows {
		if !f.IsRectificative() || !f.State.Buildable() || correctionKey(f) != key {
			continue
		}
		if found == nil || f.ID > found.ID {
			c := cloneFlow(f)
			found = &c
		}
	}
	if found == nil {
		return Flow{}, false, nil
	}
	return *found, true, nil
}

func (t *memTx) AddNote(_ context.Context, flowID int64, body string) (bool, error) {
	m := t.repo
	m.mu.Lock()
	defer m.mu.Unlock()
	notes := m.state.notes[flowID]
	if len(notes) > 0 && notes[len(notes)-1].Body == body {
		return false, nil
	}
	m.state.nextNote++
	m.state.notes[flowID] = append(notes, Note{ID: m.state.nextNote, FlowID: flowID, Body: body})
	return true, nil
}

func (t *memTx) SaveAttachment(_ context.Context, att attachments.Attachment) error {
	m := t.repo
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.attachments[attachmentKey{att.FlowID, att.Kind}] = att
	return nil
}

func (t *memTx) DeleteAttachment(_ context.Context, flowID int64, kind attachments.Kind) error {
	m := t.repo
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.attachments, attachmentKey{flowID, kind})
	return nil
}

// fakeSource implements every source collaborator.
type fakeSource struct {
	mu        sync.Mutex
	txs       map[int64]source.Transaction
	payments  map[int64][]source.Payment
	events    []source.PaymentEvent
	companies map[int64]source.Company
	marked    []int64
	notes     map[int64][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		txs:       make(map[int64]source.Transaction),
		payments:  make(map[int64][]source.Payment),
		companies: map[int64]source.Company{1: testCompany},
		notes:     make(map[int64][]string),
	}
}

func (f *fakeSource) add(txs ...source.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range txs {
		f.txs[tx.ID] = tx
	}
}

func (f *fakeSource) Transactions(_ context.Context, ids []int64) ([]source.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []source.Transaction
	for _, id := range ids {
		if tx, ok := f.txs[id]; ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeSource) Payments(_ context.Context, txID int64) ([]source.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payments[txID], nil
}

func (f *fakeSource) PendingEvents(_ context.Context, _ int64, _, _ time.Time) ([]source.PaymentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.PaymentEvent(nil), f.events...), nil
}

func (f *fakeSource) MarkReported(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, ids...)
	return nil
}

func (f *fakeSource) PostNote(_ context.Context, txID int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	notes := f.notes[txID]
	if len(notes) > 0 && notes[len(notes)-1] == body {
		return nil
	}
	f.notes[txID] = append(notes, body)
	return nil
}

func (f *fakeSource) Company(_ context.Context, id int64) (source.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.companies[id]
	if !ok {
		return source.Company{}, source.ErrCompanyNotFound
	}
	return c, nil
}

func (f *fakeSource) AutoSendCompanies(context.Context) ([]source.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []source.Company
	for _, c := range f.companies {
		if c.AutoSend {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeConnector struct {
	mu          sync.Mutex
	responses   []transport.Response
	sendErr     error
	sent        []transport.Document
	messages    []transport.Message
	polled      []transport.Filter
	acked       []string
	healthErr   error
	healthCalls int
}

func (c *fakeConnector) Send(_ context.Context, doc transport.Document) (transport.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, doc)
	if c.sendErr != nil {
		return transport.Response{}, c.sendErr
	}
	if len(c.responses) == 0 {
		return transport.Response{ID: "DOC-" + doc.TrackingID, Status: "accepted"}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *fakeConnector) Poll(_ context.Context, filter transport.Filter) ([]transport.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polled = append(c.polled, filter)
	return c.messages, nil
}

func (c *fakeConnector) Ack(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, ids...)
	return nil
}

func (c *fakeConnector) Health(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthCalls++
	return c.healthErr
}

type fakeEnqueuer struct {
	ids []int64
	err error
}

func (e *fakeEnqueuer) EnqueueBuild(_ context.Context, id int64) error {
	if e.err != nil {
		return e.err
	}
	e.ids = append(e.ids, id)
	return nil
}

type fakeRecorder struct {
	transitions []string
	outcomes    []string
}

func (r *fakeRecorder) FlowTransition(from, to string) {
	r.transitions = append(r.transitions, from+"->"+to)
}

func (r *fakeRecorder) SendOutcome(outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

var testCompany = source.Company{
	ID:          1,
	Name:        "Odyssey SAS",
	SIREN:       "732829320",
	VATNumber:   "FR40732829320",
	CountryCode: "FR",
	Currency:    "EUR",
	AutoSend:    true,
	Periodicity: deadline.PeriodicityDecade,
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func day(m time.Month, dd int) time.Time {
	return time.Date(2024, m, dd, 0, 0, 0, 0, time.UTC)
}

func at(m time.Month, dd, hour int) time.Time {
	return time.Date(2024, m, dd, hour, 0, 0, 0, time.UTC)
}

func consumerTx(id int64, date time.Time) source.Transaction {
	l := source.Line{ID: id * 10, Description: "goods", Kind: source.KindGoods, Quantity: d("1"), AmountUntaxed: d("100.00"), VATRate: d("20"), TaxAmount: d("20.00")}
	return source.Transaction{
		ID:            id,
		CompanyID:     1,
		Name:          fmt.Sprintf("INV/2024/%04d", id),
		Reference:     fmt.Sprintf("REF-%d", id),
		Date:          date,
		Currency:      "EUR",
		DocumentType:  source.DocInvoice,
		Posted:        true,
		Partner:       source.Party{Name: "Jane Doe", CountryCode: "FR"},
		Lines:         []source.Line{l},
		AmountUntaxed: d("100.00"),
		AmountTax:     d("20.00"),
		AmountTotal:   d("120.00"),
	}
}

func draftTx(id int64, date time.Time) source.Transaction {
	tx := consumerTx(id, date)
	tx.Posted = false
	return tx
}

type harness struct {
	svc      *Service
	repo     *memRepository
	src      *fakeSource
	conn     *fakeConnector
	enqueuer *fakeEnqueuer
	metrics  *fakeRecorder
	locker   *cache.LocalLocker
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     newMemRepository(),
		src:      newFakeSource(),
		conn:     &fakeConnector{},
		enqueuer: &fakeEnqueuer{},
		metrics:  &fakeRecorder{},
		locker:   cache.NewLocalLocker(),
		now:      at(1, 20, 9),
	}
	h.svc = NewService(Config{
		Repository:   h.repo,
		Transactions: h.src,
		Payments:     h.src,
		Events:       h.src,
		Noter:        h.src,
		Companies:    h.src,
		Connector:    h.conn,
		Locker:       h.locker,
		Enqueuer:     h.enqueuer,
		Metrics:      h.metrics,
	})
	h.svc.WithNow(func() time.Time { return h.now })
	return h
}

// flow creates a pending initial sale flow for 2024-01-01..periodEnd linked
// to the given transactions.
func (h *harness) flow(t *testing.T, periodEnd time.Time, txs ...source.Transaction) Flow {
	t.Helper()
	h.src.add(txs...)
	ids := make([]int64, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	flow, err := h.svc.CreateFlow(context.Background(), CreateFlowInput{
		CompanyID:   1,
		PeriodStart: day(1, 1),
		PeriodEnd:   periodEnd,
		Kind:        payload.KindTransaction,
		Operation:   payload.OperationSale,
		MoveIDs:     ids,
	})
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	return flow
}
