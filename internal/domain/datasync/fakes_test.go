package datasync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgerlink/internal/domain/connection"
	"ledgerlink/internal/domain/ledger"
	"ledgerlink/internal/domain/reconciliation"
)

// memSchedules mirrors the SQL semantics of the postgres schedule repository.
type memSchedules struct {
	mu   sync.Mutex
	seq  int
	rows map[string]*Schedule
}

func newMemSchedules() *memSchedules {
	return &memSchedules{rows: make(map[string]*Schedule)}
}

func (m *memSchedules) put(s Schedule) *Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		m.seq++
		s.ID = fmt.Sprintf("sched-%d", m.seq)
	}
	cp := s
	m.rows[s.ID] = &cp
	return &s
}

func (m *memSchedules) get(id string) *Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.rows[id]
	return &cp
}

func (m *memSchedules) Upsert(_ context.Context, p UpsertScheduleParams) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := p.NextScheduledAt
	for _, row := range m.rows {
		if row.Source == p.Source && row.ConnectionID == p.ConnectionID {
			row.IsEnabled = true
			row.ConsecutiveFailures = 0
			row.NextScheduledAt = &next
			if p.IntervalMinutes != nil {
				row.IntervalMinutes = *p.IntervalMinutes
			}
			cp := *row
			return &cp, nil
		}
	}
	m.seq++
	row := &Schedule{
		ID:              fmt.Sprintf("sched-%d", m.seq),
		OrganizationID:  p.OrganizationID,
		Source:          p.Source,
		ConnectionID:    p.ConnectionID,
		IntervalMinutes: p.DefaultIntervalMinutes,
		NextScheduledAt: &next,
		IsEnabled:       true,
	}
	if p.IntervalMinutes != nil {
		row.IntervalMinutes = *p.IntervalMinutes
	}
	m.rows[row.ID] = row
	cp := *row
	return &cp, nil
}

func (m *memSchedules) GetByID(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *memSchedules) GetByConnection(_ context.Context, source connection.Source, connectionID string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Source == source && row.ConnectionID == connectionID {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSchedules) ListByOrganization(_ context.Context, organizationID string) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, row := range m.rows {
		if row.OrganizationID == organizationID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSchedules) due(now time.Time) []*Schedule {
	var out []*Schedule
	for _, row := range m.rows {
		if row.IsEnabled && row.IsDue(now) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextScheduledAt, out[j].NextScheduledAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	return out
}

func (m *memSchedules) ListDue(_ context.Context, now time.Time, circuitThreshold, limit int) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.due(now) {
		if s.ConsecutiveFailures < circuitThreshold && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSchedules) ListCircuitOpen(_ context.Context, now time.Time, circuitThreshold int) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.due(now) {
		if s.ConsecutiveFailures >= circuitThreshold {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSchedules) RecordOutcome(ctx context.Context, id string, o ScheduleOutcome) (*Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	completed := o.CompletedAt
	next := completed.Add(time.Duration(row.IntervalMinutes) * time.Minute)
	row.LastSyncAt = &completed
	row.NextScheduledAt = &next
	if o.Success {
		row.LastSuccessAt = &completed
		row.ConsecutiveFailures = 0
		row.LastError = nil
	} else {
		row.ConsecutiveFailures++
		msg := o.Error
		row.LastError = &msg
	}
	if o.Cursor != nil {
		row.SyncCursor = o.Cursor
	}
	cp := *row
	return &cp, nil
}

func (m *memSchedules) Pause(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	row.IsEnabled = false
	cp := *row
	return &cp, nil
}

func (m *memSchedules) Resume(_ context.Context, id string, next time.Time) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	row.IsEnabled = true
	row.ConsecutiveFailures = 0
	row.NextScheduledAt = &next
	cp := *row
	return &cp, nil
}

func (m *memSchedules) UpdateInterval(_ context.Context, id string, minutes int, next time.Time) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	row.IntervalMinutes = minutes
	row.NextScheduledAt = &next
	cp := *row
	return &cp, nil
}

// memJobs refuses writes on a finished context, as database/sql does.
type memJobs struct {
	mu             sync.Mutex
	seq            int
	rows           map[string]*Job
	markRunningErr error
}

func newMemJobs() *memJobs {
	return &memJobs{rows: make(map[string]*Job)}
}

func (m *memJobs) Create(_ context.Context, p CreateJobParams) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	job := &Job{
		ID:             fmt.Sprintf("job-%d", m.seq),
		ScheduleID:     p.ScheduleID,
		OrganizationID: p.OrganizationID,
		Source:         p.Source,
		ConnectionID:   p.ConnectionID,
		Trigger:        p.Trigger,
		Status:         JobPending,
		CursorBefore:   p.CursorBefore,
		CreatedAt:      p.CreatedAt,
	}
	m.rows[job.ID] = job
	cp := *job
	return &cp, nil
}

func (m *memJobs) GetByID(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *memJobs) MarkRunning(ctx context.Context, id string, startedAt time.Time) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markRunningErr != nil {
		return nil, m.markRunningErr
	}
	row, ok := m.rows[id]
	if !ok || row.Status != JobPending {
		return nil, ErrJobNotPending
	}
	row.Status = JobRunning
	row.StartedAt = &startedAt
	cp := *row
	return &cp, nil
}

func (m *memJobs) Complete(ctx context.Context, id string, p CompleteJobParams) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status.IsTerminal() {
		return nil, ErrJobFinished
	}
	row.Status = p.Status
	row.CursorAfter = p.CursorAfter
	row.ItemsSynced = p.ItemsSynced
	row.ItemsCreated = p.ItemsCreated
	row.ItemsUpdated = p.ItemsUpdated
	row.ItemsSkipped = p.ItemsSkipped
	row.ErrorMessage = p.ErrorMessage
	completed := p.CompletedAt
	row.CompletedAt = &completed
	cp := *row
	return &cp, nil
}

func (m *memJobs) ListRecentByOrganization(_ context.Context, organizationID string, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, row := range m.rows {
		if row.OrganizationID == organizationID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memJobs) FailStaleRunning(_ context.Context, cutoff time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.Status == JobRunning && row.StartedAt != nil && row.StartedAt.Before(cutoff) {
			row.Status = JobFailed
			msg := message
			row.ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

func (m *memJobs) all() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.rows))
	for _, row := range m.rows {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memWebhooks struct {
	mu   sync.Mutex
	seq  int
	rows map[string]*WebhookEvent
}

func newMemWebhooks() *memWebhooks {
	return &memWebhooks{rows: make(map[string]*WebhookEvent)}
}

func (m *memWebhooks) Create(_ context.Context, p CreateWebhookEventParams) (*WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ev := &WebhookEvent{
		ID:         fmt.Sprintf("wh-%d", m.seq),
		Source:     p.Source,
		EventType:  p.EventType,
		RawPayload: p.RawPayload,
		ReceivedAt: p.ReceivedAt,
	}
	m.rows[ev.ID] = ev
	cp := *ev
	return &cp, nil
}

func (m *memWebhooks) MarkProcessed(_ context.Context, id string, p ProcessWebhookEventParams) (*WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.rows[id]
	ev.Processed = true
	ev.ConnectionID = p.ConnectionID
	ev.OrganizationID = p.OrganizationID
	ev.SyncJobID = p.SyncJobID
	ev.Error = p.Error
	at := p.ProcessedAt
	ev.ProcessedAt = &at
	cp := *ev
	return &cp, nil
}

type memConnections struct {
	mu      sync.Mutex
	rows    map[string]*connection.Connection
	updated []connection.Tokens
}

func newMemConnections(conns ...*connection.Connection) *memConnections {
	m := &memConnections{rows: make(map[string]*connection.Connection)}
	for _, c := range conns {
		m.rows[c.ID] = c
	}
	return m
}

func (m *memConnections) Create(_ context.Context, params connection.CreateParams) (*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.Source == params.Source && c.ExternalID == params.ExternalID {
			c.Status = connection.StatusActive
			c.AccessToken = params.Tokens.AccessToken
			c.RefreshToken = params.Tokens.RefreshToken
			cp := *c
			return &cp, nil
		}
	}
	c := &connection.Connection{
		ID:             fmt.Sprintf("conn-%d", len(m.rows)+1),
		OrganizationID: params.OrganizationID,
		Source:         params.Source,
		ExternalID:     params.ExternalID,
		Status:         connection.StatusActive,
		AccessToken:    params.Tokens.AccessToken,
		RefreshToken:   params.Tokens.RefreshToken,
		TokenExpiresAt: params.Tokens.ExpiresAt,
	}
	m.rows[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *memConnections) GetByID(_ context.Context, id string) (*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memConnections) GetByExternalID(_ context.Context, source connection.Source, externalID string) (*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.Source == source && c.ExternalID == externalID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memConnections) ListByOrganization(_ context.Context, organizationID string) ([]*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*connection.Connection
	for _, c := range m.rows {
		if c.OrganizationID == organizationID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memConnections) UpdateTokens(_ context.Context, id string, tokens connection.Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.rows[id]
	c.AccessToken = tokens.AccessToken
	c.RefreshToken = tokens.RefreshToken
	c.TokenExpiresAt = tokens.ExpiresAt
	m.updated = append(m.updated, tokens)
	return nil
}

func (m *memConnections) MarkExpired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.rows[id]
	c.Status = connection.StatusExpired
	return nil
}

func (m *memConnections) status(id string) connection.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

type memLedger struct {
	mu           sync.Mutex
	transactions map[string]ledger.Transaction
	invoices     map[string]ledger.Invoice
}

func newMemLedger() *memLedger {
	return &memLedger{transactions: make(map[string]ledger.Transaction), invoices: make(map[string]ledger.Invoice)}
}

func (m *memLedger) UpsertTransactions(_ context.Context, txns []ledger.Transaction) (ledger.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res ledger.UpsertResult
	for _, t := range txns {
		key := t.ConnectionID + "/" + t.ExternalID
		old, exists := m.transactions[key]
		switch {
		case !exists:
			res.Created++
		case old.Amount.Equal(t.Amount) && old.Date.Equal(t.Date) && old.VendorName == t.VendorName:
			res.Skipped++
			continue
		default:
			res.Updated++
		}
		m.transactions[key] = t
	}
	return res, nil
}

func (m *memLedger) UpsertInvoices(_ context.Context, invoices []ledger.Invoice) (ledger.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res ledger.UpsertResult
	for _, inv := range invoices {
		key := inv.ConnectionID + "/" + inv.ExternalID
		if _, exists := m.invoices[key]; exists {
			res.Updated++
		} else {
			res.Created++
		}
		m.invoices[key] = inv
	}
	return res, nil
}

func (m *memLedger) ListTransactions(context.Context, string, *ledger.DateRange) ([]*ledger.Transaction, error) {
	return nil, nil
}

func (m *memLedger) ListInvoices(context.Context, string, *ledger.DateRange) ([]*ledger.Invoice, error) {
	return nil, nil
}

func (m *memLedger) CountTransactions(context.Context, string) (int, error) {
	return len(m.transactions), nil
}

// fakeAdapter scripts provider responses per call.
type fakeAdapter struct {
	source connection.Source

	mu           sync.Mutex
	fetchErrs    []error
	refreshErr   error
	transactions []ledger.Transaction
	invoices     []ledger.Invoice
	bills        []ledger.Invoice
	cursor       *string
	tokensSeen   []string
	windows      []ledger.DateRange
	refreshCalls int
	panicOnFetch bool
	block        chan struct{}
	onFetch      func()
}

func (f *fakeAdapter) Source() connection.Source { return f.source }

func (f *fakeAdapter) RefreshCredentials(_ context.Context, conn *connection.Connection) (connection.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return connection.Tokens{}, f.refreshErr
	}
	return connection.Tokens{AccessToken: fmt.Sprintf("refreshed-%d", f.refreshCalls)}, nil
}

func (f *fakeAdapter) nextErr(token string, window ledger.DateRange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnFetch {
		panic("adapter exploded")
	}
	f.tokensSeen = append(f.tokensSeen, token)
	f.windows = append(f.windows, window)
	if len(f.fetchErrs) == 0 {
		return nil
	}
	err := f.fetchErrs[0]
	f.fetchErrs = f.fetchErrs[1:]
	return err
}

func (f *fakeAdapter) FetchTransactions(_ context.Context, creds Credentials, window ledger.DateRange) (TransactionBatch, error) {
	if f.block != nil {
		<-f.block
	}
	if f.onFetch != nil {
		f.onFetch()
	}
	if err := f.nextErr(creds.AccessToken, window); err != nil {
		return TransactionBatch{}, err
	}
	return TransactionBatch{Transactions: f.transactions, Cursor: f.cursor}, nil
}

func (f *fakeAdapter) FetchInvoices(_ context.Context, creds Credentials, window ledger.DateRange) ([]ledger.Invoice, error) {
	if err := f.nextErr(creds.AccessToken, window); err != nil {
		return nil, err
	}
	return f.invoices, nil
}

func (f *fakeAdapter) FetchBills(_ context.Context, creds Credentials, window ledger.DateRange) ([]ledger.Invoice, error) {
	if err := f.nextErr(creds.AccessToken, window); err != nil {
		return nil, err
	}
	return f.bills, nil
}

type recordingAlerter struct {
	mu       sync.Mutex
	expired  []string
	circuits []string
}

func (r *recordingAlerter) ConnectionExpired(_ context.Context, conn *connection.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, conn.ID)
	return nil
}

func (r *recordingAlerter) CircuitOpened(_ context.Context, s *Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits = append(r.circuits, s.ID)
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []string
}

func (r *recordingPublisher) PublishSyncCompleted(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job.ID)
	return nil
}

type countingReconciler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingReconciler) RunReconciliation(context.Context, string, *ledger.DateRange) (*reconciliation.RunResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &reconciliation.RunResult{}, nil
}
