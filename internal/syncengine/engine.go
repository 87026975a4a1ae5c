// Package syncengine mirrors the CRM contact collection into an in-memory
// snapshot, one cursor page at a time.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaycrm/internal/crm"
	"github.com/agentworkforce/relaycrm/internal/gateway"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

var ErrPartialSync = errors.New("partial sync")

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Source is the CRM surface a pass reads from.
type Source interface {
	Stats(ctx context.Context) (crm.Stats, error)
	CustomFields(ctx context.Context) ([]crm.Record, error)
	ListContacts(ctx context.Context, q crm.ContactsQuery) (crm.ContactPage, error)
	Contact(ctx context.Context, id string) (crm.Record, error)
	ContactAppointments(ctx context.Context, id string) ([]crm.Record, error)
	CalendarEvents(ctx context.Context, start, end time.Time) ([]crm.Record, error)
}

type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type Result struct {
	Status     Status    `json:"status"`
	Pages      int       `json:"pages"`
	Merged     int       `json:"merged"`
	Progress   Progress  `json:"progress"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`
}

const (
	DefaultPageSize          = 100
	DefaultPageDelay         = 100 * time.Millisecond
	DefaultMaxRetries        = 3
	DefaultRetryBaseDelay    = time.Second
	DefaultDeepSyncTimeout   = 30 * time.Second
	DefaultAppointmentWindow = 90 * 24 * time.Hour
)

// Options tune a pass. Zero values take the defaults above; a negative
// PageDelay or MaxRetries disables the throttle or the retries.
type Options struct {
	PageSize       int
	PageDelay      time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	Logger         Logger
	OnProgress     func(Progress)

	// DeepSyncTimeout bounds a shared single-contact fetch, which outlives
	// the callers waiting on it.
	DeepSyncTimeout time.Duration

	// AppointmentWindow is how far before and after the pass start the
	// bootstrap loads calendar events.
	AppointmentWindow time.Duration
}

type Engine struct {
	source Source
	opts   Options

	lock    *semaphore.Weighted
	running atomic.Bool
	deep    singleflight.Group

	mu           sync.RWMutex
	snapshot     map[string]crm.Record
	order        []string
	progress     Progress
	customFields []crm.Record
	appointments map[string][]crm.Record
	bookings     []crm.Record
	bookingsOK   bool
	last         *Result

	wait func(ctx context.Context, delay time.Duration) error
	now  func() time.Time

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func New(source Source, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	switch {
	case opts.PageDelay == 0:
		opts.PageDelay = DefaultPageDelay
	case opts.PageDelay < 0:
		opts.PageDelay = 0
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.DeepSyncTimeout <= 0 {
		opts.DeepSyncTimeout = DefaultDeepSyncTimeout
	}
	if opts.AppointmentWindow <= 0 {
		opts.AppointmentWindow = DefaultAppointmentWindow
	}
	return &Engine{
		source:       source,
		opts:         opts,
		lock:         semaphore.NewWeighted(1),
		snapshot:     map[string]crm.Record{},
		appointments: map[string][]crm.Record{},
		subs:         map[int]chan Event{},
		wait:         waitWithContext,
		now:          time.Now,
	}
}

// Run performs one full pass. A call made while another pass is active
// returns StatusSkipped without touching the network. Cancellation ends the
// pass with StatusCancelled and a nil error.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if !e.lock.TryAcquire(1) {
		e.logf("sync already running, skipping")
		return Result{Status: StatusSkipped, Progress: e.Progress()}, nil
	}
	return e.runLocked(ctx)
}

// Start takes the pass lock synchronously and runs the pass in the
// background. It reports false, without starting anything, when a pass is
// already active. The channel receives the result once; its Error field
// carries the failure.
func (e *Engine) Start(ctx context.Context) (<-chan Result, bool) {
	if !e.lock.TryAcquire(1) {
		e.logf("sync already running, skipping")
		return nil, false
	}
	done := make(chan Result, 1)
	go func() {
		result, _ := e.runLocked(ctx)
		done <- result
	}()
	return done, true
}

func (e *Engine) runLocked(ctx context.Context) (Result, error) {
	defer e.lock.Release(1)
	e.running.Store(true)
	defer e.running.Store(false)

	result, err := e.run(ctx)
	if err != nil {
		result.Error = err.Error()
	}
	e.mu.Lock()
	stored := result
	e.last = &stored
	e.mu.Unlock()
	e.publish(Event{Type: EventResult, Progress: result.Progress, Result: &stored})
	return result, err
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	result := Result{StartedAt: time.Now().UTC()}
	finish := func(status Status) Result {
		result.Status = status
		result.Progress = e.Progress()
		result.FinishedAt = time.Now().UTC()
		return result
	}
	if ctx.Err() != nil {
		return finish(StatusCancelled), nil
	}

	var stats crm.Stats
	err := e.withRetry(ctx, "bootstrap", func(ctx context.Context) error {
		var err error
		stats, err = e.source.Stats(ctx)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return finish(StatusCancelled), nil
		}
		return finish(StatusFailed), fmt.Errorf("sync bootstrap: %w", err)
	}
	fields, err := e.source.CustomFields(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return finish(StatusCancelled), nil
		}
		e.logf("sync custom field definitions unavailable: %v", err)
	}
	start := e.now().UTC()
	bookings, bookingsErr := e.source.CalendarEvents(ctx, start.Add(-e.opts.AppointmentWindow), start.Add(e.opts.AppointmentWindow))
	if bookingsErr != nil {
		if ctx.Err() != nil {
			return finish(StatusCancelled), nil
		}
		e.logf("sync calendar events unavailable, appointment filter disabled: %v", bookingsErr)
	}

	e.mu.Lock()
	e.snapshot = map[string]crm.Record{}
	e.order = nil
	e.progress = Progress{Total: stats.TotalContacts}
	if fields != nil {
		e.customFields = fields
	}
	e.bookings = bookings
	e.bookingsOK = bookingsErr == nil
	e.mu.Unlock()
	e.emitProgress()
	e.logf("sync started: %d contacts reported", stats.TotalContacts)

	var cursor *crm.Cursor
	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return finish(StatusCancelled), nil
		}
		q := crm.ContactsQuery{Limit: e.opts.PageSize}
		if cursor != nil {
			q.StartAfter = cursor.StartAfter
			q.StartAfterID = cursor.StartAfterID
		}
		var batch crm.ContactPage
		err := e.withRetry(ctx, fmt.Sprintf("page %d", page), func(ctx context.Context) error {
			var err error
			batch, err = e.source.ListContacts(ctx, q)
			return err
		})
		if ctx.Err() != nil {
			return finish(StatusCancelled), nil
		}
		if err != nil {
			e.logf("sync stopped at page %d, keeping %d records: %v", page, result.Merged, err)
			return finish(StatusPartial), fmt.Errorf("%w: page %d: %w", ErrPartialSync, page, err)
		}
		if len(batch.Contacts) == 0 {
			break
		}

		merged := e.merge(batch.Contacts, batch.Total)
		result.Pages = page
		result.Merged += merged
		progress := e.Progress()
		e.logf("sync page %d merged %d records (%d/%d)", page, merged, progress.Current, progress.Total)
		e.emitProgress()

		if !batch.Next.Complete() {
			if batch.Next != nil {
				e.logf("sync page %d returned an incomplete cursor, treating collection as exhausted", page)
			}
			break
		}
		if cursor.Equal(batch.Next) {
			e.logf("sync page %d returned the same cursor again, stopping", page)
			break
		}
		cursor = batch.Next
		if err := e.wait(ctx, e.opts.PageDelay); err != nil {
			return finish(StatusCancelled), nil
		}
	}
	e.logf("sync completed: %d pages, %d records", result.Pages, e.Len())
	return finish(StatusCompleted), nil
}

// merge upserts a batch by id and advances progress. Records without an id
// are dropped.
func (e *Engine) merge(batch []crm.Record, reportedTotal int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	merged := 0
	for _, record := range batch {
		id := record.ID()
		if id == "" {
			continue
		}
		if _, exists := e.snapshot[id]; !exists {
			e.order = append(e.order, id)
		}
		e.snapshot[id] = record
		merged++
	}
	if e.progress.Total == 0 && reportedTotal > 0 {
		e.progress.Total = reportedTotal
	}
	e.progress.Current += merged
	if e.progress.Total > 0 && e.progress.Current > e.progress.Total {
		e.progress.Current = e.progress.Total
	}
	return merged
}

// withRetry runs fn up to MaxRetries extra times with exponential backoff.
// Cancellation and authentication failures are returned immediately.
func (e *Engine) withRetry(ctx context.Context, label string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt >= e.opts.MaxRetries {
			return err
		}
		delay := e.retryDelay(attempt)
		e.logf("sync %s failed (attempt %d/%d), retrying in %s: %v", label, attempt+1, e.opts.MaxRetries+1, delay, err)
		if waitErr := e.wait(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

func (e *Engine) retryDelay(attempt int) time.Duration {
	return e.opts.RetryBaseDelay << attempt
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gateway.ErrUnauthenticated) || errors.Is(err, gateway.ErrReauthorizationRequired) {
		return false
	}
	return crm.Temporary(err)
}

// DeepSync re-fetches one contact and its appointments and upserts them. It
// does not take the pass lock. Concurrent calls for the same id share one
// fetch, which runs detached from any single caller so that one caller
// going away does not fail the others.
func (e *Engine) DeepSync(ctx context.Context, id string) (crm.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shared := context.WithoutCancel(ctx)
	results := e.deep.DoChan(id, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(shared, e.opts.DeepSyncTimeout)
		defer cancel()
		return e.deepSync(fetchCtx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(crm.Record), nil
	}
}

func (e *Engine) deepSync(ctx context.Context, id string) (crm.Record, error) {
	contact, err := e.source.Contact(ctx, id)
	if err != nil {
		return nil, err
	}
	appointments, apptErr := e.source.ContactAppointments(ctx, id)
	if apptErr != nil {
		e.logf("deep sync %s: appointments unavailable: %v", id, apptErr)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	contactID := contact.ID()
	if contactID == "" {
		contactID = id
		contact = contact.Clone()
		contact["id"] = id
	}
	e.mu.Lock()
	if _, exists := e.snapshot[contactID]; !exists {
		e.order = append(e.order, contactID)
	}
	e.snapshot[contactID] = contact
	if apptErr == nil {
		e.appointments[contactID] = appointments
	}
	e.mu.Unlock()
	return contact, nil
}

// Records returns the snapshot in first-merged order.
func (e *Engine) Records() []crm.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]crm.Record, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.snapshot[id])
	}
	return out
}

func (e *Engine) Snapshot() map[string]crm.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]crm.Record, len(e.snapshot))
	for id, record := range e.snapshot {
		out[id] = record
	}
	return out
}

func (e *Engine) Record(id string) (crm.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	record, ok := e.snapshot[id]
	return record, ok
}

func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.snapshot)
}

func (e *Engine) Progress() Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progress
}

func (e *Engine) CustomFields() []crm.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]crm.Record(nil), e.customFields...)
}

// Appointments returns the calendar events loaded at bootstrap followed by
// every deep-synced appointment list.
func (e *Engine) Appointments() []crm.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := append([]crm.Record(nil), e.bookings...)
	for _, id := range e.order {
		out = append(out, e.appointments[id]...)
	}
	return out
}

// AppointmentsKnown reports whether the last bootstrap loaded the calendar.
// Until it has, "no appointment" cannot be told apart from "not fetched".
func (e *Engine) AppointmentsKnown() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bookingsOK
}

func (e *Engine) AppointmentsFor(id string) []crm.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]crm.Record(nil), e.appointments[id]...)
}

func (e *Engine) LastResult() (Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) emitProgress() {
	progress := e.Progress()
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(progress)
	}
	e.publish(Event{Type: EventProgress, Progress: progress})
}

func (e *Engine) logf(format string, args ...any) {
	if e.opts.Logger == nil {
		return
	}
	e.opts.Logger.Printf(format, args...)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
