package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/punchsync/internal/dedup"
	"github.com/roach88/punchsync/internal/metrics"
	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/reconcile"
	"github.com/roach88/punchsync/internal/resolve"
)

// DefaultSweepInterval is how often Run re-resolves every organization.
const DefaultSweepInterval = 5 * time.Minute

// Store is the persistence the pipeline needs. *store.Store implements it.
type Store interface {
	dedup.EventLog
	resolve.Directory
	reconcile.Store
	MarkProcessed(ctx context.Context, eventID, employeeID string, attendanceID int64) (bool, error)
	UnprocessedEvents(ctx context.Context, orgID string, limit int) ([]punch.RawPunchEvent, error)
	ListOrganizations(ctx context.Context) ([]punch.Organization, error)
}

// Options configures a Pipeline.
type Options struct {
	IDs             punch.IDGenerator
	Clock           punch.Clock
	OvernightGrace  time.Duration
	LockStripes     int
	RetryMaxElapsed time.Duration
	// SweepInterval is the period of the full re-resolution sweep in Run.
	// Negative disables the sweep.
	SweepInterval time.Duration
	Metrics       *metrics.Metrics
	Log           *slog.Logger
}

// Outcome is the result of ingesting one event.
type Outcome struct {
	Status     dedup.Verdict `json:"status"`
	EventID    string        `json:"event_id"`
	Processed  bool          `json:"processed"`
	EmployeeID string        `json:"employee_id,omitempty"`
}

// Pipeline runs dedup, resolve and reconcile for every punch.
//
// Thread-safety: safe for concurrent use. Run must be called at most once.
type Pipeline struct {
	store      Store
	dedup      *dedup.Deduplicator
	resolver   *resolve.Resolver
	reconciler *reconcile.Reconciler
	queue      *orgQueue
	sweep      time.Duration
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// New builds a pipeline over st.
func New(st Store, opts Options) *Pipeline {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Pipeline{
		store:    st,
		dedup:    dedup.New(st, opts.IDs, opts.Clock),
		resolver: resolve.New(st, opts.Log),
		reconciler: reconcile.New(st, reconcile.Options{
			OvernightGrace:  opts.OvernightGrace,
			LockStripes:     opts.LockStripes,
			RetryMaxElapsed: opts.RetryMaxElapsed,
			Log:             opts.Log,
		}),
		queue:   newOrgQueue(),
		sweep:   opts.SweepInterval,
		metrics: opts.Metrics,
		log:     opts.Log,
	}
}

// Reconciler returns the attendance reconciler, for administrative amendments.
func (p *Pipeline) Reconciler() *reconcile.Reconciler {
	return p.reconciler
}

// Ingest admits and processes one event. A duplicate is reported with the
// stored event's id and processed flag. Failures after admission are logged
// and leave the event unprocessed for Reresolve; only a failed admission is
// returned as an error.
func (p *Pipeline) Ingest(ctx context.Context, ev punch.RawPunchEvent) (Outcome, error) {
	adm, err := p.dedup.Admit(ctx, ev)
	if err != nil {
		return Outcome{}, fmt.Errorf("ingest: %w", err)
	}
	p.metrics.EventIngested(string(ev.Source), string(adm.Verdict))

	out := Outcome{
		Status:     adm.Verdict,
		EventID:    adm.Event.ID,
		Processed:  adm.Event.Processed,
		EmployeeID: adm.Event.EmployeeID,
	}
	if adm.Verdict == dedup.Duplicate {
		p.log.Debug("duplicate punch", "event_id", out.EventID, "device", ev.DeviceID)
		return out, nil
	}

	employeeID, processed, err := p.process(ctx, adm.Event)
	switch {
	case err != nil:
		p.metrics.ReconcileFailed()
		p.log.Error("punch stored but not reconciled", "event_id", out.EventID, "device", ev.DeviceID, "err", err)
	case !processed:
		p.metrics.EventUnresolved()
		p.log.Info("punch stored unresolved",
			"event_id", out.EventID,
			"org", ev.OrgID,
			"device", ev.DeviceID,
			"device_user", ev.DeviceUserID,
		)
	default:
		out.Processed = true
		out.EmployeeID = employeeID
	}
	return out, nil
}

// process resolves and reconciles a stored event. processed is false when
// the identity did not resolve.
func (p *Pipeline) process(ctx context.Context, ev punch.RawPunchEvent) (employeeID string, processed bool, err error) {
	res, err := p.resolver.Resolve(ctx, ev.OrgID, ev.DeviceID, ev.DeviceUserID)
	if err != nil {
		return "", false, err
	}
	if !res.Resolved {
		return "", false, nil
	}

	rec, err := p.reconciler.Apply(ctx, res.Employee, ev.Kind, ev.Timestamp)
	if err != nil {
		return "", false, err
	}

	marked, err := p.store.MarkProcessed(ctx, ev.ID, res.Employee.ID, rec.ID)
	if err != nil {
		return "", false, err
	}
	if !marked {
		p.log.Debug("event already processed concurrently", "event_id", ev.ID)
	}
	return res.Employee.ID, true, nil
}

// Reresolve re-runs resolution and reconciliation over every unprocessed
// event of an organization, oldest punch first, and returns how many became
// processed. Per-event failures are logged and skipped.
func (p *Pipeline) Reresolve(ctx context.Context, orgID string) (int, error) {
	events, err := p.store.UnprocessedEvents(ctx, orgID, 0)
	if err != nil {
		return 0, fmt.Errorf("reresolve %s: %w", orgID, err)
	}

	count := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		_, processed, err := p.process(ctx, ev)
		if err != nil {
			p.metrics.ReconcileFailed()
			p.log.Error("reresolve event failed", "event_id", ev.ID, "err", err)
			continue
		}
		if processed {
			count++
		}
	}

	if len(events) > 0 {
		p.log.Info("reresolve finished", "org", orgID, "pending", len(events), "processed", count)
	}
	return count, nil
}

// Schedule queues an organization for asynchronous re-resolution by Run.
// Returns false once Run has stopped.
func (p *Pipeline) Schedule(orgID string) bool {
	return p.queue.Enqueue(orgID)
}

// Run processes scheduled re-resolutions and the periodic sweep until ctx is
// cancelled or Stop is called.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("pipeline starting")

	var tick <-chan time.Time
	if p.sweep > 0 {
		ticker := time.NewTicker(p.sweep)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if orgID, ok := p.queue.TryDequeue(); ok {
			if _, err := p.Reresolve(ctx, orgID); err != nil && ctx.Err() == nil {
				p.log.Error("scheduled reresolve failed", "org", orgID, "err", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopping: context cancelled")
			p.queue.Close()
			return ctx.Err()

		case <-tick:
			p.scheduleAll(ctx)

		case <-p.queue.Wait():
			// The signal channel closes with the queue
			if p.queue.Closed() && p.queue.Len() == 0 {
				p.log.Info("pipeline stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue, which makes Run return.
func (p *Pipeline) Stop() {
	p.queue.Close()
}

func (p *Pipeline) scheduleAll(ctx context.Context) {
	orgs, err := p.store.ListOrganizations(ctx)
	if err != nil {
		p.log.Error("sweep: list organizations", "err", err)
		return
	}
	for _, org := range orgs {
		p.queue.Enqueue(org.ID)
	}
}
