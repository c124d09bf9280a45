package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/punchsync/internal/pipeline"
	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/store"
	"github.com/roach88/punchsync/internal/testutil"
)

// Harness executes one scenario against a private store.
type Harness struct {
	store      *store.Store
	pipeline   *pipeline.Pipeline
	clock      *testutil.FixedClock
	classifier *punch.Classifier
	logger     *slog.Logger
}

// sequenceIDs numbers events in arrival order so traces are reproducible.
type sequenceIDs struct{ n int }

func (g *sequenceIDs) Generate() string {
	g.n++
	return fmt.Sprintf("ev-%04d", g.n)
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database under a fixed clock with
// sequential event ids, so identical scenarios produce identical results.
// The returned error reports harness failures (bad setup, storage errors);
// failed expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithClassifier(scenario, nil)
}

// RunWithClassifier is Run with custom brand code tables.
func RunWithClassifier(scenario *Scenario, classifier *punch.Classifier) (*Result, error) {
	start, err := scenario.clockStart()
	if err != nil {
		return nil, err
	}
	grace, err := scenario.grace()
	if err != nil {
		return nil, err
	}
	if classifier == nil {
		classifier = punch.NewClassifier(nil)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewFixedClock(start)
	h := &Harness{
		store: st,
		pipeline: pipeline.New(st, pipeline.Options{
			IDs:            &sequenceIDs{},
			Clock:          clock,
			OvernightGrace: grace,
			SweepInterval:  -1,
			Log:            logger,
		}),
		clock:      clock,
		classifier: classifier,
		logger:     logger,
	}

	ctx := context.Background()
	result := NewResult()

	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	h.executeFlow(ctx, scenario.Flow, result)

	result.Attendance, err = st.ListAttendance(ctx, store.AttendanceFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read attendance: %w", err)
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep) error {
	for i, step := range setup {
		var err error
		a := args(step.Args)
		switch step.Action {
		case SetupOrg:
			err = h.store.UpsertOrganization(ctx, punch.Organization{
				ID:       a.str("id"),
				Name:     a.str("name"),
				Timezone: a.strOr("timezone", "UTC"),
			})
		case SetupEmployee:
			err = h.store.UpsertEmployee(ctx, punch.Employee{
				ID:     a.str("id"),
				OrgID:  a.str("org"),
				Code:   a.str("code"),
				Name:   a.str("name"),
				Active: a.boolOr("active", true),
			})
		case SetupDevice:
			id := a.str("id")
			_, err = h.store.CreateDevice(ctx, punch.Device{
				ID:        id,
				OrgID:     a.str("org"),
				Name:      a.str("name"),
				Brand:     a.str("brand"),
				Serial:    a.str("serial"),
				Timezone:  a.str("timezone"),
				Mode:      punch.DeviceMode(a.str("mode")),
				APIKey:    punch.APIKeyPrefix + "scenario-" + id,
				CreatedAt: h.clock.Now(),
			})
		case SetupMapping:
			_, err = h.store.UpsertMapping(ctx, a.mapping())
		default:
			err = fmt.Errorf("unknown action %q", step.Action)
		}
		if err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
		h.logger.Info("setup step completed", "step", i, "action", step.Action)
	}
	return nil
}

// executeFlow runs every step, recording each outcome in the trace and
// checking expect clauses. A failing step does not stop the flow.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) {
	for i, step := range flow {
		tev := TraceEvent{Step: i, Invoke: step.Invoke, Args: step.Args}
		res, outcome, err := h.execute(ctx, step.Invoke, args(step.Args))
		if err != nil {
			tev.Case = CaseError
			tev.Result = map[string]any{"error": err.Error()}
		} else {
			tev.Case = outcome
			tev.Result = res
		}
		result.AddTrace(tev)

		if msg := checkExpect(i, step, tev); msg != "" {
			result.AddError(msg)
		}
		h.logger.Info("flow step completed", "step", i, "action", step.Invoke, "case", tev.Case)
	}
}

func checkExpect(i int, step FlowStep, tev TraceEvent) string {
	if step.Expect == nil {
		if tev.Case == CaseError {
			return fmt.Sprintf("flow[%d] %s failed: %v", i, step.Invoke, tev.Result["error"])
		}
		return ""
	}
	if tev.Case != step.Expect.Case {
		return fmt.Sprintf("flow[%d] %s: expected case %q, got %q (%v)", i, step.Invoke, step.Expect.Case, tev.Case, tev.Result)
	}
	for key, want := range step.Expect.Result {
		got, ok := tev.Result[key]
		if !ok || !looseEqual(want, got) {
			return fmt.Sprintf("flow[%d] %s: expected %s = %v, got %v", i, step.Invoke, key, want, got)
		}
	}
	return ""
}

func (h *Harness) execute(ctx context.Context, invoke string, a args) (map[string]any, string, error) {
	switch invoke {
	case InvokePunch:
		return h.punch(ctx, a)

	case InvokeMap:
		m, err := h.store.UpsertMapping(ctx, a.mapping())
		if err != nil {
			return nil, "", err
		}
		n, err := h.pipeline.Reresolve(ctx, m.OrgID)
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"resolved": n}, CaseOK, nil

	case InvokeReresolve:
		n, err := h.pipeline.Reresolve(ctx, a.str("org"))
		if err != nil {
			return nil, "", err
		}
		return map[string]any{"resolved": n}, CaseOK, nil

	case InvokeAmend:
		rec, err := h.pipeline.Reconciler().Amend(ctx, a.str("employee"), a.str("date"), a.amendment())
		if err != nil {
			return nil, "", err
		}
		return recordFields(rec), CaseOK, nil

	case InvokeAdvance:
		d, err := time.ParseDuration(a.str("duration"))
		if err != nil {
			return nil, "", fmt.Errorf("advance: %w", err)
		}
		now := h.clock.Advance(d)
		return map[string]any{"now": now.Format(time.RFC3339)}, CaseOK, nil
	}
	return nil, "", fmt.Errorf("unknown action %q", invoke)
}

// punch delivers one event the way a device transport would: naive
// timestamps are read in the device zone, else the organization zone.
func (h *Harness) punch(ctx context.Context, a args) (map[string]any, string, error) {
	dev, err := h.store.GetDevice(ctx, a.str("device"))
	if err != nil {
		return nil, "", err
	}
	loc, err := h.location(ctx, dev)
	if err != nil {
		return nil, "", err
	}

	ts, err := a.timestamp("timestamp", loc)
	if err != nil {
		return nil, "", err
	}

	kind := punch.KindUnknown
	switch {
	case a.has("kind"):
		if kind, err = punch.ParseEventKind(a.str("kind")); err != nil {
			return nil, "", err
		}
	case a.has("code"):
		kind = h.classifier.Classify(dev.Brand, a.num("code"))
	}

	ev := punch.RawPunchEvent{
		OrgID:           dev.OrgID,
		DeviceID:        dev.ID,
		DeviceUserID:    a.str("user"),
		Kind:            kind,
		Timestamp:       ts,
		ExternalEventID: a.str("external_id"),
		Source:          punch.Source(a.strOr("source", string(punch.SourcePush))),
		Payload:         "{}",
	}
	out, err := h.pipeline.Ingest(ctx, ev)
	if err != nil {
		return nil, "", err
	}

	res := map[string]any{
		"event_id":  out.EventID,
		"processed": out.Processed,
	}
	if out.EmployeeID != "" {
		res["employee_id"] = out.EmployeeID
	}
	return res, string(out.Status), nil
}

func (h *Harness) location(ctx context.Context, dev punch.Device) (*time.Location, error) {
	if dev.Timezone != "" {
		return punch.LoadLocation(dev.Timezone), nil
	}
	org, err := h.store.GetOrganization(ctx, dev.OrgID)
	if err != nil {
		return nil, err
	}
	return org.Location(), nil
}

// recordFields flattens an attendance record for matching and snapshots.
func recordFields(rec punch.AttendanceRecord) map[string]any {
	return map[string]any{
		"employee_id":   rec.EmployeeID,
		"date":          rec.Date,
		"clock_in":      instant(rec.ClockIn),
		"clock_out":     instant(rec.ClockOut),
		"break_minutes": rec.BreakMinutes,
		"status":        string(rec.Status),
		"total_hours":   rec.TotalHours,
		"notes":         rec.Notes,
	}
}

func instant(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
