package station

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/event"
	"mes-kiosk/internal/fsm"
	"mes-kiosk/internal/issue"
	"mes-kiosk/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob(op string) types.JobContext {
	return types.JobContext{WorkOrderID: "WO-1001", PartID: "PN-77", OperationName: op}
}

func newTestRun(t *testing.T, def Definition, job types.JobContext) (*Run, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink("tenant-a")
	r, err := NewRun(context.Background(), def, job, Options{
		Actor:  "op-7",
		Writer: audit.SyncWriter{Sink: sink},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, sink
}

func actions(sink *audit.MemorySink) []string {
	entries := sink.Snapshot()
	out := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Action)
	}
	return out
}

func countAction(sink *audit.MemorySink, action string) int {
	n := 0
	for _, a := range actions(sink) {
		if a == action {
			n++
		}
	}
	return n
}

func TestRun_ChecklistToCompletion(t *testing.T) {
	def := Definition{
		Name: types.StationCNC,
		Phases: []PhaseDef{
			{Title: "One", Checks: []string{"A", "B"}},
			{Title: "Two", Checks: []string{"C"}},
		},
		Next: []RouteDef{{Operation: "Deburr", Station: types.StationCNC}},
	}
	r, sink := newTestRun(t, def, testJob("Rough Mill"))

	_, err := r.Advance(context.Background())
	require.ErrorIs(t, err, ErrChecklistIncomplete)

	_, err = r.Toggle(0, "A")
	require.NoError(t, err)
	_, err = r.Advance(context.Background())
	require.ErrorIs(t, err, ErrChecklistIncomplete)

	_, err = r.Toggle(0, "B")
	require.NoError(t, err)
	tr, err := r.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateChecklist, tr.To)
	assert.Equal(t, 1, tr.PhaseIndex)

	_, err = r.Toggle(0, "A")
	assert.ErrorIs(t, err, ErrNotCurrentPhase)

	_, err = r.Toggle(1, "C")
	require.NoError(t, err)
	tr, err = r.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFinished, tr.To)

	payload, err := r.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.CompletionPayload{
		WorkOrderID:       "WO-1001",
		PartID:            "PN-77",
		OperationName:     "Rough Mill",
		StationName:       types.StationCNC,
		NextOperationName: "Deburr",
		NextStationName:   types.StationCNC,
	}, payload)
	assert.Equal(t, StateReleased, r.State())

	_, err = r.Finish(context.Background())
	assert.ErrorIs(t, err, ErrWrongState)
	assert.Equal(t, []string{"CNC_STARTED", "CNC_COMPLETE"}, actions(sink))
}

func TestRun_ToggleOutsideChecklist(t *testing.T) {
	def := Definition{Name: types.StationCNC, Phases: []PhaseDef{{Title: "Only", Checks: []string{"A"}}}}
	r, _ := newTestRun(t, def, testJob("Op"))
	_, err := r.Toggle(0, "A")
	require.NoError(t, err)
	_, err = r.Advance(context.Background())
	require.NoError(t, err)

	_, err = r.Toggle(0, "A")
	assert.ErrorIs(t, err, ErrWrongState)
	_, err = r.Advance(context.Background())
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestRun_AuditCarriesJobAndCompliance(t *testing.T) {
	def := Definition{
		Name:           types.StationAutoclave,
		Phases:         []PhaseDef{{Title: "Only", Checks: []string{"A"}}},
		ComplianceFlag: audit.ComplianceITAR,
	}
	r, sink := newTestRun(t, def, testJob("Cure"))
	_, _ = r.Toggle(0, "A")
	_, err := r.Advance(context.Background())
	require.NoError(t, err)

	entries := sink.Snapshot()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "AUTOCLAVE_STARTED", e.Action)
	assert.Equal(t, "WO-1001", e.ObjectID)
	assert.Equal(t, "WORK_ORDER", e.ObjectType)
	assert.Equal(t, "op-7", e.User)
	assert.Equal(t, audit.ComplianceITAR, e.ComplianceFlag)
	assert.Equal(t, audit.CategoryProduction, e.Category)
	assert.NotEmpty(t, e.TraceID)
	assert.Contains(t, e.Details, "PN-77")
}

func TestRun_AutoclaveManualTicks(t *testing.T) {
	var def Definition
	for _, d := range Defaults() {
		if d.Name == types.StationAutoclave {
			def = d
		}
	}
	def.ProgressIntervalMs = 0
	r, sink := newTestRun(t, def, testJob("Cure Cycle"))

	for i := 0; i < r.gate.Len(); i++ {
		for _, c := range r.gate.Phase(i).Required() {
			_, err := r.Toggle(i, c)
			require.NoError(t, err)
		}
		_, err := r.Advance(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, StateArmed, r.State())
	assert.Empty(t, actions(sink), "ARMED is not yet execution")

	_, err := r.Tick()
	assert.ErrorIs(t, err, ErrWrongState)

	next, err := r.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, next)
	assert.Equal(t, []string{"AUTOCLAVE_STARTED"}, actions(sink))

	_, err = r.Start(context.Background())
	assert.ErrorIs(t, err, ErrWrongState)

	for i := 1; i < 20; i++ {
		p, err := r.Tick()
		require.NoError(t, err)
		assert.Equal(t, i*5, p)
		assert.Equal(t, StateRunning, r.State())
	}
	p, err := r.Tick()
	require.NoError(t, err)
	assert.Equal(t, 100, p)
	assert.Equal(t, StateCooling, r.State())
	assert.Equal(t, 0, r.Progress())

	for i := 0; i < 20; i++ {
		_, err := r.Tick()
		require.NoError(t, err)
	}
	assert.Equal(t, StateFinished, r.State())

	_, err = r.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, countAction(sink, "AUTOCLAVE_STARTED"))
	assert.Equal(t, 1, countAction(sink, "AUTOCLAVE_COMPLETE"))
}

// brokenSink 拒绝所有写入
type brokenSink struct{ attempts []string }

func (b *brokenSink) LogAction(_ context.Context, rec audit.Record) audit.Result {
	b.attempts = append(b.attempts, rec.Action)
	return audit.Result{Err: errors.New("disk full")}
}

func TestRun_AuditFailureDoesNotBlockTransitions(t *testing.T) {
	def := Definition{
		Name:         types.StationCNC,
		Phases:       []PhaseDef{{Title: "Only", Checks: []string{"A"}}},
		Stages:       []StageDef{{State: StateRunning, Timed: true}},
		ProgressStep: 50,
		Next:         []RouteDef{{Operation: "Inspect", Station: types.StationCertification}},
	}
	sink := &brokenSink{}
	r, err := NewRun(context.Background(), def, testJob("Mill"), Options{
		Actor:  "op-7",
		Writer: audit.SyncWriter{Sink: sink, Logger: quietLogger()},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	_, err = r.Toggle(0, "A")
	require.NoError(t, err)
	tr, err := r.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, tr.To)

	for r.State() == StateRunning {
		_, err := r.Tick()
		require.NoError(t, err)
	}
	assert.Equal(t, StateFinished, r.State())

	payload, err := r.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StationCertification, payload.NextStationName)
	assert.Equal(t, StateReleased, r.State())
	assert.Equal(t, []string{"CNC_STARTED", "CNC_COMPLETE"}, sink.attempts)
}

type stuckProgress struct{ readings []int }

func (s *stuckProgress) Tick() int {
	v := s.readings[0]
	if len(s.readings) > 1 {
		s.readings = s.readings[1:]
	}
	return v
}

func TestRun_ProgressMonotonicAndClamped(t *testing.T) {
	def := Definition{
		Name:         types.StationAdditive,
		Phases:       []PhaseDef{{Title: "Only", Checks: []string{"A"}}},
		Stages:       []StageDef{{State: StateRunning, Timed: true}},
		ProgressStep: 1,
	}
	src := &stuckProgress{readings: []int{40, 20, 60, 250}}
	r, err := NewRun(context.Background(), def, testJob("Build"), Options{
		Writer:   audit.SyncWriter{Sink: audit.NewMemorySink("t")},
		Logger:   quietLogger(),
		Progress: func(*Definition, fsm.State) ProgressSource { return src },
	})
	require.NoError(t, err)
	defer r.Close()

	_, _ = r.Toggle(0, "A")
	_, err = r.Advance(context.Background())
	require.NoError(t, err)

	var got []int
	for i := 0; i < 4; i++ {
		p, err := r.Tick()
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, []int{40, 40, 60, 100}, got)
	assert.Equal(t, StateFinished, r.State())
}

func TestRun_TimerAdvancesAndStopsOnClose(t *testing.T) {
	def := Definition{
		Name:               types.StationAdditive,
		Phases:             []PhaseDef{{Title: "Only", Checks: []string{"A"}}},
		Stages:             []StageDef{{State: StateRunning, Timed: true}},
		ProgressStep:       25,
		ProgressIntervalMs: 5,
	}
	r, sink := newTestRun(t, def, testJob("Build"))
	_, _ = r.Toggle(0, "A")
	_, err := r.Advance(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.State() == StateFinished }, time.Second, 5*time.Millisecond)
	assert.False(t, r.timerActive())
	assert.Equal(t, 1, countAction(sink, "ADDITIVE_STARTED"))

	slow := def
	slow.ProgressStep = 1
	slow.ProgressIntervalMs = 5
	r2, _ := newTestRun(t, slow, testJob("Build"))
	_, _ = r2.Toggle(0, "A")
	_, err = r2.Advance(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r2.Progress() > 0 }, time.Second, 5*time.Millisecond)

	r2.Close()
	assert.Equal(t, StateAborted, r2.State())
	frozen := r2.Progress()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, r2.Progress())
	assert.False(t, r2.timerActive())

	r2.Close()
	assert.Equal(t, StateAborted, r2.State())
}

func certificationDef() Definition {
	for _, d := range Defaults() {
		if d.Name == types.StationCertification {
			return d
		}
	}
	panic("certification definition missing")
}

func TestRun_CertificationFailCreatesSingleNCR(t *testing.T) {
	r, sink := newTestRun(t, certificationDef(), testJob("Final Inspection"))
	require.Equal(t, 3, r.gate.Len(), "First Article phase only applies to FAI jobs")

	_, err := r.Advance(context.Background())
	require.ErrorIs(t, err, ErrChecklistIncomplete)

	require.NoError(t, r.MarkResult(ResultFail))
	tr, err := r.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateChecklist, tr.To)
	assert.Equal(t, 0, tr.PhaseIndex)
	require.NotNil(t, tr.Escalation)
	assert.Equal(t, types.IssueInspectionFailure, tr.Escalation.Draft().IssueType)
	assert.Equal(t, types.SeverityMajor, tr.Escalation.Draft().Severity)

	_, err = r.Advance(context.Background())
	assert.ErrorIs(t, err, ErrEscalationOpen)

	assert.Equal(t, 1, countAction(sink, audit.ActionNCRCreated))
	assert.Equal(t, 0, r.PhaseIndex())
	assert.True(t, r.Snapshot().Escalated)

	flow := r.Escalation()
	_, err = flow.Next()
	require.NoError(t, err)
	_, err = flow.Next()
	require.NoError(t, err)
	_, err = flow.Next()
	require.NoError(t, err)
	_, err = flow.Submit(context.Background())
	require.NoError(t, err)
	out, err := flow.Return()
	require.NoError(t, err)
	assert.Equal(t, issue.DispositionAbandon, out.Disposition)

	require.NoError(t, r.Halt())
	assert.Equal(t, StateHalted, r.State())
	assert.Equal(t, 0, countAction(sink, "CERTIFICATION_STARTED"))
	assert.Equal(t, 0, countAction(sink, "CERTIFICATION_COMPLETE"))
}

func TestRun_CertificationPassAllPhases(t *testing.T) {
	r, sink := newTestRun(t, certificationDef(), testJob("FAI Inspection"))
	require.Equal(t, 4, r.gate.Len())

	for i := 0; i < r.gate.Len(); i++ {
		for _, c := range r.gate.Phase(i).Required() {
			_, err := r.Toggle(i, c)
			require.NoError(t, err)
		}
		_, err := r.Advance(context.Background())
		require.ErrorIs(t, err, ErrResultRequired)
		require.NoError(t, r.MarkResult(ResultPass))
		_, err = r.Advance(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, StateFinished, r.State())

	payload, err := r.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StationID("SHIPPING"), payload.NextStationName)
	assert.Equal(t, []string{"CERTIFICATION_STARTED", "CERTIFICATION_COMPLETE"}, actions(sink))
	for _, e := range sink.Snapshot() {
		assert.Equal(t, audit.ComplianceCUI, e.ComplianceFlag)
	}
}

func TestRun_MarkResultRequiresInspection(t *testing.T) {
	def := Definition{Name: types.StationCNC, Phases: []PhaseDef{{Title: "Only", Checks: []string{"A"}}}}
	r, _ := newTestRun(t, def, testJob("Op"))
	assert.ErrorIs(t, r.MarkResult(ResultFail), ErrNotInspection)
}

func TestRun_HaltOnlyFromChecklist(t *testing.T) {
	def := Definition{Name: types.StationCNC, Phases: []PhaseDef{{Title: "Only", Checks: []string{"A"}}}}
	r, _ := newTestRun(t, def, testJob("Op"))
	_, _ = r.Toggle(0, "A")
	_, err := r.Advance(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Halt(), ErrWrongState)
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	bus := event.NewSyncBus()
	var seen []event.EventType
	var left []event.Event
	for _, et := range []event.EventType{event.RunMounted, event.RunStarted, event.RunReleased} {
		bus.Subscribe(et, func(e event.Event) { seen = append(seen, e.Type) })
	}
	bus.Subscribe(event.StageLeft, func(e event.Event) { left = append(left, e) })

	def := Definition{Name: types.StationCNC, Phases: []PhaseDef{{Title: "Only", Checks: []string{"A"}}}}
	r, err := NewRun(context.Background(), def, testJob("Op"), Options{
		Writer: audit.SyncWriter{Sink: audit.NewMemorySink("t")},
		Logger: quietLogger(),
		Bus:    bus,
	})
	require.NoError(t, err)
	_, _ = r.Toggle(0, "A")
	_, err = r.Advance(context.Background())
	require.NoError(t, err)
	_, err = r.Finish(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []event.EventType{event.RunMounted, event.RunStarted, event.RunReleased}, seen)
	require.Len(t, left, 2)
	assert.Equal(t, StateChecklist, left[0].State)
	assert.Equal(t, StateFinished, left[1].State)
}

func TestRun_SnapshotShowsCurrentPhase(t *testing.T) {
	def := Definition{Name: types.StationCNC, Phases: []PhaseDef{{Title: "Setup", Checks: []string{"B", "A"}}}}
	r, _ := newTestRun(t, def, testJob("Op"))
	_, _ = r.Toggle(0, "A")

	s := r.Snapshot()
	assert.Equal(t, StateChecklist, s.State)
	require.NotNil(t, s.Phase)
	assert.Equal(t, "Setup", s.Phase.Title)
	assert.Equal(t, []string{"A"}, s.Phase.Completed)
	assert.False(t, s.Phase.Satisfied)
	assert.Equal(t, 1, s.PhaseCount)
}

func TestNewRun_RejectsBadInput(t *testing.T) {
	good := Definition{Name: types.StationCNC, Phases: []PhaseDef{{Title: "Only", Checks: []string{"A"}}}}
	opts := Options{Writer: audit.SyncWriter{Sink: audit.NewMemorySink("t")}, Logger: quietLogger()}

	_, err := NewRun(context.Background(), good, types.JobContext{PartID: "P"}, opts)
	assert.Error(t, err)

	_, err = NewRun(context.Background(), Definition{Name: types.StationCNC}, testJob("Op"), opts)
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = NewRun(context.Background(), good, testJob("Op"), Options{})
	assert.Error(t, err)

	gated := Definition{Name: types.StationCNC, Phases: []PhaseDef{{Title: "Only", Checks: []string{"A"}, Rule: `job.PartID == "nope"`}}}
	_, err = NewRun(context.Background(), gated, testJob("Op"), opts)
	assert.ErrorIs(t, err, ErrNoApplicablePhases)
}

func TestDefinition_Validate(t *testing.T) {
	for _, d := range Defaults() {
		d := d
		assert.NoError(t, d.Validate(), d.Name)
	}

	cases := map[string]Definition{
		"reserved stage": {Name: "X", Phases: []PhaseDef{{Title: "p"}}, Stages: []StageDef{{State: StateFinished}}},
		"repeated stage": {Name: "X", Phases: []PhaseDef{{Title: "p"}}, ProgressStep: 1,
			Stages: []StageDef{{State: StateRunning, Timed: true}, {State: StateRunning, Timed: true}}},
		"timed without step": {Name: "X", Phases: []PhaseDef{{Title: "p"}}, Stages: []StageDef{{State: StateRunning, Timed: true}}},
		"bad compliance":     {Name: "X", Phases: []PhaseDef{{Title: "p"}}, ComplianceFlag: "SECRET"},
	}
	for name, d := range cases {
		d := d
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, d.Validate(), ErrInvalidDefinition)
		})
	}
}

func TestRules_PhaseSelectionAndRouting(t *testing.T) {
	def := Definition{
		Name: types.StationCNC,
		Phases: []PhaseDef{
			{Title: "Always"},
			{Title: "Rough only", Rule: `job.OperationName contains "Rough"`},
			{Title: "Broken", Rule: `job.Nope >`},
		},
	}
	phases := buildPhases(&def, testJob("Finish Pass"), quietLogger())
	titles := make([]string, 0, len(phases))
	for _, p := range phases {
		titles = append(titles, p.Title)
	}
	assert.Equal(t, []string{"Always", "Broken"}, titles)

	var cnc Definition
	for _, d := range Defaults() {
		if d.Name == types.StationCNC {
			cnc = d
		}
	}
	route, err := cnc.ResolveNext(testJob("Rough Mill"))
	require.NoError(t, err)
	assert.Equal(t, types.StationCNC, route.Station)
	assert.Equal(t, "Finish Machining", route.Operation)

	route, err = cnc.ResolveNext(testJob("Finish Machining"))
	require.NoError(t, err)
	assert.Equal(t, types.StationCertification, route.Station)

	broken := Definition{Name: "X", Next: []RouteDef{{Rule: "1 +", Station: "Y"}}}
	_, err = broken.ResolveNext(testJob("Op"))
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "route"))
}
