package test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-kiosk/internal/api"
	"mes-kiosk/internal/audit"
	"mes-kiosk/internal/config"
	"mes-kiosk/internal/event"
	"mes-kiosk/internal/handlers"
	"mes-kiosk/internal/kiosk"
	"mes-kiosk/internal/persistence"
	"mes-kiosk/internal/station"
	"mes-kiosk/internal/types"
	"mes-kiosk/internal/web"
)

const testConfig = `
actor: KIOSK-IT
tenant_id: plant-it
audit:
  backend: journal
assist:
  audit:
    REQUEST_QA: true
`

type testApp struct {
	server   *httptest.Server
	tracker  *web.StateTracker
	recorder *audit.Recorder
	journal  *persistence.JournalSink
	path     string
}

// setupTestApp 启动一个完整的应用实例以进行测试
func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o644))
	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")

	stations, err := cfg.StationDefinitions()
	require.NoError(t, err)
	for name, d := range stations {
		d.ProgressIntervalMs = 2
		stations[name] = d
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := web.NewStateTracker(nil)
	bus := event.NewBus()
	handlers.RegisterEventHandlers(bus, tracker, logger)

	journal, err := persistence.OpenJournal(cfg.Audit.Path, cfg.TenantID)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	recorder := audit.NewRecorder(journal, logger, audit.OnWritten(func(e audit.Entry) {
		bus.Publish(event.Event{Type: event.AuditWritten, Audit: &e})
	}))
	t.Cleanup(recorder.Close)

	session := kiosk.NewSession(kiosk.Options{
		Actor:     cfg.Actor,
		Writer:    recorder,
		Logger:    logger,
		Bus:       bus,
		Navigator: api.HubNavigator{Logger: logger},
		Stations:  stations,
		Policy:    cfg.AssistPolicy(),
	})
	t.Cleanup(session.Close)

	server := httptest.NewServer(api.NewServer(session, journal, nil, tracker, logger).Handler())
	t.Cleanup(server.Close)
	return &testApp{server: server, tracker: tracker, recorder: recorder, journal: journal, path: cfg.Audit.Path}
}

func (a *testApp) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(a.server.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testApp) state(t *testing.T) api.StateResponse {
	t.Helper()
	resp, err := http.Get(a.server.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st api.StateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func (a *testApp) completeChecklist(t *testing.T, inspection bool) {
	t.Helper()
	for {
		st := a.state(t)
		require.NotNil(t, st.Session.Run)
		run := st.Session.Run
		if run.State != station.StateChecklist {
			return
		}
		for _, c := range run.Phase.Required {
			resp := a.post(t, "/api/run/toggle", map[string]interface{}{"phaseIndex": run.PhaseIndex, "label": c})
			require.Equal(t, http.StatusOK, resp.StatusCode)
		}
		if inspection {
			resp := a.post(t, "/api/run/result", map[string]string{"result": "PASS"})
			require.Equal(t, http.StatusOK, resp.StatusCode)
		}
		resp := a.post(t, "/api/run/advance", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestHappyPath_AutoclaveCycle(t *testing.T) {
	app := setupTestApp(t)

	resp := app.post(t, "/api/scan", types.ScanResult{Station: types.StationAutoclave, Part: "SKIN-01", WO: "WO-100", Op: "Cure Cycle"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	app.completeChecklist(t, false)
	require.Equal(t, station.StateArmed, app.state(t).Session.Run.State)

	resp = app.post(t, "/api/run/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// RUNNING 和 COOLING 由计时器推进
	require.Eventually(t, func() bool {
		st := app.state(t)
		return st.Session.Run != nil && st.Session.Run.State == station.StateFinished
	}, 5*time.Second, 10*time.Millisecond)

	resp = app.post(t, "/api/run/finish", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload types.CompletionPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, types.StationCNC, payload.NextStationName)
	assert.Equal(t, "Trim and Drill", payload.NextOperationName)

	app.recorder.Flush()
	entries, err := app.journal.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "AUTOCLAVE_COMPLETE", entries[0].Action)
	assert.Equal(t, "AUTOCLAVE_STARTED", entries[1].Action)
	for _, e := range entries {
		assert.Equal(t, audit.ComplianceITAR, e.ComplianceFlag)
		assert.Equal(t, "plant-it", e.TenantID)
		assert.Equal(t, "KIOSK-IT", e.User)
	}

	// 看板最终显示已放行
	require.Eventually(t, func() bool {
		floor := app.tracker.GetStateSnapshot()
		return len(floor.RecentAudit) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestCertificationFailure_HaltsAndPersists(t *testing.T) {
	app := setupTestApp(t)

	resp := app.post(t, "/api/scan", types.ScanResult{Station: types.StationCertification, Part: "BRKT-7", WO: "WO-200", Op: "Final Inspection"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = app.post(t, "/api/run/result", map[string]string{"result": "FAIL"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = app.post(t, "/api/run/advance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := app.state(t)
	require.NotNil(t, st.Session.Issue)
	assert.Equal(t, types.IssueInspectionFailure, st.Session.Issue.Draft.IssueType)
	assert.Equal(t, 0, st.Session.Run.PhaseIndex)

	for i := 0; i < 3; i++ {
		resp = app.post(t, "/api/issue/next", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp = app.post(t, "/api/issue/submit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = app.post(t, "/api/issue/return", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Nil(t, app.state(t).Session.Run)

	app.recorder.Flush()
	require.NoError(t, app.journal.Close())

	// 重新打开日志文件，记录依然存在
	reopened, err := persistence.OpenJournal(app.path, "plant-it")
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionQualityIssueFlagged, entries[0].Action)
	assert.Equal(t, audit.ActionNCRCreated, entries[1].Action)
	assert.Equal(t, audit.CategoryQuality, entries[1].Category)
	assert.Equal(t, audit.OutcomeFlagged, entries[1].Result)
}

func TestAssist_ConfiguredPolicy(t *testing.T) {
	app := setupTestApp(t)
	resp := app.post(t, "/api/scan", types.ScanResult{Station: types.StationCNC, Part: "P", WO: "WO-300", Op: "Drill"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	for _, kind := range []types.AssistKind{types.AssistRequestQA, types.AssistCallSupervisor} {
		resp = app.post(t, "/api/assist/", nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp = app.post(t, "/api/assist/select", map[string]string{"kind": string(kind)})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp = app.post(t, "/api/assist/close", nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	app.recorder.Flush()
	entries, err := app.journal.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ASSIST_REQUEST_QA", entries[0].Action)
}
