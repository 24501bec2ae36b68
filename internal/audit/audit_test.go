package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-kiosk/internal/util"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewEntry_FillsDefaultsAndClassifies(t *testing.T) {
	ctx := util.ContextWithTraceID(context.Background(), "trace-1")
	e, err := NewEntry(ctx, Record{Actor: "CERT-01", Action: ActionNCRCreated, ObjectID: "WO-1"}, "tenant-1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(e.ID, "AUD-"))
	assert.Equal(t, RoleOperator, e.Role)
	assert.Equal(t, CategoryQuality, e.Category)
	assert.Equal(t, OutcomeFlagged, e.Result)
	assert.Equal(t, "tenant-1", e.TenantID)
	assert.Equal(t, "WORK_ORDER", e.ObjectType)
	assert.Equal(t, "trace-1", e.TraceID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		action   string
		category Category
		outcome  Outcome
	}{
		{"CNC_STARTED", CategoryProduction, OutcomeSuccess},
		{"AUTOCLAVE_COMPLETE", CategoryProduction, OutcomeSuccess},
		{ActionQualityIssueFlagged, CategoryQuality, OutcomeFlagged},
		{"ASSIST_REQUEST_CLEANUP", CategoryAssist, OutcomeSuccess},
		{"SESSION_OPENED", CategorySystem, OutcomeSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			c, o := Classify(tt.action)
			assert.Equal(t, tt.category, c)
			assert.Equal(t, tt.outcome, o)
		})
	}
}

func TestMemorySink_NewestFirstAndSubscribe(t *testing.T) {
	m := NewMemorySink("tenant-1")
	var seen []string
	unsubscribe := m.Subscribe(func(e Entry) { seen = append(seen, e.Action) })

	m.LogAction(context.Background(), Record{Action: "A_STARTED"})
	m.LogAction(context.Background(), Record{Action: "A_COMPLETE"})
	unsubscribe()
	m.LogAction(context.Background(), Record{Action: "B_STARTED"})

	list := m.Snapshot()
	require.Len(t, list, 3)
	assert.Equal(t, "B_STARTED", list[0].Action)
	assert.Equal(t, "A_STARTED", list[2].Action)
	assert.Equal(t, []string{"A_STARTED", "A_COMPLETE"}, seen)
}

// failingSink 对指定动作返回错误
type failingSink struct {
	mu     sync.Mutex
	fail   string
	writes []string
}

func (f *failingSink) LogAction(_ context.Context, rec Record) Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, rec.Action)
	if rec.Action == f.fail {
		return Result{Err: errors.New("disk full")}
	}
	return Result{Entry: Entry{Action: rec.Action}}
}

func TestRecorder_PreservesOrderAndReportsFailures(t *testing.T) {
	sink := &failingSink{fail: "B"}
	var failed []string
	var written []string
	r := NewRecorder(sink, discardLogger(),
		OnFailure(func(rec Record, err error) { failed = append(failed, rec.Action) }),
		OnWritten(func(e Entry) { written = append(written, e.Action) }),
	)
	defer r.Close()

	for _, a := range []string{"A", "B", "C", "D"} {
		r.Record(context.Background(), Record{Action: a})
	}
	r.Flush()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C", "D"}, sink.writes)
	assert.Equal(t, []string{"B"}, failed)
	assert.Equal(t, []string{"A", "C", "D"}, written)
}

func TestRecorder_WriteSurvivesCallerCancellation(t *testing.T) {
	sink := NewMemorySink("tenant-1")
	r := NewRecorder(sink, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	r.Record(ctx, Record{Action: "CNC_STARTED"})
	cancel()
	r.Close()

	assert.Len(t, sink.Snapshot(), 1)
}

func TestRecorder_DropsAfterClose(t *testing.T) {
	sink := NewMemorySink("tenant-1")
	r := NewRecorder(sink, discardLogger())
	r.Close()
	r.Record(context.Background(), Record{Action: "CNC_STARTED"})
	r.Flush()
	assert.Empty(t, sink.Snapshot())
}

func TestRemoteSink_PostsEntryWithTraceHeader(t *testing.T) {
	var gotTrace string
	var stored []Entry
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			gotTrace = r.Header.Get(util.TraceHeader)
			var e Entry
			require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
			stored = append([]Entry{e}, stored...)
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			json.NewEncoder(w).Encode(stored)
		}
	}))
	defer server.Close()

	s := NewRemoteSink(server.URL, "tenant-1", discardLogger())
	ctx := util.ContextWithTraceID(context.Background(), "trace-42")
	res := s.LogAction(ctx, Record{Actor: "CNC-01", Action: "CNC_STARTED", ObjectID: "WO-1"})
	require.NoError(t, res.Err)
	assert.Equal(t, "trace-42", gotTrace)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.Entry.ID, list[0].ID)
}

func TestRemoteSink_ServerErrorIsReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := NewRemoteSink(server.URL, "tenant-1", discardLogger())
	res := s.LogAction(context.Background(), Record{Action: "CNC_STARTED"})
	assert.Error(t, res.Err)
	assert.False(t, res.OK())
}
