package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/abtest/internal/sanitize"
	"github.com/yourorg/abtest/internal/store"
	"github.com/yourorg/abtest/pkg/types"
)

type recordingSink struct {
	mu             sync.Mutex
	participations []types.Participation
	events         []types.Event
	err            error
}

func (r *recordingSink) Participation(_ context.Context, p types.Participation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participations = append(r.participations, p)
	return r.err
}

func (r *recordingSink) Event(_ context.Context, e types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestStoreSink(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "abtest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := NewStoreSink(st, nil)
	require.NoError(t, s.Participation(ctx, types.Participation{ExperimentID: "button_style", Variant: "shadow", UserID: "u1"}))
	require.NoError(t, s.Event(ctx, types.Event{EventType: "bounce", UserID: "u1", Experiments: map[string]string{"button_style": "shadow"}}))

	ps, err := st.ListParticipations(ctx, store.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	es, err := st.ListEvents(ctx, store.Filter{ExperimentID: "button_style"})
	require.NoError(t, err)
	require.Len(t, es, 1)
}

func TestStoreSinkRedactsBeforeSaving(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "abtest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := NewStoreSink(st, sanitize.New(sanitize.Config{
		Fields:      []string{"password"},
		QueryParams: []string{"token"},
		Replacement: "***REDACTED***",
	}))
	data := map[string]any{"password": "hunter2", "form": "login"}
	require.NoError(t, s.Event(ctx, types.Event{EventType: "login", UserID: "u1", EventData: data, URL: "http://x/?token=abc"}))
	require.NoError(t, s.Participation(ctx, types.Participation{ExperimentID: "button_style", Variant: "shadow", UserID: "u1", URL: "http://x/?token=abc"}))

	es, err := st.ListEvents(ctx, store.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, "***REDACTED***", es[0].EventData["password"])
	assert.Equal(t, "login", es[0].EventData["form"])
	assert.NotContains(t, es[0].URL, "abc")
	assert.Equal(t, "hunter2", data["password"], "caller's map must not change")

	ps, err := st.ListParticipations(ctx, store.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.NotContains(t, ps[0].URL, "abc")
}

func TestMultiAttemptsEverySink(t *testing.T) {
	boom := errors.New("boom")
	failing := &recordingSink{err: boom}
	ok := &recordingSink{}
	m := Multi{failing, ok}

	err := m.Participation(context.Background(), types.Participation{ExperimentID: "a"})
	require.ErrorIs(t, err, boom)
	err = m.Event(context.Background(), types.Event{EventType: "x"})
	require.ErrorIs(t, err, boom)

	assert.Len(t, ok.participations, 1)
	assert.Len(t, ok.events, 1)
	assert.Len(t, failing.participations, 1)

	require.NoError(t, Multi{ok, Discard{}}.Event(context.Background(), types.Event{}))
}

func TestHTTPSinkPostsWirePayloads(t *testing.T) {
	var mu sync.Mutex
	got := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "tok", r.Header.Get("X-CSRFToken"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		got[r.URL.Path] = body
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(types.IngestResponse{Status: "success", Message: "ok"})
	}))
	defer srv.Close()

	s := NewHTTPSink(srv.URL+"/", time.Second)
	s.Header = http.Header{"X-CSRFToken": {"tok"}}
	ts := time.UnixMilli(1700000000123).UTC()

	require.NoError(t, s.Participation(context.Background(), types.Participation{ExperimentID: "button_style", Variant: "rounded", UserID: "u1", Timestamp: ts, URL: "https://example.com/"}))
	require.NoError(t, s.Event(context.Background(), types.Event{EventType: "scroll_depth", EventData: map[string]any{"depth": 0.75}, UserID: "u1", Timestamp: ts, Experiments: map[string]string{"button_style": "rounded"}}))

	p := got[types.ParticipationPath]
	require.NotNil(t, p)
	assert.Equal(t, "button_style", p["experimentId"])
	assert.Equal(t, "u1", p["userId"])
	assert.Equal(t, float64(1700000000123), p["timestamp"])

	e := got[types.EventPath]
	require.NotNil(t, e)
	assert.Equal(t, "scroll_depth", e["eventType"])
	assert.Equal(t, map[string]any{"button_style": "rounded"}, e["experiments"])
	assert.Equal(t, map[string]any{"depth": 0.75}, e["eventData"])
}

func TestHTTPSinkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(types.IngestResponse{Status: "error", Message: "Invalid JSON data"})
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL, time.Second).Event(context.Background(), types.Event{EventType: "x"})
	require.ErrorContains(t, err, "status 400")
	require.ErrorContains(t, err, "Invalid JSON data")

	srv.Close()
	err = NewHTTPSink(srv.URL, time.Second).Participation(context.Background(), types.Participation{})
	require.Error(t, err)
}
