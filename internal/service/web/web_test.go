package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_checker/internal/shared/types"
	"liuproxy_checker/proxypool/model"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type staticSource []model.ProxyRecord

func (s staticSource) All() []model.ProxyRecord {
	return append([]model.ProxyRecord(nil), s...)
}

type staticStatus struct {
	report *model.CycleReport
}

func (s staticStatus) Status() (model.CycleReport, bool) {
	if s.report == nil {
		return model.CycleReport{}, false
	}
	return *s.report, true
}

func newTestRouter(t *testing.T, cfg types.WebConf, src ProxySource, status StatusSource) (http.Handler, *Hub) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(testNow)
	hub := NewHub()
	router, err := NewRouter(cfg, NewHandler(src, status, hub, clk), hub)
	require.NoError(t, err)
	return router, hub
}

func TestHandleProxies(t *testing.T) {
	src := staticSource{
		{IP: "5.6.7.8", Port: 3128, DelayMs: 812.3456, Country: "France", Updated: testNow.Add(-90 * time.Second), Anonymity: model.AnonymityTransparent, Protocol: "http"},
		{IP: "1.2.3.4", Port: 8080, DelayMs: 51.239, Country: "Germany", Updated: testNow.Add(-3 * time.Hour), Anonymity: model.AnonymityElite, Protocol: "http"},
	}
	router, _ := newTestRouter(t, types.WebConf{}, src, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []ProxyView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)

	// 按延迟升序，且不做 TTL 过滤
	assert.Equal(t, "1.2.3.4", got[0].IP)
	assert.Equal(t, 51.24, got[0].DelayMs)
	assert.Equal(t, 180.0, got[0].UpdatedMinutesAgo)
	assert.Equal(t, model.AnonymityElite, got[0].Anonymity)

	assert.Equal(t, "5.6.7.8", got[1].IP)
	assert.Equal(t, 812.35, got[1].DelayMs)
	assert.Equal(t, 1.5, got[1].UpdatedMinutesAgo)
	assert.Equal(t, float64(testNow.Add(-90*time.Second).Unix()), got[1].UpdatedTimestamp)
}

func TestHandleProxies_EmptyIsArray(t *testing.T) {
	router, _ := newTestRouter(t, types.WebConf{}, staticSource{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/proxies", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	report := &model.CycleReport{ID: "cycle-1", Candidates: 10, Verified: 3}
	router, hub := newTestRouter(t, types.WebConf{}, staticSource{}, staticStatus{report: report})
	hub.PublishProgress(model.CycleProgress{CycleID: "cycle-1", CurrentStep: 4, TotalSteps: 10, WorkingCount: 2})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.LastCycle)
	assert.Equal(t, "cycle-1", got.LastCycle.ID)
	assert.Equal(t, 3, got.LastCycle.Verified)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 4, got.Progress.CurrentStep)
	assert.Equal(t, 2, got.Progress.WorkingCount)
}

func TestHandleStatus_NoCycleYet(t *testing.T) {
	router, _ := newTestRouter(t, types.WebConf{}, staticSource{}, staticStatus{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.JSONEq(t, `{"last_cycle": null, "progress": null, "clients": 0}`, rec.Body.String())
}

func TestRouter_BasicAuth(t *testing.T) {
	router, _ := newTestRouter(t, types.WebConf{User: "admin", Password: "secret"}, staticSource{}, nil)

	for _, path := range []string{"/", "/stat", "/api/proxies", "/api/status"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.SetBasicAuth("admin", "secret")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	// /metrics 不需要认证
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_Pages(t *testing.T) {
	router, _ := newTestRouter(t, types.WebConf{}, staticSource{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stat", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/ws")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub() // Run 未启动，没有任何消费者

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 10*broadcastBuffer; i++ {
			hub.PublishProgress(model.CycleProgress{CurrentStep: i, TotalSteps: 10 * broadcastBuffer})
		}
		hub.CycleFinished(model.CycleReport{ID: "x"})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked without a running hub")
	}
	p, ok := hub.LatestProgress()
	require.True(t, ok)
	assert.Equal(t, 10*broadcastBuffer, p.CurrentStep)
}

func TestHub_WebSocketBroadcast(t *testing.T) {
	router, hub := newTestRouter(t, types.WebConf{}, staticSource{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.PublishProgress(model.CycleProgress{CycleID: "c1", CurrentStep: 1, TotalSteps: 2, WorkingCount: 1})
	hub.CycleFinished(model.CycleReport{ID: "c1", Verified: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "progress_update", msg.Type)
	var p model.CycleProgress
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	assert.Equal(t, model.CycleProgress{CycleID: "c1", CurrentStep: 1, TotalSteps: 2, WorkingCount: 1}, p)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "cycle_finished", msg.Type)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
