package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_checker/proxypool/model"
	"liuproxy_checker/proxypool/scraper"
	"liuproxy_checker/proxypool/storage"
	"liuproxy_checker/proxypool/validator"
)

const (
	testTTL      = time.Hour
	testInterval = 30 * time.Minute
)

type stubScraper struct {
	mu      sync.Mutex
	proxies []model.ProxyCandidate
}

func (s *stubScraper) Name() string { return "stub" }

func (s *stubScraper) Scrape(ctx context.Context) ([]model.ProxyCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxies, nil
}

func (s *stubScraper) set(proxies ...model.ProxyCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies = proxies
}

type stubFallback []model.ProxyCandidate

func (f stubFallback) Load() []model.ProxyCandidate { return f }

// fakeVerifier 只通过 good 集合中的候选，并记录每次收到的输入。
type fakeVerifier struct {
	clock  clock.Clock
	good   map[string]bool
	panics bool

	mu    sync.Mutex
	calls [][]model.ProxyCandidate
}

func (v *fakeVerifier) Run(ctx context.Context, candidates []model.ProxyCandidate, sink validator.ProgressSink) []model.ProxyRecord {
	v.mu.Lock()
	v.calls = append(v.calls, candidates)
	v.mu.Unlock()
	if v.panics {
		panic("verifier exploded")
	}

	var working []model.ProxyRecord
	for i, c := range candidates {
		if v.good[c.Key()] {
			working = append(working, model.ProxyRecord{
				IP:        c.IP,
				Port:      c.Port,
				DelayMs:   42,
				Country:   "Germany",
				Updated:   v.clock.Now(),
				Anonymity: model.AnonymityElite,
				Protocol:  model.ProtocolHTTP,
			})
		}
		sink.PublishProgress(model.CycleProgress{CurrentStep: i + 1, TotalSteps: len(candidates), WorkingCount: len(working)})
	}
	return working
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// spyStorage 记录写操作次数，读操作返回空。
type spyStorage struct {
	saves  atomic.Int32
	prunes atomic.Int32
}

func (s *spyStorage) Save(records []model.ProxyRecord)           { s.saves.Add(1) }
func (s *spyStorage) Load(ttl time.Duration) []model.ProxyRecord { return nil }
func (s *spyStorage) Prune(ttl time.Duration) int                { s.prunes.Add(1); return 0 }
func (s *spyStorage) All() []model.ProxyRecord                   { return nil }
func (s *spyStorage) Close() error                               { return nil }

type recordingObserver struct {
	mu       sync.Mutex
	progress []model.CycleProgress
	reports  []model.CycleReport
}

func (o *recordingObserver) PublishProgress(p model.CycleProgress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, p)
}

func (o *recordingObserver) CycleFinished(r model.CycleReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

func (o *recordingObserver) reportCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reports)
}

func newClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return clk
}

var (
	proxyA = model.ProxyCandidate{IP: "1.2.3.4", Port: 8080}
	proxyB = model.ProxyCandidate{IP: "5.6.7.8", Port: 3128}
)

func TestRunCycle_StaleRecordPrunedOnNextCycle(t *testing.T) {
	clk := newClock()
	store, err := storage.OpenBadger(storage.MemoryPath, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	src := &stubScraper{}
	verifier := &fakeVerifier{clock: clk, good: map[string]bool{proxyA.Key(): true}}
	m := NewManager(store, verifier, []scraper.Scraper{src}, nil, Options{TTL: testTTL, Interval: testInterval, Clock: clk})

	// 周期 1：A 通过验证并被保存。
	src.set(proxyA)
	r1 := m.RunCycle(context.Background())
	assert.Equal(t, 1, r1.Candidates)
	assert.Equal(t, 1, r1.Verified)
	assert.Zero(t, r1.Pruned)
	loaded := store.Load(testTTL)
	require.Len(t, loaded, 1)
	assert.Equal(t, proxyA.Key(), loaded[0].Key())

	// 周期 2：A 已过期，不再作为候选；B 验证失败，但清理仍会删除 A。
	clk.Add(testTTL + time.Second)
	src.set(proxyB)
	r2 := m.RunCycle(context.Background())
	assert.Equal(t, 0, r2.Fresh)
	assert.Equal(t, 1, r2.Candidates)
	assert.Zero(t, r2.Verified)
	assert.Equal(t, 1, r2.Pruned)

	assert.Empty(t, store.Load(testTTL))
	assert.Empty(t, store.All())
}

func TestRunCycle_FreshRecordsAreRechecked(t *testing.T) {
	clk := newClock()
	store, err := storage.OpenBadger(storage.MemoryPath, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	verifier := &fakeVerifier{clock: clk, good: map[string]bool{proxyA.Key(): true, proxyB.Key(): true}}
	src := &stubScraper{}
	src.set(proxyA, proxyB)
	m := NewManager(store, verifier, []scraper.Scraper{src}, stubFallback{proxyB}, Options{TTL: testTTL, Interval: testInterval, Clock: clk})

	m.RunCycle(context.Background())
	clk.Add(10 * time.Minute)
	src.set()

	r := m.RunCycle(context.Background())
	assert.Equal(t, 2, r.Fresh)
	assert.Equal(t, 1, r.Fallback)
	assert.Equal(t, 2, r.Candidates)
	require.Equal(t, 2, verifier.callCount())
	assert.ElementsMatch(t, []model.ProxyCandidate{proxyA, proxyB}, verifier.calls[1])

	// 重新验证刷新了 updated。
	for _, rec := range store.All() {
		assert.Equal(t, clk.Now(), rec.Updated)
	}
}

func TestRunCycle_EmptyCandidatesSkipsEverything(t *testing.T) {
	clk := newClock()
	store := &spyStorage{}
	verifier := &fakeVerifier{clock: clk}
	obs := &recordingObserver{}
	m := NewManager(store, verifier, []scraper.Scraper{&stubScraper{}}, stubFallback{}, Options{
		TTL: testTTL, Interval: testInterval, Clock: clk, Sink: obs, Notifier: obs,
	})

	r := m.RunCycle(context.Background())
	assert.True(t, r.Skipped)
	assert.False(t, r.Failed)
	assert.Zero(t, verifier.callCount())
	assert.Zero(t, store.saves.Load())
	assert.Zero(t, store.prunes.Load())
	assert.Empty(t, obs.progress)
	assert.Equal(t, 1, obs.reportCount())
}

func TestRunCycle_PanicStillPrunes(t *testing.T) {
	clk := newClock()
	store := &spyStorage{}
	verifier := &fakeVerifier{clock: clk, panics: true}
	obs := &recordingObserver{}
	m := NewManager(store, verifier, nil, stubFallback{proxyA}, Options{
		TTL: testTTL, Interval: testInterval, Clock: clk, Notifier: obs,
	})

	var r model.CycleReport
	require.NotPanics(t, func() { r = m.RunCycle(context.Background()) })
	assert.True(t, r.Failed)
	assert.Zero(t, store.saves.Load())
	assert.EqualValues(t, 1, store.prunes.Load())

	status, ok := m.Status()
	require.True(t, ok)
	assert.Equal(t, r.ID, status.ID)
	assert.Equal(t, 1, obs.reportCount())
}

func TestRunCycle_ProgressStampedWithCycleID(t *testing.T) {
	clk := newClock()
	verifier := &fakeVerifier{clock: clk, good: map[string]bool{proxyA.Key(): true}}
	obs := &recordingObserver{}
	m := NewManager(&spyStorage{}, verifier, nil, stubFallback{proxyA, proxyB}, Options{
		TTL: testTTL, Interval: testInterval, Clock: clk, Sink: obs, Notifier: obs,
	})

	r := m.RunCycle(context.Background())
	require.Len(t, obs.progress, 2)
	for _, p := range obs.progress {
		assert.Equal(t, r.ID, p.CycleID)
	}
	assert.Equal(t, 1, obs.progress[1].WorkingCount)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, clk.Now(), r.Started)
}

func TestStatus_BeforeFirstCycle(t *testing.T) {
	m := NewManager(&spyStorage{}, &fakeVerifier{}, nil, nil, Options{TTL: testTTL, Interval: testInterval})
	_, ok := m.Status()
	assert.False(t, ok)
}

func TestStartStop_RunsImmediatelyThenEveryInterval(t *testing.T) {
	clk := newClock()
	obs := &recordingObserver{}
	verifier := &fakeVerifier{clock: clk}
	m := NewManager(&spyStorage{}, verifier, nil, stubFallback{proxyA}, Options{
		TTL: testTTL, Interval: testInterval, Clock: clk, Notifier: obs,
	})

	m.Start(context.Background())
	require.Eventually(t, func() bool { return obs.reportCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// 不推进时钟就不会有第二个周期。
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, obs.reportCount())

	require.Eventually(t, func() bool {
		clk.Add(testInterval)
		return obs.reportCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	n := obs.reportCount()
	clk.Add(testInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, obs.reportCount())
}

type panickingNotifier struct{}

func (panickingNotifier) CycleFinished(model.CycleReport) { panic("notifier exploded") }

func TestRunCycle_NotifierPanicIsRecovered(t *testing.T) {
	clk := newClock()
	store := &spyStorage{}
	m := NewManager(store, &fakeVerifier{clock: clk}, nil, stubFallback{proxyA}, Options{
		TTL: testTTL, Interval: testInterval, Clock: clk, Notifier: panickingNotifier{},
	})

	var r model.CycleReport
	require.NotPanics(t, func() { r = m.RunCycle(context.Background()) })
	assert.False(t, r.Failed)
	assert.EqualValues(t, 1, store.prunes.Load())

	status, ok := m.Status()
	require.True(t, ok)
	assert.Equal(t, r.ID, status.ID)
}
