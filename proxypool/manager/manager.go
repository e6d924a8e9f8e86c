package manager

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/internal/shared/metrics"
	"liuproxy_checker/proxypool/aggregator"
	"liuproxy_checker/proxypool/model"
	"liuproxy_checker/proxypool/scraper"
	"liuproxy_checker/proxypool/storage"
	"liuproxy_checker/proxypool/validator"
)

// Verifier 是对一批候选执行验证的组件。
type Verifier interface {
	Run(ctx context.Context, candidates []model.ProxyCandidate, sink validator.ProgressSink) []model.ProxyRecord
}

// FallbackSource 提供静态的备用候选列表。
type FallbackSource interface {
	Load() []model.ProxyCandidate
}

// Notifier 在每个周期结束时收到周期报告。
type Notifier interface {
	CycleFinished(report model.CycleReport)
}

// Options 配置调度行为与观察者。Sink 与 Notifier 可以为空。
type Options struct {
	TTL      time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Sink     validator.ProgressSink
	Notifier Notifier
}

// Manager 是代理池模块的总控制器，负责周期性地执行
// "加载 -> 抓取 -> 备用列表 -> 聚合 -> 验证 -> 保存 -> 清理" 流程。
type Manager struct {
	storage  storage.Storage
	verifier Verifier
	scrapers []scraper.Scraper
	fallback FallbackSource

	ttl      time.Duration
	interval time.Duration
	clock    clock.Clock
	sink     validator.ProgressSink
	notifier Notifier

	mu   sync.RWMutex
	last *model.CycleReport

	// 生命周期管理
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 创建并初始化代理池管理器。
func NewManager(store storage.Storage, verifier Verifier, scrapers []scraper.Scraper, fallback FallbackSource, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Sink == nil {
		opts.Sink = validator.NopSink{}
	}
	return &Manager{
		storage:  store,
		verifier: verifier,
		scrapers: scrapers,
		fallback: fallback,
		ttl:      opts.TTL,
		interval: opts.Interval,
		clock:    opts.Clock,
		sink:     opts.Sink,
		notifier: opts.Notifier,
	}
}

// Start 启动后台调度循环。第一个周期立即执行。
func (m *Manager) Start(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().
		Dur("interval", m.interval).
		Dur("ttl", m.ttl).
		Int("scrapers", len(m.scrapers)).
		Msg("Manager starting...")

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.schedulerLoop(ctx)
}

// schedulerLoop 是核心的调度循环：执行一个周期，休眠 interval，直到收到停止信号。
// 周期之间不会重叠。
func (m *Manager) schedulerLoop(ctx context.Context) {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	for {
		m.RunCycle(ctx)

		l.Debug().Dur("interval", m.interval).Msg("Sleeping until next cycle.")
		timer := m.clock.Timer(m.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			return
		}
	}
}

// Stop 停止调度循环并等待当前周期结束。
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
}

// Status 返回最近一个已完成周期的报告。
func (m *Manager) Status() (model.CycleReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return model.CycleReport{}, false
	}
	return *m.last, true
}

// RunCycle 执行一个完整的周期并返回报告。它从不 panic：
// 任何未捕获的失败都会被记录，报告标记为 Failed，且仍会执行清理。
// 候选集为空时跳过验证，也不写存储。
func (m *Manager) RunCycle(ctx context.Context) (report model.CycleReport) {
	l := logger.WithComponent("ProxyPool/Manager")

	report = model.CycleReport{
		ID:      uuid.NewString(),
		Started: m.clock.Now(),
	}
	l.Info().Str("cycle_id", report.ID).Msg("Starting new cycle...")

	defer func() {
		if r := recover(); r != nil {
			report.Failed = true
			l.Error().Str("cycle_id", report.ID).Interface("panic", r).Msg("Cycle failed.")
		}
		if !report.Skipped {
			report.Pruned = m.prune(report.ID)
		}
		report.Duration = m.clock.Since(report.Started)
		m.finish(report)
	}()

	fresh := m.storage.Load(m.ttl)
	report.Fresh = len(fresh)

	scraped := scraper.Discover(ctx, m.scrapers)
	report.Scraped = len(scraped)

	var fallback []model.ProxyCandidate
	if m.fallback != nil {
		fallback = m.fallback.Load()
	}
	report.Fallback = len(fallback)

	candidates := aggregator.Aggregate(fresh, scraped, fallback)
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		l.Warn().Str("cycle_id", report.ID).Msg("No proxies to check, skipping proxy check.")
		report.Skipped = true
		return report
	}

	working := m.verifier.Run(ctx, candidates, cycleSink{id: report.ID, inner: m.sink})
	report.Verified = len(working)
	metrics.WorkingProxies.Set(float64(len(working)))

	m.storage.Save(working)
	return report
}

func (m *Manager) prune(cycleID string) int {
	l := logger.WithComponent("ProxyPool/Manager")
	n := m.storage.Prune(m.ttl)
	l.Debug().Str("cycle_id", cycleID).Int("pruned", n).Msg("Old proxies cleaned up.")
	return n
}

func (m *Manager) finish(report model.CycleReport) {
	l := logger.WithComponent("ProxyPool/Manager")
	metrics.CycleDuration.Observe(report.Duration.Seconds())

	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifySafely(report)
	}

	l.Info().
		Str("cycle_id", report.ID).
		Int("candidates", report.Candidates).
		Int("verified", report.Verified).
		Int("pruned", report.Pruned).
		Bool("skipped", report.Skipped).
		Bool("failed", report.Failed).
		Msgf("Cycle completed in %.2fs.", report.Duration.Seconds())
}

func (m *Manager) notifySafely(report model.CycleReport) {
	defer func() {
		if r := recover(); r != nil {
			l := logger.WithComponent("ProxyPool/Manager")
			l.Error().Interface("panic", r).Msg("Cycle notifier panicked.")
		}
	}()
	m.notifier.CycleFinished(report)
}

// cycleSink stamps progress events with the id of the running cycle.
type cycleSink struct {
	id    string
	inner validator.ProgressSink
}

func (s cycleSink) PublishProgress(p model.CycleProgress) {
	p.CycleID = s.id
	s.inner.PublishProgress(p)
}
