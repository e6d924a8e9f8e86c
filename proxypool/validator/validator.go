package validator

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/internal/shared/metrics"
	"liuproxy_checker/internal/shared/types"
	"liuproxy_checker/proxypool/model"
)

// Outcome 是单个候选的终态：Record 非空表示验证通过，否则 Reason 给出拒绝原因。
type Outcome struct {
	Candidate model.ProxyCandidate
	Record    *model.ProxyRecord
	Reason    model.RejectReason
	Err       error
}

// Verified reports whether the candidate passed every check.
func (o Outcome) Verified() bool {
	return o.Record != nil
}

// Validator 在全局并发上限内验证候选代理。
type Validator struct {
	testURL    string
	maxWorkers int
	timeout    time.Duration
	maxDelay   time.Duration
	geo        Geolocator
	clock      clock.Clock

	// probe is replaceable in tests; it defaults to probeHTTP.
	probe func(ctx context.Context, c model.ProxyCandidate) probeResult

	pump       *progressPump
	drainGrace time.Duration
	stopOnce   sync.Once
}

// NewValidator 根据配置创建验证器。
func NewValidator(cfg types.ProxyConf, geo Geolocator, clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.New()
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	v := &Validator{
		testURL:    cfg.TestURL,
		maxWorkers: maxWorkers,
		timeout:    cfg.RequestTimeout(),
		maxDelay:   cfg.MaxDelay(),
		geo:        geo,
		clock:      clk,
		pump:       newProgressPump(),
		drainGrace: drainGrace,
	}
	v.probe = v.probeHTTP
	return v
}

// Close 停止进度投递协程。之后不应再调用 Run。
func (v *Validator) Close() {
	v.stopOnce.Do(v.pump.stop)
}

// Run 并发验证所有候选并返回通过验证的记录。
//
// 同时进行的检查不超过 maxWorkers 个。结果按完成顺序处理，每完成一个候选
// 就向 sink 发出一次进度事件 (CurrentStep 从 1 递增到 N)。空输入不产生任何事件。
// 返回的切片只属于本次调用。
func (v *Validator) Run(ctx context.Context, candidates []model.ProxyCandidate, sink ProgressSink) []model.ProxyRecord {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(candidates) == 0 {
		l.Warn().Msg("No proxies to check.")
		return nil
	}
	if sink == nil {
		sink = NopSink{}
	}

	total := len(candidates)
	l.Info().Int("count", total).Int("concurrency", v.maxWorkers).Msg("Starting validation batch...")
	start := time.Now()

	outcomes := make(chan Outcome)
	go func() {
		var wg sync.WaitGroup
		semaphore := make(chan struct{}, v.maxWorkers)

		for _, c := range candidates {
			semaphore <- struct{}{}
			wg.Add(1)

			go func(candidate model.ProxyCandidate) {
				defer wg.Done()
				defer func() { <-semaphore }()

				outcomes <- v.checkInSlot(ctx, candidate)
			}(c)
		}

		wg.Wait()
		close(outcomes)
	}()

	working := make([]model.ProxyRecord, 0)
	step, dropped := 0, 0
	for o := range outcomes {
		step++
		if o.Verified() {
			working = append(working, *o.Record)
			metrics.ChecksTotal.WithLabelValues("verified").Inc()
			metrics.CheckLatency.Observe(o.Record.DelayMs / 1000)
		} else {
			metrics.ChecksTotal.WithLabelValues(string(o.Reason)).Inc()
		}
		if !v.pump.publish(sink, model.CycleProgress{
			CurrentStep:  step,
			TotalSteps:   total,
			WorkingCount: len(working),
		}) {
			dropped++
		}
	}

	if !v.pump.flush(v.drainGrace) {
		l.Warn().Msg("Progress sink is slow, not waiting for it.")
	}
	if dropped > 0 {
		l.Debug().Int("dropped", dropped).Msg("Progress events dropped.")
	}

	l.Info().
		Int("checked", total).
		Int("working", len(working)).
		Dur("elapsed", time.Since(start)).
		Msg("Validation batch finished.")
	return working
}

// checkInSlot runs Check while holding a worker slot, converting a panic
// into a rejection so one candidate cannot take the batch down.
func (v *Validator) checkInSlot(ctx context.Context, c model.ProxyCandidate) (o Outcome) {
	metrics.InFlightChecks.Inc()
	defer metrics.InFlightChecks.Dec()
	defer func() {
		if r := recover(); r != nil {
			l := logger.WithComponent("ProxyPool/Validator")
			l.Error().Interface("panic", r).Str("proxy", c.Key()).Msg("Check panicked.")
			o = Outcome{Candidate: c, Reason: model.RejectConnectError, Err: fmt.Errorf("check panic: %v", r)}
		}
	}()
	return v.Check(ctx, c)
}

// Check 对单个候选执行完整的验证流水线：
// 地址校验 -> 经代理访问测试端点 (可达性、状态码、延迟) -> 匿名度 -> 地理位置。
// 地理位置失败不会导致拒绝，国家记为 "Unknown"。
func (v *Validator) Check(ctx context.Context, c model.ProxyCandidate) Outcome {
	l := logger.WithComponent("ProxyPool/Validator")

	if err := validateAddress(c); err != nil {
		l.Debug().Err(err).Str("proxy", c.Key()).Msg("Invalid proxy address.")
		return Outcome{Candidate: c, Reason: model.RejectInvalidAddress, Err: err}
	}

	res := v.probe(ctx, c)
	if res.Reason != "" {
		l.Debug().Err(res.Err).Str("proxy", c.Key()).Str("reason", string(res.Reason)).Msg("Proxy rejected.")
		return Outcome{Candidate: c, Reason: res.Reason, Err: res.Err}
	}

	anonymity := classifyAnonymity(res.Origin, c.IP)

	country := model.UnknownCountry
	if v.geo != nil {
		country = v.geo.Country(ctx, c.IP)
	}

	delayMs := float64(res.Elapsed) / float64(time.Millisecond)
	record := &model.ProxyRecord{
		IP:        c.IP,
		Port:      c.Port,
		DelayMs:   delayMs,
		Country:   country,
		Updated:   v.clock.Now(),
		Anonymity: anonymity,
		Protocol:  model.ProtocolHTTP,
	}
	l.Info().
		Str("proxy", c.Key()).
		Float64("delay_ms", delayMs).
		Str("anonymity", string(anonymity)).
		Str("country", country).
		Msg("Proxy is working.")
	return Outcome{Candidate: c, Record: record}
}

// validateAddress 要求 IP 是合法的 IPv4/IPv6 字面量 (不带 zone)，端口在 1..65535。
func validateAddress(c model.ProxyCandidate) error {
	addr, err := netip.ParseAddr(c.IP)
	if err != nil {
		return err
	}
	if addr.Zone() != "" {
		return fmt.Errorf("zoned address %q not allowed", c.IP)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// classifyAnonymity: 目标看到的 origin 等于代理自身 IP 时为 transparent，否则为 elite。
func classifyAnonymity(origin, proxyIP string) model.Anonymity {
	if origin == proxyIP {
		return model.AnonymityTransparent
	}
	return model.AnonymityElite
}
