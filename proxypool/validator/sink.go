package validator

import (
	"time"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/proxypool/model"
)

// ProgressSink 接收验证进度事件。调用方不等待确认，实现可以丢弃事件。
// 实现不应阻塞：所有批次共用同一个投递协程，卡住的 sink 会让之后的事件全部被丢弃。
type ProgressSink interface {
	PublishProgress(p model.CycleProgress)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) PublishProgress(model.CycleProgress) {}

const (
	progressBuffer = 256
	drainGrace     = time.Second
)

type pumpEvent struct {
	sink  ProgressSink
	ev    model.CycleProgress
	flush chan struct{} // 非空时为 flush 标记，不投递
}

// progressPump 是 Validator 持有的唯一投递协程，将事件从验证循环转交给 sink。
// 缓冲区满时丢弃事件，这样慢速或卡住的 sink 不会阻塞验证，也不会每批泄漏一个协程。
type progressPump struct {
	events chan pumpEvent
	quit   chan struct{}
}

func newProgressPump() *progressPump {
	p := &progressPump{
		events: make(chan pumpEvent, progressBuffer),
		quit:   make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *progressPump) loop() {
	for {
		select {
		case e := <-p.events:
			if e.flush != nil {
				close(e.flush)
				continue
			}
			deliver(e)
		case <-p.quit:
			return
		}
	}
}

func deliver(e pumpEvent) {
	defer func() {
		if r := recover(); r != nil {
			l := logger.WithComponent("ProxyPool/Validator")
			l.Error().Interface("panic", r).Msg("Progress sink panicked.")
		}
	}()
	e.sink.PublishProgress(e.ev)
}

// publish 从不阻塞，返回 false 表示事件被丢弃。
func (p *progressPump) publish(sink ProgressSink, ev model.CycleProgress) bool {
	select {
	case p.events <- pumpEvent{sink: sink, ev: ev}:
		return true
	default:
		return false
	}
}

// flush waits until every event queued before it reached its sink.
// It gives up after grace and reports whether the queue drained.
func (p *progressPump) flush(grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	done := make(chan struct{})
	select {
	case p.events <- pumpEvent{flush: done}:
	case <-timer.C:
		return false
	case <-p.quit:
		return false
	}
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-p.quit:
		return false
	}
}

func (p *progressPump) stop() {
	close(p.quit)
}
