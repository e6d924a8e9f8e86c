package storage

import (
	"time"

	"liuproxy_checker/proxypool/model"
)

// Storage 定义了已验证代理的持久化行为。
//
// 实现必须自行处理并发，调用方无需加锁。底层引擎的错误在此边界被记录并吞掉：
// Load 返回空切片，Prune 返回 0，Save 静默失败。空结果表示"没有新鲜数据"，
// 而不是"数据不存在"。
type Storage interface {
	// Save upserts records by (ip, port). Empty input is a no-op.
	Save(records []model.ProxyRecord)
	// Load returns records whose age is at most ttl.
	Load(ttl time.Duration) []model.ProxyRecord
	// Prune deletes records older than ttl and returns how many were removed.
	Prune(ttl time.Duration) int
	// All returns every stored record regardless of age.
	All() []model.ProxyRecord
	Close() error
}
