package scraper

import (
	"context"

	"liuproxy_checker/proxypool/model"
)

// Scraper 接口定义了从代理源抓取候选代理的行为。
type Scraper interface {
	// Scrape 执行抓取操作并返回候选代理。
	// 实现者只负责抓取和初步解析，不进行验证。
	Scrape(ctx context.Context) ([]model.ProxyCandidate, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}
