// Package aggregator merges candidate proxies from every source into one
// deduplicated set ready for verification.
package aggregator

import (
	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/proxypool/model"
)

// Aggregate 合并数据库中的新鲜记录、抓取结果与备用列表，按 "ip:port" 去重。
// 验证前只有身份有意义，所以保留首次出现的条目；输出顺序为
// fresh、fallback、scraped 的首次出现顺序。任意输入都可以为空。
func Aggregate(fresh []model.ProxyRecord, scraped, fallback []model.ProxyCandidate) []model.ProxyCandidate {
	total := len(fresh) + len(scraped) + len(fallback)
	seen := make(map[string]struct{}, total)
	unique := make([]model.ProxyCandidate, 0, total)

	add := func(c model.ProxyCandidate) {
		key := c.Key()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		unique = append(unique, c)
	}

	for _, r := range fresh {
		add(r.Candidate())
	}
	for _, c := range fallback {
		add(c)
	}
	for _, c := range scraped {
		add(c)
	}

	l := logger.WithComponent("ProxyPool/Aggregator")
	l.Info().
		Int("fresh", len(fresh)).
		Int("scraped", len(scraped)).
		Int("fallback", len(fallback)).
		Int("unique", len(unique)).
		Msg("Candidates aggregated.")
	return unique
}
