package scraper

import (
	"context"
	"fmt"
	"sync"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/internal/shared/types"
	"liuproxy_checker/proxypool/model"
)

// FromConfig 为每个配置的 URL 创建一个 PageScraper。
func FromConfig(cfg types.ScraperConf) []Scraper {
	scrapers := make([]Scraper, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		scrapers = append(scrapers, NewPageScraper(u, cfg.UserAgent, cfg.Timeout()))
	}
	return scrapers
}

// Discover 并发运行所有抓取器并合并结果。
// 单个来源的失败 (包括 panic) 只记录日志，不影响其他来源，也从不返回错误。
func Discover(ctx context.Context, scrapers []Scraper) []model.ProxyCandidate {
	l := logger.WithComponent("ProxyPool/Scraper")

	var wg sync.WaitGroup
	scrapedChan := make(chan []model.ProxyCandidate, len(scrapers))

	for _, s := range scrapers {
		wg.Add(1)
		go func(sc Scraper) {
			defer wg.Done()
			proxies, err := scrapeSafely(ctx, sc)
			if err != nil {
				l.Warn().Err(err).Str("source", sc.Name()).Msg("Scraper failed.")
				return
			}
			if len(proxies) > 0 {
				scrapedChan <- proxies
			}
		}(s)
	}

	wg.Wait()
	close(scrapedChan)

	all := make([]model.ProxyCandidate, 0)
	for proxies := range scrapedChan {
		all = append(all, proxies...)
	}
	l.Info().Int("count", len(all)).Int("sources", len(scrapers)).Msg("Discovery finished.")
	return all
}

func scrapeSafely(ctx context.Context, sc Scraper) (proxies []model.ProxyCandidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scraper panic: %v", r)
		}
	}()
	return sc.Scrape(ctx)
}
