package scraper

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/proxypool/model"
)

// plainListRe 匹配纯文本代理列表中的 "ip:port" 条目，IPv6 需要方括号。
var plainListRe = regexp.MustCompile(`(?:\[([0-9a-fA-F:]+)\]|\b(\d{1,3}(?:\.\d{1,3}){3})):(\d{1,5})\b`)

// PageScraper 抓取单个 URL。HTML 页面取第一个 <table>，跳过表头行，
// 第 0 列为 IP，第 1 列为端口；text/plain 页面按行提取 ip:port。
type PageScraper struct {
	url       string
	userAgent string
	timeout   time.Duration
}

// NewPageScraper 创建一个新的 PageScraper 实例。
func NewPageScraper(url, userAgent string, timeout time.Duration) Scraper {
	return &PageScraper{
		url:       url,
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// Name 返回抓取器的名称。
func (s *PageScraper) Name() string {
	return s.url
}

// Scrape 执行抓取操作。
func (s *PageScraper) Scrape(ctx context.Context) ([]model.ProxyCandidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.Name()).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(s.userAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(s.timeout)

	var (
		proxies    []model.ProxyCandidate
		scrapeErr  error
		isHTML     bool
		tableFound bool
	)

	c.OnResponse(func(r *colly.Response) {
		if r.StatusCode != 200 {
			scrapeErr = fmt.Errorf("received non-200 status code (%d) from %s", r.StatusCode, s.Name())
			return
		}
		contentType := strings.ToLower(r.Headers.Get("Content-Type"))
		if strings.Contains(contentType, "html") {
			isHTML = true
			return
		}
		proxies = append(proxies, parsePlainList(r.Body)...)
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		if scrapeErr != nil {
			return
		}
		table := e.DOM.Find("table").First()
		if table.Length() == 0 {
			return
		}
		tableFound = true
		proxies = append(proxies, parseTable(table, s.Name())...)
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("source", s.Name()).Msg("Scrape request failed.")
		scrapeErr = err
	})

	if err := c.Visit(s.url); err != nil && scrapeErr == nil {
		scrapeErr = err
	}
	c.Wait()

	if scrapeErr != nil {
		return nil, scrapeErr
	}
	if isHTML && !tableFound {
		l.Warn().Str("source", s.Name()).Msg("No proxy table found on page.")
		return nil, nil
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

func parseTable(table *goquery.Selection, source string) []model.ProxyCandidate {
	l := logger.WithComponent("ProxyPool/Scraper")
	var proxies []model.ProxyCandidate

	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return // header row
		}
		cols := row.Find("td")
		if cols.Length() < 2 {
			return
		}
		ip := strings.TrimSpace(cols.Eq(0).Text())
		portStr := strings.TrimSpace(cols.Eq(1).Text())

		port, err := strconv.Atoi(portStr)
		if err != nil {
			l.Debug().Str("ip", ip).Str("port", portStr).Str("source", source).Msg("Failed to parse port, skipping row.")
			return
		}
		proxies = append(proxies, model.ProxyCandidate{IP: ip, Port: port})
	})
	return proxies
}

func parsePlainList(body []byte) []model.ProxyCandidate {
	var proxies []model.ProxyCandidate
	for _, m := range plainListRe.FindAllSubmatch(body, -1) {
		ip := string(m[1])
		if ip == "" {
			ip = string(m[2])
		}
		port, err := strconv.Atoi(string(m[3]))
		if err != nil {
			continue
		}
		proxies = append(proxies, model.ProxyCandidate{IP: ip, Port: port})
	}
	return proxies
}
