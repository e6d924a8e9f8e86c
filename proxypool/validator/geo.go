package validator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/internal/shared/metrics"
	"liuproxy_checker/proxypool/model"
)

// Geolocator 返回 IP 所在国家。任何失败都必须返回 model.UnknownCountry，而不是错误。
type Geolocator interface {
	Country(ctx context.Context, ip string) string
}

// geoAPIResponse defines the structure for the ip-api.com JSON response.
type geoAPIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Country string `json:"country"`
}

// IPAPI 查询 ip-api.com 风格的地理位置服务。
// 它有独立于验证并发的并发上限，以及可选的每分钟请求速率限制。
type IPAPI struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewIPAPI 创建地理位置客户端。ratePerMinute 为 0 表示不限速。
func NewIPAPI(baseURL string, concurrency, ratePerMinute int, timeout time.Duration) *IPAPI {
	if concurrency <= 0 {
		concurrency = 1
	}
	limit := rate.Inf
	burst := 1
	if ratePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(ratePerMinute))
		burst = ratePerMinute
	}
	return &IPAPI{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		sem:     semaphore.NewWeighted(int64(concurrency)),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Country 查询 ip 的国家。整个查询 (排队、限速与请求) 受 timeout 约束。
func (g *IPAPI) Country(ctx context.Context, ip string) string {
	l := logger.WithComponent("ProxyPool/Geo")

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		metrics.GeoLookupsTotal.WithLabelValues("limited").Inc()
		l.Debug().Err(err).Str("ip", ip).Msg("Timed out waiting for a geo lookup slot.")
		return model.UnknownCountry
	}
	defer g.sem.Release(1)

	if err := g.limiter.Wait(ctx); err != nil {
		metrics.GeoLookupsTotal.WithLabelValues("limited").Inc()
		l.Debug().Err(err).Str("ip", ip).Msg("Geo API rate limit would exceed timeout.")
		return model.UnknownCountry
	}

	apiURL := g.baseURL + url.PathEscape(ip) + "?fields=status,message,country"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		metrics.GeoLookupsTotal.WithLabelValues("failed").Inc()
		l.Warn().Err(err).Str("ip", ip).Msg("Failed to build Geo API request.")
		return model.UnknownCountry
	}

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.GeoLookupsTotal.WithLabelValues("failed").Inc()
		l.Info().Err(err).Str("ip", ip).Msg("Geo API request failed.")
		return model.UnknownCountry
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.GeoLookupsTotal.WithLabelValues("failed").Inc()
		l.Info().Int("status_code", resp.StatusCode).Str("ip", ip).Msg("Geo API returned non-200 status.")
		return model.UnknownCountry
	}

	var apiResp geoAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		metrics.GeoLookupsTotal.WithLabelValues("failed").Inc()
		l.Info().Err(err).Str("ip", ip).Msg("Failed to decode Geo API response.")
		return model.UnknownCountry
	}

	if apiResp.Status != "success" || apiResp.Country == "" {
		metrics.GeoLookupsTotal.WithLabelValues("failed").Inc()
		l.Debug().Str("ip", ip).Str("status", apiResp.Status).Str("message", apiResp.Message).Msg("Geo API returned non-success status.")
		return model.UnknownCountry
	}

	metrics.GeoLookupsTotal.WithLabelValues("success").Inc()
	return apiResp.Country
}
