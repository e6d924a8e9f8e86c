package web

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"

	"github.com/benbjohnson/clock"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/proxypool/model"
)

// ProxySource 是已验证代理的只读来源 (通常是存储)。不做 TTL 过滤。
type ProxySource interface {
	All() []model.ProxyRecord
}

// StatusSource 提供最近一个周期的报告。
type StatusSource interface {
	Status() (model.CycleReport, bool)
}

// ProxyView 是 /api/proxies 返回的单条代理。
type ProxyView struct {
	IP                string          `json:"ip_address"`
	Port              int             `json:"port"`
	DelayMs           float64         `json:"delay_ms"`
	Country           string          `json:"country"`
	UpdatedTimestamp  float64         `json:"updated_timestamp"`
	UpdatedMinutesAgo float64         `json:"updated_minutes_ago"`
	Anonymity         model.Anonymity `json:"anonymity"`
	Protocol          string          `json:"protocol"`
}

// StatusView 是 /api/status 的响应体。
type StatusView struct {
	LastCycle *model.CycleReport   `json:"last_cycle"`
	Progress  *model.CycleProgress `json:"progress"`
	Clients   int                  `json:"clients"`
}

type Handler struct {
	proxies ProxySource
	status  StatusSource
	hub     *Hub
	clock   clock.Clock
}

func NewHandler(proxies ProxySource, status StatusSource, hub *Hub, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	return &Handler{
		proxies: proxies,
		status:  status,
		hub:     hub,
		clock:   clk,
	}
}

// HandleProxies 处理 GET /api/proxies 请求，返回存储中的全部代理，按延迟升序。
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records := h.proxies.All()
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].DelayMs < records[j].DelayMs
	})

	now := h.clock.Now()
	views := make([]ProxyView, 0, len(records))
	for _, rec := range records {
		views = append(views, ProxyView{
			IP:                rec.IP,
			Port:              rec.Port,
			DelayMs:           round(rec.DelayMs, 2),
			Country:           rec.Country,
			UpdatedTimestamp:  float64(rec.Updated.UnixNano()) / 1e9,
			UpdatedMinutesAgo: round(now.Sub(rec.Updated).Minutes(), 1),
			Anonymity:         rec.Anonymity,
			Protocol:          rec.Protocol,
		})
	}
	logger.Debug().Int("count", len(views)).Msg("Serving proxy list.")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var view StatusView
	if h.status != nil {
		if report, ok := h.status.Status(); ok {
			view.LastCycle = &report
		}
	}
	if h.hub != nil {
		if p, ok := h.hub.LatestProgress(); ok {
			view.Progress = &p
		}
		view.Clients = h.hub.ClientCount()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
