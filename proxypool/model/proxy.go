package model

import (
	"net"
	"strconv"
	"time"
)

// Anonymity 描述代理是否向目标暴露了客户端的真实 IP。
type Anonymity string

const (
	AnonymityTransparent Anonymity = "transparent"
	AnonymityElite       Anonymity = "elite"
)

// ProtocolHTTP is the only protocol this pool verifies.
const ProtocolHTTP = "http"

// UnknownCountry 是地理位置查询失败时使用的国家值。
const UnknownCountry = "Unknown"

// ProxyCandidate 是一个尚未验证的代理端点。
// 它只由 (IP, Port) 标识，不携带任何质量信息。
type ProxyCandidate struct {
	IP   string `json:"ip_address"`
	Port int    `json:"port"`
}

// Key 返回用于去重的 "ip:port" 键。
func (c ProxyCandidate) Key() string {
	return Key(c.IP, c.Port)
}

// Addr returns the dialable host:port form (IPv6 literals are bracketed).
func (c ProxyCandidate) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// ProxyRecord 是一个已验证并持久化的代理。主键为 (IP, Port)。
type ProxyRecord struct {
	IP        string    `json:"ip_address"`
	Port      int       `json:"port"`
	DelayMs   float64   `json:"delay_ms"`
	Country   string    `json:"country"`
	Updated   time.Time `json:"updated"`
	Anonymity Anonymity `json:"anonymity"`
	Protocol  string    `json:"protocol"`
}

// Key 返回记录的主键。
func (r ProxyRecord) Key() string {
	return Key(r.IP, r.Port)
}

// Candidate 将记录降级为候选，用于下一轮重新验证。
func (r ProxyRecord) Candidate() ProxyCandidate {
	return ProxyCandidate{IP: r.IP, Port: r.Port}
}

// Key builds the "ip:port" identity shared by candidates and records.
func Key(ip string, port int) string {
	return ip + ":" + strconv.Itoa(port)
}

// RejectReason tags why a candidate failed verification.
type RejectReason string

const (
	RejectInvalidAddress RejectReason = "invalid_address"
	RejectConnectError   RejectReason = "connect_error"
	RejectTimeout        RejectReason = "timeout"
	RejectBadStatus      RejectReason = "bad_status"
	RejectTooSlow        RejectReason = "too_slow"
	RejectBadResponse    RejectReason = "bad_response"
)

// CycleProgress 是一次验证批次中每完成一个候选后发出的进度事件。
type CycleProgress struct {
	CycleID      string `json:"cycle_id,omitempty"`
	CurrentStep  int    `json:"current_step"`
	TotalSteps   int    `json:"total_steps"`
	WorkingCount int    `json:"working_proxies"`
}

// CycleReport summarizes one orchestrator cycle.
type CycleReport struct {
	ID         string        `json:"id"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Fresh      int           `json:"fresh"`
	Scraped    int           `json:"scraped"`
	Fallback   int           `json:"fallback"`
	Candidates int           `json:"candidates"`
	Verified   int           `json:"verified"`
	Pruned     int           `json:"pruned"`
	Skipped    bool          `json:"skipped"`
	Failed     bool          `json:"failed"`
}
