package types

import "time"

// LogConf contains logging specific configuration
type LogConf struct {
	File       string `yaml:"file" ini:"file"`
	Level      string `yaml:"level" ini:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb" ini:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" ini:"max_backups"`
}

// DatabaseConf 描述记录存储。File 为 badger 数据目录，":memory:" 表示内存模式。
type DatabaseConf struct {
	File          string  `yaml:"file" ini:"file"`
	GCIntervalSec float64 `yaml:"gc_interval" ini:"gc_interval"`
}

// ProxyConf 包含验证器与调度周期的配置。所有时长单位均为秒。
type ProxyConf struct {
	TestURL            string  `yaml:"test_url" ini:"test_url"`
	MaxWorkers         int     `yaml:"max_workers" ini:"max_workers"`
	RequestTimeoutSec  float64 `yaml:"request_timeout" ini:"request_timeout"`
	MaxDelayMs         float64 `yaml:"max_delay_ms" ini:"max_delay_ms"`
	TTLSec             float64 `yaml:"ttl" ini:"ttl"`
	IPAPIConcurrency   int     `yaml:"ip_api_concurrency" ini:"ip_api_concurrency"`
	IPAPIRatePerMinute int     `yaml:"ip_api_rate_per_minute" ini:"ip_api_rate_per_minute"`
	GeoURL             string  `yaml:"geo_url" ini:"geo_url"`
	CheckIntervalSec   float64 `yaml:"check_interval" ini:"check_interval"`
}

// ScraperConf 描述候选代理的抓取来源。
type ScraperConf struct {
	URLs       []string `yaml:"urls" ini:"urls" delim:","`
	UserAgent  string   `yaml:"user_agent" ini:"user_agent"`
	TimeoutSec float64  `yaml:"timeout" ini:"timeout"`
}

// BackupConf points at the static fallback candidate list.
type BackupConf struct {
	File string `yaml:"file" ini:"file"`
}

// WebConf 包含 Web UI / API 的配置。Port 为 0 时禁用。
type WebConf struct {
	Port           int    `yaml:"port" ini:"port"`
	User           string `yaml:"user" ini:"user"`
	Password       string `yaml:"password" ini:"password"`
	MaxConnections int    `yaml:"max_connections" ini:"max_connections"`
}

// Config 是整个检查器的统一配置结构体。
type Config struct {
	Logging       LogConf      `yaml:"logging" ini:"logging"`
	Database      DatabaseConf `yaml:"database" ini:"database"`
	Proxy         ProxyConf    `yaml:"proxy" ini:"proxy"`
	Scraper       ScraperConf  `yaml:"scraper" ini:"scraper"`
	BackupProxies BackupConf   `yaml:"backup_proxies" ini:"backup_proxies"`
	Web           WebConf      `yaml:"web" ini:"web"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c ProxyConf) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSec) }
func (c ProxyConf) TTL() time.Duration            { return seconds(c.TTLSec) }
func (c ProxyConf) CheckInterval() time.Duration  { return seconds(c.CheckIntervalSec) }

// MaxDelay converts the millisecond threshold to a duration.
func (c ProxyConf) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs * float64(time.Millisecond))
}

func (c ScraperConf) Timeout() time.Duration     { return seconds(c.TimeoutSec) }
func (c DatabaseConf) GCInterval() time.Duration { return seconds(c.GCIntervalSec) }
