package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"liuproxy_checker/internal/shared/types"
)

var (
	// ErrMissingKey 表示必需的配置节或键缺失。
	ErrMissingKey = errors.New("missing config key")
	// ErrInvalidValue 表示配置值存在但不可用。
	ErrInvalidValue = errors.New("invalid config value")
)

// requiredKeys 列出启动时必须存在的配置键，缺少任何一项都是致命错误。
var requiredKeys = []struct {
	section string
	keys    []string
}{
	{"logging", []string{"file"}},
	{"database", []string{"file"}},
	{"proxy", []string{"test_url", "max_workers", "request_timeout", "max_delay_ms", "ttl", "ip_api_concurrency"}},
	{"scraper", []string{"urls", "user_agent", "timeout"}},
	{"backup_proxies", []string{"file"}},
}

// Default 返回可选键的默认值。必需键保持零值，由配置文件提供。
func Default() types.Config {
	return types.Config{
		Logging:  types.LogConf{Level: "info", MaxSizeMB: 10, MaxBackups: 5},
		Database: types.DatabaseConf{GCIntervalSec: 600},
		Proxy: types.ProxyConf{
			GeoURL:             "http://ip-api.com/json/",
			IPAPIRatePerMinute: 45,
			CheckIntervalSec:   1800,
		},
		Web: types.WebConf{
			Port:           5000,
			MaxConnections: 256,
		},
	}
}

// Load 读取配置文件。扩展名为 .ini 时使用 ini 格式，否则按 YAML 解析。
func Load(fileName string) (*types.Config, error) {
	cfg := Default()

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".ini":
		if err := loadIni(&cfg, fileName); err != nil {
			return nil, err
		}
	default:
		if err := loadYAML(&cfg, fileName); err != nil {
			return nil, err
		}
	}

	overrideFromEnvInt(&cfg.Proxy.MaxWorkers, "CHECKER_MAX_WORKERS")
	overrideFromEnvInt(&cfg.Web.Port, "CHECKER_WEB_PORT")

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadYAML(cfg *types.Config, fileName string) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	for _, req := range requiredKeys {
		section, ok := raw[req.section].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: section %s", ErrMissingKey, req.section)
		}
		for _, key := range req.keys {
			if _, ok := section[key]; !ok {
				return fmt.Errorf("%w: %s.%s", ErrMissingKey, req.section, key)
			}
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

func loadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	for _, req := range requiredKeys {
		if !iniFile.HasSection(req.section) {
			return fmt.Errorf("%w: section %s", ErrMissingKey, req.section)
		}
		section := iniFile.Section(req.section)
		for _, key := range req.keys {
			if !section.HasKey(key) {
				return fmt.Errorf("%w: %s.%s", ErrMissingKey, req.section, key)
			}
		}
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

// Validate 检查配置值的取值范围。
func Validate(cfg *types.Config) error {
	p := cfg.Proxy
	switch {
	case p.MaxWorkers <= 0:
		return fmt.Errorf("%w: proxy.max_workers must be positive", ErrInvalidValue)
	case p.IPAPIConcurrency <= 0:
		return fmt.Errorf("%w: proxy.ip_api_concurrency must be positive", ErrInvalidValue)
	case p.RequestTimeoutSec <= 0:
		return fmt.Errorf("%w: proxy.request_timeout must be positive", ErrInvalidValue)
	case p.MaxDelayMs <= 0:
		return fmt.Errorf("%w: proxy.max_delay_ms must be positive", ErrInvalidValue)
	case p.TTLSec <= 0:
		return fmt.Errorf("%w: proxy.ttl must be positive", ErrInvalidValue)
	case p.CheckIntervalSec <= 0:
		return fmt.Errorf("%w: proxy.check_interval must be positive", ErrInvalidValue)
	case p.IPAPIRatePerMinute < 0:
		return fmt.Errorf("%w: proxy.ip_api_rate_per_minute must not be negative", ErrInvalidValue)
	}

	u, err := url.Parse(p.TestURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: proxy.test_url %q is not an absolute http(s) URL", ErrInvalidValue, p.TestURL)
	}
	if cfg.Database.File == "" {
		return fmt.Errorf("%w: database.file is empty", ErrInvalidValue)
	}
	if cfg.Scraper.TimeoutSec <= 0 {
		return fmt.Errorf("%w: scraper.timeout must be positive", ErrInvalidValue)
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 {
		return fmt.Errorf("%w: logging.max_size_mb and logging.max_backups must not be negative", ErrInvalidValue)
	}

	// 超出 time.Duration (约 292 年) 的时长在转换时会溢出。
	for _, d := range []struct {
		key   string
		value float64
		unit  time.Duration
	}{
		{"proxy.request_timeout", p.RequestTimeoutSec, time.Second},
		{"proxy.max_delay_ms", p.MaxDelayMs, time.Millisecond},
		{"proxy.ttl", p.TTLSec, time.Second},
		{"proxy.check_interval", p.CheckIntervalSec, time.Second},
		{"scraper.timeout", cfg.Scraper.TimeoutSec, time.Second},
		{"database.gc_interval", cfg.Database.GCIntervalSec, time.Second},
	} {
		if !fitsDuration(d.value, d.unit) {
			return fmt.Errorf("%w: %s is too large", ErrInvalidValue, d.key)
		}
	}
	return nil
}

func fitsDuration(v float64, unit time.Duration) bool {
	return v*float64(unit) < math.MaxInt64
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
