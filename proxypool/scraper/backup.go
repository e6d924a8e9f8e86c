package scraper

import (
	"bytes"
	"encoding/json"
	"os"

	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/proxypool/model"
)

// BackupList 是一个静态的备用候选列表文件：[{"ip_address": "...", "port": 8080}, ...]。
type BackupList struct {
	path string
}

func NewBackupList(path string) *BackupList {
	return &BackupList{path: path}
}

// Load 读取备用列表。文件缺失、JSON 无效或顶层不是数组时返回空列表并记录警告。
func (b *BackupList) Load() []model.ProxyCandidate {
	l := logger.WithComponent("ProxyPool/Backup")

	data, err := os.ReadFile(b.path)
	if err != nil {
		l.Warn().Err(err).Str("path", b.path).Msg("Failed to load backup proxies.")
		return []model.ProxyCandidate{}
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '[' {
		l.Warn().Str("path", b.path).Msg("Backup proxies file contains invalid data.")
		return []model.ProxyCandidate{}
	}

	var proxies []model.ProxyCandidate
	if err := json.Unmarshal(data, &proxies); err != nil {
		l.Warn().Err(err).Str("path", b.path).Msg("Failed to decode backup proxies.")
		return []model.ProxyCandidate{}
	}

	l.Info().Int("count", len(proxies)).Msg("Loaded backup proxies.")
	return proxies
}
