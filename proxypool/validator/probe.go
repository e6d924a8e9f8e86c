package validator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"liuproxy_checker/proxypool/model"
)

// maxResponseBody 限制读取测试端点响应体的大小。
const maxResponseBody = 64 << 10

// probeResult 是一次经由候选代理访问测试端点的结果。
// Reason 为空表示探测成功，此时 Origin 有效。
type probeResult struct {
	Elapsed time.Duration
	Origin  string
	Reason  model.RejectReason
	Err     error
}

func rejected(reason model.RejectReason, err error) probeResult {
	return probeResult{Reason: reason, Err: err}
}

// probeHTTP 通过候选代理对测试 URL 发起 GET 请求。
// 延迟从发出请求开始计算，到收到响应头为止。
func (v *Validator) probeHTTP(ctx context.Context, c model.ProxyCandidate) probeResult {
	proxyURL := &url.URL{Scheme: "http", Host: c.Addr()}

	dialer := &net.Dialer{
		Timeout:   v.timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   v.timeout,
		ResponseHeaderTimeout: v.timeout,
		DisableKeepAlives:     true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   v.timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.testURL, nil)
	if err != nil {
		return rejected(model.RejectConnectError, err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return rejected(classifyError(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rejected(model.RejectBadStatus, fmt.Errorf("status %d", resp.StatusCode))
	}
	if elapsed > v.maxDelay {
		return rejected(model.RejectTooSlow, fmt.Errorf("delay %s exceeds %s", elapsed, v.maxDelay))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if classifyError(err) == model.RejectTimeout {
			return rejected(model.RejectTimeout, err)
		}
		return rejected(model.RejectBadResponse, err)
	}

	origin, err := parseOrigin(body)
	if err != nil {
		return rejected(model.RejectBadResponse, err)
	}
	return probeResult{Elapsed: elapsed, Origin: origin}
}

// parseOrigin 从测试端点的 JSON 响应中提取 origin 字段。
func parseOrigin(body []byte) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("invalid json: %w", err)
	}
	raw, ok := doc["origin"]
	if !ok {
		return "", errors.New("origin field missing")
	}
	var origin string
	if err := json.Unmarshal(raw, &origin); err != nil {
		return "", fmt.Errorf("origin is not a string: %w", err)
	}
	return strings.TrimSpace(origin), nil
}

func classifyError(err error) model.RejectReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.RejectTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.RejectTimeout
	}
	return model.RejectConnectError
}
