// Package client 提供HTTP客户端相关功能
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/http2"
)

const (
	// MaxIdleConns 最大空闲连接数
	MaxIdleConns = 200
	// MaxIdleConnsPerHost 每个主机的最大空闲连接数
	MaxIdleConnsPerHost = 50
	// MaxConnsPerHost 每个主机的最大连接数
	MaxConnsPerHost = 50
	// IdleConnTimeout 空闲连接超时时间
	IdleConnTimeout = 30 * time.Second
	// DefaultMaxTileSize 默认瓦片大小上限 (2MB)
	DefaultMaxTileSize = 2 * 1024 * 1024
)

var (
	// ErrNetworkFailure 瓦片请求失败
	ErrNetworkFailure = errors.New("network failure")
	// ErrInvalidPayload 返回内容不是图片
	ErrInvalidPayload = errors.New("invalid tile payload")
)

// HTTPClient HTTP客户端封装
type HTTPClient struct {
	client *http.Client
	config *Config
	logger hclog.Logger
}

// Config HTTP客户端配置
type Config struct {
	Timeout     time.Duration
	ProxyURL    string
	UseHTTP2    bool
	KeepAlive   bool
	UserAgent   string
	Referer     string
	MinTileSize int64
	MaxTileSize int64
}

// NewHTTPClient 创建新的HTTP客户端
func NewHTTPClient(config *Config, logger hclog.Logger) *HTTPClient {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.MaxTileSize <= 0 {
		config.MaxTileSize = DefaultMaxTileSize
	}
	logger = logger.Named("http")
	return &HTTPClient{
		config: config,
		client: createHTTPClient(config, logger),
		logger: logger,
	}
}

// createHTTPClient 创建HTTP客户端
func createHTTPClient(config *Config, logger hclog.Logger) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     config.UseHTTP2,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		MaxConnsPerHost:       MaxConnsPerHost,
		IdleConnTimeout:       IdleConnTimeout,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		DisableKeepAlives:     !config.KeepAlive,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	// 设置代理
	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			logger.Warn("proxy url parse failed, using environment proxy", "proxy", config.ProxyURL, "error", err)
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
			logger.Info("proxy configured", "host", proxyURL.Host)
		}
	}

	if config.UseHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("http2 configuration failed", "error", err)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}

// Fetch 下载瓦片并校验内容
func (c *HTTPClient) Fetch(ctx context.Context, tileURL string) ([]byte, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")
	if c.config.Referer != "" {
		req.Header.Set("Referer", c.config.Referer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	defer SafeCloseResponse(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrNetworkFailure, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxTileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrNetworkFailure, err)
	}
	if int64(len(data)) > c.config.MaxTileSize {
		return nil, fmt.Errorf("%w: size exceeds limit %d", ErrInvalidPayload, c.config.MaxTileSize)
	}
	if err := ValidateTile(data, c.config.MinTileSize); err != nil {
		return nil, err
	}
	return data, nil
}

// ValidateTile 校验瓦片内容是图片
func ValidateTile(data []byte, minSize int64) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if int64(len(data)) < minSize {
		return fmt.Errorf("%w: too small %d < %d", ErrInvalidPayload, len(data), minSize)
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return fmt.Errorf("%w: unexpected content type %s", ErrInvalidPayload, mtype.String())
	}
	return nil
}

// IsRetryable 判断错误是否值得重试, 4xx 与内容错误不重试
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidPayload) {
		return false
	}
	errStr := err.Error()
	for _, code := range []string{"HTTP 400", "HTTP 401", "HTTP 403", "HTTP 404"} {
		if strings.Contains(errStr, code) {
			return false
		}
	}
	return errors.Is(err, ErrNetworkFailure)
}

// GetClient 获取HTTP客户端
func (c *HTTPClient) GetClient() *http.Client {
	return c.client
}

// Close 关闭空闲连接
func (c *HTTPClient) Close() {
	if transport, ok := c.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// SafeCloseResponse 安全关闭响应体
func SafeCloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
