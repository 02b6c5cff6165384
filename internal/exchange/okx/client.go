package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nntaoli-project/goex/v2/httpcli"
	okxcommon "github.com/nntaoli-project/goex/v2/okx/common"
	"github.com/nntaoli-project/goex/v2/options"
	"go.uber.org/zap"
	"okx-signal-trader/pkg/types"
)

// Client OKX V5 REST 客户端。
// 行情、品种和撤单走 goex；条件单、余额明细、杠杆等 goex 未覆盖的接口自行签名请求。
type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	passphrase string
	simulated  bool
	instType   string
	httpClient *http.Client
	v5         *okxcommon.OKxV5
	prv        *okxcommon.Prv

	fillPollAttempts int
	fillPollInterval time.Duration
	now              func() time.Time
}

// response OKX统一响应结构
type response struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// APIError 交易所返回的业务错误
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("OKX API返回错误: code=%s, msg=%s", e.Code, e.Msg)
}

// NewClient 创建OKX客户端
func NewClient(exchange types.ExchangeConfig, network types.NetworkConfig, instType string) *Client {
	timeout := network.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{}
	if network.Proxy != "" {
		proxyURL, err := url.Parse(network.Proxy)
		if err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
			zap.L().Info("✅ 已配置HTTP代理", zap.String("proxy", network.Proxy))
		} else {
			zap.L().Warn("⚠️ 代理地址格式错误", zap.Error(err))
		}
	}

	baseURL := strings.TrimRight(exchange.RESTEndpoint, "/")
	if baseURL == "" {
		baseURL = "https://www.okx.com"
	}

	// goex 使用全局HTTP客户端
	seconds := int64(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	httpcli.Cli.SetTimeout(seconds)
	if network.Proxy != "" {
		if err := httpcli.Cli.SetProxy(network.Proxy); err != nil {
			zap.L().Warn("⚠️ goex代理设置失败", zap.Error(err))
		}
	}
	if exchange.Simulated {
		httpcli.Cli.SetHeaders("x-simulated-trading", "1")
	}

	v5 := okxcommon.New().WithUriOption(options.WithEndpoint(baseURL))
	prv := v5.NewPrvApi(
		options.WithApiKey(exchange.APIKey),
		options.WithApiSecretKey(exchange.SecretKey),
		options.WithPassphrase(exchange.Passphrase),
	)

	zap.L().Info("✅ 初始化OKX V5客户端",
		zap.String("endpoint", baseURL),
		zap.Bool("simulated", exchange.Simulated),
		zap.Duration("timeout", timeout))

	return &Client{
		baseURL:          baseURL,
		apiKey:           exchange.APIKey,
		secretKey:        exchange.SecretKey,
		passphrase:       exchange.Passphrase,
		simulated:        exchange.Simulated,
		instType:         instType,
		httpClient:       &http.Client{Timeout: timeout, Transport: transport},
		v5:               v5,
		prv:              prv,
		fillPollAttempts: 5,
		fillPollInterval: 300 * time.Millisecond,
		now:              time.Now,
	}
}

// tdMode 现货为cash，永续使用全仓
func (c *Client) tdMode() string {
	if c.instType == types.InstTypeSwap {
		return "cross"
	}
	return "cash"
}

// sign 签名: Base64(HMAC-SHA256(timestamp + method + requestPath + body))
func (c *Client) sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// do 发送请求并解析 data 字段。网络错误、5xx 和限频归为 ErrExchangeUnavailable，业务错误返回 *APIError。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, private bool, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if private {
		timestamp := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", c.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", c.sign(timestamp, method, requestPath, string(body)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	}
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: HTTP请求失败 %s: %w", types.ErrExchangeUnavailable, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: 读取响应体失败: %w", types.ErrExchangeUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: HTTP响应错误 %s: %d", types.ErrExchangeUnavailable, path, resp.StatusCode)
	}

	var envelope response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("解析JSON失败 %s (HTTP %d): %w", path, resp.StatusCode, err)
	}
	if envelope.Code != "0" {
		// 下单失败时 data 中带有每一单的 sCode/sMsg
		if out != nil && len(envelope.Data) > 0 {
			_ = json.Unmarshal(envelope.Data, out)
		}
		return &APIError{Code: envelope.Code, Msg: envelope.Msg}
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("解析data失败 %s: %w", path, err)
	}
	return nil
}

// busyCodes 交易所繁忙或限频，按不可用处理
var busyCodes = map[string]bool{"50001": true, "50011": true, "50013": true}

// goexError goex 只返回错误文本，这里从原始响应体还原业务错误码。
// 响应体中没有业务码时视为网络或HTTP层失败。
func goexError(path string, body []byte, err error) error {
	var envelope response
	if len(body) == 0 || json.Unmarshal(body, &envelope) != nil || envelope.Code == "" {
		return fmt.Errorf("%w: 请求失败 %s: %w", types.ErrExchangeUnavailable, path, err)
	}
	if envelope.Code == "0" {
		return fmt.Errorf("解析响应失败 %s: %w", path, err)
	}

	apiErr := &APIError{Code: envelope.Code, Msg: envelope.Msg}
	if busyCodes[envelope.Code] {
		return fmt.Errorf("%w: %s: %w", types.ErrExchangeUnavailable, path, apiErr)
	}
	return apiErr
}

// classify 非网络类错误统一标记为指定错误类型
func classify(kind error, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, types.ErrExchangeUnavailable) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, err)
}
