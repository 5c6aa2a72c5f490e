package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/metrics"
)

const defaultTimeout = 30 * time.Second

// Config 描述访问远端托管账本服务所需的信息。
type Config struct {
	BaseURL string
	APIKey  string
	Network string
	Timeout time.Duration
}

// HTTPClient 通过 HTTP 调用远端托管账本服务。
type HTTPClient struct {
	baseURL    string
	apiKey     string
	network    string
	httpClient *http.Client
}

// NewHTTPClient 根据配置创建账本客户端。
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未配置账本服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	network := strings.TrimSpace(cfg.Network)
	if network == "" {
		return nil, errors.New("未配置账本网络")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		network: network,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Create 在远端创建支付请求。
func (c *HTTPClient) Create(ctx context.Context, req CreateRequest) (*Entity, error) {
	if req.Network == "" {
		req.Network = c.network
	}
	var entity Entity
	if err := c.call(ctx, http.MethodPost, "/payments", nil, req, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// Fetch 拉取指定支付的当前状态。
func (c *HTTPClient) Fetch(ctx context.Context, blockchainIdentifier string) (*Entity, error) {
	if strings.TrimSpace(blockchainIdentifier) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "blockchainIdentifier 不能为空")
	}
	query := url.Values{}
	query.Set("network", c.network)
	var entity Entity
	path := "/payments/" + url.PathEscape(blockchainIdentifier)
	if err := c.call(ctx, http.MethodGet, path, query, nil, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// SubmitResult 上送结果哈希。原始结果数据由调用方留存，不经过本客户端。
func (c *HTTPClient) SubmitResult(ctx context.Context, blockchainIdentifier, resultHash string) (*Entity, error) {
	body := map[string]any{
		"blockchainIdentifier": blockchainIdentifier,
		"network":              c.network,
		"resultHash":           resultHash,
	}
	var entity Entity
	path := "/payments/" + url.PathEscape(blockchainIdentifier) + "/submit-result"
	if err := c.call(ctx, http.MethodPost, path, nil, body, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// AuthorizeRefund 授权退款。
func (c *HTTPClient) AuthorizeRefund(ctx context.Context, blockchainIdentifier string) (*Entity, error) {
	body := map[string]any{
		"blockchainIdentifier": blockchainIdentifier,
		"network":              c.network,
	}
	var entity Entity
	path := "/payments/" + url.PathEscape(blockchainIdentifier) + "/authorize-refund"
	if err := c.call(ctx, http.MethodPost, path, nil, body, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// List 分页拉取远端支付列表。结果是瞬时视图，不进入本地缓存。
func (c *HTTPClient) List(ctx context.Context, listQuery ListQuery) (*ListResult, error) {
	limit := listQuery.Limit
	if limit <= 0 {
		limit = 20
	}
	query := url.Values{}
	query.Set("network", c.network)
	query.Set("limit", strconv.Itoa(limit))
	if listQuery.Cursor != "" {
		query.Set("cursor", listQuery.Cursor)
	}
	if listQuery.Filter != "" {
		query.Set("filter", listQuery.Filter)
	}
	var result ListResult
	if err := c.call(ctx, http.MethodGet, "/payments", query, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close 释放底层连接。
func (c *HTTPClient) Close() {
	if c != nil && c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
}

func (c *HTTPClient) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化账本请求失败")
		}
		reader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建账本请求失败")
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("token", c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.ObserveLedgerCall(path, method, statusOf(resp, err), time.Since(started))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "请求账本服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(xerrors.CodeTransportFailure,
			fmt.Sprintf("账本服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
		)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "解析账本响应失败")
	}
	return nil
}

func statusOf(resp *http.Response, err error) int {
	if err != nil || resp == nil {
		return 0
	}
	return resp.StatusCode
}

var _ Client = (*HTTPClient)(nil)
