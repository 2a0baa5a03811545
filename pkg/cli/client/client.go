// Package client task-watchdog HTTP API客户端
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/LENAX/task-watchdog/pkg/api/handler"
	"github.com/LENAX/task-watchdog/pkg/api/middleware"
	"github.com/LENAX/task-watchdog/pkg/core/queue"
)

// APIError 服务端返回的错误
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client HTTP API客户端
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// New 创建客户端，secret 用于给触发请求签名，可为空
func New(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ========== Trigger API ==========

// Trigger 发送触发请求
func (c *Client) Trigger(req dto.TriggerRequest) (*dto.TriggerResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}
	header := http.Header{}
	if c.secret != "" {
		header.Set(middleware.SignatureHeader, middleware.Sign(body, c.secret))
	}
	if req.IdempotencyKey != "" {
		header.Set(handler.IdempotencyHeader, req.IdempotencyKey)
	}

	var resp dto.APIResponse[dto.TriggerResponse]
	if err := c.do(http.MethodPost, "/api/v1/triggers", body, header, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ========== Workflow API ==========

// ListWorkflows 分页列出工作流
func (c *Client) ListWorkflows(sourceKey, status string, limit, offset int) (*dto.ListResponse[dto.WorkflowDetail], error) {
	params := url.Values{}
	if sourceKey != "" {
		params.Set("source_key", sourceKey)
	}
	if status != "" {
		params.Set("status", strings.ToUpper(status))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}

	var resp dto.APIResponse[dto.ListResponse[dto.WorkflowDetail]]
	if err := c.get(withQuery("/api/v1/workflows", params), &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetWorkflow 获取工作流详情
func (c *Client) GetWorkflow(id string) (*dto.WorkflowDetail, error) {
	var resp dto.APIResponse[dto.WorkflowDetail]
	if err := c.get("/api/v1/workflows/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// CancelWorkflow 取消工作流
func (c *Client) CancelWorkflow(id, reason string) (*dto.WorkflowDetail, error) {
	body, err := json.Marshal(dto.CancelRequest{Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}
	var resp dto.APIResponse[dto.WorkflowDetail]
	if err := c.do(http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/cancel", body, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ========== Queue API ==========

// QueueStats 队列概况
func (c *Client) QueueStats() (*queue.Stats, error) {
	var resp dto.APIResponse[queue.Stats]
	if err := c.get("/api/v1/queue/stats", &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ListDeadLetters 列出死信
func (c *Client) ListDeadLetters(limit int) (*dto.ListResponse[dto.DeadLetterDetail], error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp dto.APIResponse[dto.ListResponse[dto.DeadLetterDetail]]
	if err := c.get(withQuery("/api/v1/deadletters", params), &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// RedriveDeadLetter 把死信放回队列
func (c *Client) RedriveDeadLetter(messageID string) error {
	var resp dto.APIResponse[map[string]string]
	return c.do(http.MethodPost, "/api/v1/deadletters/"+url.PathEscape(messageID)+"/redrive", nil, nil, &resp)
}

// ========== Health API ==========

// Health 健康检查
func (c *Client) Health() (*dto.HealthResponse, error) {
	var resp dto.APIResponse[dto.HealthResponse]
	if err := c.get("/health", &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ========== HTTP Methods ==========

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func (c *Client) get(path string, result interface{}) error {
	return c.do(http.MethodGet, path, nil, nil, result)
}

func (c *Client) do(method, path string, body []byte, header http.Header, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()
	return parseResponse(resp, result)
}

func parseResponse(resp *http.Response, result interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e dto.APIResponse[any]
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			msg = e.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("解析响应失败: %w, body: %s", err, string(data))
	}
	return nil
}
