package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// HTTPConfig HTTP agent参数
type HTTPConfig struct {
	Endpoint       string        // agent服务地址，如 http://agent:9000
	AuthToken      string        // 可选，作为Bearer token发送
	PollInterval   time.Duration // 轮询运行状态的间隔
	RequestTimeout time.Duration // 单个HTTP请求超时
}

// runRequest POST {endpoint}/runs 的请求体
type runRequest struct {
	WorkflowID string          `json:"workflow_id"`
	SourceKey  string          `json:"source_key"`
	Kind       string          `json:"kind"`
	Attempt    int             `json:"attempt"`
	Resume     bool            `json:"resume"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// runStatus agent服务返回的运行状态
type runStatus struct {
	RunID   string          `json:"run_id"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Message string          `json:"message,omitempty"`
}

// HTTPAgent 通过 start/poll 契约调用远端agent服务
// POST {endpoint}/runs 启动（或续跑），GET {endpoint}/runs/{run_id} 轮询直到结束
type HTTPAgent struct {
	cfg        HTTPConfig
	httpClient *http.Client
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewHTTPAgent 创建HTTP agent
func NewHTTPAgent(cfg HTTPConfig, clk clock.Clock, logger zerolog.Logger) *HTTPAgent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &HTTPAgent{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		clock:      clk,
		logger:     logging.Component(logger, "agent"),
	}
}

// Run 启动一次运行并轮询到结束或 ctx 到期
func (a *HTTPAgent) Run(ctx context.Context, task Task) (*Result, error) {
	req := runRequest{
		WorkflowID: task.WorkflowID,
		SourceKey:  task.SourceKey,
		Kind:       task.Kind,
		Attempt:    task.Attempt,
		Resume:     task.Attempt > 0,
		Params:     task.Params,
	}
	// 同一轮次的重复投递落到同一个远端运行上
	idemKey := task.WorkflowID + ":" + strconv.Itoa(task.Attempt)

	var st runStatus
	if err := a.do(ctx, http.MethodPost, "/runs", req, idemKey, &st); err != nil {
		return nil, fmt.Errorf("启动agent运行失败: %w", err)
	}
	a.logger.Debug().Str("workflow_id", task.WorkflowID).Str("run_id", st.RunID).
		Int("attempt", task.Attempt).Msg("[Agent] 已启动运行")

	for {
		if res, done, err := toResult(&st); err != nil || done {
			return res, err
		}
		if st.RunID == "" {
			return nil, fmt.Errorf("agent响应缺少run_id")
		}

		t := a.clock.Timer(a.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		if err := a.do(ctx, http.MethodGet, "/runs/"+st.RunID, nil, "", &st); err != nil {
			return nil, fmt.Errorf("查询agent运行状态失败: %w", err)
		}
	}
}

// toResult 把远端状态映射为结论，done=false 表示仍在运行
func toResult(st *runStatus) (*Result, bool, error) {
	switch strings.ToUpper(st.Status) {
	case "PENDING", "QUEUED", "RUNNING":
		return nil, false, nil
	case "COMPLETED", "SUCCEEDED", "SUCCESS":
		return &Result{Outcome: OutcomeCompleted, Output: st.Output, Message: st.Message}, true, nil
	case "FAILED", "ERROR":
		return &Result{Outcome: OutcomeFailed, Output: st.Output, Message: st.Message}, true, nil
	default:
		return nil, true, fmt.Errorf("未知的agent运行状态: %q", st.Status)
	}
}

func (a *HTTPAgent) do(ctx context.Context, method, path string, body interface{}, idemKey string, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.Endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if a.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AuthToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent返回HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("解析响应失败: %w, body: %s", err, string(data))
	}
	return nil
}
