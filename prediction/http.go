package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 预测网关路径
const (
	pathStartPromptAnalysis  = "/start-prompt-analysis"
	pathStartVideoGeneration = "/start-video-generation"
	pathGetPrediction        = "/get-prediction"
)

// HTTPClient 预测网关的 HTTP 实现。
// 网关在一个统一接口后面代理具体模型服务：
//
//	POST /start-prompt-analysis  { imageUrl }          -> { id }
//	POST /start-video-generation { imageUrl, prompt }  -> { id }
//	GET  /get-prediction?id=<id>                       -> { id, status, output?, error? }
type HTTPClient struct {
	base   string
	apiKey string
	hc     *http.Client
}

// NewHTTPClient 创建网关客户端，apiKey 为空时不附带鉴权头
func NewHTTPClient(base, apiKey string) *HTTPClient {
	return &HTTPClient{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		hc:     &http.Client{Timeout: 30 * time.Second},
	}
}

type startPayload struct {
	ImageURL        string   `json:"imageUrl"`
	Prompt          string   `json:"prompt,omitempty"`
	ReferenceImages []string `json:"referenceImages,omitempty"`
}

type startResponse struct {
	ID string `json:"id"`
}

type wireError struct {
	Error string `json:"error"`
}

// Start 提交一个预测任务，返回网关分配的任务 ID。
// 4xx 视为提交被拒绝（SubmissionError），5xx 和网络错误视为瞬时错误。
func (c *HTTPClient) Start(ctx context.Context, req StartRequest) (string, error) {
	var path string
	payload := startPayload{ImageURL: req.ImageURL}
	switch req.Stage {
	case StagePromptAnalysis:
		path = pathStartPromptAnalysis
	case StageVideoGeneration:
		path = pathStartVideoGeneration
		payload.Prompt = req.Prompt
		payload.ReferenceImages = req.ReferenceImages
	default:
		return "", &SubmissionError{Stage: req.Stage, Reason: "unknown stage kind"}
	}
	if payload.ImageURL == "" {
		return "", &SubmissionError{Stage: req.Stage, Reason: "missing image url"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &SubmissionError{Stage: req.Stage, Reason: "marshal payload", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return "", &SubmissionError{Stage: req.Stage, Reason: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 网关按该头去重，避免消费端重投时重复建任务
	httpReq.Header.Set("Idempotency-Key", uuid.New().String())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return "", &TransientError{Op: "start", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &TransientError{Op: "start", Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var sr startResponse
		if err := json.Unmarshal(raw, &sr); err != nil {
			return "", &TransientError{Op: "start", Err: fmt.Errorf("decode response: %w", err)}
		}
		if sr.ID == "" {
			return "", &SubmissionError{Stage: req.Stage, Reason: "gateway returned no job id"}
		}
		return sr.ID, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &SubmissionError{Stage: req.Stage, Reason: gatewayMessage(resp.StatusCode, raw)}
	default:
		return "", &TransientError{Op: "start", Err: fmt.Errorf("gateway status %d", resp.StatusCode)}
	}
}

// Fetch 获取任务当前快照，任何请求层面的失败都映射为瞬时错误
func (c *HTTPClient) Fetch(ctx context.Context, jobID string) (Job, error) {
	u := c.base + pathGetPrediction + "?id=" + url.QueryEscape(jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Job{}, &TransientError{Op: "fetch", Err: err}
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return Job{}, &TransientError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Job{}, &TransientError{Op: "fetch", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Job{}, &TransientError{Op: "fetch", Err: fmt.Errorf("gateway status %d: %s", resp.StatusCode, gatewayMessage(resp.StatusCode, raw))}
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, &TransientError{Op: "fetch", Err: fmt.Errorf("decode response: %w", err)}
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, nil
}

func gatewayMessage(status int, raw []byte) string {
	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil && we.Error != "" {
		return we.Error
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return fmt.Sprintf("status %d", status)
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
