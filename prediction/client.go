package prediction

import (
	"context"
)

// StageKind 预测任务种类
type StageKind string

const (
	StagePromptAnalysis  StageKind = "prompt-analysis"
	StageVideoGeneration StageKind = "video-generation"
)

// 外部任务状态，与预测服务的取值保持一致
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
)

// Job 外部预测任务的一次性快照，核心侧只读不改
type Job struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Output interface{} `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Terminal 判断任务是否已到终态
func (j Job) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

// StartRequest 启动一个预测任务所需的入参
type StartRequest struct {
	Stage           StageKind
	ImageURL        string
	Prompt          string
	ReferenceImages []string
}

// Client 预测服务的最小接口。
// Start 失败返回 *SubmissionError（不重试）；
// Fetch 失败返回 *TransientError（可在预算内重试），且无副作用。
type Client interface {
	Start(ctx context.Context, req StartRequest) (string, error)
	Fetch(ctx context.Context, jobID string) (Job, error)
}

// FirstOutput 把预测输出归一化为字符串。
// 服务端可能返回标量也可能返回序列，序列时取第一个元素；
// 序列长度大于 1 时多余元素忽略。返回值第二个参数表示是否取到了非空结果。
func FirstOutput(output interface{}) (string, bool) {
	switch v := output.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	case []string:
		if len(v) == 0 {
			return "", false
		}
		return v[0], v[0] != ""
	case []interface{}:
		if len(v) == 0 {
			return "", false
		}
		s, ok := v[0].(string)
		if !ok {
			return "", false
		}
		return s, s != ""
	default:
		return "", false
	}
}
