package provider

import (
	"context"
	"strings"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/prediction"
)

// 任务 ID 前缀，Fetch 时用来反查任务属于哪个后端
const (
	analysisPrefix   = "pa:"
	generationPrefix = "vg:"
)

// Mux 按任务种类把请求路由到对应的模型后端
type Mux struct {
	analysis   prediction.Client
	generation prediction.Client
}

// NewMux 组合提示词分析后端和视频生成后端为一个预测客户端
func NewMux(analysis, generation prediction.Client) *Mux {
	return &Mux{analysis: analysis, generation: generation}
}

func (m *Mux) Start(ctx context.Context, req prediction.StartRequest) (string, error) {
	switch req.Stage {
	case prediction.StagePromptAnalysis:
		id, err := m.analysis.Start(ctx, req)
		if err != nil {
			return "", err
		}
		return analysisPrefix + id, nil
	case prediction.StageVideoGeneration:
		id, err := m.generation.Start(ctx, req)
		if err != nil {
			return "", err
		}
		return generationPrefix + id, nil
	default:
		return "", &prediction.SubmissionError{Stage: req.Stage, Reason: "unknown stage kind"}
	}
}

func (m *Mux) Fetch(ctx context.Context, jobID string) (prediction.Job, error) {
	var backend prediction.Client
	var raw string
	switch {
	case strings.HasPrefix(jobID, analysisPrefix):
		backend, raw = m.analysis, strings.TrimPrefix(jobID, analysisPrefix)
	case strings.HasPrefix(jobID, generationPrefix):
		backend, raw = m.generation, strings.TrimPrefix(jobID, generationPrefix)
	default:
		// 不认识的 ID 当作失败任务返回，由轮询方按 JobFailed 收尾
		return prediction.Job{ID: jobID, Status: prediction.JobFailed, Error: "unknown prediction id"}, nil
	}

	job, err := backend.Fetch(ctx, raw)
	if err != nil {
		return prediction.Job{}, err
	}
	job.ID = jobID
	return job, nil
}
