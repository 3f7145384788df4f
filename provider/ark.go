package provider

import (
	"context"
	"strings"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/prediction"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
)

const (
	defaultArkModel   = "doubao-seedance-1-0-pro-250528"
	defaultArkBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
)

// ArkProvider 用火山方舟的内容生成任务做视频生成，
// 方舟本身就是建任务+查任务的异步模型，和预测接口一一对应
type ArkProvider struct {
	client  *arkruntime.Client
	modelEp string
}

// NewArkProvider 创建视频生成后端，baseURL/modelEp 为空时使用默认值
func NewArkProvider(apiKey, baseURL, modelEp string) *ArkProvider {
	if baseURL == "" {
		baseURL = defaultArkBaseURL
	}
	if modelEp == "" {
		modelEp = defaultArkModel
	}
	client := arkruntime.NewClientWithApiKey(
		apiKey,
		arkruntime.WithBaseUrl(baseURL),
	)
	return &ArkProvider{client: client, modelEp: modelEp}
}

func (p *ArkProvider) Start(ctx context.Context, req prediction.StartRequest) (string, error) {
	if req.Stage != prediction.StageVideoGeneration {
		return "", &prediction.SubmissionError{Stage: req.Stage, Reason: "ark backend only handles video generation"}
	}
	if req.ImageURL == "" {
		return "", &prediction.SubmissionError{Stage: req.Stage, Reason: "missing image url"}
	}
	if req.Prompt == "" {
		return "", &prediction.SubmissionError{Stage: req.Stage, Reason: "missing prompt"}
	}

	createReq := buildCreateRequest(p.modelEp, req)
	resp, err := p.client.CreateContentGenerationTask(ctx, createReq)
	if err != nil {
		if permanentArkError(err) {
			return "", &prediction.SubmissionError{Stage: req.Stage, Reason: "ark rejected task", Err: err}
		}
		return "", &prediction.TransientError{Op: "start", Err: err}
	}
	if resp.ID == "" {
		return "", &prediction.SubmissionError{Stage: req.Stage, Reason: "ark returned no task id"}
	}
	return resp.ID, nil
}

func (p *ArkProvider) Fetch(ctx context.Context, jobID string) (prediction.Job, error) {
	getReq := model.GetContentGenerationTaskRequest{ID: jobID}
	resp, err := p.client.GetContentGenerationTask(ctx, getReq)
	if err != nil {
		return prediction.Job{}, &prediction.TransientError{Op: "fetch", Err: err}
	}

	status := strings.ToLower(resp.Status)
	videoURL := ""
	if status == "succeeded" {
		videoURL = resp.Content.VideoURL
	}
	return mapArkStatus(jobID, status, videoURL), nil
}

func buildCreateRequest(modelEp string, req prediction.StartRequest) model.CreateContentGenerationTaskRequest {
	items := []*model.CreateContentGenerationContentItem{
		{
			Type: model.ContentGenerationContentItemTypeText,
			Text: volcengine.String(req.Prompt + " --resolution 720p"),
		},
		{
			Type: model.ContentGenerationContentItemTypeImage,
			ImageURL: &model.ImageURL{
				URL: req.ImageURL,
			},
		},
	}
	for _, ref := range req.ReferenceImages {
		items = append(items, &model.CreateContentGenerationContentItem{
			Type: model.ContentGenerationContentItemTypeImage,
			ImageURL: &model.ImageURL{
				URL: ref,
			},
		})
	}
	return model.CreateContentGenerationTaskRequest{
		Model:   modelEp,
		Content: items,
	}
}

func mapArkStatus(jobID, status, videoURL string) prediction.Job {
	switch status {
	case "succeeded":
		return prediction.Job{ID: jobID, Status: prediction.JobSucceeded, Output: videoURL}
	case "failed":
		return prediction.Job{ID: jobID, Status: prediction.JobFailed, Error: "content generation failed"}
	case "cancelled":
		return prediction.Job{ID: jobID, Status: prediction.JobFailed, Error: "content generation cancelled by provider"}
	case "queued":
		return prediction.Job{ID: jobID, Status: prediction.JobQueued}
	default:
		// running 等中间态统一按 processing 处理
		return prediction.Job{ID: jobID, Status: prediction.JobProcessing}
	}
}

// permanentArkError 通过错误文本区分永久错误和瞬时错误，
// 参数类权限类错误不重试
func permanentArkError(err error) bool {
	es := err.Error()
	upper := strings.ToUpper(es)
	return strings.Contains(upper, "INVALID_ARGUMENT") ||
		strings.Contains(upper, "INVALIDPARAMETER") ||
		strings.Contains(es, "400") ||
		strings.Contains(es, "401") ||
		strings.Contains(es, "403")
}
