package provider

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/prediction"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

const promptAnalysisInstruction = `You are a real-estate video director. Look at this listing photo and write one short English prompt describing how a cinematic video clip should move through this exact scene. Describe camera motion (pan, tilt, dolly, zoom) and subtle ambient motion such as light, curtains or foliage. Do not invent objects that are not in the photo. Reply with the prompt text only, no explanations.`

// GeminiProvider 用 Gemini 做提示词分析。
// 模型调用本身是同步的，这里把它适配成异步任务接口：
// Start 登记任务并在后台发起调用，Fetch 返回登记表里的快照。
type GeminiProvider struct {
	model string

	mu   sync.Mutex
	jobs map[string]prediction.Job

	analyze func(ctx context.Context, imageURL string) (string, error)
}

// NewGeminiProvider 创建提示词分析后端，model 为空时使用默认模型
func NewGeminiProvider(model string) *GeminiProvider {
	if model == "" {
		model = defaultGeminiModel
	}
	p := &GeminiProvider{
		model: model,
		jobs:  make(map[string]prediction.Job),
	}
	p.analyze = p.callPromptAnalysisAPI
	return p
}

func (p *GeminiProvider) Start(ctx context.Context, req prediction.StartRequest) (string, error) {
	if req.Stage != prediction.StagePromptAnalysis {
		return "", &prediction.SubmissionError{Stage: req.Stage, Reason: "gemini backend only handles prompt analysis"}
	}
	if req.ImageURL == "" {
		return "", &prediction.SubmissionError{Stage: req.Stage, Reason: "missing image url"}
	}

	id := uuid.New().String()
	p.mu.Lock()
	p.jobs[id] = prediction.Job{ID: id, Status: prediction.JobQueued}
	p.mu.Unlock()

	// 模型调用挂到后台执行；任务提交后独立于批任务的生命周期，
	// 批任务取消只是不再轮询，不回收已提交的任务
	go p.run(id, req.ImageURL)

	return id, nil
}

func (p *GeminiProvider) Fetch(ctx context.Context, jobID string) (prediction.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return prediction.Job{ID: jobID, Status: prediction.JobFailed, Error: "unknown prediction id"}, nil
	}
	return job, nil
}

func (p *GeminiProvider) run(id, imageURL string) {
	p.setJob(id, prediction.Job{ID: id, Status: prediction.JobProcessing})

	text, err := p.analyze(context.Background(), imageURL)
	if err != nil {
		zap.L().Warn("prompt analysis failed", zap.String("job_id", id), zap.Error(err))
		p.setJob(id, prediction.Job{ID: id, Status: prediction.JobFailed, Error: err.Error()})
		return
	}
	p.setJob(id, prediction.Job{ID: id, Status: prediction.JobSucceeded, Output: text})
}

func (p *GeminiProvider) setJob(id string, job prediction.Job) {
	p.mu.Lock()
	p.jobs[id] = job
	p.mu.Unlock()
}

func (p *GeminiProvider) callPromptAnalysisAPI(ctx context.Context, imageURL string) (string, error) {
	client, err := genai.NewClient(ctx, nil)
	if err != nil {
		return "", err
	}

	parts := []*genai.Part{
		genai.NewPartFromText(promptAnalysisInstruction),
		genai.NewPartFromURI(imageURL, imageMIME(imageURL)),
	}

	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	result, err := client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", errors.New("genai: empty generate response")
	}
	return strings.TrimSpace(result.Text()), nil
}

func imageMIME(url string) string {
	u := strings.ToLower(url)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	switch {
	case strings.HasSuffix(u, ".png"):
		return "image/png"
	case strings.HasSuffix(u, ".webp"):
		return "image/webp"
	case strings.HasSuffix(u, ".gif"):
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
