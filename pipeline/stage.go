package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/prediction"
	"go.uber.org/zap"
)

// motionConstraintSuffix 追加在提示词分析结果之后，约束视频模型只做
// 运镜和环境动效，不改动画面里的物体和结构
const motionConstraintSuffix = " Keep the scene exactly as in the source image: do not add, remove or reshape any objects. Only apply camera motion and subtle ambient movement."

// 取消时写入条目的失败原因
const reasonCancelled = "cancelled"

// StageOutcome 单个条目单个阶段的执行结果
type StageOutcome struct {
	Completed bool
	Reason    string
}

// StageRunner 驱动单个条目的单个阶段：组装请求、创建预测任务、轮询到终态、
// 解释输出。所有失败路径都收敛为失败的 outcome，不向编排层抛错。
type StageRunner struct {
	client       prediction.Client
	promptPoller prediction.Poller
	videoPoller  prediction.Poller
}

// NewStageRunner 创建阶段执行器，两个阶段可以配置不同的轮询策略
func NewStageRunner(client prediction.Client, promptPoller, videoPoller prediction.Poller) *StageRunner {
	return &StageRunner{
		client:       client,
		promptPoller: promptPoller,
		videoPoller:  videoPoller,
	}
}

// Run 执行条目的指定阶段。副作用：把预测任务 ID 记到条目上；
// 提示词阶段成功时写入 GeneratedPrompt（已追加动效约束后缀），
// 视频阶段成功时写入 VideoURL。
func (r *StageRunner) Run(ctx context.Context, stage models.Stage, item *models.BatchItem) (outcome StageOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("stage runner panic recovered",
				zap.Int("index", item.Index),
				zap.String("stage", string(stage)),
				zap.Any("panic", rec))
			outcome = StageOutcome{Reason: fmt.Sprintf("internal error: %v", rec)}
		}
	}()

	var req prediction.StartRequest
	var poller prediction.Poller
	switch stage {
	case models.StagePrompt:
		req = prediction.StartRequest{
			Stage:    prediction.StagePromptAnalysis,
			ImageURL: item.ImageURL,
		}
		poller = r.promptPoller
	case models.StageVideo:
		req = prediction.StartRequest{
			Stage:    prediction.StageVideoGeneration,
			ImageURL: item.ImageURL,
			Prompt:   item.GeneratedPrompt,
		}
		poller = r.videoPoller
	default:
		return StageOutcome{Reason: fmt.Sprintf("unknown stage: %s", stage)}
	}

	jobID, err := r.client.Start(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return StageOutcome{Reason: reasonCancelled}
		}
		return StageOutcome{Reason: err.Error()}
	}

	// 任务号立刻记到条目上，外部查询进行中的批任务时可见
	if stage == models.StageVideo {
		item.VideoJobID = jobID
	} else {
		item.PromptJobID = jobID
	}
	zap.L().Debug("prediction job started",
		zap.Int("index", item.Index),
		zap.String("stage", string(stage)),
		zap.String("job_id", jobID))

	job, err := poller.PollUntilDone(ctx, r.client, jobID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return StageOutcome{Reason: reasonCancelled}
		}
		return StageOutcome{Reason: err.Error()}
	}

	text, ok := prediction.FirstOutput(job.Output)
	if !ok {
		return StageOutcome{Reason: "prediction succeeded with empty output"}
	}

	if stage == models.StageVideo {
		item.VideoURL = text
	} else {
		item.GeneratedPrompt = text + motionConstraintSuffix
	}
	return StageOutcome{Completed: true}
}
