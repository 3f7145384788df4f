package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
	"go.uber.org/zap"
)

// ValidationError 批任务入参不合法，在任何预测任务创建之前同步返回
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid batch: " + e.Reason
}

// Notifier 接收条目状态变更事件。顺序执行时按因果顺序逐条调用；
// 开启阶段内并发后可能被多个 goroutine 同时调用，实现方需要自己保证并发安全。
type Notifier func(models.StatusUpdate)

// Orchestrator 两阶段批任务编排器。先对所有条目做提示词分析，
// 全部结算后再为合格条目做视频生成；单个条目的失败不影响其它条目。
type Orchestrator struct {
	runner  *StageRunner
	notify  Notifier
	workers int
}

// NewOrchestrator 创建编排器。workers <= 1 时按输入顺序串行执行；
// 大于 1 时在单个阶段内做有界并发，阶段之间仍然是全量屏障。
func NewOrchestrator(runner *StageRunner, notify Notifier, workers int) *Orchestrator {
	if notify == nil {
		notify = func(models.StatusUpdate) {}
	}
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{runner: runner, notify: notify, workers: workers}
}

// ValidateImageURLs 校验批任务入参：1 到 MaxBatchSize 张图，URL 非空
func ValidateImageURLs(imageURLs []string) error {
	if len(imageURLs) == 0 {
		return &ValidationError{Reason: "batch must contain at least one image"}
	}
	if len(imageURLs) > models.MaxBatchSize {
		return &ValidationError{Reason: fmt.Sprintf("batch exceeds %d images", models.MaxBatchSize)}
	}
	for i, u := range imageURLs {
		if strings.TrimSpace(u) == "" {
			return &ValidationError{Reason: fmt.Sprintf("image %d has an empty url", i)}
		}
	}
	return nil
}

// RunBatch 执行一次完整的批任务。除入参校验外永远返回成功：
// 所有阶段级失败都落在条目状态上。取消时所有条目都会结算，
// 未开始的阶段标记为 failed/cancelled，不留 processing。
// 每次调用都构造全新的条目集合，批任务之间不共享任何可变状态。
func (o *Orchestrator) RunBatch(ctx context.Context, batchID uint64, imageURLs []string) (*models.Batch, error) {
	if err := ValidateImageURLs(imageURLs); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	batch := &models.Batch{
		BatchID:   batchID,
		Status:    models.StatusProcessing,
		Items:     make([]models.BatchItem, 0, len(imageURLs)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, u := range imageURLs {
		batch.Items = append(batch.Items, models.NewBatchItem(i, u))
	}

	zap.L().Info("batch started",
		zap.Uint64("batch_id", batchID),
		zap.Int("items", len(batch.Items)))

	// 第一阶段：提示词分析，覆盖所有条目
	o.runPhase(ctx, batch, models.StagePrompt, func(it *models.BatchItem) bool {
		return true
	})

	// 第二阶段：只为提示词阶段完成的条目生成视频，
	// 其余条目的视频阶段永远停在 pending
	o.runPhase(ctx, batch, models.StageVideo, func(it *models.BatchItem) bool {
		return it.PromptStatus == models.StatusCompleted && it.GeneratedPrompt != ""
	})

	batch.Recount()
	batch.Status = models.StatusCompleted
	batch.UpdatedAt = time.Now().Unix()

	zap.L().Info("batch settled",
		zap.Uint64("batch_id", batchID),
		zap.Int("succeeded", batch.Succeeded),
		zap.Int("failed", batch.Failed))
	return batch, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, batch *models.Batch, stage models.Stage, eligible func(*models.BatchItem) bool) {
	if o.workers <= 1 {
		for i := range batch.Items {
			o.runItemStage(ctx, batch, &batch.Items[i], stage, eligible)
		}
		return
	}

	// 有界并发：同一条目始终由一个 goroutine 处理，条目内事件保持因果顺序
	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup
	for i := range batch.Items {
		sem <- struct{}{}
		wg.Add(1)
		go func(it *models.BatchItem) {
			defer func() { <-sem; wg.Done() }()
			o.runItemStage(ctx, batch, it, stage, eligible)
		}(&batch.Items[i])
	}
	wg.Wait()
}

func (o *Orchestrator) runItemStage(ctx context.Context, batch *models.Batch, it *models.BatchItem, stage models.Stage, eligible func(*models.BatchItem) bool) {
	if !eligible(it) {
		return
	}

	// 条目边界检查取消：未开始的阶段直接以 cancelled 结算
	if ctx.Err() != nil {
		o.failStage(batch, it, stage, reasonCancelled)
		return
	}

	if err := it.Transition(stage, models.StatusProcessing); err != nil {
		zap.L().Error("stage transition rejected",
			zap.Uint64("batch_id", batch.BatchID),
			zap.Int("index", it.Index),
			zap.Error(err))
		return
	}
	o.notify(models.NewStatusUpdate(batch.BatchID, stage, it))

	outcome := o.runner.Run(ctx, stage, it)

	if outcome.Completed {
		if err := it.Transition(stage, models.StatusCompleted); err != nil {
			zap.L().Error("stage transition rejected",
				zap.Uint64("batch_id", batch.BatchID),
				zap.Int("index", it.Index),
				zap.Error(err))
			return
		}
	} else {
		it.Error = outcome.Reason
		if err := it.Transition(stage, models.StatusFailed); err != nil {
			zap.L().Error("stage transition rejected",
				zap.Uint64("batch_id", batch.BatchID),
				zap.Int("index", it.Index),
				zap.Error(err))
			return
		}
		zap.L().Warn("stage failed",
			zap.Uint64("batch_id", batch.BatchID),
			zap.Int("index", it.Index),
			zap.String("stage", string(stage)),
			zap.String("reason", outcome.Reason))
	}
	o.notify(models.NewStatusUpdate(batch.BatchID, stage, it))
}

// failStage 把尚未结算的阶段直接置为 failed 并广播，用于取消路径
func (o *Orchestrator) failStage(batch *models.Batch, it *models.BatchItem, stage models.Stage, reason string) {
	if models.TerminalStatus(it.StageStatus(stage)) {
		return
	}
	it.Error = reason
	if err := it.Transition(stage, models.StatusFailed); err != nil {
		zap.L().Error("stage transition rejected",
			zap.Uint64("batch_id", batch.BatchID),
			zap.Int("index", it.Index),
			zap.Error(err))
		return
	}
	o.notify(models.NewStatusUpdate(batch.BatchID, stage, it))
}
