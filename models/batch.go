package models

import (
	"errors"
	"fmt"
)

// ErrBatchNotFound 查询的批任务不存在
var ErrBatchNotFound = errors.New("batch not found")

// 阶段状态常量
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// MaxBatchSize 单个批任务最多包含的图片数
const MaxBatchSize = 10

// Stage 标识条目所处的流水线阶段：先提示词分析，后视频生成
type Stage string

const (
	StagePrompt Stage = "prompt"
	StageVideo  Stage = "video"
)

// stageTransitions 是阶段状态机的完整转移表，表外的转移一律拒绝。
// pending -> processing（开始执行）
// pending -> failed（批任务取消时条目未开始）
// processing -> completed / failed
var stageTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// CanTransition 判断某个阶段状态转移是否合法
func CanTransition(from, to string) bool {
	return stageTransitions[from][to]
}

// TerminalStatus 判断状态是否为终态
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// BatchItem 记录一张图片在两个阶段中的完整状态
type BatchItem struct {
	Index           int    `json:"index"`
	ImageURL        string `json:"image_url"`
	PromptStatus    string `json:"prompt_status"`
	VideoStatus     string `json:"video_status"`
	PromptJobID     string `json:"prompt_job_id,omitempty"`
	VideoJobID      string `json:"video_job_id,omitempty"`
	GeneratedPrompt string `json:"generated_prompt,omitempty"`
	VideoURL        string `json:"video_url,omitempty"`
	Error           string `json:"error,omitempty"`
}

// NewBatchItem 创建初始条目，两个阶段都处于 pending
func NewBatchItem(index int, imageURL string) BatchItem {
	return BatchItem{
		Index:        index,
		ImageURL:     imageURL,
		PromptStatus: StatusPending,
		VideoStatus:  StatusPending,
	}
}

// StageStatus 返回指定阶段的当前状态
func (it *BatchItem) StageStatus(stage Stage) string {
	if stage == StageVideo {
		return it.VideoStatus
	}
	return it.PromptStatus
}

// Transition 将指定阶段迁移到新状态。
// 除了转移表之外还强制一条不变式：视频阶段只有在提示词阶段
// completed 且 GeneratedPrompt 非空时才允许离开 pending。
func (it *BatchItem) Transition(stage Stage, to string) error {
	from := it.StageStatus(stage)
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid %s stage transition: %s -> %s", stage, from, to)
	}
	if stage == StageVideo && from == StatusPending && to == StatusProcessing {
		if it.PromptStatus != StatusCompleted || it.GeneratedPrompt == "" {
			return fmt.Errorf("video stage requires a completed prompt stage with non-empty prompt")
		}
	}
	if stage == StageVideo {
		it.VideoStatus = to
	} else {
		it.PromptStatus = to
	}
	return nil
}

// Settled 判断条目是否已结算：不再有任何处于 pending/processing 且仍会推进的阶段。
// 提示词阶段失败的条目的视频阶段永远停在 pending，也视为已结算。
func (it *BatchItem) Settled() bool {
	if !TerminalStatus(it.PromptStatus) {
		return false
	}
	if TerminalStatus(it.VideoStatus) {
		return true
	}
	// 视频阶段还在 pending：只有提示词阶段没有 completed 时才算结算
	return it.VideoStatus == StatusPending && it.PromptStatus != StatusCompleted
}

// Succeeded 条目级成功：两个阶段都 completed
func (it *BatchItem) Succeeded() bool {
	return it.PromptStatus == StatusCompleted && it.VideoStatus == StatusCompleted
}

// Batch 是一次批任务的完整快照
type Batch struct {
	BatchID   uint64      `json:"batch_id"`
	Status    string      `json:"status"`
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	CreatedAt int64       `json:"created_at,omitempty"`
	UpdatedAt int64       `json:"updated_at,omitempty"`
}

// Recount 根据条目终态重算成功/失败计数
func (b *Batch) Recount() {
	succeeded, failed := 0, 0
	for i := range b.Items {
		it := &b.Items[i]
		if !it.Settled() {
			continue
		}
		if it.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	b.Succeeded = succeeded
	b.Failed = failed
}

// BatchRequest 前端提交批任务的请求体
type BatchRequest struct {
	ImageURLs []string `json:"image_urls" binding:"required,min=1,max=10,dive,url"`
}

// BatchMessage 是投递到消息队列的批任务载荷
type BatchMessage struct {
	BatchID   uint64   `json:"batch_id"`
	ImageURLs []string `json:"image_urls"`
	CreatedAt int64    `json:"created_at,omitempty"`
}

// StatusUpdate 条目状态变更事件，按批任务 ID 推送给订阅者
type StatusUpdate struct {
	BatchID         uint64 `json:"batch_id"`
	Index           int    `json:"index"`
	ImageURL        string `json:"image_url"`
	Stage           Stage  `json:"stage"`
	Status          string `json:"status"`
	PromptJobID     string `json:"prompt_job_id,omitempty"`
	VideoJobID      string `json:"video_job_id,omitempty"`
	GeneratedPrompt string `json:"generated_prompt,omitempty"`
	VideoURL        string `json:"video_url,omitempty"`
	Error           string `json:"error,omitempty"`
}

// NewStatusUpdate 从条目当前状态构造一次只读快照事件
func NewStatusUpdate(batchID uint64, stage Stage, it *BatchItem) StatusUpdate {
	return StatusUpdate{
		BatchID:         batchID,
		Index:           it.Index,
		ImageURL:        it.ImageURL,
		Stage:           stage,
		Status:          it.StageStatus(stage),
		PromptJobID:     it.PromptJobID,
		VideoJobID:      it.VideoJobID,
		GeneratedPrompt: it.GeneratedPrompt,
		VideoURL:        it.VideoURL,
		Error:           it.Error,
	}
}
