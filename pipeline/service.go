package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pkg/snowflake"
	"go.uber.org/zap"
)

var (
	// ErrBatchNotRunning 取消时批任务不在执行中
	ErrBatchNotRunning = errors.New("batch is not running")
	// ErrBatchRunning 清理时批任务还在执行中
	ErrBatchRunning = errors.New("batch is still running")
)

// BatchStore 批任务状态持久化的最小接口
type BatchStore interface {
	SaveBatch(b *models.Batch) error
	SetBatchStatus(batchID uint64, status string) error
	ApplyUpdate(u models.StatusUpdate) error
	FinishBatch(b *models.Batch) error
	GetBatch(batchID uint64) (*models.Batch, error)
	DeleteBatch(batchID uint64) error
}

// Publisher 批任务消息投递的最小接口
type Publisher interface {
	PublishBatch(body []byte) error
}

// Archiver 批任务结算后的归档落库，可选
type Archiver interface {
	ArchiveBatch(b *models.Batch) error
}

// ServiceOptions Service 的可选依赖
type ServiceOptions struct {
	// Workers 阶段内并发度，<= 1 表示串行
	Workers int
	// Notify 每次条目状态变更后的额外回调（典型用法：SSE 推送）
	Notify Notifier
	// Archiver 批任务结算后的归档器，nil 表示不归档
	Archiver Archiver
}

// Service 管理批任务的生命周期：提交入队、执行、查询、取消、清理
type Service struct {
	store   BatchStore
	pub     Publisher
	runner  *StageRunner
	notify  Notifier
	archive Archiver
	workers int

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
}

// NewService 创建批任务服务
func NewService(store BatchStore, pub Publisher, runner *StageRunner, opts ServiceOptions) *Service {
	return &Service{
		store:   store,
		pub:     pub,
		runner:  runner,
		notify:  opts.Notify,
		archive: opts.Archiver,
		workers: opts.Workers,
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// StartBatch 校验入参、分配批任务 ID、写入初始快照并投递到队列。
// 入参不合法时返回 *ValidationError，且不会产生任何副作用。
func (s *Service) StartBatch(imageURLs []string) (uint64, error) {
	if err := ValidateImageURLs(imageURLs); err != nil {
		return 0, err
	}

	batchID, err := snowflake.GetID()
	if err != nil {
		return 0, fmt.Errorf("generate batch id: %w", err)
	}

	now := time.Now().Unix()
	batch := &models.Batch{
		BatchID:   batchID,
		Status:    models.StatusPending,
		Items:     make([]models.BatchItem, 0, len(imageURLs)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, u := range imageURLs {
		batch.Items = append(batch.Items, models.NewBatchItem(i, u))
	}
	if err := s.store.SaveBatch(batch); err != nil {
		return 0, fmt.Errorf("store batch: %w", err)
	}

	msg := models.BatchMessage{BatchID: batchID, ImageURLs: imageURLs, CreatedAt: now}
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal batch message: %w", err)
	}
	if err := s.pub.PublishBatch(body); err != nil {
		return 0, fmt.Errorf("publish batch: %w", err)
	}

	zap.L().Info("batch submitted", zap.Uint64("batch_id", batchID), zap.Int("items", len(imageURLs)))
	return batchID, nil
}

// ExecuteBatch 队列消费侧入口：注册取消句柄并跑完整个批任务。
// 返回错误只可能是消息本身不合法（入参校验失败）。
func (s *Service) ExecuteBatch(msg models.BatchMessage) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[msg.BatchID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, msg.BatchID)
		s.mu.Unlock()
	}()

	if err := s.store.SetBatchStatus(msg.BatchID, models.StatusProcessing); err != nil {
		zap.L().Error("set batch status failed", zap.Uint64("batch_id", msg.BatchID), zap.Error(err))
	}

	orch := NewOrchestrator(s.runner, s.handleUpdate, s.workers)
	batch, err := orch.RunBatch(ctx, msg.BatchID, msg.ImageURLs)
	if err != nil {
		if serr := s.store.SetBatchStatus(msg.BatchID, models.StatusFailed); serr != nil {
			zap.L().Error("set batch status failed", zap.Uint64("batch_id", msg.BatchID), zap.Error(serr))
		}
		return err
	}

	if err := s.store.FinishBatch(batch); err != nil {
		zap.L().Error("finish batch failed", zap.Uint64("batch_id", msg.BatchID), zap.Error(err))
	}
	if s.archive != nil {
		if err := s.archive.ArchiveBatch(batch); err != nil {
			zap.L().Error("archive batch failed", zap.Uint64("batch_id", msg.BatchID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) handleUpdate(u models.StatusUpdate) {
	if err := s.store.ApplyUpdate(u); err != nil {
		zap.L().Error("apply status update failed",
			zap.Uint64("batch_id", u.BatchID),
			zap.Int("index", u.Index),
			zap.Error(err))
	}
	if s.notify != nil {
		s.notify(u)
	}
}

// GetBatch 读取批任务快照
func (s *Service) GetBatch(batchID uint64) (*models.Batch, error) {
	return s.store.GetBatch(batchID)
}

// CancelBatch 协作式取消：通知执行中的批任务停下来。
// 条目会陆续结算，取消不等待执行结束。
func (s *Service) CancelBatch(batchID uint64) error {
	s.mu.Lock()
	cancel, ok := s.cancels[batchID]
	s.mu.Unlock()
	if !ok {
		return ErrBatchNotRunning
	}
	cancel()
	zap.L().Info("batch cancel requested", zap.Uint64("batch_id", batchID))
	return nil
}

// Running 判断批任务是否还在执行
func (s *Service) Running(batchID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[batchID]
	return ok
}

// ClearBatch 删除已结算批任务的全部记录
func (s *Service) ClearBatch(batchID uint64) error {
	if s.Running(batchID) {
		return ErrBatchRunning
	}
	if _, err := s.store.GetBatch(batchID); err != nil {
		return err
	}
	return s.store.DeleteBatch(batchID)
}
