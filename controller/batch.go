package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/dao/store"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// BatchService 批任务生命周期操作，由 pipeline.Service 实现
type BatchService interface {
	StartBatch(imageURLs []string) (uint64, error)
	GetBatch(batchID uint64) (*models.Batch, error)
	CancelBatch(batchID uint64) error
	ClearBatch(batchID uint64) error
	Running(batchID uint64) bool
}

// BatchLister 历史列表查询
type BatchLister interface {
	ListBatches(offset, pageSize int) (*store.BatchHistoryPage, error)
}

type Handler struct {
	svc    BatchService
	lister BatchLister
}

func NewHandler(svc BatchService, lister BatchLister) *Handler {
	return &Handler{svc: svc, lister: lister}
}

// SubmitBatch 提交批任务
// @Summary 提交图片批任务
// @Description 提交 1~10 张房源图片，后台为每张图生成运镜提示词并产出视频。立即返回批任务 ID，进度通过 GET /batches/:batch_id 或 SSE /events 跟踪。
// @Tags Batch
// @Accept json
// @Produce json
// @Param request body models.BatchRequest true "图片 URL 列表"
// @Success 202 {object} map[string]interface{} "已受理，返回 batch_id"
// @Failure 400 {object} map[string]interface{} "请求参数错误"
// @Failure 500 {object} map[string]interface{} "服务器错误"
// @Router /batches [post]
func (h *Handler) SubmitBatch(c *gin.Context) {
	var req models.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		zap.L().Error("SubmitBatch with invalid param", zap.Error(err))
		// 判断err是不是 validator.ValidationErrors类型的errors
		if errs, ok := err.(validator.ValidationErrors); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	batchID, err := h.svc.StartBatch(req.ImageURLs)
	if err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
			return
		}
		zap.L().Error("StartBatch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit batch"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "status": "submitted"})
}

// GetBatch 查询批任务进度
// @Summary 查询批任务
// @Description 返回批任务的完整快照：批级状态、计数和每个条目的两阶段状态、产物与错误。
// @Tags Batch
// @Produce json
// @Param batch_id path string true "批任务 ID"
// @Success 200 {object} models.Batch
// @Failure 400 {object} map[string]interface{} "batch_id 不合法"
// @Failure 404 {object} map[string]interface{} "批任务不存在"
// @Router /batches/{batch_id} [get]
func (h *Handler) GetBatch(c *gin.Context) {
	batchID, err := parseBatchID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}

	b, err := h.svc.GetBatch(batchID)
	if err != nil {
		if errors.Is(err, models.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		zap.L().Error("GetBatch failed", zap.Uint64("batch_id", batchID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load batch"})
		return
	}
	c.JSON(http.StatusOK, b)
}

// CancelBatch 取消执行中的批任务
// @Summary 取消批任务
// @Description 协作式取消：已提交给模型的预测不会被撤回，但不再为后续条目创建新任务，执行中的条目会尽快结算为 failed。
// @Tags Batch
// @Produce json
// @Param batch_id path string true "批任务 ID"
// @Success 202 {object} map[string]interface{} "取消已受理"
// @Failure 404 {object} map[string]interface{} "批任务不存在"
// @Failure 409 {object} map[string]interface{} "批任务不在执行中"
// @Router /batches/{batch_id}/cancel [post]
func (h *Handler) CancelBatch(c *gin.Context) {
	batchID, err := parseBatchID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}

	if err := h.svc.CancelBatch(batchID); err != nil {
		if _, gerr := h.svc.GetBatch(batchID); errors.Is(gerr, models.ErrBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "batch is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "status": "cancelling"})
}

// DeleteBatch 删除已结算批任务的全部记录
func (h *Handler) DeleteBatch(c *gin.Context) {
	batchID, err := parseBatchID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch id"})
		return
	}

	if err := h.svc.ClearBatch(batchID); err != nil {
		switch {
		case errors.Is(err, models.ErrBatchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		case errors.Is(err, pipeline.ErrBatchRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "batch is still running"})
		default:
			zap.L().Error("ClearBatch failed", zap.Uint64("batch_id", batchID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete batch"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "status": "deleted"})
}

// ListBatches 分页列出历史批任务
func (h *Handler) ListBatches(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	page, err := h.lister.ListBatches(offset, pageSize)
	if err != nil {
		zap.L().Error("ListBatches failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list batches"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseBatchID(c *gin.Context) (uint64, error) {
	return strconv.ParseUint(c.Param("batch_id"), 10, 64)
}
