package sse

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const keepaliveInterval = 30 * time.Second

// ServeSSE 处理批任务事件流的 SSE 连接
// @Summary 订阅批任务事件流（SSE）
// @Description 建立 SSE 长连接，实时接收某个批任务的条目状态变更。通过查询参数 `batch_id` 指定要订阅的批任务，例如 `/events?batch_id=12345`。每次条目的阶段状态变化都会推送一条 JSON 消息。
// @Tags SSE
// @Produce text/event-stream
// @Param batch_id query string true "要订阅的批任务 ID"
// @Success 200 {string} string "event stream"
// @Failure 400 {string} string "missing batch_id"
// @Failure 500 {string} string "server error"
// @Router /events [get]
func ServeSSE(c *gin.Context) {
	topic := c.Query("batch_id")
	if topic == "" {
		c.String(http.StatusBadRequest, "missing batch_id")
		return
	}

	h := GetHub()
	if h == nil {
		c.String(http.StatusInternalServerError, "sse hub not initialized")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// 每个连接独立的消息通道，handler 退出前必须取消订阅
	msgCh := make(chan []byte, 16)
	h.Subscribe(msgCh, topic)
	defer h.Unsubscribe(msgCh, topic)

	// 注释行既当握手也当保活，部分代理不发数据会断开连接
	fmt.Fprintf(c.Writer, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	notify := c.Request.Context().Done()
	for {
		select {
		case <-notify:
			return
		case <-keepalive.C:
			fmt.Fprintf(c.Writer, ": ping\n\n")
			flusher.Flush()
		case msg := <-msgCh:
			fmt.Fprintf(c.Writer, "data: %s\n\n", msg)
			zap.L().Debug("sse event sent", zap.String("batch_id", topic))
			flusher.Flush()
		}
	}
}
