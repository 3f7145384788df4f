package main

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/controller"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/dao/mysql"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/dao/store"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pipeline"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pkg/config"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pkg/logger"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pkg/queue"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pkg/snowflake"
	sse "github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pkg/sse"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/prediction"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/provider"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Filename:   cfg.LogFile,
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
	}); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zap.L().Sync()

	//初始化雪花算法
	if err := snowflake.Init(cfg.MachineID); err != nil {
		log.Fatalf("Failed to init Snowflake: %v", err)
	}

	if err := store.Init(cfg.RedisAddr, cfg.RedisPassword); err != nil {
		log.Fatalf("Failed to init Redis: %v", err)
	}

	// MySQL 归档可选，不配置 DSN 时跳过
	var archiver pipeline.Archiver
	if cfg.MySQLDSN != "" {
		if err := mysql.Init(cfg.MySQLDSN); err != nil {
			log.Fatalf("Failed to init MySQL: %v", err)
		}
		defer mysql.Close()
		archiver = mysql.NewBatchArchiver()
	}

	// 初始化单例 RabbitMQ
	if err := queue.InitRabbitMQ(cfg.RabbitMQURL); err != nil {
		log.Fatalf("Failed to init RabbitMQ: %v", err)
	}
	rabbitMQ, err := queue.GetRabbitMQ()
	if err != nil {
		log.Fatalf("Failed to get RabbitMQ instance: %v", err)
	}
	defer rabbitMQ.Close()

	// 初始化并启动 SSE hub
	sseHub := sse.NewHub()
	sse.SetDefaultHub(sseHub)
	go sseHub.Run()

	client := buildPredictionClient(cfg)
	poller := prediction.NewPoller(time.Duration(cfg.PollIntervalMS)*time.Millisecond, cfg.PollMaxAttempts)
	runner := pipeline.NewStageRunner(client, poller, poller)

	svc := pipeline.NewService(store.Get(), rabbitMQ, runner, pipeline.ServiceOptions{
		Workers:  cfg.PhaseWorkers,
		Notify:   publishUpdate,
		Archiver: archiver,
	})

	go func() {
		if err := rabbitMQ.Consume(svc.ExecuteBatch); err != nil {
			log.Fatalf("rabbit consume failed: %v", err)
		}
	}()

	r := gin.Default()

	h := controller.NewHandler(svc, store.Get())
	r.POST("/batches", h.SubmitBatch)
	r.GET("/batches", h.ListBatches)
	r.GET("/batches/:batch_id", h.GetBatch)
	r.POST("/batches/:batch_id/cancel", h.CancelBatch)
	r.DELETE("/batches/:batch_id", h.DeleteBatch)
	r.GET("/events", sse.ServeSSE)

	r.Run(cfg.HTTPAddr)
}

// buildPredictionClient 按配置选择预测任务的接入方式：
// gateway 走统一的 HTTP 预测网关，direct 在进程内直连两家模型 SDK
func buildPredictionClient(cfg *config.Config) prediction.Client {
	if cfg.PredictionMode == "gateway" {
		return prediction.NewHTTPClient(cfg.PredictionBaseURL, cfg.PredictionAPIKey)
	}
	gemini := provider.NewGeminiProvider(cfg.GeminiModel)
	ark := provider.NewArkProvider(cfg.ArkAPIKey, cfg.ArkBaseURL, cfg.ArkModel)
	return provider.NewMux(gemini, ark)
}

// publishUpdate 把条目状态变更推送给订阅该批任务的 SSE 客户端
func publishUpdate(u models.StatusUpdate) {
	hub := sse.GetHub()
	if hub == nil {
		return
	}
	b, err := json.Marshal(u)
	if err != nil {
		return
	}
	hub.PublishTopic(strconv.FormatUint(u.BatchID, 10), b)
}
