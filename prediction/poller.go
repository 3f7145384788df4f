package prediction

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// 默认轮询配置，约 6 分钟上限，可按阶段覆盖
const (
	DefaultPollInterval = 3000 * time.Millisecond
	DefaultMaxAttempts  = 120
)

// Poller 显式的轮询重试策略。间隔、尝试上限和退避策略都从外部注入，
// 便于按阶段配置和在测试里控制时序。
type Poller struct {
	Interval    time.Duration
	MaxAttempts int

	// Backoff 可选，返回第 attempt 次尝试之后的等待时长；为 nil 时使用固定 Interval
	Backoff func(attempt int) time.Duration
}

// NewPoller 创建轮询策略，零值参数回落到默认配置
func NewPoller(interval time.Duration, maxAttempts int) Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Poller{Interval: interval, MaxAttempts: maxAttempts}
}

// PollUntilDone 轮询任务直到终态或预算耗尽。
//   - status == succeeded：立即返回任务快照
//   - status == failed：立即返回 *JobFailedError，不再发起请求
//   - Fetch 的瞬时错误计入一次尝试，继续轮询
//   - 尝试次数用完仍未到终态：返回 *PollTimeoutError
//
// 每次尝试前和每次等待期间都会响应 ctx 取消，取消时返回 ctx.Err()。
func (p Poller) PollUntilDone(ctx context.Context, c Client, jobID string) (Job, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}

		job, err := c.Fetch(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			// 瞬时错误：消耗一次尝试后继续
			zap.L().Warn("prediction fetch failed, will retry",
				zap.String("job_id", jobID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else {
			switch job.Status {
			case JobSucceeded:
				return job, nil
			case JobFailed:
				return job, &JobFailedError{JobID: jobID, Reason: job.Error}
			}
		}

		wait := interval
		if p.Backoff != nil {
			if d := p.Backoff(attempt); d > 0 {
				wait = d
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Job{}, ctx.Err()
		case <-timer.C:
		}
	}

	return Job{}, &PollTimeoutError{JobID: jobID, Attempts: maxAttempts}
}
