package prediction

import "fmt"

// SubmissionError 预测服务拒绝了任务创建（参数非法、鉴权、配额），不重试
type SubmissionError struct {
	Stage  StageKind
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission rejected (%s): %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("submission rejected (%s): %s", e.Stage, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransientError 单次请求遇到网络/服务抖动，可由调用方在尝试预算内重试
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// JobFailedError 预测服务报告任务本身失败，终态，不再轮询
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("prediction job %s failed", e.JobID)
	}
	return fmt.Sprintf("prediction job %s failed: %s", e.JobID, e.Reason)
}

// PollTimeoutError 轮询预算耗尽仍未到终态
type PollTimeoutError struct {
	JobID    string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("prediction job %s did not finish after %d poll attempts", e.JobID, e.Attempts)
}
