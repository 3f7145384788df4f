package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/prediction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type updateLog struct {
	mu      sync.Mutex
	updates []models.StatusUpdate
}

func (l *updateLog) add(u models.StatusUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *updateLog) all() []models.StatusUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.StatusUpdate, len(l.updates))
	copy(out, l.updates)
	return out
}

func (l *updateLog) byIndex(index int) []models.StatusUpdate {
	var out []models.StatusUpdate
	for _, u := range l.all() {
		if u.Index == index {
			out = append(out, u)
		}
	}
	return out
}

// assertCausalOrder 校验单个条目的事件顺序：提示词阶段先于视频阶段，
// 每个阶段内 processing 先于终态
func assertCausalOrder(t *testing.T, updates []models.StatusUpdate) {
	t.Helper()
	var seq []string
	for _, u := range updates {
		seq = append(seq, string(u.Stage)+":"+u.Status)
	}
	allowed := []string{
		"prompt:failed",
		"prompt:processing|prompt:completed",
		"prompt:processing|prompt:failed",
		"prompt:processing|prompt:completed|video:failed",
		"prompt:processing|prompt:completed|video:processing|video:completed",
		"prompt:processing|prompt:completed|video:processing|video:failed",
	}
	assert.Contains(t, allowed, strings.Join(seq, "|"))
}

func TestRunBatchAllSucceed(t *testing.T) {
	client := newFakeClient()
	log := &updateLog{}
	o := NewOrchestrator(newTestRunner(client), log.add, 1)

	urls := []string{"https://img.example.com/a.jpg", "https://img.example.com/b.jpg"}
	batch, err := o.RunBatch(context.Background(), 7, urls)

	require.NoError(t, err)
	require.Len(t, batch.Items, 2)
	for i, it := range batch.Items {
		assert.Equal(t, i, it.Index)
		assert.Equal(t, urls[i], it.ImageURL)
		assert.Equal(t, models.StatusCompleted, it.PromptStatus)
		assert.Equal(t, models.StatusCompleted, it.VideoStatus)
		assert.NotEmpty(t, it.GeneratedPrompt)
		assert.NotEmpty(t, it.VideoURL)
		assert.NotEmpty(t, it.PromptJobID)
		assert.NotEmpty(t, it.VideoJobID)
	}
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 0, batch.Failed)
	assert.Equal(t, models.StatusCompleted, batch.Status)

	assertCausalOrder(t, log.byIndex(0))
	assertCausalOrder(t, log.byIndex(1))
}

func TestRunBatchPhaseBarrier(t *testing.T) {
	client := newFakeClient()
	o := NewOrchestrator(newTestRunner(client), nil, 1)

	urls := []string{"https://img.example.com/a.jpg", "https://img.example.com/b.jpg", "https://img.example.com/c.jpg"}
	_, err := o.RunBatch(context.Background(), 7, urls)
	require.NoError(t, err)

	// 所有提示词分析都要先于任何视频生成启动
	events := client.eventLog()
	lastPrompt, firstVideo := -1, len(events)
	for i, e := range events {
		if strings.HasPrefix(e, "start:"+string(prediction.StagePromptAnalysis)) && i > lastPrompt {
			lastPrompt = i
		}
		if strings.HasPrefix(e, "start:"+string(prediction.StageVideoGeneration)) && i < firstVideo {
			firstVideo = i
		}
	}
	assert.Less(t, lastPrompt, firstVideo)
}

func TestRunBatchPromptFailureIsolation(t *testing.T) {
	client := newFakeClient()
	client.when(prediction.StagePromptAnalysis, "https://img.example.com/bad.jpg", stageBehavior{
		job: prediction.Job{Status: prediction.JobFailed, Error: "blurry image"},
	})
	log := &updateLog{}
	o := NewOrchestrator(newTestRunner(client), log.add, 1)

	batch, err := o.RunBatch(context.Background(), 7, []string{
		"https://img.example.com/bad.jpg",
		"https://img.example.com/good.jpg",
	})
	require.NoError(t, err)

	bad, good := batch.Items[0], batch.Items[1]
	assert.Equal(t, models.StatusFailed, bad.PromptStatus)
	assert.Equal(t, models.StatusPending, bad.VideoStatus)
	assert.Contains(t, bad.Error, "blurry image")

	assert.Equal(t, models.StatusCompleted, good.PromptStatus)
	assert.Equal(t, models.StatusCompleted, good.VideoStatus)

	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)

	// 失败条目不应该有视频生成请求
	for _, e := range client.eventLog() {
		assert.NotEqual(t, "start:"+string(prediction.StageVideoGeneration)+":https://img.example.com/bad.jpg", e)
	}
}

func TestRunBatchVideoFailureIsolation(t *testing.T) {
	client := newFakeClient()
	client.when(prediction.StageVideoGeneration, "https://img.example.com/a.jpg", stageBehavior{
		job: prediction.Job{Status: prediction.JobFailed, Error: "render farm unavailable"},
	})
	o := NewOrchestrator(newTestRunner(client), nil, 1)

	batch, err := o.RunBatch(context.Background(), 7, []string{
		"https://img.example.com/a.jpg",
		"https://img.example.com/b.jpg",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, batch.Items[0].PromptStatus)
	assert.Equal(t, models.StatusFailed, batch.Items[0].VideoStatus)
	assert.Contains(t, batch.Items[0].Error, "render farm unavailable")

	assert.Equal(t, models.StatusCompleted, batch.Items[1].VideoStatus)
}

func TestRunBatchValidation(t *testing.T) {
	client := newFakeClient()
	o := NewOrchestrator(newTestRunner(client), nil, 1)

	tests := []struct {
		name string
		urls []string
	}{
		{"empty batch", nil},
		{"over limit", make([]string, models.MaxBatchSize+1)},
		{"blank url", []string{"https://img.example.com/a.jpg", "  "}},
	}
	for i := range tests[1].urls {
		tests[1].urls[i] = "https://img.example.com/a.jpg"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.RunBatch(context.Background(), 7, tt.urls)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}

	// 校验失败时不允许创建任何预测任务
	assert.Empty(t, client.eventLog())
}

func TestRunBatchCancelledBeforeStart(t *testing.T) {
	client := newFakeClient()
	log := &updateLog{}
	o := NewOrchestrator(newTestRunner(client), log.add, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := o.RunBatch(ctx, 7, []string{"https://img.example.com/a.jpg", "https://img.example.com/b.jpg"})
	require.NoError(t, err)

	for _, it := range batch.Items {
		assert.Equal(t, models.StatusFailed, it.PromptStatus)
		assert.Equal(t, models.StatusPending, it.VideoStatus)
		assert.Equal(t, reasonCancelled, it.Error)
	}
	assert.Empty(t, client.eventLog())
	assert.Equal(t, 0, batch.Succeeded)
	assert.Equal(t, 2, batch.Failed)
}

func TestRunBatchCancelledMidFlight(t *testing.T) {
	client := newFakeClient()
	client.when(prediction.StagePromptAnalysis, "https://img.example.com/a.jpg", stageBehavior{never: true})

	ctx, cancel := context.WithCancel(context.Background())
	client.onFetch = func(string) { cancel() }

	log := &updateLog{}
	runner := NewStageRunner(client, fastPoller(), fastPoller())
	o := NewOrchestrator(runner, log.add, 1)

	batch, err := o.RunBatch(ctx, 7, []string{
		"https://img.example.com/a.jpg",
		"https://img.example.com/b.jpg",
		"https://img.example.com/c.jpg",
	})
	require.NoError(t, err)

	// 没有条目停留在 processing，全部结算
	for _, it := range batch.Items {
		assert.NotEqual(t, models.StatusProcessing, it.PromptStatus)
		assert.NotEqual(t, models.StatusProcessing, it.VideoStatus)
		assert.Equal(t, models.StatusFailed, it.PromptStatus)
		assert.Equal(t, reasonCancelled, it.Error)
		assert.Equal(t, models.StatusPending, it.VideoStatus)
	}

	// 取消后不再为后续条目创建任务
	starts := client.startRequests()
	assert.Len(t, starts, 1)
}

func TestRunBatchIndependentRuns(t *testing.T) {
	client := newFakeClient()
	o := NewOrchestrator(newTestRunner(client), nil, 1)
	urls := []string{"https://img.example.com/a.jpg"}

	first, err := o.RunBatch(context.Background(), 1, urls)
	require.NoError(t, err)
	second, err := o.RunBatch(context.Background(), 2, urls)
	require.NoError(t, err)

	// 两次执行各自拿到全新的任务 ID，不共享条目状态
	assert.NotEqual(t, first.Items[0].PromptJobID, second.Items[0].PromptJobID)
	assert.NotEqual(t, first.Items[0].VideoJobID, second.Items[0].VideoJobID)

	second.Items[0].GeneratedPrompt = "mutated"
	assert.NotEqual(t, "mutated", first.Items[0].GeneratedPrompt)
}

func TestRunBatchBoundedConcurrency(t *testing.T) {
	client := newFakeClient()
	log := &updateLog{}
	o := NewOrchestrator(newTestRunner(client), log.add, 3)

	urls := []string{
		"https://img.example.com/1.jpg",
		"https://img.example.com/2.jpg",
		"https://img.example.com/3.jpg",
		"https://img.example.com/4.jpg",
		"https://img.example.com/5.jpg",
	}
	batch, err := o.RunBatch(context.Background(), 7, urls)
	require.NoError(t, err)

	for i, it := range batch.Items {
		assert.Equal(t, i, it.Index)
		assert.Equal(t, models.StatusCompleted, it.PromptStatus)
		assert.Equal(t, models.StatusCompleted, it.VideoStatus)
	}
	assert.Equal(t, 5, batch.Succeeded)

	// 并发下仍然保证：条目内因果顺序 + 阶段屏障
	for i := range urls {
		assertCausalOrder(t, log.byIndex(i))
	}
	events := client.eventLog()
	lastPrompt, firstVideo := -1, len(events)
	for i, e := range events {
		if strings.HasPrefix(e, "start:"+string(prediction.StagePromptAnalysis)) && i > lastPrompt {
			lastPrompt = i
		}
		if strings.HasPrefix(e, "start:"+string(prediction.StageVideoGeneration)) && i < firstVideo {
			firstVideo = i
		}
	}
	assert.Less(t, lastPrompt, firstVideo)
}

func TestValidateImageURLs(t *testing.T) {
	assert.Error(t, ValidateImageURLs(nil))
	assert.Error(t, ValidateImageURLs([]string{}))
	assert.NoError(t, ValidateImageURLs([]string{"https://img.example.com/a.jpg"}))

	ten := make([]string, 10)
	for i := range ten {
		ten[i] = "https://img.example.com/a.jpg"
	}
	assert.NoError(t, ValidateImageURLs(ten))
	assert.Error(t, ValidateImageURLs(append(ten, "https://img.example.com/b.jpg")))
}
