package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/pkg/snowflake"
	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/prediction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if err := snowflake.Init(1); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// memStore 内存版 BatchStore，记录每一次写入方便断言
type memStore struct {
	mu       sync.Mutex
	batches  map[uint64]*models.Batch
	statuses []string
	updates  []models.StatusUpdate
	finished []*models.Batch
}

func newMemStore() *memStore {
	return &memStore{batches: make(map[uint64]*models.Batch)}
}

func (s *memStore) SaveBatch(b *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	cp.Items = append([]models.BatchItem(nil), b.Items...)
	s.batches[b.BatchID] = &cp
	return nil
}

func (s *memStore) SetBatchStatus(batchID uint64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	if b, ok := s.batches[batchID]; ok {
		b.Status = status
	}
	return nil
}

func (s *memStore) ApplyUpdate(u models.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	b, ok := s.batches[u.BatchID]
	if !ok || u.Index >= len(b.Items) {
		return models.ErrBatchNotFound
	}
	it := &b.Items[u.Index]
	switch u.Stage {
	case models.StagePrompt:
		it.PromptStatus = u.Status
	case models.StageVideo:
		it.VideoStatus = u.Status
	}
	it.PromptJobID = u.PromptJobID
	it.VideoJobID = u.VideoJobID
	it.GeneratedPrompt = u.GeneratedPrompt
	it.VideoURL = u.VideoURL
	it.Error = u.Error
	return nil
}

func (s *memStore) FinishBatch(b *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, b)
	cp := *b
	cp.Items = append([]models.BatchItem(nil), b.Items...)
	s.batches[b.BatchID] = &cp
	return nil
}

func (s *memStore) GetBatch(batchID uint64) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, models.ErrBatchNotFound
	}
	cp := *b
	cp.Items = append([]models.BatchItem(nil), b.Items...)
	return &cp, nil
}

func (s *memStore) DeleteBatch(batchID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return models.ErrBatchNotFound
	}
	delete(s.batches, batchID)
	return nil
}

func (s *memStore) statusHistory() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statuses...)
}

func (s *memStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *memStore) finishedBatches() []*models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Batch(nil), s.finished...)
}

type memPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *memPublisher) PublishBatch(body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

type memArchiver struct {
	mu      sync.Mutex
	batches []*models.Batch
}

func (a *memArchiver) ArchiveBatch(b *models.Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, b)
	return nil
}

func newTestService(store *memStore, pub *memPublisher, client prediction.Client, opts ServiceOptions) *Service {
	return NewService(store, pub, NewStageRunner(client, fastPoller(), fastPoller()), opts)
}

func TestStartBatch(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	svc := newTestService(store, pub, newFakeClient(), ServiceOptions{})

	urls := []string{"https://img.example.com/a.jpg", "https://img.example.com/b.jpg"}
	batchID, err := svc.StartBatch(urls)
	require.NoError(t, err)
	require.NotZero(t, batchID)

	b, err := store.GetBatch(batchID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, b.Status)
	require.Len(t, b.Items, 2)
	for i, it := range b.Items {
		assert.Equal(t, urls[i], it.ImageURL)
		assert.Equal(t, models.StatusPending, it.PromptStatus)
		assert.Equal(t, models.StatusPending, it.VideoStatus)
	}

	require.Len(t, pub.bodies, 1)
	var msg models.BatchMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, batchID, msg.BatchID)
	assert.Equal(t, urls, msg.ImageURLs)
}

func TestStartBatchValidation(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{}
	svc := newTestService(store, pub, newFakeClient(), ServiceOptions{})

	_, err := svc.StartBatch(nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	// 校验失败不产生副作用
	assert.Empty(t, pub.bodies)
	assert.Empty(t, store.batches)
}

func TestStartBatchPublishError(t *testing.T) {
	store := newMemStore()
	pub := &memPublisher{err: assert.AnError}
	svc := newTestService(store, pub, newFakeClient(), ServiceOptions{})

	_, err := svc.StartBatch([]string{"https://img.example.com/a.jpg"})
	require.ErrorIs(t, err, assert.AnError)
}

func TestExecuteBatch(t *testing.T) {
	store := newMemStore()
	archiver := &memArchiver{}
	var notified []models.StatusUpdate
	var mu sync.Mutex
	svc := newTestService(store, &memPublisher{}, newFakeClient(), ServiceOptions{
		Notify: func(u models.StatusUpdate) {
			mu.Lock()
			notified = append(notified, u)
			mu.Unlock()
		},
		Archiver: archiver,
	})

	urls := []string{"https://img.example.com/a.jpg", "https://img.example.com/b.jpg"}
	batchID, err := svc.StartBatch(urls)
	require.NoError(t, err)

	err = svc.ExecuteBatch(models.BatchMessage{BatchID: batchID, ImageURLs: urls})
	require.NoError(t, err)

	// processing -> 结算快照
	assert.Equal(t, []string{models.StatusProcessing}, store.statusHistory())

	finished := store.finishedBatches()
	require.Len(t, finished, 1)
	assert.Equal(t, models.StatusCompleted, finished[0].Status)
	assert.Equal(t, 2, finished[0].Succeeded)

	b, err := svc.GetBatch(batchID)
	require.NoError(t, err)
	for _, it := range b.Items {
		assert.Equal(t, models.StatusCompleted, it.PromptStatus)
		assert.Equal(t, models.StatusCompleted, it.VideoStatus)
		assert.NotEmpty(t, it.VideoURL)
	}

	// 每条目两个阶段各两次更新，存储与通知一致
	assert.Equal(t, 8, store.updateCount())
	mu.Lock()
	assert.Len(t, notified, 8)
	mu.Unlock()

	require.Len(t, archiver.batches, 1)
	assert.Equal(t, batchID, archiver.batches[0].BatchID)

	assert.False(t, svc.Running(batchID))
}

func TestExecuteBatchInvalidMessage(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &memPublisher{}, newFakeClient(), ServiceOptions{})

	err := svc.ExecuteBatch(models.BatchMessage{BatchID: 42})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{models.StatusProcessing, models.StatusFailed}, store.statusHistory())
	assert.Empty(t, store.finishedBatches())
}

func TestCancelBatchWhileRunning(t *testing.T) {
	client := newFakeClient()
	client.when(prediction.StagePromptAnalysis, "https://img.example.com/a.jpg", stageBehavior{never: true})

	store := newMemStore()
	svc := newTestService(store, &memPublisher{}, client, ServiceOptions{})

	urls := []string{"https://img.example.com/a.jpg", "https://img.example.com/b.jpg"}
	batchID, err := svc.StartBatch(urls)
	require.NoError(t, err)

	polling := make(chan struct{})
	var once sync.Once
	client.onFetch = func(string) { once.Do(func() { close(polling) }) }

	done := make(chan error, 1)
	go func() {
		done <- svc.ExecuteBatch(models.BatchMessage{BatchID: batchID, ImageURLs: urls})
	}()

	select {
	case <-polling:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never started polling")
	}
	require.True(t, svc.Running(batchID))
	require.NoError(t, svc.CancelBatch(batchID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not settle after cancel")
	}

	b, err := svc.GetBatch(batchID)
	require.NoError(t, err)
	for _, it := range b.Items {
		assert.NotEqual(t, models.StatusProcessing, it.PromptStatus)
		assert.NotEqual(t, models.StatusProcessing, it.VideoStatus)
	}
	assert.Equal(t, models.StatusFailed, b.Items[0].PromptStatus)
	assert.Equal(t, reasonCancelled, b.Items[0].Error)

	assert.False(t, svc.Running(batchID))
	assert.ErrorIs(t, svc.CancelBatch(batchID), ErrBatchNotRunning)
}

func TestCancelBatchNotRunning(t *testing.T) {
	svc := newTestService(newMemStore(), &memPublisher{}, newFakeClient(), ServiceOptions{})
	assert.ErrorIs(t, svc.CancelBatch(12345), ErrBatchNotRunning)
}

func TestClearBatch(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &memPublisher{}, newFakeClient(), ServiceOptions{})

	batchID, err := svc.StartBatch([]string{"https://img.example.com/a.jpg"})
	require.NoError(t, err)

	require.NoError(t, svc.ClearBatch(batchID))
	_, err = svc.GetBatch(batchID)
	assert.ErrorIs(t, err, models.ErrBatchNotFound)

	assert.ErrorIs(t, svc.ClearBatch(99999), models.ErrBatchNotFound)
}

func TestClearBatchWhileRunning(t *testing.T) {
	client := newFakeClient()
	client.when(prediction.StagePromptAnalysis, "https://img.example.com/a.jpg", stageBehavior{never: true})

	store := newMemStore()
	svc := newTestService(store, &memPublisher{}, client, ServiceOptions{})

	urls := []string{"https://img.example.com/a.jpg"}
	batchID, err := svc.StartBatch(urls)
	require.NoError(t, err)

	polling := make(chan struct{})
	var once sync.Once
	client.onFetch = func(string) { once.Do(func() { close(polling) }) }

	done := make(chan error, 1)
	go func() {
		done <- svc.ExecuteBatch(models.BatchMessage{BatchID: batchID, ImageURLs: urls})
	}()

	select {
	case <-polling:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never started polling")
	}
	assert.ErrorIs(t, svc.ClearBatch(batchID), ErrBatchRunning)

	require.NoError(t, svc.CancelBatch(batchID))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not settle after cancel")
	}

	assert.NoError(t, svc.ClearBatch(batchID))
}
