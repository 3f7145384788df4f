package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const keyPrefix = "vm:batch:"

var defaultStore *RedisStore

// Init 初始化 Redis 连接并设置包级默认 store
func Init(addr, password string) error {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return err
	}
	defaultStore = NewRedisStore(client)
	return nil
}

// Get 返回默认 store，未初始化时为 nil
func Get() *RedisStore {
	return defaultStore
}

// RedisStore 批任务状态的 Redis 存储。
// 每个批任务两类 key：
//
//	vm:batch:<id>             批级 hash（status/total/succeeded/failed/时间戳）
//	vm:batch:<id>:item:<idx>  条目级 hash（两阶段状态、任务 ID、产物、错误）
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func batchKey(batchID uint64) string {
	return keyPrefix + strconv.FormatUint(batchID, 10)
}

func itemKey(batchID uint64, index int) string {
	return batchKey(batchID) + ":item:" + strconv.Itoa(index)
}

// updateScript 原子更新条目的阶段状态并维护批级计数。
// 返回值为数组：[succeeded, failed, total, changedFlag]
// changedFlag: 1 = 状态已写入，0 = 旧状态是终态，更新被拒绝
const updateScript = `
local item = KEYS[1]
local batch = KEYS[2]
local stage = ARGV[1]
local new = ARGV[2]
local field = stage..'_status'
local old = redis.call('HGET', item, field)

-- 终态不可覆盖
if old == 'completed' or old == 'failed' then
	return {redis.call('HGET', batch, 'succeeded') or '0', redis.call('HGET', batch, 'failed') or '0', redis.call('HGET', batch, 'total') or '0', 0}
end

redis.call('HSET', item, field, new,
	'prompt_job_id', ARGV[3],
	'video_job_id', ARGV[4],
	'generated_prompt', ARGV[5],
	'video_url', ARGV[6],
	'error', ARGV[7])
redis.call('HSET', batch, 'updated_at', ARGV[8])

-- 条目两个阶段里至多一个会走到 failed，视频阶段 completed 即整条成功
if new == 'failed' then
	redis.call('HINCRBY', batch, 'failed', 1)
elseif stage == 'video' and new == 'completed' then
	redis.call('HINCRBY', batch, 'succeeded', 1)
end
return {redis.call('HGET', batch, 'succeeded') or '0', redis.call('HGET', batch, 'failed') or '0', redis.call('HGET', batch, 'total') or '0', 1}
`

// SaveBatch 写入批任务的初始快照，批级 hash 和全部条目放在同一个 pipeline 里
func (s *RedisStore) SaveBatch(b *models.Batch) error {
	ctx := context.Background()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, batchKey(b.BatchID), map[string]interface{}{
		"status":     b.Status,
		"total":      len(b.Items),
		"succeeded":  0,
		"failed":     0,
		"created_at": b.CreatedAt,
		"updated_at": b.UpdatedAt,
	})
	for i := range b.Items {
		pipe.HSet(ctx, itemKey(b.BatchID, i), itemFields(&b.Items[i]))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Error("failed to store batch", zap.Uint64("batch_id", b.BatchID), zap.Error(err))
		return err
	}
	return nil
}

// SetBatchStatus 更新批级状态
func (s *RedisStore) SetBatchStatus(batchID uint64, status string) error {
	ctx := context.Background()
	key := batchKey(batchID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return models.ErrBatchNotFound
	}
	return s.client.HSet(ctx, key, "status", status).Err()
}

// ApplyUpdate 用 Lua 脚本原子落盘一次条目状态变更。
// 旧状态已是终态时本次更新被拒绝，只记日志不报错
func (s *RedisStore) ApplyUpdate(u models.StatusUpdate) error {
	ctx := context.Background()
	keys := []string{itemKey(u.BatchID, u.Index), batchKey(u.BatchID)}
	args := []interface{}{
		string(u.Stage), u.Status,
		u.PromptJobID, u.VideoJobID,
		u.GeneratedPrompt, u.VideoURL, u.Error,
		time.Now().Unix(),
	}
	res, err := s.client.Eval(ctx, updateScript, keys, args...).Result()
	if err != nil {
		return err
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 4 {
		return fmt.Errorf("unexpected eval result: %v", res)
	}
	changed, _ := strconv.ParseInt(fmt.Sprintf("%v", arr[3]), 10, 64)
	if changed == 0 {
		zap.L().Warn("stale status update ignored",
			zap.Uint64("batch_id", u.BatchID),
			zap.Int("index", u.Index),
			zap.String("stage", string(u.Stage)),
			zap.String("status", u.Status))
	}
	return nil
}

// FinishBatch 批任务结算后写入最终快照，以内存里的结果为准
func (s *RedisStore) FinishBatch(b *models.Batch) error {
	ctx := context.Background()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, batchKey(b.BatchID), map[string]interface{}{
		"status":     b.Status,
		"succeeded":  b.Succeeded,
		"failed":     b.Failed,
		"updated_at": b.UpdatedAt,
	})
	for i := range b.Items {
		pipe.HSet(ctx, itemKey(b.BatchID, i), itemFields(&b.Items[i]))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Error("failed to finish batch", zap.Uint64("batch_id", b.BatchID), zap.Error(err))
		return err
	}
	return nil
}

// GetBatch 读取批任务完整快照，不存在时返回 models.ErrBatchNotFound
func (s *RedisStore) GetBatch(batchID uint64) (*models.Batch, error) {
	ctx := context.Background()
	hash, err := s.client.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 {
		return nil, models.ErrBatchNotFound
	}

	b := batchFromHash(batchID, hash)
	total, _ := strconv.Atoi(hash["total"])
	b.Items = make([]models.BatchItem, 0, total)
	for i := 0; i < total; i++ {
		itemHash, err := s.client.HGetAll(ctx, itemKey(batchID, i)).Result()
		if err != nil {
			return nil, err
		}
		b.Items = append(b.Items, itemFromHash(i, itemHash))
	}
	return b, nil
}

// DeleteBatch 删除批任务的全部 key
func (s *RedisStore) DeleteBatch(batchID uint64) error {
	ctx := context.Background()
	total, err := s.client.HGet(ctx, batchKey(batchID), "total").Int()
	if err == redis.Nil {
		return models.ErrBatchNotFound
	}
	if err != nil {
		return err
	}

	keys := make([]string, 0, total+1)
	keys = append(keys, batchKey(batchID))
	for i := 0; i < total; i++ {
		keys = append(keys, itemKey(batchID, i))
	}
	return s.client.Del(ctx, keys...).Err()
}

func itemFields(it *models.BatchItem) map[string]interface{} {
	return map[string]interface{}{
		"index":            it.Index,
		"image_url":        it.ImageURL,
		"prompt_status":    it.PromptStatus,
		"video_status":     it.VideoStatus,
		"prompt_job_id":    it.PromptJobID,
		"video_job_id":     it.VideoJobID,
		"generated_prompt": it.GeneratedPrompt,
		"video_url":        it.VideoURL,
		"error":            it.Error,
	}
}

func itemFromHash(index int, hash map[string]string) models.BatchItem {
	it := models.NewBatchItem(index, hash["image_url"])
	if v := hash["prompt_status"]; v != "" {
		it.PromptStatus = v
	}
	if v := hash["video_status"]; v != "" {
		it.VideoStatus = v
	}
	it.PromptJobID = hash["prompt_job_id"]
	it.VideoJobID = hash["video_job_id"]
	it.GeneratedPrompt = hash["generated_prompt"]
	it.VideoURL = hash["video_url"]
	it.Error = hash["error"]
	return it
}

func batchFromHash(batchID uint64, hash map[string]string) *models.Batch {
	succeeded, _ := strconv.Atoi(hash["succeeded"])
	failed, _ := strconv.Atoi(hash["failed"])
	createdAt, _ := strconv.ParseInt(hash["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(hash["updated_at"], 10, 64)
	return &models.Batch{
		BatchID:   batchID,
		Status:    hash["status"],
		Succeeded: succeeded,
		Failed:    failed,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}
