package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BatchSummary 历史列表里的单个批任务概要
type BatchSummary struct {
	BatchID   uint64 `json:"batch_id"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	CreatedAt int64  `json:"created_at"`
}

// BatchHistoryPage 分页结果
type BatchHistoryPage struct {
	Batches    []BatchSummary `json:"batches"`
	HasMore    bool           `json:"has_more"`
	NextOffset int            `json:"next_offset,omitempty"`
	PageSize   int            `json:"page_size"`
}

// ListBatches 扫描全部批任务 key 并按批任务 ID 降序分页返回。
// offset: 偏移量，首页传 0
// pageSize: 每页条数，超出范围时回落到 10
func (s *RedisStore) ListBatches(offset, pageSize int) (*BatchHistoryPage, error) {
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 10
	}
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()
	pattern := keyPrefix + "*"

	var (
		ids        []uint64
		scanCursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, scanCursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan redis keys: %v", err)
		}
		for _, key := range keys {
			id, ok := parseBatchKey(key)
			if !ok {
				continue
			}
			ids = append(ids, id)
		}
		scanCursor = next
		if scanCursor == 0 {
			break
		}
	}

	// 雪花 ID 单调递增，降序即最新的在前
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	total := len(ids)
	endIdx := offset + pageSize
	hasMore := endIdx < total
	if endIdx > total {
		endIdx = total
	}
	if offset > total {
		offset = total
	}

	batches := make([]BatchSummary, 0, endIdx-offset)
	for _, id := range ids[offset:endIdx] {
		hash, err := s.client.HGetAll(ctx, batchKey(id)).Result()
		if err != nil || len(hash) == 0 {
			continue
		}
		b := batchFromHash(id, hash)
		totalItems, _ := strconv.Atoi(hash["total"])
		batches = append(batches, BatchSummary{
			BatchID:   id,
			Status:    b.Status,
			Total:     totalItems,
			Succeeded: b.Succeeded,
			Failed:    b.Failed,
			CreatedAt: b.CreatedAt,
		})
	}

	nextOffset := 0
	if hasMore {
		nextOffset = endIdx
	}
	return &BatchHistoryPage{
		Batches:    batches,
		HasMore:    hasMore,
		NextOffset: nextOffset,
		PageSize:   pageSize,
	}, nil
}

// parseBatchKey 从批级 key 解析批任务 ID，条目 key 返回 false
func parseBatchKey(key string) (uint64, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(key, keyPrefix)
	if strings.Contains(rest, ":") {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
