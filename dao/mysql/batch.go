package mysql

import (
	"fmt"

	"github.com/deklerkwayne101010-bit/Property-Buddy-Ai-sub001/models"
)

// BatchArchiver 把结算完的批任务落库，实现 pipeline.Archiver
type BatchArchiver struct{}

func NewBatchArchiver() *BatchArchiver {
	return &BatchArchiver{}
}

// ArchiveBatch 在一个事务内写入批任务和全部条目。
// 使用 ON DUPLICATE KEY UPDATE，消息被重新投递时重复归档是幂等的
func (a *BatchArchiver) ArchiveBatch(b *models.Batch) error {
	tx, err := Db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
        INSERT INTO vm_batches (batch_id, status, total, succeeded, failed, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, FROM_UNIXTIME(?), FROM_UNIXTIME(?))
        ON DUPLICATE KEY UPDATE
            status = VALUES(status),
            succeeded = VALUES(succeeded),
            failed = VALUES(failed),
            updated_at = VALUES(updated_at)`,
		b.BatchID, b.Status, len(b.Items), b.Succeeded, b.Failed, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to archive batch: %v", err)
	}

	for i := range b.Items {
		it := &b.Items[i]
		_, err = tx.Exec(`
            INSERT INTO vm_batch_items
                (batch_id, item_index, image_url, prompt_status, video_status,
                 prompt_job_id, video_job_id, generated_prompt, video_url, error)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON DUPLICATE KEY UPDATE
                prompt_status = VALUES(prompt_status),
                video_status = VALUES(video_status),
                prompt_job_id = VALUES(prompt_job_id),
                video_job_id = VALUES(video_job_id),
                generated_prompt = VALUES(generated_prompt),
                video_url = VALUES(video_url),
                error = VALUES(error)`,
			b.BatchID, it.Index, it.ImageURL, it.PromptStatus, it.VideoStatus,
			it.PromptJobID, it.VideoJobID, it.GeneratedPrompt, it.VideoURL, it.Error)
		if err != nil {
			return fmt.Errorf("failed to archive batch item %d: %v", it.Index, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %v", err)
	}
	return nil
}
