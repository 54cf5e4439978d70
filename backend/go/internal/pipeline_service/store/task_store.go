package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Storyloom/backend/go/pkg/jsonx"
	"Storyloom/backend/go/pkg/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxErrorRunes 与 TaskRecord.Error 列的 size:2048 对应，按字符而非字节截断。
const maxErrorRunes = 2048

// CreateTask 插入一条新的任务记录，未设置 ID 时自动生成。
func (s *Store) CreateTask(ctx context.Context, record *models.TaskRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = models.TaskStatusPending
	}
	if err := s.DB.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create task record: %w", err)
	}
	return nil
}

// MarkTaskRunning 将 queued 记录转为 running 并记录开始时间。
func (s *Store) MarkTaskRunning(ctx context.Context, id string) error {
	now := time.Now()
	return s.transition(ctx, id, models.TaskStatusRunning, map[string]interface{}{
		"started_at": &now,
	})
}

// CompleteTask 保存 agent 输出并将记录标记为 completed。
func (s *Store) CompleteTask(ctx context.Context, id string, output models.AgentOutput) error {
	now := time.Now()
	content := output.Content
	updates := map[string]interface{}{
		"output":        &content,
		"input_tokens":  output.TokenUsage.Input,
		"output_tokens": output.TokenUsage.Output,
		"completed_at":  &now,
	}
	if len(output.Structured) > 0 {
		updates["structured"] = datatypes.JSON(output.Structured)
	}
	return s.transition(ctx, id, models.TaskStatusCompleted, updates)
}

// FailTask 将 running 记录标记为 failed 并保存错误信息。
func (s *Store) FailTask(ctx context.Context, id string, reason string) error {
	now := time.Now()
	return s.transition(ctx, id, models.TaskStatusFailed, map[string]interface{}{
		"error":        jsonx.Truncate(reason, maxErrorRunes),
		"completed_at": &now,
	})
}

// CancelTask 将尚未结束的记录标记为 cancelled。
func (s *Store) CancelTask(ctx context.Context, id string) error {
	now := time.Now()
	return s.transition(ctx, id, models.TaskStatusCancelled, map[string]interface{}{
		"completed_at": &now,
	})
}

// transition 以单行原子更新完成状态转换，只有当前状态是 to 的合法前驱时才会生效。
func (s *Store) transition(ctx context.Context, id string, to models.TaskStatus, updates map[string]interface{}) error {
	updates["status"] = to
	res := s.DB.WithContext(ctx).
		Model(&models.TaskRecord{}).
		Where("id = ? AND status IN ?", id, to.Predecessors()).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update task %s to %s: %w", id, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %s to %s: %w", id, to, ErrTransitionRejected)
	}
	return nil
}

// LatestCompletedTask 返回章节中某类 agent 按完成时间最近的 completed 记录。
func (s *Store) LatestCompletedTask(ctx context.Context, projectID, chapterID string, agentType models.AgentType) (*models.TaskRecord, error) {
	var record models.TaskRecord
	err := s.DB.WithContext(ctx).
		Where("project_id = ? AND chapter_id = ? AND agent_type = ? AND status = ?",
			projectID, chapterID, agentType, models.TaskStatusCompleted).
		Order("completed_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest %s output: %w", agentType, err)
	}
	return &record, nil
}

// ListTasksByPipeline 按步骤顺序返回流水线的全部任务记录。
func (s *Store) ListTasksByPipeline(ctx context.Context, pipelineID string) ([]models.TaskRecord, error) {
	var records []models.TaskRecord
	if err := s.DB.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("step_index ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list tasks of pipeline %s: %w", pipelineID, err)
	}
	return records, nil
}
