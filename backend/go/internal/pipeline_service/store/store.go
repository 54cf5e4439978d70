package store

import (
	"context"
	"errors"

	"Storyloom/backend/go/pkg/models"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 表示查询的记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrTransitionRejected 表示记录当前状态不允许目标转换，或记录不存在。
	ErrTransitionRejected = errors.New("task status transition rejected")
)

// TaskStore 是流水线执行器使用的任务记录存储。
type TaskStore interface {
	CreateTask(ctx context.Context, record *models.TaskRecord) error
	MarkTaskRunning(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id string, output models.AgentOutput) error
	FailTask(ctx context.Context, id string, reason string) error
	CancelTask(ctx context.Context, id string) error
	// LatestCompletedTask 返回章节中某类 agent 最近完成的记录，没有时返回 nil, nil。
	LatestCompletedTask(ctx context.Context, projectID, chapterID string, agentType models.AgentType) (*models.TaskRecord, error)
	ListTasksByPipeline(ctx context.Context, pipelineID string) ([]models.TaskRecord, error)
}

// ChapterStore 是章节内容的存储。
type ChapterStore interface {
	GetChapter(ctx context.Context, projectID, chapterID string) (*models.Chapter, error)
	UpdateChapterContent(ctx context.Context, projectID, chapterID, content string, wordCount int, status models.ChapterStatus) error
	UpdateChapterStatus(ctx context.Context, projectID, chapterID string, status models.ChapterStatus) error
	UpdateChapterSummary(ctx context.Context, projectID, chapterID, brief, detailed string) error
}

// Store 基于 GORM 同时实现 TaskStore 和 ChapterStore。
type Store struct {
	DB *gorm.DB
}

// NewStore 创建一个新的 Store 实例。
func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

var (
	_ TaskStore    = (*Store)(nil)
	_ ChapterStore = (*Store)(nil)
)
