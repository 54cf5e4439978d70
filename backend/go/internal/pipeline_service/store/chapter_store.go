package store

import (
	"context"
	"errors"
	"fmt"

	"Storyloom/backend/go/pkg/models"

	"gorm.io/gorm"
)

// CreateChapter 插入一个新章节。
func (s *Store) CreateChapter(ctx context.Context, chapter *models.Chapter) error {
	if chapter.Status == "" {
		chapter.Status = models.ChapterStatusDraft
	}
	if err := s.DB.WithContext(ctx).Create(chapter).Error; err != nil {
		return fmt.Errorf("create chapter: %w", err)
	}
	return nil
}

// GetChapter 按项目和章节 ID 查找章节。
func (s *Store) GetChapter(ctx context.Context, projectID, chapterID string) (*models.Chapter, error) {
	var chapter models.Chapter
	err := s.DB.WithContext(ctx).Where("project_id = ? AND id = ?", projectID, chapterID).First(&chapter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("chapter %s/%s: %w", projectID, chapterID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter %s/%s: %w", projectID, chapterID, err)
	}
	return &chapter, nil
}

// UpdateChapterContent 覆盖章节正文、字数和状态。
func (s *Store) UpdateChapterContent(ctx context.Context, projectID, chapterID, content string, wordCount int, status models.ChapterStatus) error {
	return s.updateChapter(ctx, projectID, chapterID, map[string]interface{}{
		"content":    content,
		"word_count": wordCount,
		"status":     status,
	})
}

// UpdateChapterStatus 只更新章节状态。
func (s *Store) UpdateChapterStatus(ctx context.Context, projectID, chapterID string, status models.ChapterStatus) error {
	return s.updateChapter(ctx, projectID, chapterID, map[string]interface{}{"status": status})
}

// UpdateChapterSummary 保存章节的简要摘要和详细摘要。
func (s *Store) UpdateChapterSummary(ctx context.Context, projectID, chapterID, brief, detailed string) error {
	return s.updateChapter(ctx, projectID, chapterID, map[string]interface{}{
		"summary_brief":    brief,
		"summary_detailed": detailed,
	})
}

func (s *Store) updateChapter(ctx context.Context, projectID, chapterID string, updates map[string]interface{}) error {
	res := s.DB.WithContext(ctx).
		Model(&models.Chapter{}).
		Where("project_id = ? AND id = ?", projectID, chapterID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update chapter %s/%s: %w", projectID, chapterID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL 对值未变化的行返回 0，需要再确认记录是否存在
	var count int64
	if err := s.DB.WithContext(ctx).Model(&models.Chapter{}).
		Where("project_id = ? AND id = ?", projectID, chapterID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("check chapter %s/%s: %w", projectID, chapterID, err)
	}
	if count == 0 {
		return fmt.Errorf("chapter %s/%s: %w", projectID, chapterID, ErrNotFound)
	}
	return nil
}
