package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"Storyloom/backend/go/internal/pipeline_service/store"
	"Storyloom/backend/go/pkg/logger"
	"Storyloom/backend/go/pkg/models"
)

// RecoveryResult describes the text written back into a chapter.
type RecoveryResult struct {
	Source        models.AgentType `json:"source"`
	TaskID        string           `json:"taskId"`
	ContentLength int              `json:"contentLength"`
	WordCount     int              `json:"wordCount"`
}

// Recovery rebuilds a chapter's content from the persisted step outputs of earlier runs.
type Recovery struct {
	tasks    store.TaskStore
	chapters store.ChapterStore
	log      *logger.Logger
}

func NewRecovery(tasks store.TaskStore, chapters store.ChapterStore, log *logger.Logger) *Recovery {
	if log == nil {
		log = logger.NewNop()
	}
	return &Recovery{tasks: tasks, chapters: chapters, log: log}
}

// Recover overwrites the chapter with the best persisted output: the latest completed
// editor output without its split annotation, else the latest completed writer output.
// The chapter goes back to draft status.
func (r *Recovery) Recover(ctx context.Context, projectID, chapterID string) (*RecoveryResult, error) {
	if projectID == "" || chapterID == "" {
		return nil, fmt.Errorf("%w: projectId and chapterId are required", ErrInvalidInput)
	}
	if _, err := r.chapters.GetChapter(ctx, projectID, chapterID); err != nil {
		return nil, chapterError(err)
	}

	content, record, err := r.pick(ctx, projectID, chapterID)
	if err != nil {
		return nil, err
	}

	words := CountWords(content)
	if err := r.chapters.UpdateChapterContent(ctx, projectID, chapterID, content, words, models.ChapterStatusDraft); err != nil {
		return nil, chapterError(err)
	}

	result := &RecoveryResult{
		Source:        record.AgentType,
		TaskID:        record.ID,
		ContentLength: utf8.RuneCountInString(content),
		WordCount:     words,
	}
	r.log.WithField("chapter_id", chapterID).WithPayload(map[string]interface{}{
		"source":  result.Source,
		"task_id": result.TaskID,
		"words":   result.WordCount,
	}).Info("chapter recovered from agent output")
	return result, nil
}

func (r *Recovery) pick(ctx context.Context, projectID, chapterID string) (string, *models.TaskRecord, error) {
	editor, err := r.tasks.LatestCompletedTask(ctx, projectID, chapterID, models.AgentEditor)
	if err != nil {
		return "", nil, err
	}
	if editor != nil {
		if text := StripSplitAnnotation(editor.OutputText()); strings.TrimSpace(text) != "" {
			return text, editor, nil
		}
	}

	writer, err := r.tasks.LatestCompletedTask(ctx, projectID, chapterID, models.AgentWriter)
	if err != nil {
		return "", nil, err
	}
	if writer != nil {
		if text := writer.OutputText(); strings.TrimSpace(text) != "" {
			return text, writer, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s/%s", ErrNoRecoverableOutput, projectID, chapterID)
}

func chapterError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrChapterNotFound, err)
	}
	return err
}
