package service

import (
	"context"
	"fmt"
	"strings"

	"Storyloom/backend/go/internal/agent"
	"Storyloom/backend/go/internal/pipeline_service/store"
	"Storyloom/backend/go/pkg/jsonx"
	"Storyloom/backend/go/pkg/logger"
	"Storyloom/backend/go/pkg/models"
)

const (
	summaryTaskType    = "chapter_summary"
	briefFallbackLen   = 200
	detailFallbackLen  = 800
	summaryInstruction = `Summarize the chapter. Reply with JSON {"brief":"one or two sentences","detailed":"a paragraph covering every plot point"}.`
)

// SummaryResult holds the summaries stored on the chapter. Degraded is set when the agent
// reply had no usable JSON and the summaries are prefixes of the raw reply.
type SummaryResult struct {
	Brief    string `json:"brief"`
	Detailed string `json:"detailed"`
	Degraded bool   `json:"degraded"`
}

// Summarizer asks the editor agent for a brief and a detailed chapter summary.
type Summarizer struct {
	agents   agent.Executor
	chapters store.ChapterStore
	log      *logger.Logger
}

func NewSummarizer(agents agent.Executor, chapters store.ChapterStore, log *logger.Logger) *Summarizer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Summarizer{agents: agents, chapters: chapters, log: log}
}

// Summarize generates and stores the chapter summaries. An agent failure is returned;
// an unparseable reply is not an error.
func (s *Summarizer) Summarize(ctx context.Context, projectID, chapterID string) (*SummaryResult, error) {
	if projectID == "" || chapterID == "" {
		return nil, fmt.Errorf("%w: projectId and chapterId are required", ErrInvalidInput)
	}
	chapter, err := s.chapters.GetChapter(ctx, projectID, chapterID)
	if err != nil {
		return nil, chapterError(err)
	}
	if strings.TrimSpace(chapter.Content) == "" {
		return nil, fmt.Errorf("%w: %s/%s", ErrEmptyChapter, projectID, chapterID)
	}

	out, err := s.agents.Invoke(ctx, agent.AgentRequest{
		AgentType:   models.AgentEditor,
		TaskType:    summaryTaskType,
		Description: summaryInstruction,
		ProjectID:   projectID,
		ChapterID:   chapterID,
		Context: map[string]any{
			"title":   chapter.Title,
			"chapter": chapter.Content,
		},
	}, nil)
	if err == nil && out == nil {
		err = agent.ErrEmptyOutput
	}
	if err != nil {
		return nil, fmt.Errorf("summary agent: %w", err)
	}

	result := parseSummary(out.Content)
	if result.Degraded {
		s.log.WithField("chapter_id", chapterID).Warn("summary reply had no usable JSON, storing raw prefixes")
	}
	if err := s.chapters.UpdateChapterSummary(ctx, projectID, chapterID, result.Brief, result.Detailed); err != nil {
		return nil, chapterError(err)
	}
	return result, nil
}

func parseSummary(reply string) *SummaryResult {
	res := jsonx.Extract(reply)
	brief, okBrief := res.String("brief")
	detailed, okDetailed := res.String("detailed")
	if okBrief && okDetailed {
		return &SummaryResult{Brief: brief, Detailed: detailed}
	}
	return &SummaryResult{
		Brief:    jsonx.Truncate(reply, briefFallbackLen),
		Detailed: jsonx.Truncate(reply, detailFallbackLen),
		Degraded: true,
	}
}
