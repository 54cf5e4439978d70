package models

import "time"

// ChapterStatus 定义了章节在编辑流程中的状态。
type ChapterStatus string

const (
	ChapterStatusDraft      ChapterStatus = "draft"      // 可编辑的草稿
	ChapterStatusGenerating ChapterStatus = "generating" // 正在由流水线生成
	ChapterStatusReview     ChapterStatus = "review"     // 流水线已完成，等待审阅
	ChapterStatusFinal      ChapterStatus = "final"
)

// Chapter 是章节的持久化模型。
type Chapter struct {
	ID              string        `gorm:"primaryKey;size:64" json:"id"`
	ProjectID       string        `gorm:"size:64;not null;index" json:"projectId"`
	Title           string        `gorm:"size:255" json:"title"`
	Content         string        `gorm:"type:longtext" json:"content"`
	WordCount       int           `json:"wordCount"`
	Status          ChapterStatus `gorm:"size:16;not null;default:draft" json:"status"`
	SummaryBrief    string        `gorm:"size:1024" json:"summaryBrief,omitempty"`
	SummaryDetailed string        `gorm:"type:text" json:"summaryDetailed,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}
