package service

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidAction       = errors.New("invalid control action")
	ErrPipelineNotFound    = errors.New("pipeline not found")
	ErrChapterNotFound     = errors.New("chapter not found")
	ErrChapterBusy         = errors.New("chapter already has a running pipeline")
	ErrNoRecoverableOutput = errors.New("no recoverable agent output for chapter")
	ErrEmptyChapter        = errors.New("chapter has no content")
	ErrShuttingDown        = errors.New("executor is shutting down")
)
