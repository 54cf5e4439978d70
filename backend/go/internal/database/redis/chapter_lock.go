package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const chapterLockPrefix = "storyloom:chapter-run:"

// 仅当锁仍由 owner 持有时才删除，避免过期后误删他人的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// 仅当锁仍由 owner 持有时才续期。
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ChapterLock 基于 SET NX 实现跨实例的章节运行锁。
// 同一章节同一时间只允许一条流水线运行。
type ChapterLock struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewChapterLock 创建章节锁，ttl 用于兜底释放崩溃实例持有的锁。
// 存活的流水线通过 Refresh 续期，续期间隔见 RenewInterval。
func NewChapterLock(client redis.Cmdable, ttl time.Duration) *ChapterLock {
	return &ChapterLock{client: client, ttl: ttl}
}

// ChapterLockKey 返回章节锁在 Redis 中的键。
func ChapterLockKey(projectID, chapterID string) string {
	return chapterLockPrefix + projectID + ":" + chapterID
}

// Acquire 尝试为 owner 获取章节锁，返回是否成功。
func (l *ChapterLock) Acquire(ctx context.Context, projectID, chapterID, owner string) (bool, error) {
	ok, err := l.client.SetNX(ctx, ChapterLockKey(projectID, chapterID), owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("获取章节锁失败: %w", err)
	}
	return ok, nil
}

// Refresh 在 owner 仍持有锁时将过期时间重置为 ttl，锁已丢失时返回 false。
func (l *ChapterLock) Refresh(ctx context.Context, projectID, chapterID, owner string) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{ChapterLockKey(projectID, chapterID)}, owner, l.ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("续期章节锁失败: %w", err)
	}
	return n == 1, nil
}

// RenewInterval 返回推荐的续期间隔，为 ttl 的三分之一。
func (l *ChapterLock) RenewInterval() time.Duration {
	return l.ttl / 3
}

// Release 释放 owner 持有的章节锁。
func (l *ChapterLock) Release(ctx context.Context, projectID, chapterID, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{ChapterLockKey(projectID, chapterID)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("释放章节锁失败: %w", err)
	}
	return nil
}
