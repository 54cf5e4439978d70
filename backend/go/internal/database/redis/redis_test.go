package redis

import (
	"testing"
	"time"

	"Storyloom/backend/go/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestClientOptions_FromConfig(t *testing.T) {
	opts := clientOptions(&config.RedisConfig{
		Address:      "cache:6379",
		Password:     "secret",
		DB:           3,
		PoolSize:     16,
		MinIdleConns: 2,
		DialTimeout:  "2s",
		ReadTimeout:  "750ms",
		WriteTimeout: "1s",
	})

	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 16, opts.PoolSize)
	assert.Equal(t, 2, opts.MinIdleConns)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
	assert.Equal(t, 750*time.Millisecond, opts.ReadTimeout)
	assert.Equal(t, time.Second, opts.WriteTimeout)
}

func TestClientOptions_DialTimeoutFallback(t *testing.T) {
	opts := clientOptions(&config.RedisConfig{Address: "cache:6379"})

	assert.Equal(t, 5*time.Second, opts.DialTimeout)
	assert.Zero(t, opts.ReadTimeout)
}
