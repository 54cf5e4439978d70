package mysql

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"Storyloom/backend/go/internal/config"
	"Storyloom/backend/go/pkg/logger"
	"Storyloom/backend/go/pkg/models"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	dbInstance *gorm.DB
	once       sync.Once
	initErr    error
)

// GetDB 使用单例模式初始化并返回一个 GORM 数据库实例。
// 它确保数据库连接在整个应用生命周期中只被建立一次。
// 后续的调用将直接返回已存在的实例。
func GetDB(cfg *config.MySQLConfig) (*gorm.DB, error) {
	once.Do(func() {
		db, err := gorm.Open(mysql.Open(dataSourceName(cfg)), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			initErr = fmt.Errorf("无法连接到 MySQL: %w", err)
			return
		}

		// 获取底层 *sql.DB 实例，以便进行连接池配置。
		sqlDB, err := db.DB()
		if err != nil {
			initErr = fmt.Errorf("无法获取底层 SQL DB 实例: %w", err)
			return
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
		sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Second)

		logger.New("mysql", "", "").WithField("address", cfg.Address).Info("成功连接到 MySQL")
		dbInstance = db
	})

	return dbInstance, initErr
}

// dataSourceName 构建 DSN (Data Source Name) 字符串。
// parseTime 始终开启，models 中的时间字段依赖它。
func dataSourceName(cfg *config.MySQLConfig) string {
	params := url.Values{}
	params.Set("parseTime", "True")
	if cfg.Charset != "" {
		params.Set("charset", cfg.Charset)
	}
	if cfg.Loc != "" {
		params.Set("loc", cfg.Loc)
	}
	if cfg.DialTimeout != "" {
		params.Set("timeout", cfg.DialTimeout)
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?%s",
		cfg.Username,
		cfg.Password,
		cfg.Address,
		cfg.Database,
		params.Encode(),
	)
}

// AutoMigrate 创建或更新任务记录表和章节表。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.TaskRecord{}, &models.Chapter{}); err != nil {
		return fmt.Errorf("迁移表结构失败: %w", err)
	}
	return nil
}

// Close 安全地关闭单例的数据库连接。
func Close() error {
	if dbInstance != nil {
		sqlDB, err := dbInstance.DB()
		if err != nil {
			return fmt.Errorf("获取底层 SQL DB 实例失败: %w", err)
		}
		return sqlDB.Close()
	}
	return nil
}

// HealthCheck 检查数据库连接的健康状况。
func HealthCheck(ctx context.Context) error {
	if dbInstance == nil {
		return fmt.Errorf("数据库连接未初始化")
	}
	sqlDB, err := dbInstance.DB()
	if err != nil {
		return fmt.Errorf("无法获取底层 SQL DB 实例进行健康检查: %w", err)
	}
	return sqlDB.PingContext(ctx)
}
