package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"posqueue/internal/config"
	"posqueue/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 按 database.driver 打开数据库并迁移表结构
//
// sqlite 为终端本地存储，连接池固定为 1，所有写入串行执行；
// mysql 用于门店后台共享队列
func Open(cfg *config.DatabaseConfig, level logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建数据目录失败: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.SQLite.Path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	case "mysql":
		dialector = mysql.Open(cfg.MySQL.DSN())
	default:
		return nil, fmt.Errorf("未知的数据库驱动: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	// 连接池配置
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	slog.Info("数据库连接成功", "component", "Database", "driver", cfg.Driver)
	return db, nil
}

// Migrate 自动迁移表结构
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.TransactionRecord{},
		&model.OutboxMessage{},
	)
	if err != nil {
		return fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return nil
}

// Compact 回收已删除记录占用的空间
func Compact(ctx context.Context, db *gorm.DB) error {
	switch db.Dialector.Name() {
	case "sqlite":
		return db.WithContext(ctx).Exec("VACUUM").Error
	case "mysql":
		tables := []string{
			model.TransactionRecord{}.TableName(),
			model.OutboxMessage{}.TableName(),
		}
		for _, table := range tables {
			if err := db.WithContext(ctx).Exec("OPTIMIZE TABLE " + table).Error; err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("不支持压缩的数据库: %s", db.Dialector.Name())
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
