package storage

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"breakagewatch/internal/logger"
)

// NotifiedDomain 已经展示过通知的域名
type NotifiedDomain struct {
	Domain    string `gorm:"primaryKey;size:255"`
	CreatedAt time.Time
}

// IgnoredBreakage 用户选择不再提示的规则
type IgnoredBreakage struct {
	RuleID    string `gorm:"primaryKey;size:255"`
	CreatedAt time.Time
}

// AllowedURL 用户放行的页面
type AllowedURL struct {
	URL       string `gorm:"primaryKey;size:2048"`
	CreatedAt time.Time
}

// Pref 键值形式的偏好设置
type Pref struct {
	Name      string `gorm:"primaryKey;size:255"`
	Value     string
	UpdatedAt time.Time
}

// Open 打开 SQLite 数据库并迁移表结构
func Open(dsn, prefix string, l logger.Logger) (*gorm.DB, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// SQLite 只允许单写，串行化连接避免 database is locked
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&NotifiedDomain{}, &IgnoredBreakage{}, &AllowedURL{}, &Pref{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
