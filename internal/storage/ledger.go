package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"breakagewatch/internal/logger"
)

// Ledger 已通知域名的持久化集合
type Ledger struct {
	db  *gorm.DB
	log logger.Logger
}

// NewLedger 创建去重账本
func NewLedger(db *gorm.DB, l logger.Logger) *Ledger {
	if l == nil {
		l = logger.NewNop()
	}
	return &Ledger{db: db, log: l}
}

// Has 读取失败时视为未记录
func (l *Ledger) Has(ctx context.Context, domain string) bool {
	var row NotifiedDomain
	err := l.db.WithContext(ctx).Where("domain = ?", domain).Take(&row).Error
	if err == nil {
		return true
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		l.log.Err(err, "读取已通知域名失败", "domain", domain)
	}
	return false
}

// Add 记录域名，写入失败只记日志
func (l *Ledger) Add(ctx context.Context, domain string) error {
	if domain == "" {
		return nil
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&NotifiedDomain{Domain: domain}).Error
	if err != nil {
		l.log.Err(err, "记录已通知域名失败", "domain", domain)
	}
	return err
}

// List 按记录时间返回全部域名
func (l *Ledger) List(ctx context.Context) ([]string, error) {
	var out []string
	err := l.db.WithContext(ctx).Model(&NotifiedDomain{}).Order("created_at").Pluck("domain", &out).Error
	return out, err
}

// Remove 删除单个域名
func (l *Ledger) Remove(ctx context.Context, domain string) error {
	return l.db.WithContext(ctx).Where("domain = ?", domain).Delete(&NotifiedDomain{}).Error
}

// Clear 清空账本
func (l *Ledger) Clear(ctx context.Context) error {
	return l.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&NotifiedDomain{}).Error
}

// IgnoredSet 用户不再提示的规则集合
type IgnoredSet struct {
	db  *gorm.DB
	log logger.Logger
}

// NewIgnoredSet 创建忽略集合
func NewIgnoredSet(db *gorm.DB, l logger.Logger) *IgnoredSet {
	if l == nil {
		l = logger.NewNop()
	}
	return &IgnoredSet{db: db, log: l}
}

// Has 读取失败时视为未忽略
func (s *IgnoredSet) Has(ctx context.Context, ruleID string) bool {
	if ruleID == "" {
		return false
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&IgnoredBreakage{}).Where("rule_id = ?", ruleID).Count(&n).Error; err != nil {
		s.log.Err(err, "读取忽略规则失败", "rule", ruleID)
		return false
	}
	return n > 0
}

// Add 记录忽略的规则
func (s *IgnoredSet) Add(ctx context.Context, ruleID string) error {
	if ruleID == "" {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&IgnoredBreakage{RuleID: ruleID}).Error
	if err != nil {
		s.log.Err(err, "保存忽略规则失败", "rule", ruleID)
	}
	return err
}

// Allowlist 用户放行的页面列表
type Allowlist struct {
	db *gorm.DB
}

// NewAllowlist 创建放行列表
func NewAllowlist(db *gorm.DB) *Allowlist { return &Allowlist{db: db} }

// AllowURL 放行页面
func (a *Allowlist) AllowURL(ctx context.Context, url string) error {
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&AllowedURL{URL: url}).Error
}

// List 返回全部放行页面
func (a *Allowlist) List(ctx context.Context) ([]string, error) {
	var out []string
	err := a.db.WithContext(ctx).Model(&AllowedURL{}).Order("created_at").Pluck("url", &out).Error
	return out, err
}
