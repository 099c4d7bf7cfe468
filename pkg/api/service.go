package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"

	"breakagewatch/internal/breakages"
	"breakagewatch/internal/cdp"
	"breakagewatch/internal/config"
	"breakagewatch/internal/handler"
	"breakagewatch/internal/logger"
	"breakagewatch/internal/service"
	"breakagewatch/internal/storage"
	"breakagewatch/internal/tracker"
	"breakagewatch/pkg/domain"
)

// ErrInvalidRule 规则 JSON 无法解析
var ErrInvalidRule = errors.New("invalid breakage rule")

// Service 服务接口
type Service interface {
	// Start 启动监听，返回的订阅用于停止
	Start(ctx context.Context) (*service.Subscription, error)

	// Rules 返回某类规则当前生效的列表
	Rules(ctx context.Context, kind domain.TriggerKind) []domain.BreakageRule

	// DynamicRules 返回动态目录原文
	DynamicRules(ctx context.Context, kind domain.TriggerKind) string

	// SetDynamicRules 替换动态目录
	SetDynamicRules(ctx context.Context, kind domain.TriggerKind, data string) error

	// AddDynamicRule 向动态目录追加一条规则，缺少 id 时自动生成，返回规则 id
	AddDynamicRule(ctx context.Context, kind domain.TriggerKind, rule string) (string, error)

	// ClearDynamicRules 清空动态目录
	ClearDynamicRules(ctx context.Context, kind domain.TriggerKind) error

	// NotifiedDomains 列出已通知的域名
	NotifiedDomains(ctx context.Context) ([]string, error)

	// ForgetDomain 允许该域名再次通知
	ForgetDomain(ctx context.Context, d string) error

	// ClearNotified 清空已通知记录
	ClearNotified(ctx context.Context) error

	// FeatureActive 功能开关状态
	FeatureActive(ctx context.Context) bool

	// SetFeatureActive 切换功能开关
	SetFeatureActive(ctx context.Context, on bool) error

	// Close 释放资源
	Close() error
}

type app struct {
	db       *gorm.DB
	prefs    *storage.Prefs
	ledger   *storage.Ledger
	registry *breakages.Registry
	svc      *service.Service
	log      logger.Logger
}

// NewService 按配置组装存储、规则、浏览器连接与控制器
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
	if err != nil {
		return nil, err
	}

	prefs := storage.NewPrefs(db, l)
	ledger := storage.NewLedger(db, l)

	static := breakages.EmbeddedCatalog
	if cfg.Catalog.Dir != "" {
		static = breakages.DirCatalog(cfg.Catalog.Dir)
	}
	registry := breakages.New(breakages.Options{
		Static:  static,
		Dynamic: prefs,
		Modes: map[domain.TriggerKind]breakages.MatchMode{
			domain.KindTab:        breakages.MatchMode(cfg.Matching.Tab),
			domain.KindWebRequest: breakages.MatchMode(cfg.Matching.WebRequest),
		},
		Logger: l,
	})

	browser := cdp.New(cdp.Options{
		DevToolsURL:         cfg.DevToolsURL,
		PollInterval:        time.Duration(cfg.Browser.PollIntervalMS) * time.Millisecond,
		NotificationTimeout: time.Duration(cfg.Notification.TimeoutMS) * time.Millisecond,
		Logger:              l,
	})

	h := handler.New(handler.Config{
		Rules:      registry,
		Ledger:     ledger,
		Ignored:    storage.NewIgnoredSet(db, l),
		Cookies:    browser,
		Notifier:   browser,
		Allowlist:  storage.NewAllowlist(db),
		Reloader:   browser,
		Actionable: cfg.Notification.Actionable,
		Logger:     l,
	})

	t := tracker.New(tracker.Config{
		Matcher:          h,
		Tabs:             browser,
		NavigationStatus: cfg.Navigation.Status,
		RequestTypes:     cfg.Requests.Types,
		Logger:           l,
	})

	var watcher service.Runner
	if cfg.Catalog.WatchDir != "" {
		watcher = breakages.NewDirWatcher(cfg.Catalog.WatchDir, prefs, l)
	}

	svc := service.New(service.Config{
		Registry:          registry,
		Tracker:           t,
		Source:            browser,
		Prefs:             prefs,
		TestMode:          cfg.TestMode,
		CatalogWatcher:    watcher,
		PrefsPollInterval: 2 * time.Second,
		Logger:            l,
	})

	return &app{db: db, prefs: prefs, ledger: ledger, registry: registry, svc: svc, log: l}, nil
}

func (a *app) Start(ctx context.Context) (*service.Subscription, error) {
	return a.svc.Start(ctx)
}

func (a *app) Rules(ctx context.Context, kind domain.TriggerKind) []domain.BreakageRule {
	a.registry.Rebuild(ctx)
	return a.registry.RuleSet(kind).Rules
}

func (a *app) DynamicRules(ctx context.Context, kind domain.TriggerKind) string {
	return a.prefs.Get(ctx, breakages.PrefKey(kind), "[]")
}

func (a *app) SetDynamicRules(ctx context.Context, kind domain.TriggerKind, data string) error {
	if _, err := breakages.Parse([]byte(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return a.prefs.Set(ctx, breakages.PrefKey(kind), data)
}

func (a *app) AddDynamicRule(ctx context.Context, kind domain.TriggerKind, rule string) (string, error) {
	r := gjson.Parse(rule)
	if !gjson.Valid(rule) || !r.IsObject() {
		return "", fmt.Errorf("%w: not a json object", ErrInvalidRule)
	}
	id := r.Get("id").String()
	if id == "" {
		id = uuid.NewString()
		var err error
		if rule, err = sjson.Set(rule, "id", id); err != nil {
			return "", fmt.Errorf("set rule id: %w", err)
		}
	}
	parsed, err := breakages.Parse([]byte("[" + rule + "]"))
	if err != nil || len(parsed) != 1 {
		return "", fmt.Errorf("%w: %s", ErrInvalidRule, rule)
	}

	current := a.DynamicRules(ctx, kind)
	if !gjson.Parse(current).IsArray() {
		current = "[]"
	}
	next, err := sjson.SetRaw(current, "-1", rule)
	if err != nil {
		return "", fmt.Errorf("append rule: %w", err)
	}
	if err := a.prefs.Set(ctx, breakages.PrefKey(kind), next); err != nil {
		return "", err
	}
	return id, nil
}

func (a *app) ClearDynamicRules(ctx context.Context, kind domain.TriggerKind) error {
	return a.prefs.Clear(ctx, breakages.PrefKey(kind))
}

func (a *app) NotifiedDomains(ctx context.Context) ([]string, error) {
	return a.ledger.List(ctx)
}

func (a *app) ForgetDomain(ctx context.Context, d string) error {
	return a.ledger.Remove(ctx, d)
}

func (a *app) ClearNotified(ctx context.Context) error {
	return a.ledger.Clear(ctx)
}

func (a *app) FeatureActive(ctx context.Context) bool {
	return a.prefs.Bool(ctx, service.PrefFeatureActive, false)
}

func (a *app) SetFeatureActive(ctx context.Context, on bool) error {
	return a.prefs.SetBool(ctx, service.PrefFeatureActive, on)
}

func (a *app) Close() error {
	return storage.Close(a.db)
}
