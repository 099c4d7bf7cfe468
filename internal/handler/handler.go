package handler

import (
	"context"
	"errors"

	"breakagewatch/internal/breakages"
	"breakagewatch/internal/conditions"
	"breakagewatch/internal/etld"
	"breakagewatch/internal/keylock"
	"breakagewatch/internal/logger"
	"breakagewatch/internal/metrics"
	"breakagewatch/pkg/domain"
)

// RuleSource 提供当前生效的规则快照
type RuleSource interface {
	RuleSet(kind domain.TriggerKind) breakages.RuleSet
}

// Ledger 已通知域名集合
type Ledger interface {
	Has(ctx context.Context, domain string) bool
	Add(ctx context.Context, domain string) error
}

// IgnoredSet 用户选择不再提示的规则
type IgnoredSet interface {
	Has(ctx context.Context, ruleID string) bool
	Add(ctx context.Context, ruleID string) error
}

// DomainResolver 计算 URL 的可注册域名
type DomainResolver interface {
	BaseDomain(ctx context.Context, rawURL string) (string, error)
}

// Notifier 展示通知并等待用户反馈
type Notifier interface {
	ShowNotification(ctx context.Context, tabID domain.TabID, msg domain.Message, actionable bool) (domain.Outcome, error)
}

// Allowlist 持久化的页面放行列表
type Allowlist interface {
	AllowURL(ctx context.Context, url string) error
}

// TabReloader 重新加载标签页
type TabReloader interface {
	ReloadTab(ctx context.Context, tabID domain.TabID) error
}

// Config 配置选项
type Config struct {
	Rules      RuleSource
	Ledger     Ledger
	Ignored    IgnoredSet
	Resolver   DomainResolver
	Cookies    conditions.CookieJar
	Notifier   Notifier
	Allowlist  Allowlist
	Reloader   TabReloader
	Actionable bool
	Logger     logger.Logger
}

// Handler 匹配控制器，负责域名解析、规则查找、条件求值、去重与通知
type Handler struct {
	rules      RuleSource
	ledger     Ledger
	ignored    IgnoredSet
	resolver   DomainResolver
	cookies    conditions.CookieJar
	notifier   Notifier
	allowlist  Allowlist
	reloader   TabReloader
	actionable bool
	locks      *keylock.Locks
	log        logger.Logger
}

// New 创建匹配控制器
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = etld.Resolver{}
	}
	return &Handler{
		rules:      cfg.Rules,
		ledger:     cfg.Ledger,
		ignored:    cfg.Ignored,
		resolver:   cfg.Resolver,
		cookies:    cfg.Cookies,
		notifier:   cfg.Notifier,
		allowlist:  cfg.Allowlist,
		reloader:   cfg.Reloader,
		actionable: cfg.Actionable,
		locks:      keylock.New(),
		log:        cfg.Logger,
	}
}

// MaybeNotify 对一次候选事件做完整匹配，返回是否展示了通知。
// 同一域名的检查、展示和记录串行执行，并发事件最多只会展示一次。
func (h *Handler) MaybeNotify(ctx context.Context, tab domain.TabInfo, kind domain.TriggerKind, rawURL string) bool {
	rs := h.rules.RuleSet(kind)
	l := h.log.With("tab", string(tab.ID), "kind", string(kind))

	// 1. 解析比对域名
	d := h.resolve(ctx, rs.Mode, rawURL)
	if d == "" {
		metrics.RecordEvaluation(string(kind), metrics.ResultNoDomain)
		return false
	}

	unlock := h.locks.Lock(d)
	defer unlock()

	// 2. 去重
	if h.ledger.Has(ctx, d) {
		metrics.RecordEvaluation(string(kind), metrics.ResultSuppressed)
		return false
	}

	// 3. 查找规则
	rule, ok := rs.Find(d)
	if !ok {
		metrics.RecordEvaluation(string(kind), metrics.ResultNoRule)
		return false
	}
	if h.actionable && h.ignored != nil && h.ignored.Has(ctx, rule.ID) {
		metrics.RecordEvaluation(string(kind), metrics.ResultIgnored)
		return false
	}

	// 4. 条件求值
	matched, err := conditions.Run(ctx, conditions.Env{TabID: tab.ID, URL: rawURL, Cookies: h.cookies}, rule.Condition)
	if errors.Is(err, conditions.ErrInvalidPattern) {
		l.Warn("规则中的 URL 正则无效，按不匹配处理", "rule", rule.ID, "domain", d, "error", err)
		err = nil
	}
	if err != nil {
		l.Err(err, "规则条件配置错误", "rule", rule.ID, "domain", d)
		metrics.RecordEvaluation(string(kind), metrics.ResultCondError)
		return false
	}
	if !matched {
		metrics.RecordEvaluation(string(kind), metrics.ResultCondFalse)
		return false
	}

	// 5. 展示通知，无论结果如何都记录域名
	outcome, err := h.notifier.ShowNotification(ctx, tab.ID, rule.Message, h.actionable)
	_ = h.ledger.Add(context.WithoutCancel(ctx), d)
	if err != nil {
		l.Warn("展示通知失败", "rule", rule.ID, "domain", d, "error", err)
		metrics.RecordEvaluation(string(kind), metrics.ResultShowFailed)
		return false
	}
	metrics.RecordEvaluation(string(kind), metrics.ResultNotified)
	metrics.RecordNotification(string(kind), string(outcome))
	l.Info("已展示兼容性提示", "rule", rule.ID, "domain", d, "outcome", outcome)

	h.handleOutcome(ctx, tab, rule, rawURL, outcome, l)
	return true
}

// resolve 按规则类型的比对方式计算域名
func (h *Handler) resolve(ctx context.Context, mode breakages.MatchMode, rawURL string) string {
	if mode == breakages.ModeHost {
		return etld.Host(rawURL)
	}
	d, err := h.resolver.BaseDomain(ctx, rawURL)
	if err != nil {
		h.log.Debug("解析可注册域名失败", "url", rawURL, "error", err)
		return ""
	}
	return d
}

// handleOutcome 处理用户反馈，仅在可操作通知模式下生效
func (h *Handler) handleOutcome(ctx context.Context, tab domain.TabInfo, rule *domain.BreakageRule, rawURL string, outcome domain.Outcome, l logger.Logger) {
	if !h.actionable {
		return
	}
	switch outcome {
	case domain.OutcomeClosed, "":
	case domain.OutcomeNotAnymore:
		if h.ignored != nil && rule.ID != "" {
			_ = h.ignored.Add(ctx, rule.ID)
		}
	case domain.OutcomeClicked:
		page := tab.URL
		if page == "" {
			page = rawURL
		}
		if h.allowlist != nil {
			if err := h.allowlist.AllowURL(ctx, page); err != nil {
				l.Err(err, "放行页面失败", "url", page)
				return
			}
		}
		if h.reloader != nil {
			if err := h.reloader.ReloadTab(ctx, tab.ID); err != nil {
				l.Warn("重新加载标签页失败", "error", err)
			}
		}
	default:
		l.Warn("未知的通知反馈", "outcome", outcome)
	}
}
