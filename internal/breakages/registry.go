// Package breakages 维护生效的兼容性规则列表。
//
// 生效列表由两部分按顺序拼接：内置静态目录在前，运行时配置的动态目录在后。
// 查找时按顺序取第一条命中的规则，因此这个顺序是对外约定。
package breakages

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"breakagewatch/internal/logger"
	"breakagewatch/pkg/domain"
)

// 动态目录在偏好存储中的键
const (
	PrefDynamicTab        = "dynamicTabBreakages"
	PrefDynamicWebRequest = "dynamicWebRequestBreakages"
)

// PrefKey 返回触发类型对应的偏好键
func PrefKey(kind domain.TriggerKind) string {
	if kind == domain.KindWebRequest {
		return PrefDynamicWebRequest
	}
	return PrefDynamicTab
}

// MatchMode 规则域名的比对方式
type MatchMode string

const (
	// ModeHost 按完整主机名比对
	ModeHost MatchMode = "host"
	// ModeBaseDomain 先把主机名归约为可注册域名再比对
	ModeBaseDomain MatchMode = "base_domain"
)

//go:embed catalog/*.json
var catalogFS embed.FS

// StaticLoader 读取某类规则的静态目录
type StaticLoader func(kind domain.TriggerKind) ([]byte, error)

// EmbeddedCatalog 读取随程序打包的目录
func EmbeddedCatalog(kind domain.TriggerKind) ([]byte, error) {
	return catalogFS.ReadFile("catalog/" + string(kind) + ".json")
}

// DirCatalog 从目录读取 <kind>.json
func DirCatalog(dir string) StaticLoader {
	return func(kind domain.TriggerKind) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, string(kind)+".json"))
	}
}

// DynamicSource 动态目录来源，读取失败时返回默认值
type DynamicSource interface {
	Get(ctx context.Context, key, def string) string
}

// RuleSet 某一触发类型的只读规则快照
type RuleSet struct {
	Kind  domain.TriggerKind
	Mode  MatchMode
	Rules []domain.BreakageRule
}

// Find 返回第一条覆盖该域名的规则
func (rs RuleSet) Find(d string) (*domain.BreakageRule, bool) {
	if d == "" {
		return nil, false
	}
	for i := range rs.Rules {
		if rs.Rules[i].HasDomain(d) {
			return &rs.Rules[i], true
		}
	}
	return nil, false
}

type snapshot struct {
	rules map[domain.TriggerKind][]domain.BreakageRule
}

// Options 注册表配置
type Options struct {
	Static  StaticLoader
	Dynamic DynamicSource
	Modes   map[domain.TriggerKind]MatchMode
	Logger  logger.Logger
}

// Registry 规则注册表
type Registry struct {
	static  StaticLoader
	dynamic DynamicSource
	modes   map[domain.TriggerKind]MatchMode
	log     logger.Logger

	staticOnce  sync.Once
	staticRules map[domain.TriggerKind][]domain.BreakageRule

	rebuildMu sync.Mutex
	current   atomic.Pointer[snapshot]
}

// New 创建注册表，未指定的比对方式使用默认值：tab 按主机名，webrequest 按可注册域名
func New(opts Options) *Registry {
	if opts.Static == nil {
		opts.Static = EmbeddedCatalog
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	modes := map[domain.TriggerKind]MatchMode{
		domain.KindTab:        ModeHost,
		domain.KindWebRequest: ModeBaseDomain,
	}
	for k, m := range opts.Modes {
		modes[k] = m
	}
	r := &Registry{static: opts.Static, dynamic: opts.Dynamic, modes: modes, log: opts.Logger}
	r.current.Store(&snapshot{rules: map[domain.TriggerKind][]domain.BreakageRule{}})
	return r
}

// Rebuild 重新读取动态目录并生成新的生效列表，静态目录只在首次调用时加载
func (r *Registry) Rebuild(ctx context.Context) {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	r.staticOnce.Do(r.loadStatic)

	next := &snapshot{rules: make(map[domain.TriggerKind][]domain.BreakageRule, 2)}
	for _, kind := range domain.Kinds() {
		static := r.staticRules[kind]
		dynamic := r.loadDynamic(ctx, kind)
		merged := make([]domain.BreakageRule, 0, len(static)+len(dynamic))
		merged = append(merged, static...)
		merged = append(merged, dynamic...)
		next.rules[kind] = merged
	}
	r.current.Store(next)
	r.log.Info("规则列表已重建",
		"tab", len(next.rules[domain.KindTab]),
		"webrequest", len(next.rules[domain.KindWebRequest]))
}

// RuleSet 返回当前快照，调用方持有的切片不会被后续重建修改
func (r *Registry) RuleSet(kind domain.TriggerKind) RuleSet {
	snap := r.current.Load()
	return RuleSet{Kind: kind, Mode: r.modes[kind], Rules: snap.rules[kind]}
}

func (r *Registry) loadStatic() {
	r.staticRules = make(map[domain.TriggerKind][]domain.BreakageRule, 2)
	for _, kind := range domain.Kinds() {
		data, err := r.static(kind)
		if err != nil {
			r.log.Warn("读取静态规则失败", "kind", kind, "error", err)
			continue
		}
		rules, err := Parse(data)
		if err != nil {
			r.log.Warn("解析静态规则失败", "kind", kind, "error", err)
			continue
		}
		r.staticRules[kind] = rules
	}
}

func (r *Registry) loadDynamic(ctx context.Context, kind domain.TriggerKind) []domain.BreakageRule {
	if r.dynamic == nil {
		return nil
	}
	raw := r.dynamic.Get(ctx, PrefKey(kind), "[]")
	rules, err := Parse([]byte(raw))
	if err != nil {
		r.log.Warn("无法读取动态规则", "kind", kind, "error", err)
		return nil
	}
	return rules
}

// ErrNotArray 目录内容不是 JSON 数组
var ErrNotArray = errors.New("catalog is not a json array")

// Parse 解析规则目录，无法解码的单条规则会被跳过
func Parse(data []byte) ([]domain.BreakageRule, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid catalog json")
	}
	res := gjson.ParseBytes(data)
	if !res.IsArray() {
		return nil, ErrNotArray
	}
	var rules []domain.BreakageRule
	res.ForEach(func(_, entry gjson.Result) bool {
		if !entry.IsObject() {
			return true
		}
		var rule domain.BreakageRule
		if err := json.Unmarshal([]byte(entry.Raw), &rule); err != nil {
			return true
		}
		rules = append(rules, rule)
		return true
	})
	return rules, nil
}
