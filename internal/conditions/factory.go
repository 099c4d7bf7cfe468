package conditions

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"breakagewatch/pkg/domain"
)

// cookieKeyPrefix 缓存键前缀，后接域名
const cookieKeyPrefix = "cookies-"

// CookieJar 按域名读取 Cookie，包含子域名下的 Cookie
type CookieJar interface {
	Cookies(ctx context.Context, domain string) ([]domain.Cookie, error)
}

// Env 一次求值的上下文
type Env struct {
	TabID   domain.TabID
	URL     string
	Cookies CookieJar
}

// Factory 条件工厂，一个实例只服务一次求值，缓存随实例丢弃
type Factory struct {
	env   Env
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]any
	errs  []error
}

// NewFactory 创建工厂
func NewFactory(env Env) *Factory {
	return &Factory{env: env, cache: make(map[string]any)}
}

// Run 构造条件树并求值，desc 为空表示无条件命中。
// 返回 ErrInvalidPattern 时结果仍然有效，由调用方记录日志。
func Run(ctx context.Context, env Env, desc *domain.ConditionDesc) (bool, error) {
	if desc == nil {
		return true, nil
	}
	f := NewFactory(env)
	c, err := f.Create(*desc)
	if err != nil {
		return false, err
	}
	if err := f.Init(ctx, c); err != nil {
		return false, err
	}
	matched := f.Check(c)
	return matched, f.Err()
}

// Create 根据描述创建条件树，类型未知时立即报错
func (f *Factory) Create(desc domain.ConditionDesc) (Condition, error) {
	return build(desc)
}

// Init 自顶向下准备数据，组合节点在返回前完成所有子节点的初始化
func (f *Factory) Init(ctx context.Context, c Condition) error {
	switch n := c.(type) {
	case *And:
		return f.initAll(ctx, n.Conditions)
	case *Or:
		return f.initAll(ctx, n.Conditions)
	case *Not:
		if n.Condition == nil {
			return nil
		}
		return f.Init(ctx, n.Condition)
	case *Cookie:
		f.loadCookies(ctx, n.Domain)
		return nil
	default:
		return nil
	}
}

// Check 同步求值
func (f *Factory) Check(c Condition) bool { return f.check(c) }

// Err 返回求值过程中遇到的无效正则
func (f *Factory) Err() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return errors.Join(f.errs...)
}

func (f *Factory) report(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *Factory) initAll(ctx context.Context, children []Condition) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error { return f.Init(gctx, child) })
	}
	return g.Wait()
}

// loadCookies 同一域名在一次求值内只向宿主查询一次，失败时缓存空列表
func (f *Factory) loadCookies(ctx context.Context, d string) {
	if d == "" {
		return
	}
	key := cookieKeyPrefix + d
	if _, ok := f.retrieve(key); ok {
		return
	}
	_, _, _ = f.group.Do(key, func() (any, error) {
		if v, ok := f.retrieve(key); ok {
			return v, nil
		}
		var cookies []domain.Cookie
		if f.env.Cookies != nil {
			got, err := f.env.Cookies.Cookies(ctx, d)
			if err == nil {
				cookies = got
			}
		}
		if cookies == nil {
			cookies = []domain.Cookie{}
		}
		f.store(key, cookies)
		return cookies, nil
	})
}

func (f *Factory) cookies(d string) []domain.Cookie {
	v, ok := f.retrieve(cookieKeyPrefix + d)
	if !ok {
		return nil
	}
	cookies, _ := v.([]domain.Cookie)
	return cookies
}

func (f *Factory) retrieve(key string) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.cache[key]
	return v, ok
}

func (f *Factory) store(key string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[key] = v
}
