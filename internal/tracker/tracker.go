package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"breakagewatch/internal/ctxkeys"
	"breakagewatch/internal/keylock"
	"breakagewatch/internal/logger"
	"breakagewatch/internal/metrics"
	"breakagewatch/pkg/domain"
)

// maxPendingRequests 单个标签页最多暂存的请求 URL 数
const maxPendingRequests = 256

// ErrTabNotFound 标签页已关闭或不可访问
var ErrTabNotFound = errors.New("tab not found")

// Matcher 对候选事件执行匹配并返回是否展示了通知
type Matcher interface {
	MaybeNotify(ctx context.Context, tab domain.TabInfo, kind domain.TriggerKind, url string) bool
}

// TabLookup 查询标签页的当前状态
type TabLookup interface {
	Tab(ctx context.Context, id domain.TabID) (domain.TabInfo, error)
}

// TabCache 返回已知的标签页状态，不访问浏览器。
// TabLookup 实现了该接口时请求事件使用缓存状态。
type TabCache interface {
	CachedTab(id domain.TabID) (domain.TabInfo, bool)
}

// Streams 浏览器事件流，任意通道都可以为 nil
type Streams struct {
	Navigations <-chan domain.NavigationEvent
	Activations <-chan domain.ActivationEvent
	Requests    <-chan domain.RequestEvent
}

// Config 配置选项
type Config struct {
	Matcher Matcher
	Tabs    TabLookup
	// NavigationStatus 除 URL 变化外触发检查的加载阶段，loading 或 complete
	NavigationStatus string
	// RequestTypes 关注的请求资源类型，为空表示全部
	RequestTypes []string
	Logger       logger.Logger
}

// Tracker 跟踪标签页活动，对后台标签页的检查延后到其切换到前台时执行
type Tracker struct {
	mu              sync.Mutex
	pendingTabs     map[domain.TabID]struct{}
	pendingRequests map[domain.TabID][]string

	// tabLocks 同一标签页的延后状态判定串行执行
	tabLocks *keylock.Locks

	matcher      Matcher
	tabs         TabLookup
	navStatus    string
	requestTypes map[string]struct{}
	log          logger.Logger
}

// New 创建活动跟踪器
func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.NavigationStatus == "" {
		cfg.NavigationStatus = "loading"
	}
	var types map[string]struct{}
	if len(cfg.RequestTypes) > 0 {
		types = make(map[string]struct{}, len(cfg.RequestTypes))
		for _, t := range cfg.RequestTypes {
			types[t] = struct{}{}
		}
	}
	return &Tracker{
		pendingTabs:     make(map[domain.TabID]struct{}),
		pendingRequests: make(map[domain.TabID][]string),
		tabLocks:        keylock.New(),
		matcher:         cfg.Matcher,
		tabs:            cfg.Tabs,
		navStatus:       cfg.NavigationStatus,
		requestTypes:    types,
		log:             cfg.Logger,
	}
}

// OnNavigation 处理导航事件。
// 前后台以查询到的最新状态为准，事件携带的快照可能已经过期。
func (t *Tracker) OnNavigation(ctx context.Context, ev domain.NavigationEvent) bool {
	if !ev.URLChanged && ev.Status != t.navStatus {
		return false
	}
	id := ev.Tab.ID
	unlock := t.tabLocks.Lock(string(id))

	cur, err := t.tabs.Tab(ctx, id)
	if err != nil {
		unlock()
		t.log.Debug("查询标签页失败，忽略导航", "tab", string(id), "error", err)
		return false
	}
	tab := ev.Tab
	tab.Active = cur.Active

	t.mu.Lock()
	if ev.URLChanged {
		// 旧页面发出的请求已失效
		delete(t.pendingRequests, id)
	}
	if !tab.Active {
		t.pendingTabs[id] = struct{}{}
		t.mu.Unlock()
		unlock()
		metrics.RecordDeferred(string(domain.KindTab))
		t.log.Debug("标签页不在前台，延后检查", "tab", string(id))
		return false
	}
	delete(t.pendingTabs, id)
	t.mu.Unlock()
	unlock()

	return t.matcher.MaybeNotify(ctx, tab, domain.KindTab, tab.URL)
}

// OnRequest 处理页面内的网络请求
func (t *Tracker) OnRequest(ctx context.Context, ev domain.RequestEvent) bool {
	if ev.URL == "" || !t.acceptType(ev.ResourceType) {
		return false
	}
	unlock := t.tabLocks.Lock(string(ev.TabID))
	tab, err := t.requestTab(ctx, ev.TabID)
	if err != nil {
		unlock()
		t.log.Debug("查询标签页失败，忽略请求", "tab", string(ev.TabID), "error", err)
		return false
	}
	if !tab.Active {
		t.queueRequest(ev.TabID, ev.URL)
		unlock()
		return false
	}
	unlock()
	return t.matcher.MaybeNotify(ctx, tab, domain.KindWebRequest, ev.URL)
}

// requestTab 请求路径优先使用缓存状态
func (t *Tracker) requestTab(ctx context.Context, id domain.TabID) (domain.TabInfo, error) {
	if c, ok := t.tabs.(TabCache); ok {
		if tab, ok := c.CachedTab(id); ok {
			return tab, nil
		}
		return domain.TabInfo{}, ErrTabNotFound
	}
	return t.tabs.Tab(ctx, id)
}

// OnActivation 标签页切换到前台时重放延后的检查。
// 先重放导航检查，展示了通知就丢弃暂存的请求，否则按到达顺序重放请求直到命中一次。
func (t *Tracker) OnActivation(ctx context.Context, ev domain.ActivationEvent) bool {
	unlock := t.tabLocks.Lock(string(ev.TabID))
	t.mu.Lock()
	_, nav := t.pendingTabs[ev.TabID]
	delete(t.pendingTabs, ev.TabID)
	reqs := t.pendingRequests[ev.TabID]
	delete(t.pendingRequests, ev.TabID)
	t.mu.Unlock()
	unlock()

	if !nav && len(reqs) == 0 {
		return false
	}

	// 重新获取标签页，后台期间可能已经再次导航
	tab, err := t.tabs.Tab(ctx, ev.TabID)
	if err != nil {
		t.log.Debug("标签页已不可用，放弃重放", "tab", string(ev.TabID), "error", err)
		return false
	}
	if !tab.Active {
		return false
	}

	if nav && t.matcher.MaybeNotify(ctx, tab, domain.KindTab, tab.URL) {
		return true
	}
	for _, u := range reqs {
		if t.matcher.MaybeNotify(ctx, tab, domain.KindWebRequest, u) {
			return true
		}
	}
	return false
}

// Pending 返回标签页的延后状态
func (t *Tracker) Pending(id domain.TabID) (bool, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, nav := t.pendingTabs[id]
	reqs := append([]string(nil), t.pendingRequests[id]...)
	return nav, reqs
}

func (t *Tracker) queueRequest(id domain.TabID, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	queued := t.pendingRequests[id]
	for _, u := range queued {
		if u == url {
			return
		}
	}
	if len(queued) >= maxPendingRequests {
		return
	}
	t.pendingRequests[id] = append(queued, url)
	metrics.RecordDeferred(string(domain.KindWebRequest))
}

func (t *Tracker) acceptType(resourceType string) bool {
	if t.requestTypes == nil {
		return true
	}
	_, ok := t.requestTypes[resourceType]
	return ok
}

// Run 消费事件流直到 ctx 结束或所有通道关闭，返回前等待处理中的事件完成。
// 每个事件在独立的 goroutine 中处理，单个事件的 panic 不影响后续事件。
func (t *Tracker) Run(ctx context.Context, s Streams) {
	var wg sync.WaitGroup
	defer wg.Wait()

	nav, act, req := s.Navigations, s.Activations, s.Requests
	for nav != nil || act != nil || req != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-nav:
			if !ok {
				nav = nil
				continue
			}
			t.dispatch(ctx, &wg, "navigation", func(c context.Context) { t.OnNavigation(c, ev) })
		case ev, ok := <-act:
			if !ok {
				act = nil
				continue
			}
			t.dispatch(ctx, &wg, "activation", func(c context.Context) { t.OnActivation(c, ev) })
		case ev, ok := <-req:
			if !ok {
				req = nil
				continue
			}
			t.dispatch(ctx, &wg, "request", func(c context.Context) { t.OnRequest(c, ev) })
		}
	}
}

func (t *Tracker) dispatch(ctx context.Context, wg *sync.WaitGroup, event string, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.HandlerPanicsTotal.Inc()
				t.log.Error("事件处理异常", "event", event, "panic", fmt.Sprint(r))
			}
		}()
		fn(ctxkeys.WithTraceID(ctx))
	}()
}
