package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"

	adapter "breakagewatch/internal/adapter/cdp"
	"breakagewatch/internal/logger"
	"breakagewatch/internal/tracker"
	"breakagewatch/pkg/domain"
)

var (
	// ErrNotAttached 当前没有连接任何浏览器页面
	ErrNotAttached = errors.New("not attached to browser")
	// ErrSubscribed 事件流已经被订阅
	ErrSubscribed = errors.New("event stream already subscribed")
)

// visibilityBinding 页面可见性变化回调的绑定名
const visibilityBinding = "__breakagewatchVisibility"

const visibilityScript = `(() => {
  if (window.__breakagewatchInstalled) return;
  window.__breakagewatchInstalled = true;
  document.addEventListener('visibilitychange', () => {
    try { window.` + visibilityBinding + `(document.visibilityState); } catch (e) {}
  });
})()`

// Options 配置选项
type Options struct {
	DevToolsURL string
	// PollInterval 刷新页面列表的间隔
	PollInterval time.Duration
	// NotificationTimeout 通知无人操作时自动关闭的时间
	NotificationTimeout time.Duration
	Logger              logger.Logger
}

// Manager 连接浏览器 DevTools，把页面事件转换为标签页活动并提供页面侧操作
type Manager struct {
	devtoolsURL   string
	pollInterval  time.Duration
	notifyTimeout time.Duration
	log           logger.Logger

	subscribed atomic.Bool
	targetsMu  sync.Mutex
	targets    map[domain.TabID]*targetSession
}

// targetSession 单个页面的连接
type targetSession struct {
	id     domain.TabID
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	page adapter.Page
}

func (ts *targetSession) snapshot() domain.TabInfo {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.page.Tab()
}

// New 创建浏览器管理器
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.NotificationTimeout <= 0 {
		opts.NotificationTimeout = 15 * time.Second
	}
	return &Manager{
		devtoolsURL:   opts.DevToolsURL,
		pollInterval:  opts.PollInterval,
		notifyTimeout: opts.NotificationTimeout,
		log:           opts.Logger,
		targets:       make(map[domain.TabID]*targetSession),
	}
}

// emitter 向订阅者投递事件，ctx 结束后放弃投递
type emitter struct {
	nav chan domain.NavigationEvent
	act chan domain.ActivationEvent
	req chan domain.RequestEvent
}

func (e *emitter) navigation(ctx context.Context, ev domain.NavigationEvent) {
	select {
	case e.nav <- ev:
	case <-ctx.Done():
	}
}

func (e *emitter) activation(ctx context.Context, ev domain.ActivationEvent) {
	select {
	case e.act <- ev:
	case <-ctx.Done():
	}
}

func (e *emitter) request(ctx context.Context, ev domain.RequestEvent) {
	select {
	case e.req <- ev:
	case <-ctx.Done():
	}
}

// Subscribe 连接浏览器并开始产生事件，ctx 结束时断开所有页面并关闭事件通道
func (m *Manager) Subscribe(ctx context.Context) (tracker.Streams, error) {
	if !m.subscribed.CompareAndSwap(false, true) {
		return tracker.Streams{}, ErrSubscribed
	}
	dt := devtool.New(m.devtoolsURL)
	if _, err := dt.List(ctx); err != nil {
		m.subscribed.Store(false)
		return tracker.Streams{}, fmt.Errorf("connect devtools %s: %w", m.devtoolsURL, err)
	}

	out := &emitter{
		nav: make(chan domain.NavigationEvent, 64),
		act: make(chan domain.ActivationEvent, 16),
		req: make(chan domain.RequestEvent, 256),
	}
	go m.run(ctx, dt, out)
	return tracker.Streams{Navigations: out.nav, Activations: out.act, Requests: out.req}, nil
}

// run 周期性同步页面列表，直到 ctx 结束
func (m *Manager) run(ctx context.Context, dt *devtool.DevTools, out *emitter) {
	var wg sync.WaitGroup
	defer func() {
		m.detachAll()
		wg.Wait()
		close(out.nav)
		close(out.act)
		close(out.req)
		m.subscribed.Store(false)
		m.log.Info("已断开浏览器连接")
	}()

	m.log.Info("已连接浏览器", "devtools", m.devtoolsURL)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	// 首次同步得到的是已打开的页面，之后附加的都是新建页面
	announce := false
	for {
		if m.syncTargets(ctx, dt, &wg, out, announce) {
			announce = true
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// syncTargets 附加新页面并移除已关闭的页面，返回是否成功获取了页面列表。
// announce 为 true 时新附加的页面会补发一次导航事件。
func (m *Manager) syncTargets(ctx context.Context, dt *devtool.DevTools, wg *sync.WaitGroup, out *emitter, announce bool) bool {
	targets, err := dt.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("获取页面列表失败", "error", err)
		}
		return false
	}

	seen := make(map[domain.TabID]struct{}, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page || t.WebSocketDebuggerURL == "" {
			continue
		}
		id := domain.TabID(t.ID)
		seen[id] = struct{}{}

		m.targetsMu.Lock()
		_, ok := m.targets[id]
		m.targetsMu.Unlock()
		if ok {
			continue
		}
		if err := m.attach(ctx, t, wg, out, announce); err != nil {
			m.log.Warn("附加页面失败", "target", t.ID, "url", t.URL, "error", err)
		}
	}

	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	for id, ts := range m.targets {
		if _, ok := seen[id]; !ok {
			m.closeTargetSession(ts)
			delete(m.targets, id)
			m.log.Debug("页面已关闭", "target", string(id))
		}
	}
	return true
}

// attach 连接单个页面并启用所需的 CDP 域
func (m *Manager) attach(ctx context.Context, t *devtool.Target, wg *sync.WaitGroup, out *emitter, announce bool) error {
	tctx, cancel := context.WithCancel(ctx)
	conn, err := rpcc.DialContext(tctx, t.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return err
	}
	ts := &targetSession{
		id:     domain.TabID(t.ID),
		conn:   conn,
		client: cdp.NewClient(conn),
		ctx:    tctx,
		cancel: cancel,
		page:   adapter.Page{ID: domain.TabID(t.ID), State: adapter.PageState{URL: t.URL, Title: t.Title}},
	}

	streams, err := m.enable(ts)
	if err != nil {
		m.closeTargetSession(ts)
		return err
	}

	m.targetsMu.Lock()
	m.targets[ts.id] = ts
	m.targetsMu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if announce {
			m.announce(ts, out)
		}
		m.consume(ts, streams, out)
		m.handleTargetStreamClosed(ts)
	}()

	m.log.Info("已附加页面", "target", t.ID, "url", t.URL)
	return nil
}

// enable 启用页面事件、可见性回调与请求观察
func (m *Manager) enable(ts *targetSession) (*targetStreams, error) {
	ctx, c := ts.ctx, ts.client

	if err := c.Page.Enable(ctx); err != nil {
		return nil, fmt.Errorf("page enable: %w", err)
	}
	if err := c.Runtime.Enable(ctx); err != nil {
		return nil, fmt.Errorf("runtime enable: %w", err)
	}
	if err := c.Network.Enable(ctx, nil); err != nil {
		return nil, fmt.Errorf("network enable: %w", err)
	}
	if err := c.Runtime.AddBinding(ctx, runtime.NewAddBindingArgs(visibilityBinding)); err != nil {
		return nil, fmt.Errorf("add binding: %w", err)
	}
	if _, err := c.Page.AddScriptToEvaluateOnNewDocument(ctx, page.NewAddScriptToEvaluateOnNewDocumentArgs(visibilityScript)); err != nil {
		return nil, fmt.Errorf("add script: %w", err)
	}
	// 已加载的文档需要单独安装一次
	if _, err := c.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(visibilityScript)); err != nil {
		m.log.Debug("安装可见性监听失败", "target", string(ts.id), "error", err)
	}
	if tree, err := c.Page.GetFrameTree(ctx); err == nil {
		ts.mu.Lock()
		ts.page.MainFrame = tree.FrameTree.Frame.ID
		ts.mu.Unlock()
	}
	m.refresh(ctx, ts)

	return openStreams(ctx, c)
}

// refresh 从页面读取当前地址与可见性
func (m *Manager) refresh(ctx context.Context, ts *targetSession) (domain.TabInfo, error) {
	reply, err := ts.client.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(adapter.PageStateExpr).SetReturnByValue(true))
	if err != nil {
		return ts.snapshot(), err
	}
	if reply.ExceptionDetails != nil {
		return ts.snapshot(), fmt.Errorf("evaluate page state: %s", reply.ExceptionDetails.Text)
	}
	state, ok := adapter.ParsePageState(reply.Result.Value)
	if !ok {
		return ts.snapshot(), nil
	}
	ts.mu.Lock()
	ts.page.State = state
	ts.mu.Unlock()
	return adapter.ToTabInfo(ts.id, state), nil
}

// handleTargetStreamClosed 页面事件流终止后移除该页面
func (m *Manager) handleTargetStreamClosed(ts *targetSession) {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	if cur, ok := m.targets[ts.id]; ok && cur == ts {
		m.closeTargetSession(cur)
		delete(m.targets, ts.id)
	}
}

func (m *Manager) closeTargetSession(ts *targetSession) {
	ts.cancel()
	if ts.conn != nil {
		_ = ts.conn.Close()
	}
}

func (m *Manager) detachAll() {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	for id, ts := range m.targets {
		m.closeTargetSession(ts)
		delete(m.targets, id)
	}
}

func (m *Manager) session(id domain.TabID) (*targetSession, bool) {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	ts, ok := m.targets[id]
	return ts, ok
}

func (m *Manager) anySession() (*targetSession, bool) {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	for _, ts := range m.targets {
		return ts, true
	}
	return nil, false
}

// Tab 返回标签页的最新状态
func (m *Manager) Tab(ctx context.Context, id domain.TabID) (domain.TabInfo, error) {
	ts, ok := m.session(id)
	if !ok {
		return domain.TabInfo{}, fmt.Errorf("tab %s: %w", id, tracker.ErrTabNotFound)
	}
	info, err := m.refresh(ctx, ts)
	if err != nil {
		m.log.Debug("读取页面状态失败，使用缓存", "target", string(id), "error", err)
	}
	return info, nil
}

// CachedTab 返回最近一次已知的标签页状态，不访问页面
func (m *Manager) CachedTab(id domain.TabID) (domain.TabInfo, bool) {
	ts, ok := m.session(id)
	if !ok {
		return domain.TabInfo{}, false
	}
	return ts.snapshot(), true
}

// Tabs 列出已附加的标签页
func (m *Manager) Tabs() []domain.TabInfo {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]domain.TabInfo, 0, len(m.targets))
	for _, ts := range m.targets {
		out = append(out, ts.snapshot())
	}
	return out
}

// Cookies 返回属于该域名及其子域名的 Cookie
func (m *Manager) Cookies(ctx context.Context, d string) ([]domain.Cookie, error) {
	ts, ok := m.anySession()
	if !ok {
		return nil, ErrNotAttached
	}
	reply, err := ts.client.Network.GetAllCookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return adapter.ToCookies(reply.Cookies, d), nil
}

// ReloadTab 跳过缓存重新加载标签页
func (m *Manager) ReloadTab(ctx context.Context, id domain.TabID) error {
	ts, ok := m.session(id)
	if !ok {
		return fmt.Errorf("tab %s: %w", id, tracker.ErrTabNotFound)
	}
	return ts.client.Page.Reload(ctx, page.NewReloadArgs().SetIgnoreCache(true))
}
