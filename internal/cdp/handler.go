package cdp

import (
	"context"
	"fmt"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"

	adapter "breakagewatch/internal/adapter/cdp"
)

// targetStreams 单个页面订阅的事件流
type targetStreams struct {
	navigated page.FrameNavigatedClient
	within    page.NavigatedWithinDocumentClient
	loaded    page.LoadEventFiredClient
	binding   runtime.BindingCalledClient
	sent      network.RequestWillBeSentClient
}

func openStreams(ctx context.Context, c *cdp.Client) (*targetStreams, error) {
	var (
		s   targetStreams
		err error
	)
	if s.navigated, err = c.Page.FrameNavigated(ctx); err != nil {
		return nil, fmt.Errorf("subscribe frameNavigated: %w", err)
	}
	if s.within, err = c.Page.NavigatedWithinDocument(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe navigatedWithinDocument: %w", err)
	}
	if s.loaded, err = c.Page.LoadEventFired(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe loadEventFired: %w", err)
	}
	if s.binding, err = c.Runtime.BindingCalled(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe bindingCalled: %w", err)
	}
	if s.sent, err = c.Network.RequestWillBeSent(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe requestWillBeSent: %w", err)
	}
	// 保持各事件流之间的到达顺序
	if err := cdp.Sync(s.navigated, s.within, s.loaded, s.binding, s.sent); err != nil {
		s.Close()
		return nil, fmt.Errorf("sync streams: %w", err)
	}
	return &s, nil
}

// Close 关闭所有已打开的事件流
func (s *targetStreams) Close() {
	for _, c := range []interface{ Close() error }{s.navigated, s.within, s.loaded, s.binding, s.sent} {
		if c != nil {
			_ = c.Close()
		}
	}
}

// consume 持续接收页面事件并转换为标签页活动
func (m *Manager) consume(ts *targetSession, s *targetStreams, out *emitter) {
	defer s.Close()
	m.log.Debug("开始消费页面事件流", "target", string(ts.id))

	for {
		var err error
		select {
		case <-ts.ctx.Done():
			return
		case <-s.navigated.Ready():
			err = m.onFrameNavigated(ts, s.navigated, out)
		case <-s.within.Ready():
			err = m.onNavigatedWithinDocument(ts, s.within, out)
		case <-s.loaded.Ready():
			err = m.onLoadEventFired(ts, s.loaded, out)
		case <-s.binding.Ready():
			err = m.onBindingCalled(ts, s.binding, out)
		case <-s.sent.Ready():
			err = m.onRequestWillBeSent(ts, s.sent, out)
		}
		if err != nil {
			if ts.ctx.Err() == nil {
				m.log.Warn("页面事件流中断", "target", string(ts.id), "error", err)
			}
			return
		}
	}
}

// announce 补发附加前已提交的导航
func (m *Manager) announce(ts *targetSession, out *emitter) {
	ts.mu.Lock()
	ev, ok := ts.page.Attached()
	ts.mu.Unlock()
	if ok {
		out.navigation(ts.ctx, ev)
	}
}

func (m *Manager) onFrameNavigated(ts *targetSession, c page.FrameNavigatedClient, out *emitter) error {
	reply, err := c.Recv()
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ev, ok := ts.page.FrameNavigated(reply)
	ts.mu.Unlock()
	if ok {
		out.navigation(ts.ctx, ev)
	}
	return nil
}

func (m *Manager) onNavigatedWithinDocument(ts *targetSession, c page.NavigatedWithinDocumentClient, out *emitter) error {
	reply, err := c.Recv()
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ev, ok := ts.page.NavigatedWithinDocument(reply)
	ts.mu.Unlock()
	if ok {
		out.navigation(ts.ctx, ev)
	}
	return nil
}

func (m *Manager) onLoadEventFired(ts *targetSession, c page.LoadEventFiredClient, out *emitter) error {
	if _, err := c.Recv(); err != nil {
		return err
	}
	ts.mu.Lock()
	ev := ts.page.LoadEventFired()
	ts.mu.Unlock()
	out.navigation(ts.ctx, ev)
	return nil
}

func (m *Manager) onBindingCalled(ts *targetSession, c runtime.BindingCalledClient, out *emitter) error {
	reply, err := c.Recv()
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ev, ok := ts.page.BindingCalled(reply, visibilityBinding)
	ts.mu.Unlock()
	if ok {
		out.activation(ts.ctx, ev)
	}
	return nil
}

// onRequestWillBeSent 只观察请求，不拦截也不修改
func (m *Manager) onRequestWillBeSent(ts *targetSession, c network.RequestWillBeSentClient, out *emitter) error {
	ev, err := c.Recv()
	if err != nil {
		return err
	}
	out.request(ts.ctx, adapter.ToRequestEvent(ts.id, ev))
	return nil
}
