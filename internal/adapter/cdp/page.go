package cdp

import (
	"strings"

	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"

	"breakagewatch/pkg/domain"
)

// Page 单个页面的已知状态，按事件到达顺序更新并产生标签页活动。
// 不是并发安全的，由调用方加锁。
type Page struct {
	ID        domain.TabID
	MainFrame page.FrameID
	State     PageState
}

// Tab 当前状态快照
func (p *Page) Tab() domain.TabInfo {
	return ToTabInfo(p.ID, p.State)
}

// Attached 页面刚被附加时补发一次导航，附加前已提交的导航不会再有事件。
// 空白页不产生事件。
func (p *Page) Attached() (domain.NavigationEvent, bool) {
	if IsBlankURL(p.State.URL) {
		return domain.NavigationEvent{}, false
	}
	return domain.NavigationEvent{Tab: p.Tab(), URLChanged: true, Status: "loading"}, true
}

// FrameNavigated 主框架提交导航即进入 loading 阶段，刷新同一地址时 URL 不变。
// 子框架导航被忽略。
func (p *Page) FrameNavigated(ev *page.FrameNavigatedReply) (domain.NavigationEvent, bool) {
	if ev.Frame.ParentID != nil {
		return domain.NavigationEvent{}, false
	}
	p.MainFrame = ev.Frame.ID
	changed := p.setURL(ev.Frame.URL)
	return domain.NavigationEvent{Tab: p.Tab(), URLChanged: changed, Status: "loading"}, true
}

// NavigatedWithinDocument 主框架内的 history/hash 变化
func (p *Page) NavigatedWithinDocument(ev *page.NavigatedWithinDocumentReply) (domain.NavigationEvent, bool) {
	if ev.FrameID != p.MainFrame || !p.setURL(ev.URL) {
		return domain.NavigationEvent{}, false
	}
	return domain.NavigationEvent{Tab: p.Tab(), URLChanged: true}, true
}

// LoadEventFired 页面加载完成
func (p *Page) LoadEventFired() domain.NavigationEvent {
	return domain.NavigationEvent{Tab: p.Tab(), Status: "complete"}
}

// BindingCalled 处理可见性回调，仅在页面从不可见变为可见时产生激活事件
func (p *Page) BindingCalled(ev *runtime.BindingCalledReply, binding string) (domain.ActivationEvent, bool) {
	if ev.Name != binding {
		return domain.ActivationEvent{}, false
	}
	visible := ev.Payload == "visible"
	changed := p.State.Visible != visible
	p.State.Visible = visible
	if !visible || !changed {
		return domain.ActivationEvent{}, false
	}
	return domain.ActivationEvent{TabID: p.ID}, true
}

func (p *Page) setURL(url string) bool {
	changed := p.State.URL != url
	p.State.URL = url
	return changed
}

// IsBlankURL 新标签页与空白页
func IsBlankURL(u string) bool {
	return u == "" || u == "about:blank" || strings.HasPrefix(u, "chrome://newtab") || strings.HasPrefix(u, "chrome-search://")
}
