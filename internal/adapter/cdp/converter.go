package cdp

import (
	"strings"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"

	"breakagewatch/pkg/domain"
)

// PageState 页面内求值得到的标签页状态
type PageState struct {
	URL     string
	Title   string
	Visible bool
}

// PageStateExpr 在页面内读取状态的表达式，需以 returnByValue 求值
const PageStateExpr = `({url: location.href, title: document.title, state: document.visibilityState})`

// ParsePageState 解析 PageStateExpr 的返回值
func ParsePageState(raw []byte) (PageState, bool) {
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return PageState{}, false
	}
	return PageState{
		URL:     r.Get("url").String(),
		Title:   r.Get("title").String(),
		Visible: r.Get("state").String() == "visible",
	}, true
}

// ToTabInfo 组合标签页快照
func ToTabInfo(id domain.TabID, s PageState) domain.TabInfo {
	return domain.TabInfo{ID: id, URL: s.URL, Title: s.Title, Active: s.Visible}
}

// ToRequestEvent 将 CDP 请求事件转换为请求事件
func ToRequestEvent(tab domain.TabID, ev *network.RequestWillBeSentReply) domain.RequestEvent {
	out := domain.RequestEvent{TabID: tab, URL: ev.Request.URL}
	if ev.Type != "" {
		out.ResourceType = string(ev.Type)
	}
	return out
}

// ToCookies 过滤出属于该域名或其子域名的 Cookie
func ToCookies(cookies []network.Cookie, d string) []domain.Cookie {
	d = strings.ToLower(strings.TrimPrefix(d, "."))
	out := make([]domain.Cookie, 0)
	for _, c := range cookies {
		cd := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
		if cd != d && !strings.HasSuffix(cd, "."+d) {
			continue
		}
		out = append(out, domain.Cookie{Domain: c.Domain, Name: c.Name, Value: c.Value})
	}
	return out
}

// ParseOutcome 解析通知脚本返回的用户反馈
func ParseOutcome(raw []byte) domain.Outcome {
	switch o := domain.Outcome(gjson.ParseBytes(raw).String()); o {
	case domain.OutcomeClicked, domain.OutcomeNotAnymore:
		return o
	default:
		return domain.OutcomeClosed
	}
}
