package domain

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

type TabID string

// TriggerKind 规则的触发类型
type TriggerKind string

const (
	// KindTab 由标签页导航触发的规则
	KindTab TriggerKind = "tab"
	// KindWebRequest 由页面内网络请求触发的规则
	KindWebRequest TriggerKind = "webrequest"
)

// Kinds 返回所有触发类型
func Kinds() []TriggerKind { return []TriggerKind{KindTab, KindWebRequest} }

// Valid 检查触发类型是否合法
func (k TriggerKind) Valid() bool { return k == KindTab || k == KindWebRequest }

// Outcome 通知的用户反馈结果
type Outcome string

const (
	OutcomeClosed     Outcome = "closed"
	OutcomeClicked    Outcome = "clicked"
	OutcomeNotAnymore Outcome = "not-anymore"
)

// TabInfo 标签页快照
type TabInfo struct {
	ID     TabID  `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// NavigationEvent 标签页导航事件
type NavigationEvent struct {
	Tab        TabInfo `json:"tab"`
	URLChanged bool    `json:"urlChanged"`
	Status     string  `json:"status"`
}

// ActivationEvent 标签页切换到前台
type ActivationEvent struct {
	TabID TabID `json:"tabId"`
}

// RequestEvent 页面内发起的网络请求
type RequestEvent struct {
	TabID        TabID  `json:"tabId"`
	URL          string `json:"url"`
	ResourceType string `json:"resourceType"`
}

// Cookie 浏览器 Cookie 的最小视图
type Cookie struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

// ConditionDesc 条件的声明式描述
type ConditionDesc struct {
	Type       string          `json:"type"`
	Result     *bool           `json:"ret,omitempty"`
	Conditions []ConditionDesc `json:"conditions,omitempty"`
	Condition  *ConditionDesc  `json:"condition,omitempty"`

	Domain       string  `json:"domain,omitempty"`
	Name         string  `json:"name,omitempty"`
	Value        *string `json:"value,omitempty"`
	ValueContain *string `json:"value_contain,omitempty"`

	Pattern string `json:"pattern,omitempty"`
}

// BreakageRule 已知的兼容性问题规则
type BreakageRule struct {
	ID        string         `json:"id,omitempty"`
	Domains   []string       `json:"domains"`
	Message   Message        `json:"message"`
	Condition *ConditionDesc `json:"condition,omitempty"`
}

// HasDomain 判断规则是否覆盖给定域名
func (r *BreakageRule) HasDomain(d string) bool {
	for _, v := range r.Domains {
		if v == d {
			return true
		}
	}
	return false
}

// MessagePart 富文本消息片段
type MessagePart struct {
	Text     string   `json:"text"`
	Modifier []string `json:"modifier,omitempty"`
}

// Emphasis 片段是否需要加粗显示
func (p MessagePart) Emphasis() bool {
	for _, m := range p.Modifier {
		if m == "strong" {
			return true
		}
	}
	return false
}

// Message 通知文案，纯文本或有序片段
type Message struct {
	Text  string
	Parts []MessagePart
}

// String 返回去掉修饰的纯文本
func (m Message) String() string {
	if len(m.Parts) == 0 {
		return m.Text
	}
	s := ""
	for _, p := range m.Parts {
		s += p.Text
	}
	return s
}

// UnmarshalJSON 同时接受字符串和片段数组两种形态
func (m *Message) UnmarshalJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return fmt.Errorf("invalid message json")
	}
	r := gjson.ParseBytes(b)
	*m = Message{}
	switch {
	case r.Type == gjson.String:
		m.Text = r.String()
	case r.IsArray():
		r.ForEach(func(_, part gjson.Result) bool {
			p := MessagePart{Text: part.Get("text").String()}
			for _, mod := range part.Get("modifier").Array() {
				p.Modifier = append(p.Modifier, mod.String())
			}
			m.Parts = append(m.Parts, p)
			return true
		})
	case r.Type == gjson.Null:
	default:
		m.Text = r.String()
	}
	return nil
}

// MarshalJSON 按原始形态输出
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}
