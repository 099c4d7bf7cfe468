package conditions

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"breakagewatch/pkg/domain"
)

// 条件类型
const (
	TypeTest   = "test"
	TypeAnd    = "and"
	TypeOr     = "or"
	TypeNot    = "not"
	TypeCookie = "cookie"
	TypeURL    = "url"
)

// ErrUnknownConditionType 描述中出现了未知的条件类型
var ErrUnknownConditionType = errors.New("unknown condition type")

// UnknownTypeError 携带出错的类型名
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownConditionType, e.Type)
}

func (e *UnknownTypeError) Is(target error) bool { return target == ErrUnknownConditionType }

// ErrInvalidPattern URL 条件的正则无法编译
var ErrInvalidPattern = errors.New("invalid url pattern")

// PatternError 携带无法编译的正则，对应节点按 false 求值
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("%s %q: %v", ErrInvalidPattern, e.Pattern, e.Err)
}

func (e *PatternError) Is(target error) bool { return target == ErrInvalidPattern }

func (e *PatternError) Unwrap() error { return e.Err }

// Condition 条件树节点，仅限本包定义的几种类型
type Condition interface {
	conditionType() string
}

// Test 固定结果
type Test struct {
	Result bool
}

// And 所有子条件为 true，空列表为 true
type And struct {
	Conditions []Condition
}

// Or 任一子条件为 true，空列表为 false
type Or struct {
	Conditions []Condition
}

// Not 子条件缺省时视为 true
type Not struct {
	Condition Condition
}

// Cookie 指定域名下存在该 Cookie，可选地要求值相等或包含子串
type Cookie struct {
	Domain       string
	Name         string
	Value        *string
	ValueContain *string
}

// URL 触发地址匹配正则
type URL struct {
	Pattern string
}

func (*Test) conditionType() string   { return TypeTest }
func (*And) conditionType() string    { return TypeAnd }
func (*Or) conditionType() string     { return TypeOr }
func (*Not) conditionType() string    { return TypeNot }
func (*Cookie) conditionType() string { return TypeCookie }
func (*URL) conditionType() string    { return TypeURL }

// build 按描述递归构造条件树，每次调用都返回新实例
func build(desc domain.ConditionDesc) (Condition, error) {
	switch desc.Type {
	case TypeTest:
		return &Test{Result: desc.Result != nil && *desc.Result}, nil
	case TypeAnd, TypeOr:
		children := make([]Condition, 0, len(desc.Conditions))
		for i := range desc.Conditions {
			c, err := build(desc.Conditions[i])
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if desc.Type == TypeAnd {
			return &And{Conditions: children}, nil
		}
		return &Or{Conditions: children}, nil
	case TypeNot:
		n := &Not{}
		if desc.Condition != nil {
			c, err := build(*desc.Condition)
			if err != nil {
				return nil, err
			}
			n.Condition = c
		}
		return n, nil
	case TypeCookie:
		return &Cookie{Domain: desc.Domain, Name: desc.Name, Value: desc.Value, ValueContain: desc.ValueContain}, nil
	case TypeURL:
		return &URL{Pattern: desc.Pattern}, nil
	default:
		return nil, &UnknownTypeError{Type: desc.Type}
	}
}

// check 同步求值，只读取 init 阶段缓存的数据
func (f *Factory) check(c Condition) bool {
	switch n := c.(type) {
	case *Test:
		return n.Result
	case *And:
		for _, child := range n.Conditions {
			if !f.check(child) {
				return false
			}
		}
		return true
	case *Or:
		for _, child := range n.Conditions {
			if f.check(child) {
				return true
			}
		}
		return false
	case *Not:
		if n.Condition == nil {
			return true
		}
		return !f.check(n.Condition)
	case *Cookie:
		return f.checkCookie(n)
	case *URL:
		if f.env.URL == "" || n.Pattern == "" {
			return false
		}
		re, err := regexCache.Get(n.Pattern)
		if err != nil {
			f.report(&PatternError{Pattern: n.Pattern, Err: err})
			return false
		}
		return re.MatchString(f.env.URL)
	default:
		return false
	}
}

func (f *Factory) checkCookie(n *Cookie) bool {
	if n.Domain == "" || n.Name == "" {
		return false
	}
	var found *domain.Cookie
	cookies := f.cookies(n.Domain)
	for i := range cookies {
		if cookies[i].Name == n.Name {
			found = &cookies[i]
			break
		}
	}
	if found == nil {
		return false
	}
	if n.Value != nil && found.Value != *n.Value {
		return false
	}
	if n.ValueContain != nil && !strings.Contains(found.Value, *n.ValueContain) {
		return false
	}
	return true
}

type regexStore struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

var regexCache = &regexStore{m: make(map[string]*regexp.Regexp)}

// Get 返回已编译的正则，同一模式只编译一次
func (s *regexStore) Get(pattern string) (*regexp.Regexp, error) {
	s.mu.RLock()
	re, ok := s.m[pattern]
	s.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.m[pattern] = re
	s.mu.Unlock()
	return re, nil
}
