package conditions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakagewatch/pkg/domain"
)

func ret(v bool) domain.ConditionDesc {
	return domain.ConditionDesc{Type: TypeTest, Result: &v}
}

func str(s string) *string { return &s }

func run(t *testing.T, env Env, desc *domain.ConditionDesc) bool {
	t.Helper()
	ok, err := Run(context.Background(), env, desc)
	require.NoError(t, err)
	return ok
}

type fakeJar struct {
	calls   atomic.Int32
	cookies map[string][]domain.Cookie
	err     error
}

func (j *fakeJar) Cookies(_ context.Context, d string) ([]domain.Cookie, error) {
	j.calls.Add(1)
	if j.err != nil {
		return nil, j.err
	}
	return j.cookies[d], nil
}

func TestRunWithoutConditionIsTrue(t *testing.T) {
	assert.True(t, run(t, Env{}, nil))
	assert.True(t, run(t, Env{URL: "https://example.com"}, nil))
}

func TestTestCondition(t *testing.T) {
	yes, no := ret(true), ret(false)
	assert.True(t, run(t, Env{}, &yes))
	assert.False(t, run(t, Env{}, &no))
	assert.False(t, run(t, Env{}, &domain.ConditionDesc{Type: TypeTest}))
}

func TestCreateReturnsFreshInstances(t *testing.T) {
	f := NewFactory(Env{URL: "http://example.com"})
	a, err := f.Create(ret(true))
	require.NoError(t, err)
	b, err := f.Create(ret(false))
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	c, err := f.Create(ret(true))
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestAndOr(t *testing.T) {
	cases := []struct {
		name string
		desc domain.ConditionDesc
		want bool
	}{
		{"and empty", domain.ConditionDesc{Type: TypeAnd}, true},
		{"and one true", domain.ConditionDesc{Type: TypeAnd, Conditions: []domain.ConditionDesc{ret(true)}}, true},
		{"and one false", domain.ConditionDesc{Type: TypeAnd, Conditions: []domain.ConditionDesc{ret(false)}}, false},
		{"and all true", domain.ConditionDesc{Type: TypeAnd, Conditions: []domain.ConditionDesc{ret(true), ret(true)}}, true},
		{"and mixed", domain.ConditionDesc{Type: TypeAnd, Conditions: []domain.ConditionDesc{ret(true), ret(false), ret(true)}}, false},
		{"or empty", domain.ConditionDesc{Type: TypeOr}, false},
		{"or one true", domain.ConditionDesc{Type: TypeOr, Conditions: []domain.ConditionDesc{ret(true)}}, true},
		{"or one false", domain.ConditionDesc{Type: TypeOr, Conditions: []domain.ConditionDesc{ret(false)}}, false},
		{"or all false", domain.ConditionDesc{Type: TypeOr, Conditions: []domain.ConditionDesc{ret(false), ret(false)}}, false},
		{"or mixed", domain.ConditionDesc{Type: TypeOr, Conditions: []domain.ConditionDesc{ret(false), ret(true)}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, run(t, Env{}, &tc.desc))
		})
	}
}

func TestNot(t *testing.T) {
	yes, no := ret(true), ret(false)

	// 缺少子条件时为 true
	assert.True(t, run(t, Env{}, &domain.ConditionDesc{Type: TypeNot}))
	assert.False(t, run(t, Env{}, &domain.ConditionDesc{Type: TypeNot, Condition: &yes}))
	assert.True(t, run(t, Env{}, &domain.ConditionDesc{Type: TypeNot, Condition: &no}))

	composed := domain.ConditionDesc{Type: TypeAnd, Conditions: []domain.ConditionDesc{
		{Type: TypeNot, Condition: &no},
		ret(true),
	}}
	assert.True(t, run(t, Env{}, &composed))
}

func TestUnknownTypeFailsFast(t *testing.T) {
	f := NewFactory(Env{})
	_, err := f.Create(domain.ConditionDesc{Type: "geo"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownConditionType))

	var typed *UnknownTypeError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "geo", typed.Type)

	nested := domain.ConditionDesc{Type: TypeOr, Conditions: []domain.ConditionDesc{ret(true), {Type: "nope"}}}
	ok, err := Run(context.Background(), Env{}, &nested)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrUnknownConditionType)
}

func TestCookieCondition(t *testing.T) {
	jar := &fakeJar{cookies: map[string][]domain.Cookie{
		"www.example.com": {
			{Domain: "www.example.com", Name: "ipp_test", Value: "hello"},
			{Domain: "www.example.com", Name: "ipp_contains", Value: "123XYZ456"},
		},
	}}
	env := Env{URL: "https://www.example.com/", Cookies: jar}
	cookie := func(name string, value, contain *string) *domain.ConditionDesc {
		return &domain.ConditionDesc{Type: TypeCookie, Domain: "www.example.com", Name: name, Value: value, ValueContain: contain}
	}

	assert.False(t, run(t, env, cookie("missing", nil, nil)), "absent cookie")
	assert.True(t, run(t, env, cookie("ipp_test", nil, nil)), "present cookie")
	assert.False(t, run(t, env, cookie("ipp_test", str("wrong"), nil)), "value mismatch")
	assert.True(t, run(t, env, cookie("ipp_test", str("hello"), nil)), "value match")
	assert.True(t, run(t, env, cookie("ipp_contains", nil, str("XYZ"))), "substring match")
	assert.False(t, run(t, env, cookie("ipp_contains", nil, str("abc"))), "substring missing")
	assert.False(t, run(t, env, cookie("ipp_contains", str("123XYZ456"), str("nope"))), "both constraints must hold")
	assert.True(t, run(t, env, cookie("ipp_contains", str("123XYZ456"), str("XYZ"))))
}

func TestCookieConditionRequiresDomainAndName(t *testing.T) {
	jar := &fakeJar{}
	env := Env{Cookies: jar}
	assert.False(t, run(t, env, &domain.ConditionDesc{Type: TypeCookie, Name: "a"}))
	assert.False(t, run(t, env, &domain.ConditionDesc{Type: TypeCookie, Domain: "example.com"}))
	// 缺少 domain 时不触发查询
	assert.Equal(t, int32(1), jar.calls.Load())
}

func TestCookieLookupSharedWithinOneRun(t *testing.T) {
	jar := &fakeJar{cookies: map[string][]domain.Cookie{
		"example.com": {{Name: "a", Value: "1"}, {Name: "b", Value: "2"}},
	}}
	desc := domain.ConditionDesc{Type: TypeAnd, Conditions: []domain.ConditionDesc{
		{Type: TypeCookie, Domain: "example.com", Name: "a"},
		{Type: TypeCookie, Domain: "example.com", Name: "b"},
		{Type: TypeNot, Condition: &domain.ConditionDesc{Type: TypeCookie, Domain: "example.com", Name: "c"}},
	}}
	assert.True(t, run(t, Env{Cookies: jar}, &desc))
	assert.Equal(t, int32(1), jar.calls.Load())

	// 两次 Run 之间不共享缓存
	assert.True(t, run(t, Env{Cookies: jar}, &desc))
	assert.Equal(t, int32(2), jar.calls.Load())
}

func TestCookieLookupFailureFailsClosed(t *testing.T) {
	jar := &fakeJar{err: errors.New("host unavailable")}
	desc := domain.ConditionDesc{Type: TypeCookie, Domain: "example.com", Name: "a"}
	assert.False(t, run(t, Env{Cookies: jar}, &desc))

	negated := domain.ConditionDesc{Type: TypeNot, Condition: &desc}
	assert.True(t, run(t, Env{Cookies: jar}, &negated))
}

func TestURLCondition(t *testing.T) {
	desc := domain.ConditionDesc{Type: TypeURL, Pattern: `https://httpbin\.org/get`}
	assert.True(t, run(t, Env{URL: "https://httpbin.org/get"}, &desc))
	assert.True(t, run(t, Env{URL: "https://httpbin.org/get?x=1"}, &desc))
	assert.False(t, run(t, Env{URL: "https://httpbin.org/post"}, &desc))
	assert.False(t, run(t, Env{}, &desc), "no triggering url")

}

func TestInvalidURLPatternReported(t *testing.T) {
	ctx := context.Background()
	broken := domain.ConditionDesc{Type: TypeURL, Pattern: "("}

	ok, err := Run(ctx, Env{URL: "https://httpbin.org/get"}, &broken)
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrInvalidPattern)
	var pe *PatternError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "(", pe.Pattern)

	// the node still evaluates to false inside a larger tree
	negated := domain.ConditionDesc{Type: TypeNot, Condition: &broken}
	ok, err = Run(ctx, Env{URL: "https://httpbin.org/get"}, &negated)
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	valid := domain.ConditionDesc{Type: TypeURL, Pattern: `httpbin`}
	ok, err = Run(ctx, Env{URL: "https://httpbin.org/get"}, &valid)
	assert.True(t, ok)
	assert.NoError(t, err)
}
