// Package etld 把 URL 还原成用于规则比对的域名。
package etld

import (
	"context"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Host 返回 URL 的完整主机名，解析失败返回空串
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// BaseDomain 返回 URL 的可注册域名（eTLD+1）。
// 主机名本身就是公共后缀时返回主机名，IP 地址和无法解析的 URL 返回空串。
func BaseDomain(rawURL string) string {
	host := Host(rawURL)
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	base, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err == nil {
		return base
	}
	if ps, _ := publicsuffix.PublicSuffix(host); ps == host {
		return host
	}
	return ""
}

// Resolver 基于公共后缀列表的域名解析器
type Resolver struct{}

// BaseDomain 实现 handler.DomainResolver
func (Resolver) BaseDomain(_ context.Context, rawURL string) (string, error) {
	return BaseDomain(rawURL), nil
}
