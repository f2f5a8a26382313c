package security

import (
	"fmt"
	"net/url"
	"strings"
)

// RedirectGuard はフェデレーションログインのリダイレクト先URIを許可リストで検証する。
// 比較は完全一致で、許可リストは生成後に変更されない。
type RedirectGuard struct {
	allowed    map[string]struct{}
	defaultURI string
}

// NewRedirectGuard はRedirectGuardを生成する。
// defaultURIはリダイレクト先が省略された場合に使用され、常に許可される。
func NewRedirectGuard(defaultURI string, allowed []string) *RedirectGuard {
	g := &RedirectGuard{
		allowed:    make(map[string]struct{}, len(allowed)+1),
		defaultURI: defaultURI,
	}
	for _, u := range allowed {
		if u = strings.TrimSpace(u); u != "" {
			g.allowed[u] = struct{}{}
		}
	}
	if defaultURI != "" {
		g.allowed[defaultURI] = struct{}{}
	}
	return g
}

// Resolve はリダイレクト先URIを検証し、使用するURIを返す。
// 空の場合はデフォルトURIを返す。許可リストにないURIはエラーを返す。
func (g *RedirectGuard) Resolve(redirectURI string) (string, error) {
	redirectURI = strings.TrimSpace(redirectURI)
	if redirectURI == "" {
		if g.defaultURI == "" {
			return "", fmt.Errorf("redirect URI is required")
		}
		return g.defaultURI, nil
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("disallowed redirect scheme: %s", parsed.Scheme)
	}
	if parsed.Fragment != "" {
		return "", fmt.Errorf("redirect URI must not contain a fragment")
	}

	if _, ok := g.allowed[redirectURI]; !ok {
		return "", fmt.Errorf("redirect URI is not allowed: %s", redirectURI)
	}
	return redirectURI, nil
}
