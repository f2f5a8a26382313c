// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authfacade/internal/auth"
	"github.com/hitoshi/authfacade/internal/metrics"
	"github.com/hitoshi/authfacade/internal/model"
	"github.com/hitoshi/authfacade/internal/token"
)

const bearerPrefix = "bearer "

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// claimsContextKey はリクエストコンテキストに検証済みクレームを格納するためのキー。
var claimsContextKey = contextKey("claims")

// userIDSinkContextKey はロギングミドルウェアがユーザーIDの書き込み先を渡すためのキー。
var userIDSinkContextKey = contextKey("user_id_sink")

// TokenVerifier はアクセストークンの検証に必要なインターフェース。
// token.Codecが実装する。
type TokenVerifier interface {
	Verify(raw string, expected token.Type) (*token.Claims, error)
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// ヘッダーがない場合は匿名リクエストとしてそのまま通す。
// ヘッダーがあり検証に失敗した場合は理由を問わず401を返し、理由はログにのみ記録する。
func NewAuthMiddleware(verifier TokenVerifier, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := BearerToken(r)
			if !ok {
				logRejected(r, "malformed_header")
				collector.RecordTokenRejected("malformed")
				WriteError(w, r, model.ErrNotAuthenticated)
				return
			}

			claims, err := verifier.Verify(raw, token.TypeAccess)
			if err != nil {
				reason := auth.RejectReason(err)
				logRejected(r, reason)
				collector.RecordTokenRejected(reason)
				WriteError(w, r, model.ErrNotAuthenticated)
				return
			}

			if sink, ok := r.Context().Value(userIDSinkContextKey).(*string); ok {
				*sink = claims.UserID
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// RequireAuthenticated は匿名リクエストを401で拒否するミドルウェアを返す。
// 保護対象のルートにのみ適用する。NewAuthMiddlewareの後に配置すること。
func RequireAuthenticated() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := ClaimsFromContext(r.Context()); !ok {
				WriteError(w, r, model.ErrNotAuthenticated)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// スキーム名の大文字小文字は区別しない。
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if raw == "" {
		return "", false
	}
	return raw, true
}

// ClaimsFromContext はリクエストコンテキストから検証済みクレームを取得する。
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	if !ok || claims == nil {
		return nil, false
	}
	return claims, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証済みリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return claims.UserID, nil
}

// ContextWithClaims はコンテキストに検証済みクレームを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

func withUserIDSink(ctx context.Context, userID *string) context.Context {
	return context.WithValue(ctx, userIDSinkContextKey, userID)
}

func logRejected(r *http.Request, reason string) {
	slog.Warn("access token rejected",
		slog.String("reason", reason),
		slog.String("path", r.URL.Path),
		slog.String("request_id", chimw.GetReqID(r.Context())),
	)
}
