package model

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類を表す。HTTPステータスへの変換に使用する。
type ErrorKind string

// エラー分類
const (
	KindValidation          ErrorKind = "validation"
	KindAuthentication      ErrorKind = "authentication"
	KindProvider            ErrorKind = "provider"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindConflict            ErrorKind = "conflict"
	KindNotFound            ErrorKind = "not_found"
	KindStorage             ErrorKind = "storage"
)

// AuthError は認証処理の統一エラー型。
// Detailはクライアントにそのまま返すメッセージ、Errは内部原因でログにのみ出力する。
type AuthError struct {
	Kind   ErrorKind
	Code   string // エラーコード
	Detail string // クライアント向けメッセージ
	Err    error  // 内部原因
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Detail)
}

// Unwrap は内部原因を返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrInvalidCredentials) の形で判定する。
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeMissingCode         = "MISSING_CODE"
	ErrCodeMissingRefreshToken = "MISSING_REFRESH_TOKEN"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeRedirectNotAllowed  = "REDIRECT_NOT_ALLOWED"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeInvalidOrExpired    = "INVALID_OR_EXPIRED"
	ErrCodeNotAuthenticated    = "NOT_AUTHENTICATED"
	ErrCodeExchangeFailed      = "EXCHANGE_FAILED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeFederationDisabled  = "FEDERATION_DISABLED"
	ErrCodeStorage             = "STORAGE_ERROR"
)

// 定義済みエラー
var (
	ErrMissingCode = &AuthError{
		Kind: KindValidation, Code: ErrCodeMissingCode,
		Detail: "Authorization code is required",
	}
	ErrMissingRefreshToken = &AuthError{
		Kind: KindValidation, Code: ErrCodeMissingRefreshToken,
		Detail: "Refresh token is required",
	}
	ErrInvalidInput = &AuthError{
		Kind: KindValidation, Code: ErrCodeInvalidInput,
		Detail: "Invalid request",
	}
	ErrInvalidState = &AuthError{
		Kind: KindValidation, Code: ErrCodeInvalidState,
		Detail: "Invalid login state",
	}
	ErrRedirectNotAllowed = &AuthError{
		Kind: KindValidation, Code: ErrCodeRedirectNotAllowed,
		Detail: "Redirect URI is not allowed",
	}
	ErrInvalidCredentials = &AuthError{
		Kind: KindAuthentication, Code: ErrCodeInvalidCredentials,
		Detail: "Invalid credentials",
	}
	ErrInvalidOrExpired = &AuthError{
		Kind: KindAuthentication, Code: ErrCodeInvalidOrExpired,
		Detail: "Invalid or expired refresh token",
	}
	ErrNotAuthenticated = &AuthError{
		Kind: KindAuthentication, Code: ErrCodeNotAuthenticated,
		Detail: "Not authenticated",
	}
	ErrExchangeFailed = &AuthError{
		Kind: KindProvider, Code: ErrCodeExchangeFailed,
		Detail: "Failed to exchange authorization code for tokens",
	}
	ErrProviderUnavailable = &AuthError{
		Kind: KindProviderUnavailable, Code: ErrCodeProviderUnavailable,
		Detail: "Identity provider unavailable",
	}
	ErrConflict = &AuthError{
		Kind: KindConflict, Code: ErrCodeConflict,
		Detail: "Email already registered",
	}
	ErrNotFound = &AuthError{
		Kind: KindNotFound, Code: ErrCodeNotFound,
		Detail: "Not found",
	}
	ErrFederationDisabled = &AuthError{
		Kind: KindNotFound, Code: ErrCodeFederationDisabled,
		Detail: "Federated login is not configured",
	}
	ErrStorage = &AuthError{
		Kind: KindStorage, Code: ErrCodeStorage,
		Detail: "Internal server error",
	}
)

// Wrap は定義済みエラーに内部原因を付与した新しいAuthErrorを返す。
func Wrap(base *AuthError, cause error) *AuthError {
	return &AuthError{
		Kind:   base.Kind,
		Code:   base.Code,
		Detail: base.Detail,
		Err:    cause,
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(detail string) *AuthError {
	return &AuthError{
		Kind:   KindValidation,
		Code:   ErrCodeInvalidInput,
		Detail: detail,
	}
}

// KindOf はエラーの分類を返す。AuthErrorでない場合は空文字列を返す。
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
