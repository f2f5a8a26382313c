package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authfacade/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Detail string `json:"detail"`
}

// StatusForKind はエラー分類をHTTPステータスコードに変換する。
func StatusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation, model.KindProvider:
		return http.StatusBadRequest
	case model.KindAuthentication:
		return http.StatusUnauthorized
	case model.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case model.KindConflict:
		return http.StatusConflict
	case model.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はエラーを分類に応じたステータスと{"detail": ...}形式で書き込む。
// AuthError以外のエラーは内部エラーとして扱い、原因はログにのみ記録する。
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		authErr = model.Wrap(model.ErrStorage, err)
	}

	status := StatusForKind(authErr.Kind)

	switch authErr.Kind {
	case model.KindStorage, model.KindProvider, model.KindProviderUnavailable:
		attrs := []any{
			slog.String("kind", string(authErr.Kind)),
			slog.String("code", authErr.Code),
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		}
		if authErr.Err != nil {
			attrs = append(attrs, slog.String("cause", authErr.Err.Error()))
		}
		if status >= http.StatusInternalServerError {
			slog.Error("request failed", attrs...)
		} else {
			slog.Warn("request failed", attrs...)
		}
	}

	WriteErrorResponse(w, status, authErr.Detail)
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{Detail: detail})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.ErrStorage.Detail)
}
