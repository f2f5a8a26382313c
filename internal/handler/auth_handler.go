// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/authfacade/internal/auth"
	"github.com/hitoshi/authfacade/internal/middleware"
	"github.com/hitoshi/authfacade/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限サイズ。
const maxRequestBodySize = 64 << 10

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) (*auth.AuthResult, error)
	Register(ctx context.Context, in auth.RegisterInput) (*model.User, error)
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error
	BeginFederatedLogin(ctx context.Context, redirectURI string) (*auth.LoginRedirect, error)
	CompleteFederatedLogin(ctx context.Context, cb auth.FederatedCallback) (*auth.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error)
	Logout(ctx context.Context, rawToken string, all bool) error
	CurrentUser(ctx context.Context, accessToken string) (*model.User, error)
	AuthStatus(ctx context.Context, accessToken string) *model.AuthStatus
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// UserResponse はユーザー情報のレスポンス。
type UserResponse struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	FirstName  string    `json:"firstName"`
	LastName   string    `json:"lastName"`
	IsVerified bool      `json:"isVerified"`
	AuthMethod string    `json:"authMethod"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TokenResponse はリフレッシュ時のトークンレスポンス。
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
}

// AuthResponse はログイン成功時のトークンとユーザー情報のレスポンス。
type AuthResponse struct {
	TokenResponse
	User *UserResponse `json:"user"`
}

// LoginURLResponse はフェデレーションログイン開始時のレスポンス。
type LoginURLResponse struct {
	LoginURL string `json:"loginUrl"`
	Message  string `json:"message"`
}

// AuthStatusResponse は認証状態のレスポンス。未認証の場合userはnull。
type AuthStatusResponse struct {
	IsAuthenticated bool          `json:"isAuthenticated"`
	User            *UserResponse `json:"user"`
}

// SuccessResponse は本文を持たない操作の成功レスポンス。
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// BeginFederatedLogin はIdPのログインURLを返す。
// GET /api/v1/auth/login?redirect_uri=...
func (h *AuthHandler) BeginFederatedLogin(w http.ResponseWriter, r *http.Request) {
	redirect, err := h.service.BeginFederatedLogin(r.Context(), r.URL.Query().Get("redirect_uri"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginURLResponse{
		LoginURL: redirect.LoginURL,
		Message:  "Redirect to loginUrl to sign in",
	})
}

// Callback はIdPからのコールバックを処理し、トークンを発行する。
// GET /api/v1/auth/callback?code=xxx&state=yyy&redirect_uri=zzz
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.service.CompleteFederatedLogin(r.Context(), auth.FederatedCallback{
		Code:        q.Get("code"),
		State:       q.Get("state"),
		RedirectURI: q.Get("redirect_uri"),
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newAuthResponse(result))
}

// Login はメールアドレスとパスワードでログインする。
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newAuthResponse(result))
}

// Signup はローカルユーザーを登録する。
// POST /api/v1/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	u, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newUserResponse(u))
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークンの組を返す。
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// Logout はトークンを失効させる。?all=true の場合はユーザーの全セッションを失効させる。
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := middleware.BearerToken(r)
	if !ok {
		middleware.WriteError(w, r, model.ErrNotAuthenticated)
		return
	}

	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	if err := h.service.Logout(r.Context(), raw, all); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	message := "Logged out successfully"
	if all {
		message = "Logged out from all sessions"
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: message})
}

// Me は現在のログインユーザー情報を返す。
// GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	raw, ok := middleware.BearerToken(r)
	if !ok {
		middleware.WriteError(w, r, model.ErrNotAuthenticated)
		return
	}

	u, err := h.service.CurrentUser(r.Context(), raw)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newUserResponse(u))
}

// Status は認証状態を返す。トークンが無効でもエラーにはしない。
// GET /api/v1/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	raw, _ := middleware.BearerToken(r)
	status := h.service.AuthStatus(r.Context(), raw)

	resp := AuthStatusResponse{IsAuthenticated: status.IsAuthenticated}
	if status.User != nil {
		resp.User = newUserResponse(status.User)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ChangePassword はログインユーザーのパスワードを変更する。
// POST /api/v1/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, r, model.ErrNotAuthenticated)
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if err := h.service.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Password changed successfully"})
}

func newUserResponse(u *model.User) *UserResponse {
	return &UserResponse{
		ID:         u.ID,
		Email:      u.Email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		IsVerified: u.IsVerified,
		AuthMethod: string(u.AuthMethod),
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

func newTokenResponse(pair *model.TokenPair) TokenResponse {
	return TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
	}
}

func newAuthResponse(result *auth.AuthResult) AuthResponse {
	return AuthResponse{
		TokenResponse: newTokenResponse(result.Tokens),
		User:          newUserResponse(result.User),
	}
}

// decodeJSON はリクエストボディをJSONとしてデコードする。
// 空ボディはゼロ値として扱い、必須項目の検証はサービス層に任せる。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return model.Wrap(model.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
