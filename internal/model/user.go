// Package model はドメインモデルを定義する。
package model

import "time"

// AuthMethod はユーザーの認証方式を表す。
type AuthMethod string

const (
	// AuthMethodLocal はローカルのパスワード認証。
	AuthMethodLocal AuthMethod = "local"
	// AuthMethodFederated は外部IdPによるフェデレーション認証。
	AuthMethodFederated AuthMethod = "federated"
)

// User はサービス利用ユーザーを表す。
// Emailはディレクトリ全体で一意であり、ExternalSubjectはフェデレーションユーザーのみ設定される。
type User struct {
	ID              string
	Email           string
	FirstName       string
	LastName        string
	IsVerified      bool
	AuthMethod      AuthMethod
	ExternalSubject string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Credential はローカルユーザーのパスワード資格情報を表す。
// PasswordHashはPHC形式でハッシュパラメータを含む。平文は保持しない。
type Credential struct {
	UserID       string
	PasswordHash string
	Algorithm    string
	UpdatedAt    time.Time
}

// ExternalIdentity は外部IdPのIDトークンから取り出したユーザー情報を表す。
type ExternalIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	FirstName     string
	LastName      string
	Username      string
}

// AuthStatus は認証状態の問い合わせ結果を表す。
// 未認証の場合、Userはnil。
type AuthStatus struct {
	IsAuthenticated bool
	User            *User
}
