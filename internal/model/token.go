package model

import "time"

// TokenPair はログイン・リフレッシュ時に発行されるアクセストークンとリフレッシュトークンの組。
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresIn        int // アクセストークンの有効期間（秒）
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// RevocationEntry はリフレッシュトークンの失効記録を表す。
// TokenIDが空の場合はUserIDに紐づく全トークンの失効（revoke all）を意味する。
// ExpiresAtは失効対象トークンの本来の有効期限で、それ以降は記録を削除してよい。
type RevocationEntry struct {
	TokenID   string
	UserID    string
	RevokedAt time.Time
	ExpiresAt time.Time
}

// ProviderTokenSet は認可コード交換でIdPから受け取ったトークン一式。
// 交換呼び出しの中でのみ使用し、永続化しない。
type ProviderTokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}
