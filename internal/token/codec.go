// Package token はアクセストークン・リフレッシュトークンの発行と検証を提供する。
//
// トークンはHS256で署名したJWTで、ペイロードには sub, type, iat, exp, jti を必ず含む。
// 検証鍵は現行鍵と直前の鍵（最大1つ）の集合として保持し、鍵ローテーション中も
// 旧鍵で署名されたトークンを受け付ける。Codecは生成後に変更されない。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type はトークン種別を表す。
type Type string

const (
	// TypeAccess はAPIアクセス用の短命トークン。
	TypeAccess Type = "access"
	// TypeRefresh はアクセストークン再発行用の長命トークン。
	TypeRefresh Type = "refresh"
	// TypeLoginState はフェデレーションログインのCSRF対策用stateトークン。
	TypeLoginState Type = "login_state"
)

// 検証エラー
var (
	ErrMalformed        = errors.New("token is malformed")
	ErrSignatureInvalid = errors.New("token signature is invalid")
	ErrExpired          = errors.New("token is expired")
	ErrWrongType        = errors.New("token type mismatch")
)

// MinSecretLength は署名鍵の最小バイト長。
const MinSecretLength = 32

const signingMethod = "HS256"

// Key は署名鍵を表す。IDはJWTヘッダーのkidに設定される。
type Key struct {
	ID     string
	Secret []byte
}

// KeySet は検証に使用する鍵の集合。
// 発行には常にCurrentを使用し、Previousは検証のみに使用する。
type KeySet struct {
	Current  Key
	Previous *Key
}

// Claims は検証済みトークンのクレーム。
type Claims struct {
	ID        string // jti
	UserID    string // sub
	Type      Type
	SessionID string // sid: ログインごとのセッションID。ローテーション後も引き継がれる
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Token は発行したトークン文字列とそのクレーム。
type Token struct {
	Value  string
	Claims Claims
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Type      string `json:"type"`
	SessionID string `json:"sid,omitempty"`

	// IssuedAtMicros はiatをマイクロ秒精度で保持する。失効判定はこちらを使う。
	IssuedAtMicros int64 `json:"iat_us,omitempty"`
}

// Option はCodecの生成オプション。
type Option func(*Codec)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// WithIssuer はissクレームに設定する発行者名を指定する。
func WithIssuer(issuer string) Option {
	return func(c *Codec) {
		c.issuer = issuer
	}
}

// IssueOption はトークン発行時のオプション。
type IssueOption func(*jwtClaims)

// WithSessionID はsidクレームを設定する。
func WithSessionID(sessionID string) IssueOption {
	return func(c *jwtClaims) {
		c.SessionID = sessionID
	}
}

// WithID はjtiクレームを明示的に設定する。未指定の場合はUUIDを生成する。
func WithID(id string) IssueOption {
	return func(c *jwtClaims) {
		c.ID = id
	}
}

// Codec はトークンの署名と検証を行う。生成後はイミュータブルで、並行利用してよい。
type Codec struct {
	current Key
	keys    []Key
	issuer  string
	now     func() time.Time
}

// NewCodec はKeySetからCodecを生成する。鍵は複製して保持する。
func NewCodec(keys KeySet, opts ...Option) (*Codec, error) {
	if err := validateKey(keys.Current); err != nil {
		return nil, fmt.Errorf("current key: %w", err)
	}
	c := &Codec{
		current: copyKey(keys.Current),
		now:     time.Now,
	}
	c.keys = append(c.keys, c.current)

	if keys.Previous != nil {
		if err := validateKey(*keys.Previous); err != nil {
			return nil, fmt.Errorf("previous key: %w", err)
		}
		if keys.Previous.ID == keys.Current.ID {
			return nil, fmt.Errorf("previous key id must differ from current key id: %s", keys.Current.ID)
		}
		c.keys = append(c.keys, copyKey(*keys.Previous))
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue はユーザーIDと種別を含む署名済みトークンを発行する。
func (c *Codec) Issue(userID string, typ Type, ttl time.Duration, opts ...IssueOption) (*Token, error) {
	if userID == "" {
		return nil, errors.New("user ID is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive: %s", ttl)
	}

	now := c.now()
	claims := &jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:           string(typ),
		IssuedAtMicros: now.UnixMicro(),
	}
	for _, opt := range opts {
		opt(claims)
	}
	if claims.ID == "" {
		claims.ID = uuid.New().String()
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = c.current.ID

	signed, err := t.SignedString(c.current.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{
		Value:  signed,
		Claims: toClaims(claims),
	}, nil
}

// Verify はトークンを検証し、クレームを返す。
// 判定順序: 形式 → 署名 → 有効期限 → 種別。
func (c *Codec) Verify(raw string, expected Type) (*Claims, error) {
	if raw == "" {
		return nil, ErrMalformed
	}

	parsed, err := c.parse(raw)
	if err != nil {
		return nil, err
	}

	if parsed.Subject == "" || parsed.Type == "" || parsed.IssuedAt == nil || parsed.ExpiresAt == nil {
		return nil, ErrMalformed
	}

	if c.now().After(parsed.ExpiresAt.Time) {
		return nil, ErrExpired
	}

	if Type(parsed.Type) != expected {
		return nil, ErrWrongType
	}

	claims := toClaims(parsed)
	return &claims, nil
}

// parse は署名を検証してクレームを取り出す。
// kidヘッダーがあれば対応する鍵のみ、なければ全鍵を順に試す。
func (c *Codec) parse(raw string) (*jwtClaims, error) {
	header, err := peekKeyID(raw)
	if err != nil {
		return nil, err
	}

	candidates := c.keys
	if header != "" {
		candidates = nil
		for _, k := range c.keys {
			if k.ID == header {
				candidates = append(candidates, k)
			}
		}
		if len(candidates) == 0 {
			return nil, ErrSignatureInvalid
		}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod}),
		jwt.WithoutClaimsValidation(),
	)

	for _, k := range candidates {
		var claims jwtClaims
		secret := k.Secret
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err == nil {
			return &claims, nil
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			continue
		}
		return nil, mapJWTError(err)
	}
	return nil, ErrSignatureInvalid
}

// peekKeyID は署名検証前にヘッダーのkidを読み取る。
func peekKeyID(raw string) (string, error) {
	t, _, err := jwt.NewParser().ParseUnverified(raw, &jwtClaims{})
	if err != nil {
		return "", ErrMalformed
	}
	kid, _ := t.Header["kid"].(string)
	return kid, nil
}

// mapJWTError はjwtライブラリのエラーをトークン検証エラーに変換する。
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return ErrMalformed
	default:
		return ErrSignatureInvalid
	}
}

func toClaims(c *jwtClaims) Claims {
	claims := Claims{
		ID:        c.ID,
		UserID:    c.Subject,
		Type:      Type(c.Type),
		SessionID: c.SessionID,
	}
	switch {
	case c.IssuedAtMicros > 0:
		claims.IssuedAt = time.UnixMicro(c.IssuedAtMicros).UTC()
	case c.IssuedAt != nil:
		claims.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		claims.ExpiresAt = c.ExpiresAt.Time
	}
	return claims
}

func validateKey(k Key) error {
	if k.ID == "" {
		return errors.New("key id is required")
	}
	if len(k.Secret) < MinSecretLength {
		return fmt.Errorf("secret must be at least %d bytes", MinSecretLength)
	}
	return nil
}

func copyKey(k Key) Key {
	secret := make([]byte, len(k.Secret))
	copy(secret, k.Secret)
	return Key{ID: k.ID, Secret: secret}
}
