package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxProfileFieldLength はプロフィール項目の最大文字数（rune数）。
const MaxProfileFieldLength = 100

// ProfileSanitizerService はIdPのクレームやサインアップ入力から受け取った
// プロフィール項目（氏名など）を保存前に無害化するインターフェースを定義する。
type ProfileSanitizerService interface {
	// Sanitize はHTMLタグを除去し、空白を正規化したプレーンテキストを返す。
	// MaxProfileFieldLengthを超える部分は切り詰める。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// profileSanitizer はProfileSanitizerServiceの実装。
type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerServiceの新しいインスタンスを生成する。
// プロフィール項目はプレーンテキストのみ許可するため、StrictPolicyで全タグを除去する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はプロフィール項目を無害化する。
func (s *profileSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはテキスト中の記号をエンティティ化するため、保存用に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) > MaxProfileFieldLength {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:MaxProfileFieldLength]))
	}
	return text
}
