package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名の最大文字数（ルーン数）。
const MaxDisplayNameLength = 100

// NameSanitizer はクライアントから渡された表示名をプレーンテキストに正規化する。
// bluemondayのStrictPolicyで全てのタグを除去する。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、連続する空白を1つにまとめ、MaxDisplayNameLengthで切り詰める。
func (s *NameSanitizer) Sanitize(name string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(name))
	normalized := strings.Join(strings.Fields(stripped), " ")

	if utf8.RuneCountInString(normalized) <= MaxDisplayNameLength {
		return normalized
	}
	runes := []rune(normalized)
	return strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
}
