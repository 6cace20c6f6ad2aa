// Package security はアプリケーションのセキュリティ機能を提供する。
//
// IPN通知の署名検証と、チャットに送信するHTMLメッセージのサニタイズを担う。
package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はHTMLパースモードで送信するチャットメッセージを無害化する。
// bluemondayのポリシーを保持し、スレッドセーフに処理する。
type TextSanitizer struct {
	strict  *bluemonday.Policy
	message *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
// メッセージ用ポリシーの内容:
//   - 許可タグ: b, strong, i, em, u, s, code, pre, a
//   - aタグのhref属性: httpsスキームの絶対URLのみ
func NewTextSanitizer() *TextSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "s", "code", "pre")
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})

	return &TextSanitizer{
		strict:  bluemonday.StrictPolicy(),
		message: p,
	}
}

// PlainText はユーザー名などの利用者由来の文字列からタグを除去し、
// HTMLの特殊文字をエスケープして返す。メッセージに埋め込む前に必ず通す。
func (s *TextSanitizer) PlainText(raw string) string {
	return s.strict.Sanitize(raw)
}

// Message は送信直前のメッセージ本文から許可外のタグと属性を除去する。
func (s *TextSanitizer) Message(rawHTML string) string {
	return s.message.Sanitize(rawHTML)
}
