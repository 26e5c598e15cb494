package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// DescriptionSanitizer はイベント説明文のサニタイズ機能を定義する。
// 説明文はフロントエンドでHTMLとして描画されるため、保存前に必ず通す。
type DescriptionSanitizer interface {
	// Sanitize は許可リスト外のタグと属性を除去したHTMLを返す。
	// 許可タグ: p, br, ul, ol, li, strong, em, a(href)。
	// aタグのhrefはhttps/mailtoのみ許可し、target="_blank"とrel="noopener noreferrer"を付与する。
	Sanitize(rawHTML string) string

	// PlainText はすべてのタグを除去し、エンティティを復元したテキストを返す。
	// iCalendarのDESCRIPTION出力に使用する。
	PlainText(rawHTML string) string
}

type descriptionSanitizer struct {
	rich   *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewDescriptionSanitizer はDescriptionSanitizerの新しいインスタンスを生成する。
// bluemondayのPolicyはスレッドセーフなので1インスタンスを共有してよい。
func NewDescriptionSanitizer() *descriptionSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &descriptionSanitizer{
		rich:   p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize は許可リストに従ってHTMLをサニタイズする。
func (s *descriptionSanitizer) Sanitize(rawHTML string) string {
	return strings.TrimSpace(s.rich.Sanitize(rawHTML))
}

// PlainText はタグを除去したテキストを返す。
func (s *descriptionSanitizer) PlainText(rawHTML string) string {
	// 改行相当のタグはタグ除去前に改行へ置き換える
	replacer := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "</p>\n", "</li>", "</li>\n")
	text := s.strict.Sanitize(replacer.Replace(rawHTML))
	return strings.TrimSpace(html.UnescapeString(text))
}

// compile-time interface check
var _ DescriptionSanitizer = (*descriptionSanitizer)(nil)
