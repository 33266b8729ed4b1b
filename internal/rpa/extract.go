package rpa

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
)

// Extract 在 HTML 文本上执行 CSS 或 XPath 选择, 返回每个匹配元素的属性值或文本。
// attribute 为空时取去掉首尾空白的文本。
func Extract(html, mode, selector, attribute string) ([]string, error) {
	if selector == "" {
		return nil, fmt.Errorf("extract: empty selector")
	}
	switch mode {
	case ExtractCSS, "":
		return extractCSS(html, selector, attribute)
	case ExtractXPath:
		return extractXPath(html, selector, attribute)
	default:
		return nil, fmt.Errorf("extract: unknown mode %q", mode)
	}
}

func extractCSS(html, selector, attribute string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if attribute != "" {
			if v, exists := s.Attr(attribute); exists {
				out = append(out, v)
			}
			return
		}
		out = append(out, strings.TrimSpace(s.Text()))
	})
	return out, nil
}

func extractXPath(html, expr, attribute string) ([]string, error) {
	doc, err := htmlquery.Parse(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	nodes, err := htmlquery.QueryAll(doc, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	var out []string
	for _, n := range nodes {
		if attribute != "" {
			if v := htmlquery.SelectAttr(n, attribute); v != "" {
				out = append(out, v)
			}
			continue
		}
		out = append(out, strings.TrimSpace(htmlquery.InnerText(n)))
	}
	return out, nil
}
