package browser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultMaxPageText caps extracted page text so one large page cannot
// dominate a conversation.
const DefaultMaxPageText = 8000

// ExtractText strips scripts, styles, and markup from html and returns the
// collapsed readable text, truncated to maxChars with a marker.
func ExtractText(html string, maxChars int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("browser: parse html: %w", err)
	}
	doc.Find("script, style, noscript, svg, iframe").Remove()

	text := collapseWhitespace(doc.Find("body").Text())
	if text == "" {
		text = collapseWhitespace(doc.Text())
	}

	if maxChars <= 0 {
		maxChars = DefaultMaxPageText
	}
	if len(text) > maxChars {
		text = text[:maxChars] + fmt.Sprintf("\n[...truncated, %d chars total]", len(text))
	}
	return text, nil
}

// ExtractLinks returns up to maxLinks anchors from html, resolving relative
// hrefs against baseURL. Fragment-only and javascript links are skipped.
func ExtractLinks(html, baseURL string, maxLinks int) ([]Link, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("browser: parse html: %w", err)
	}
	base, _ := url.Parse(baseURL)

	if maxLinks <= 0 {
		maxLinks = 50
	}
	var links []Link
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return true
		}
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				href = base.ResolveReference(ref).String()
			}
		}
		text := collapseWhitespace(sel.Text())
		if len(text) > 120 {
			text = text[:120]
		}
		links = append(links, Link{Text: text, Href: href})
		return len(links) < maxLinks
	})
	return links, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
