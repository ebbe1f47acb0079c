package fetch

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// removed lists elements that are dropped with their content. Remote media
// cannot be packaged, so images go too.
const removed = "script, style, iframe, object, embed, form, input, button, select, textarea, " +
	"svg, math, img, picture, video, audio, source, noscript, " +
	`[data-testid="tweetEmbed"], [data-testid="card.wrapper"]`

// CleanBody strips active content, inline styles and event handlers from
// extracted markup and turns links into plain text.
func CleanBody(markup string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + markup + "</body>"))
	if err != nil {
		return "", fmt.Errorf("parse body: %w", err)
	}
	body := doc.Find("body")

	body.Find(removed).Remove()

	body.Find("*").Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			name := strings.ToLower(a.Key)
			if strings.HasPrefix(name, "on") || name == "style" {
				continue
			}
			kept = append(kept, a)
		}
		n.Attr = kept
	})

	body.Find("a").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithNodes(&html.Node{Type: html.TextNode, Data: s.Text()})
	})

	out, err := body.Html()
	if err != nil {
		return "", fmt.Errorf("render body: %w", err)
	}
	return strings.TrimSpace(out), nil
}
