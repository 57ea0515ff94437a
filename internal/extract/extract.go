// Package extract turns captured page HTML into markdown suitable for
// storage and embedding. Boilerplate is stripped structurally first so the
// model only sees content that matters.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pkmd/internal/llm"
	"pkmd/internal/logging"
)

const conversionSystemPrompt = `You convert web page HTML to clean markdown.
Preserve the heading structure, code blocks (with language hints when
evident), lists, tables, and image URLs. Drop navigation, ads, and
boilerplate. Output only the markdown, no commentary.`

// selectors removed wholesale before conversion.
var strippedSelectors = []string{
	"script", "style", "noscript", "iframe", "svg",
	"nav", "footer", "aside", "header form",
}

// bannerHints flag elements whose class or id marks overlay boilerplate.
var bannerHints = []string{"cookie", "consent", "gdpr", "newsletter-popup", "paywall"}

// Extractor converts page HTML to markdown through the LLM after a
// structural clean.
type Extractor struct {
	client llm.Client
	logger logging.Logger
}

// New builds an extractor.
func New(client llm.Client, logger logging.Logger) *Extractor {
	return &Extractor{client: client, logger: logging.OrNop(logger)}
}

// Markdown converts raw page HTML to markdown. Fails when the model does;
// the caller decides whether that is fatal for the visit.
func (e *Extractor) Markdown(ctx context.Context, pageURL, rawHTML string) (string, error) {
	cleaned := Clean(rawHTML)
	if strings.TrimSpace(cleaned) == "" {
		return "", fmt.Errorf("page %s has no content after cleaning", pageURL)
	}

	resp, err := e.client.Complete(ctx, llm.Request{
		System: conversionSystemPrompt,
		Prompt: fmt.Sprintf("URL: %s\n\nHTML:\n%s", pageURL, cleaned),
	})
	if err != nil {
		return "", fmt.Errorf("convert %s to markdown: %w", pageURL, err)
	}
	md := strings.TrimSpace(resp.Content)
	if md == "" {
		return "", fmt.Errorf("empty markdown for %s", pageURL)
	}
	return md, nil
}

// Clean strips scripts, styling, chrome, and overlay boilerplate from HTML,
// returning the remaining body markup. Unparseable input is returned as is;
// the model copes better with raw HTML than with nothing.
func Clean(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}

	for _, sel := range strippedSelectors {
		doc.Find(sel).Remove()
	}
	doc.Find("div, section, span").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		marker := strings.ToLower(class + " " + id)
		for _, hint := range bannerHints {
			if strings.Contains(marker, hint) {
				s.Remove()
				return
			}
		}
	})

	body := doc.Find("body")
	if body.Length() == 0 {
		return rawHTML
	}
	html, err := body.Html()
	if err != nil {
		return rawHTML
	}
	return strings.TrimSpace(html)
}

// Text returns the visible text of the page, whitespace-collapsed. Used for
// feature extraction and the classification sample.
func Text(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(Clean(rawHTML)))
	if err != nil {
		return rawHTML
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// MetaDescription returns the page's meta description, if any.
func MetaDescription(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	desc, _ := doc.Find(`meta[name="description"]`).Attr("content")
	return strings.TrimSpace(desc)
}

// Title returns the document title, if any.
func Title(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
