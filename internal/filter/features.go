package filter

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pkmd/internal/extract"
	"pkmd/internal/store"
)

const contentSampleLen = 200

// Features derives the content features stored with every episode.
func Features(rawHTML string) store.ContentFeatures {
	text := extract.Text(rawHTML)
	words := strings.Fields(text)

	f := store.ContentFeatures{
		Title:           extract.Title(rawHTML),
		MetaDescription: extract.MetaDescription(rawHTML),
		WordCount:       len(words),
		ContentSample:   sample(text, contentSampleLen),
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return f
	}
	f.HasCodeBlocks = doc.Find("pre, code").Length() > 0
	if f.WordCount > 0 {
		f.LinkDensity = float64(doc.Find("a").Length()) / float64(f.WordCount)
	}
	return f
}

func sample(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
