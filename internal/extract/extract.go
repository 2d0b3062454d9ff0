// Package extract reduces fetched HTML into bounded plain text.
//
// Selection runs as a cascade of strategies, most precise first: known
// content containers, semantic sectioning elements, substantial paragraphs,
// substantial generic blocks, and finally the whole document. The first
// strategy that yields anything wins, so every stage is strictly more
// permissive than the one before it and near-empty pages are the only way
// to come up short.
package extract

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/impactmap/entity-scraper/internal/scraper"
)

const (
	// maxTextRunes bounds the cost of the downstream model call.
	maxTextRunes = 12000
	// minDocumentRunes is the floor below which a page counts as empty.
	minDocumentRunes = 100

	minSectionRunes   = 100
	minParagraphRunes = 50
	minBlockRunes     = 100
)

// prioritySelectors name the containers sites commonly use for primary
// content. Every selector contributes its matches, in list order.
var prioritySelectors = []string{
	"#content", "#main-content", ".content", ".main-content",
	"article", "main", `[role="main"]`, ".post-content",
	".entry-content", ".article-content",
}

// A strategy pulls candidate text blocks from a parsed document.
type strategy func(doc *goquery.Document) []string

// Extractor fetches a page and distills it into clean text, re-checking
// robots permission inline because it may be called outside the evaluator.
type Extractor struct {
	fetcher    scraper.Fetcher
	robots     scraper.RobotsPolicy
	strategies []strategy
	logger     *zap.Logger
}

var _ scraper.ContentExtractor = (*Extractor)(nil)

// New builds an Extractor.
func New(fetcher scraper.Fetcher, robots scraper.RobotsPolicy, logger *zap.Logger) *Extractor {
	return &Extractor{
		fetcher: fetcher,
		robots:  robots,
		strategies: []strategy{
			priorityContainerText,
			semanticSectionText,
			paragraphText,
			blockText,
			documentText,
		},
		logger: logger,
	}
}

// Extract implements scraper.ContentExtractor.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*scraper.ExtractedDocument, error) {
	if !e.robots.IsAllowed(ctx, rawURL) {
		return nil, scraper.Errorf(scraper.EPOLICY, "Scraping disallowed by robots.txt")
	}

	page, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, scraper.Errorf(scraper.ENETWORK, "Network error: %v", err)
	}

	contentType := strings.ToLower(page.ContentType)
	if !strings.Contains(contentType, "text/html") {
		return nil, scraper.Errorf(scraper.EPOLICY, "Unsupported content type: %s", contentType)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, scraper.Errorf(scraper.EINTERNAL, "Processing error: %v", err)
	}
	doc.Find("script, style, iframe, noscript").Remove()

	text := collapseWhitespace(strings.Join(e.cascade(doc), " "))
	if utf8.RuneCountInString(text) <= minDocumentRunes {
		return nil, scraper.Errorf(scraper.ENOCONTENT, "No substantial content found on page")
	}

	text, truncated := truncateRunes(text, maxTextRunes)
	if truncated {
		e.logger.Debug("extracted text truncated", zap.String("url", rawURL))
	}
	return &scraper.ExtractedDocument{Text: text, Truncated: truncated, Page: page}, nil
}

// cascade returns the blocks of the first strategy that finds any.
func (e *Extractor) cascade(doc *goquery.Document) []string {
	for _, pick := range e.strategies {
		if blocks := pick(doc); len(blocks) > 0 {
			return blocks
		}
	}
	return nil
}

func priorityContainerText(doc *goquery.Document) []string {
	var blocks []string
	for _, selector := range prioritySelectors {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			if text := nodeText(sel); text != "" {
				blocks = append(blocks, text)
			}
		})
	}
	return blocks
}

func semanticSectionText(doc *goquery.Document) []string {
	return collectLongText(doc, "article, main, section", minSectionRunes)
}

func paragraphText(doc *goquery.Document) []string {
	return collectLongText(doc, "p", minParagraphRunes)
}

func blockText(doc *goquery.Document) []string {
	return collectLongText(doc, "div", minBlockRunes)
}

func documentText(doc *goquery.Document) []string {
	if text := nodeText(doc.Selection); text != "" {
		return []string{text}
	}
	return nil
}

func collectLongText(doc *goquery.Document, selector string, minRunes int) []string {
	var blocks []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if text := nodeText(sel); utf8.RuneCountInString(text) > minRunes {
			blocks = append(blocks, text)
		}
	})
	return blocks
}

// nodeText joins the trimmed text nodes under a selection with single
// spaces, the way a browser would render adjacent inline content.
func nodeText(sel *goquery.Selection) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:limit]), true
}
