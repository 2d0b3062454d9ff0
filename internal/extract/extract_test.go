package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/impactmap/entity-scraper/internal/scraper"
)

func TestExtractFromPriorityContainer(t *testing.T) {
	t.Parallel()

	body := `<html><body>
		<nav>Home About Contact</nav>
		<article>PichaEats is a social enterprise delivering meals cooked by refugee
		families across Kuala Lumpur, turning every order into an income stream for
		displaced home chefs.</article>
	</body></html>`
	fetcher := &stubFetcher{page: htmlPage(body)}

	e := New(fetcher, allowRobots{}, zap.NewNop())
	doc, err := e.Extract(context.Background(), "https://example.com")

	require.NoError(t, err)
	assert.Contains(t, doc.Text, "PichaEats is a social enterprise")
	assert.NotContains(t, doc.Text, "Home About Contact")
	assert.False(t, doc.Truncated)
	require.NotNil(t, doc.Page)
	assert.Equal(t, 200, doc.Page.StatusCode)
}

func TestCascadeReachesParagraphStage(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, `<html><body><p>A single paragraph of roughly sixty characters lives here.</p></body></html>`)

	assert.Empty(t, priorityContainerText(doc))
	assert.Empty(t, semanticSectionText(doc))
	require.Len(t, paragraphText(doc), 1)
	assert.Equal(t, "A single paragraph of roughly sixty characters lives here.", paragraphText(doc)[0])
}

func TestCascadePriorityWinsOverParagraphs(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, `<html><body>
		<div id="content">Container text</div>
		<p>This paragraph is long enough to qualify for the paragraph stage of the cascade.</p>
	</body></html>`)

	e := New(nil, allowRobots{}, zap.NewNop())
	blocks := e.cascade(doc)

	require.NotEmpty(t, blocks)
	assert.Equal(t, "Container text", blocks[0])
}

func TestCascadeSemanticSections(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("section text ", 12)
	doc := mustParse(t, `<html><body><section>`+long+`</section><section>short</section></body></html>`)

	blocks := semanticSectionText(doc)
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0], "section text")
}

func TestCascadeDivFallback(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("plain block content ", 8)
	doc := mustParse(t, `<html><body><div>`+long+`</div><div>tiny</div></body></html>`)

	e := New(nil, allowRobots{}, zap.NewNop())
	blocks := e.cascade(doc)

	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0], "plain block content")
}

func TestCascadeWholeDocumentFallback(t *testing.T) {
	t.Parallel()

	doc := mustParse(t, `<html><body>Bare text sitting directly in the body with no markup around it.</body></html>`)

	e := New(nil, allowRobots{}, zap.NewNop())
	blocks := e.cascade(doc)

	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0], "Bare text sitting directly in the body")
}

func TestExtractRobotsDisallowed(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{page: htmlPage("<html></html>")}
	e := New(fetcher, denyRobots{}, zap.NewNop())

	_, err := e.Extract(context.Background(), "https://example.com")

	require.Error(t, err)
	assert.Equal(t, scraper.EPOLICY, scraper.ErrorCode(err))
	assert.Equal(t, "Scraping disallowed by robots.txt", scraper.ErrorMessage(err))
	assert.Zero(t, fetcher.calls, "fetcher must not run after a robots denial")
}

func TestExtractUnsupportedContentType(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{page: &scraper.Page{StatusCode: 200, ContentType: "Application/PDF", Body: []byte("%PDF")}}
	e := New(fetcher, allowRobots{}, zap.NewNop())

	_, err := e.Extract(context.Background(), "https://example.com/report")

	require.Error(t, err)
	assert.Equal(t, scraper.EPOLICY, scraper.ErrorCode(err))
	assert.Equal(t, "Unsupported content type: application/pdf", scraper.ErrorMessage(err))
}

func TestExtractNetworkError(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{err: errors.New("connection refused")}
	e := New(fetcher, allowRobots{}, zap.NewNop())

	_, err := e.Extract(context.Background(), "https://example.com")

	require.Error(t, err)
	assert.Equal(t, scraper.ENETWORK, scraper.ErrorCode(err))
	assert.Equal(t, "Network error: connection refused", scraper.ErrorMessage(err))
}

func TestExtractNoSubstantialContent(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{page: htmlPage(`<html><body><p>A single paragraph of roughly sixty characters lives here.</p></body></html>`)}
	e := New(fetcher, allowRobots{}, zap.NewNop())

	_, err := e.Extract(context.Background(), "https://example.com")

	require.Error(t, err)
	assert.Equal(t, scraper.ENOCONTENT, scraper.ErrorCode(err))
	assert.Equal(t, "No substantial content found on page", scraper.ErrorMessage(err))
}

func TestExtractTruncatesAtLimit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("lorem ipsum dolor sit amet ", 600)
	fetcher := &stubFetcher{page: htmlPage(`<html><body><article>` + long + `</article></body></html>`)}
	e := New(fetcher, allowRobots{}, zap.NewNop())

	doc, err := e.Extract(context.Background(), "https://example.com")

	require.NoError(t, err)
	assert.Equal(t, maxTextRunes, utf8.RuneCountInString(doc.Text))
	assert.True(t, doc.Truncated)
}

func TestExtractStripsNonContentElements(t *testing.T) {
	t.Parallel()

	body := `<html><body><article>
		<script>trackVisitor();</script>
		<style>.hidden { display: none; }</style>
		<noscript>Enable JavaScript</noscript>
		Social Impact Exchange connects mission-driven founders with patient capital
		and has supported over two hundred ventures since launch.
	</article></body></html>`
	fetcher := &stubFetcher{page: htmlPage(body)}
	e := New(fetcher, allowRobots{}, zap.NewNop())

	doc, err := e.Extract(context.Background(), "https://example.com")

	require.NoError(t, err)
	assert.NotContains(t, doc.Text, "trackVisitor")
	assert.NotContains(t, doc.Text, "display: none")
	assert.NotContains(t, doc.Text, "Enable JavaScript")
	assert.Contains(t, doc.Text, "Social Impact Exchange")
}

func TestExtractCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	body := "<html><body><article>Impact\n\n\tHub   Malaysia runs accelerator\t\tprograms for founders building in food security, clean energy and inclusive education.</article></body></html>"
	fetcher := &stubFetcher{page: htmlPage(body)}
	e := New(fetcher, allowRobots{}, zap.NewNop())

	doc, err := e.Extract(context.Background(), "https://example.com")

	require.NoError(t, err)
	assert.Contains(t, doc.Text, "Impact Hub Malaysia runs accelerator programs")
	assert.NotContains(t, doc.Text, "\n")
	assert.NotContains(t, doc.Text, "  ")
}

// --- helpers ---

func htmlPage(body string) *scraper.Page {
	return &scraper.Page{
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
	}
}

func mustParse(t *testing.T, raw string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	require.NoError(t, err)
	return doc
}

type stubFetcher struct {
	page  *scraper.Page
	err   error
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, _ string) (*scraper.Page, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.page, nil
}

type allowRobots struct{}

func (allowRobots) IsAllowed(context.Context, string) bool { return true }

type denyRobots struct{}

func (denyRobots) IsAllowed(context.Context, string) bool { return false }
