package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/impactmap/entity-scraper/internal/scraper"
)

func TestProcessCreatesNewEntity(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	p := deps.build()

	record, operation, err := p.Process(context.Background(), "https://pichaeats.com")
	require.NoError(t, err)
	require.Equal(t, scraper.OperationCreated, operation)
	require.Equal(t, "ent-1", record.ID)

	// The model returned a different URL; the persisted website must be the
	// requested one.
	require.Equal(t, "https://pichaeats.com", record.Website)
	require.Equal(t, deps.clock.now, record.CreatedAt)
	require.Equal(t, deps.clock.now, record.UpdatedAt)

	require.Equal(t, deps.extractor.doc.Text, deps.fields.lastPageText)
	require.Equal(t, "https://pichaeats.com", deps.fields.lastURL)

	require.Equal(t, "pages/pichaeats.com/abc123.html", deps.blobs.lastPath)
	require.Equal(t, []byte("<html>menu</html>"), deps.blobs.objects[deps.blobs.lastPath])

	events := deps.publisher.events
	require.Len(t, events, 1)
	require.Equal(t, "ent-1", events[0].EntityID)
	require.Equal(t, scraper.OperationCreated, events[0].Operation)
	require.Equal(t, "https://pichaeats.com", events[0].Website)
}

func TestProcessSameURLTwiceInsertsThenUpdates(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	p := deps.build()

	first, operation, err := p.Process(context.Background(), "https://pichaeats.com")
	require.NoError(t, err)
	require.Equal(t, scraper.OperationCreated, operation)

	second, operation, err := p.Process(context.Background(), "https://pichaeats.com")
	require.NoError(t, err)
	require.Equal(t, scraper.OperationUpdated, operation)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "https://pichaeats.com", second.Website)
	require.Equal(t, 1, deps.store.inserted)
	require.Equal(t, 1, deps.store.updated)
}

func TestProcessEmptyURL(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	p := deps.build()

	for _, rawURL := range []string{"", "   "} {
		_, _, err := p.Process(context.Background(), rawURL)
		require.Error(t, err)
		require.Equal(t, scraper.EINVALID, scraper.ErrorCode(err))
		require.Equal(t, "Empty URL provided", scraper.ErrorMessage(err))
	}
	require.Equal(t, 0, deps.limiter.calls)
}

func TestProcessRateLimitExceeded(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	deps.limiter.allow = false
	p := deps.build()

	_, _, err := p.Process(context.Background(), "https://pichaeats.com")
	require.Error(t, err)
	require.Equal(t, scraper.EPOLICY, scraper.ErrorCode(err))
	require.Equal(t, "Rate limit exceeded for this domain", scraper.ErrorMessage(err))
	require.Equal(t, 0, deps.extractor.calls)
}

func TestProcessStoreLookupFailurePropagates(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	deps.store.findErr = scraper.Errorf(scraper.EINTERNAL, "find entity by website: connection refused")
	p := deps.build()

	_, _, err := p.Process(context.Background(), "https://pichaeats.com")
	require.Error(t, err)
	require.Equal(t, scraper.EINTERNAL, scraper.ErrorCode(err))
	require.Equal(t, 0, deps.extractor.calls)
}

func TestProcessExtractorErrorPropagates(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	deps.extractor.err = scraper.Errorf(scraper.EPOLICY, "Scraping disallowed by robots.txt")
	p := deps.build()

	_, _, err := p.Process(context.Background(), "https://pichaeats.com")
	require.Error(t, err)
	require.Equal(t, scraper.EPOLICY, scraper.ErrorCode(err))
	require.Equal(t, "Scraping disallowed by robots.txt", scraper.ErrorMessage(err))
	require.Empty(t, deps.fields.lastURL)
}

func TestProcessNoJSONInModelOutput(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	deps.fields.text = "I could not find any structured data on this page."
	p := deps.build()

	_, _, err := p.Process(context.Background(), "https://pichaeats.com")
	require.Error(t, err)
	require.Equal(t, scraper.EFORMAT, scraper.ErrorCode(err))
	require.Equal(t, "No valid JSON found in AI response", scraper.ErrorMessage(err))
	require.Equal(t, 0, deps.store.inserted)
}

func TestProcessMalformedJSONInModelOutput(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	deps.fields.text = `{"name": }`
	p := deps.build()

	_, _, err := p.Process(context.Background(), "https://pichaeats.com")
	require.Error(t, err)
	require.Equal(t, scraper.EFORMAT, scraper.ErrorCode(err))
	require.Contains(t, scraper.ErrorMessage(err), "Invalid JSON in AI response")
}

func TestProcessBackfillsEmptyFields(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	deps.fields.text = modelJSON(t, map[string]any{
		"description":   "",
		"contact_email": "Reach info[at]pichaeats.com or info@pichaeats.com",
	})
	p := deps.build()

	record, _, err := p.Process(context.Background(), "https://pichaeats.com")
	require.NoError(t, err)
	require.Equal(t, "PichaEats", record.Name)
	require.Equal(t, "Unknown", record.Description)
	require.Equal(t, "Unknown", record.YearFounded)
	require.Equal(t, "Reach info@pichaeats.com or info@pichaeats.com", record.ContactEmail)
}

func TestProcessArchiveFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	deps.blobs.err = errors.New("bucket unavailable")
	p := deps.build()

	record, operation, err := p.Process(context.Background(), "https://pichaeats.com")
	require.NoError(t, err)
	require.Equal(t, scraper.OperationCreated, operation)
	require.NotEmpty(t, record.ID)
}

func TestProcessPublishFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	deps.publisher.err = errors.New("topic unavailable")
	p := deps.build()

	_, operation, err := p.Process(context.Background(), "https://pichaeats.com")
	require.NoError(t, err)
	require.Equal(t, scraper.OperationCreated, operation)
	require.Equal(t, 1, deps.store.inserted)
}

func TestProcessInsertFailurePropagates(t *testing.T) {
	t.Parallel()

	deps := newPipelineDeps(t)
	deps.store.insertErr = scraper.Errorf(scraper.EINTERNAL, "entity insert returned no row")
	p := deps.build()

	_, _, err := p.Process(context.Background(), "https://pichaeats.com")
	require.Error(t, err)
	require.Equal(t, "entity insert returned no row", scraper.ErrorMessage(err))
	require.Empty(t, deps.publisher.events)
}

func TestLocateJSONObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
		found bool
	}{
		{
			name:  "fenced object with prose",
			input: "Here you go:\n```json\n{\"name\":\"PichaEats\"}\n```\nLet me know!",
			want:  `{"name":"PichaEats"}`,
			found: true,
		},
		{
			name:  "nested objects",
			input: `{"a":{"b":1},"c":2} trailing`,
			want:  `{"a":{"b":1},"c":2}`,
			found: true,
		},
		{
			name:  "brace inside string value",
			input: `{"description":"uses { and } freely"}`,
			want:  `{"description":"uses { and } freely"}`,
			found: true,
		},
		{
			name:  "escaped quote inside string",
			input: `{"name":"Say \"hi\" {now}"}`,
			want:  `{"name":"Say \"hi\" {now}"}`,
			found: true,
		},
		{
			name:  "no braces",
			input: "no structured data here",
			found: false,
		},
		{
			name:  "unclosed object",
			input: `{"name":"PichaEats"`,
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, found := locateJSONObject(tt.input)
			if found != tt.found {
				t.Fatalf("found = %v, want %v", found, tt.found)
			}
			if got != tt.want {
				t.Fatalf("object = %q, want %q", got, tt.want)
			}
		})
	}
}

// --- fakes ---

type pipelineDeps struct {
	limiter   *fakeLimiter
	store     *fakeEntityStore
	extractor *fakeExtractor
	fields    *fakeFieldExtractor
	blobs     *fakeBlobStore
	publisher *fakePublisher
	clock     *fakeClock
}

func newPipelineDeps(t *testing.T) *pipelineDeps {
	t.Helper()
	return &pipelineDeps{
		limiter: &fakeLimiter{allow: true},
		store:   newFakeEntityStore(),
		extractor: &fakeExtractor{doc: &scraper.ExtractedDocument{
			Text: strings.Repeat("PichaEats delivers meals cooked by refugee chefs in Kuala Lumpur. ", 3),
			Page: &scraper.Page{
				URL:        "https://pichaeats.com",
				StatusCode: http.StatusOK,
				Body:       []byte("<html>menu</html>"),
			},
		}},
		fields:    &fakeFieldExtractor{text: modelJSON(t, nil)},
		blobs:     newFakeBlobStore(),
		publisher: newFakePublisher(),
		clock:     &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func (d *pipelineDeps) build() *Pipeline {
	return New(
		d.limiter,
		d.store,
		d.extractor,
		d.fields,
		d.blobs,
		d.publisher,
		&fakeHasher{hash: "abc123"},
		d.clock,
		Config{BlobPrefix: "pages", Topic: "entity-events"},
		zap.NewNop(),
	)
}

// modelJSON renders a plausible model reply: prose and markdown fences around
// one JSON object built from defaults merged with overrides.
func modelJSON(t *testing.T, overrides map[string]any) string {
	t.Helper()
	fields := map[string]any{
		"name":          "PichaEats",
		"slug":          "pichaeats",
		"entity_type":   "social_enterprise",
		"website":       "https://www.pichaeats.com/our-story",
		"description":   "Meal delivery platform supporting refugee chefs.",
		"hq_location":   "Kuala Lumpur, Malaysia",
		"contact_email": "hello@pichaeats.com",
	}
	for k, v := range overrides {
		fields[k] = v
	}
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal model fields: %v", err)
	}
	return "Here is the extracted information:\n```json\n" + string(data) + "\n```\n"
}

type fakeLimiter struct {
	allow bool
	calls int
}

func (l *fakeLimiter) Check(string) bool {
	l.calls++
	return l.allow
}

type fakeEntityStore struct {
	byWebsite map[string]*scraper.EntityRecord
	findErr   error
	insertErr error
	updateErr error
	inserted  int
	updated   int
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{byWebsite: make(map[string]*scraper.EntityRecord)}
}

func (s *fakeEntityStore) FindByWebsite(_ context.Context, website string) (*scraper.EntityRecord, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	rec, ok := s.byWebsite[website]
	if !ok {
		return nil, scraper.Errorf(scraper.ENOTFOUND, "entity with website %q not found", website)
	}
	out := *rec
	return &out, nil
}

func (s *fakeEntityStore) Insert(_ context.Context, record *scraper.EntityRecord) (*scraper.EntityRecord, error) {
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	s.inserted++
	out := *record
	out.ID = "ent-1"
	s.byWebsite[out.Website] = &out
	persisted := out
	return &persisted, nil
}

func (s *fakeEntityStore) Update(_ context.Context, id string, record *scraper.EntityRecord) (*scraper.EntityRecord, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	s.updated++
	out := *record
	out.ID = id
	s.byWebsite[out.Website] = &out
	persisted := out
	return &persisted, nil
}

func (s *fakeEntityStore) Ping(context.Context) error { return nil }

func (s *fakeEntityStore) Close() error { return nil }

type fakeExtractor struct {
	doc   *scraper.ExtractedDocument
	err   error
	calls int
}

func (e *fakeExtractor) Extract(context.Context, string) (*scraper.ExtractedDocument, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.doc, nil
}

type fakeFieldExtractor struct {
	text         string
	err          error
	lastPageText string
	lastURL      string
}

func (f *fakeFieldExtractor) ExtractFields(_ context.Context, pageText, sourceURL string) (string, error) {
	f.lastPageText = pageText
	f.lastURL = sourceURL
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeBlobStore struct {
	objects  map[string][]byte
	lastPath string
	err      error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.objects[path] = append([]byte(nil), data...)
	b.lastPath = path
	return "memory://" + path, nil
}

type fakePublisher struct {
	events []*scraper.EntityEvent
	err    error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	if event, ok := payload.(*scraper.EntityEvent); ok {
		p.events = append(p.events, event)
	}
	return "msgid", nil
}

type fakeHasher struct {
	hash string
	err  error
}

func (h *fakeHasher) Hash([]byte) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	return h.hash, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
