// Package pipeline sequences one scrape-and-extract run end to end.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/impactmap/entity-scraper/internal/contact"
	"github.com/impactmap/entity-scraper/internal/scraper"
	"github.com/impactmap/entity-scraper/internal/telemetry"
)

// Config controls Pipeline behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Pipeline composes the rate limiter, content extractor, model collaborator,
// and entity store into the upsert flow for a single URL. Each run is
// synchronous with no retries; the first failing stage aborts the run.
type Pipeline struct {
	limiter   scraper.DomainLimiter
	entities  scraper.EntityStore
	extractor scraper.ContentExtractor
	fields    scraper.FieldExtractor
	blobStore scraper.BlobStore
	publisher scraper.Publisher
	hasher    scraper.Hasher
	clock     scraper.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(
	limiter scraper.DomainLimiter,
	entities scraper.EntityStore,
	extractor scraper.ContentExtractor,
	fields scraper.FieldExtractor,
	blobStore scraper.BlobStore,
	publisher scraper.Publisher,
	hasher scraper.Hasher,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Pipeline{
		limiter:   limiter,
		entities:  entities,
		extractor: extractor,
		fields:    fields,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process runs the full pipeline for one URL and returns the persisted record
// along with the upsert operation name ("created" or "updated").
func (p *Pipeline) Process(ctx context.Context, rawURL string) (*scraper.EntityRecord, string, error) {
	start := time.Now()
	record, operation, fetchedBytes, err := p.run(ctx, rawURL)
	status := "ok"
	if err != nil {
		status = scraper.ErrorCode(err)
	}
	telemetry.ObserveRun(rawURL, status, time.Since(start), fetchedBytes)
	return record, operation, err
}

func (p *Pipeline) run(ctx context.Context, rawURL string) (*scraper.EntityRecord, string, int, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, "", 0, scraper.Errorf(scraper.EINVALID, "Empty URL provided")
	}
	if !p.limiter.Check(rawURL) {
		return nil, "", 0, scraper.Errorf(scraper.EPOLICY, "Rate limit exceeded for this domain")
	}

	existing, err := p.entities.FindByWebsite(ctx, rawURL)
	if err != nil && scraper.ErrorCode(err) != scraper.ENOTFOUND {
		return nil, "", 0, err
	}

	doc, err := p.extractor.Extract(ctx, rawURL)
	if err != nil {
		return nil, "", 0, err
	}
	fetchedBytes := 0
	if doc.Page != nil {
		fetchedBytes = len(doc.Page.Body)
		p.archivePage(ctx, rawURL, doc.Page)
	}

	modelText, err := p.fields.ExtractFields(ctx, doc.Text, rawURL)
	if err != nil {
		return nil, "", fetchedBytes, err
	}

	record, err := parseRecord(modelText)
	if err != nil {
		return nil, "", fetchedBytes, err
	}

	// The record always carries the requested URL, never what the model
	// returned, so the store's website key stays stable across runs.
	now := p.clock.Now()
	record.ContactEmail = contact.Normalize(record.ContactEmail)
	record.Website = rawURL
	record.UpdatedAt = now
	backfillUnknown(record)

	var persisted *scraper.EntityRecord
	operation := scraper.OperationCreated
	if existing != nil {
		operation = scraper.OperationUpdated
		persisted, err = p.entities.Update(ctx, existing.ID, record)
	} else {
		record.CreatedAt = now
		persisted, err = p.entities.Insert(ctx, record)
	}
	if err != nil {
		return nil, "", fetchedBytes, err
	}

	p.publishEvent(ctx, persisted, operation)
	p.logger.Info("entity persisted",
		zap.String("url", rawURL),
		zap.String("operation", operation),
		zap.String("entity_id", persisted.ID),
	)
	return persisted, operation, fetchedBytes, nil
}

// archivePage writes the raw fetched document to the blob store. Archival is
// best-effort; a failure is logged and never fails the run.
func (p *Pipeline) archivePage(ctx context.Context, rawURL string, page *scraper.Page) {
	if p.blobStore == nil {
		return
	}
	hash, err := p.hasher.Hash(page.Body)
	if err != nil {
		p.logger.Warn("hash page body failed", zap.String("url", rawURL), zap.Error(err))
		return
	}
	host := "unknown"
	if h, err := scraper.Host(rawURL); err == nil {
		host = h
	}
	uri, err := p.blobStore.PutObject(ctx, p.buildBlobPath(host, hash), p.cfg.ContentType, page.Body)
	if err != nil {
		p.logger.Warn("archive page failed", zap.String("url", rawURL), zap.Error(err))
		return
	}
	p.logger.Debug("page archived", zap.String("url", rawURL), zap.String("blob_uri", uri))
}

func (p *Pipeline) buildBlobPath(host, hash string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", host, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, host, hash)
}

// publishEvent announces a completed upsert. Publishing is best-effort; a
// failure is logged and never fails the run.
func (p *Pipeline) publishEvent(ctx context.Context, record *scraper.EntityRecord, operation string) {
	if p.cfg.Topic == "" || p.publisher == nil {
		return
	}
	event := &scraper.EntityEvent{
		EntityID:   record.ID,
		Website:    record.Website,
		Operation:  operation,
		OccurredAt: p.clock.Now(),
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, event); err != nil {
		p.logger.Warn("publish entity event failed", zap.String("url", record.Website), zap.Error(err))
	}
}

// parseRecord decodes a model response into an entity record.
func parseRecord(modelText string) (*scraper.EntityRecord, error) {
	raw, ok := locateJSONObject(modelText)
	if !ok {
		return nil, scraper.Errorf(scraper.EFORMAT, "No valid JSON found in AI response")
	}
	var record scraper.EntityRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, scraper.Errorf(scraper.EFORMAT, "Invalid JSON in AI response: %v", err)
	}
	return &record, nil
}

// locateJSONObject returns the first balanced JSON object in s. Model output
// often wraps the object in prose or markdown fences, so the scan starts at
// the first opening brace and tracks string literals to pair braces correctly.
func locateJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// backfillUnknown fills descriptive fields the model left empty with the
// prompt's missing-value convention. Name, slug, and entity type pass through
// as returned.
func backfillUnknown(record *scraper.EntityRecord) {
	fields := []*string{
		&record.Description,
		&record.HQLocation,
		&record.IndustrySector,
		&record.SocialStatus,
		&record.FundingStage,
		&record.ChequeSizeRange,
		&record.InvestmentThesis,
		&record.ProgramType,
		&record.NextIntakeDate,
		&record.Impact,
		&record.ProblemSolved,
		&record.TargetBeneficiaries,
		&record.RevenueModel,
		&record.YearFounded,
		&record.Awards,
		&record.Grants,
		&record.InstitutionalSupport,
	}
	for _, field := range fields {
		if strings.TrimSpace(*field) == "" {
			*field = "Unknown"
		}
	}
}
