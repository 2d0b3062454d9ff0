package scraper

import (
	"context"
	"time"
)

// EntityStore persists entity records keyed by their unique website value.
// FindByWebsite returns an ENOTFOUND error when no record matches.
type EntityStore interface {
	FindByWebsite(ctx context.Context, website string) (*EntityRecord, error)
	Insert(ctx context.Context, record *EntityRecord) (*EntityRecord, error)
	Update(ctx context.Context, id string, record *EntityRecord) (*EntityRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes entity events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves a single page over the network.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// ContentExtractor turns a URL into cleaned, bounded plain text.
type ContentExtractor interface {
	Extract(ctx context.Context, rawURL string) (*ExtractedDocument, error)
}

// FieldExtractor asks the language model to describe a page as entity fields.
// The return value is raw model text expected to contain one JSON object.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, pageText string, sourceURL string) (string, error)
}

// RobotsPolicy decides whether automated fetching of a URL is permitted.
type RobotsPolicy interface {
	IsAllowed(ctx context.Context, rawURL string) bool
}

// DomainLimiter enforces the per-host request budget.
type DomainLimiter interface {
	Check(rawURL string) bool
}

// PermissionEvaluator runs the composite site policy check.
type PermissionEvaluator interface {
	Evaluate(ctx context.Context, rawURL string) PermissionDecision
}

// Hasher computes digests for archive paths and integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
