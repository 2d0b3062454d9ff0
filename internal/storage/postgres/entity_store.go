// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/impactmap/entity-scraper/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// EntityStoreConfig controls the Postgres connection pool used for entity rows.
type EntityStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// EntityStore reads and writes entity records in Postgres.
type EntityStore struct {
	pool  queryCloser
	table string
	ids   scraper.IDGenerator
}

var _ scraper.EntityStore = (*EntityStore)(nil)

// NewEntityStore creates a Postgres-backed EntityStore using the provided config.
func NewEntityStore(ctx context.Context, cfg EntityStoreConfig, ids scraper.IDGenerator) (*EntityStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "entities"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &EntityStore{
		pool:  pool,
		table: table,
		ids:   ids,
	}, nil
}

// NewEntityStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEntityStoreWithPool(pool queryCloser, table string, ids scraper.IDGenerator) (*EntityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "entities"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EntityStore{pool: pool, table: table, ids: ids}, nil
}

// FindByWebsite implements scraper.EntityStore.
func (s *EntityStore) FindByWebsite(ctx context.Context, website string) (*scraper.EntityRecord, error) {
	if website == "" {
		return nil, scraper.Errorf(scraper.EINVALID, "website is required")
	}
	query := fmt.Sprintf(`
SELECT
	id, name, slug, entity_type, website, description, hq_location,
	contact_email, industry_sector, social_status, funding_stage,
	cheque_size_range, investment_thesis, program_type, next_intake_date,
	impact, problem_solved, target_beneficiaries, revenue_model,
	year_founded, awards, grants, institutional_support, created_at, updated_at
FROM %s
WHERE website = $1`, s.table)

	record, err := scanEntity(s.pool.QueryRow(ctx, query, website))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scraper.Errorf(scraper.ENOTFOUND, "entity with website %q not found", website)
	}
	if err != nil {
		return nil, scraper.Errorf(scraper.EINTERNAL, "find entity by website: %v", err)
	}
	return record, nil
}

// Insert implements scraper.EntityStore. A missing ID is generated here.
func (s *EntityStore) Insert(ctx context.Context, record *scraper.EntityRecord) (*scraper.EntityRecord, error) {
	if record == nil {
		return nil, scraper.Errorf(scraper.EINVALID, "record is required")
	}
	id := record.ID
	if id == "" {
		var err error
		id, err = s.ids.NewID()
		if err != nil {
			return nil, scraper.Errorf(scraper.EINTERNAL, "generate entity id: %v", err)
		}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, name, slug, entity_type, website, description, hq_location,
	contact_email, industry_sector, social_status, funding_stage,
	cheque_size_range, investment_thesis, program_type, next_intake_date,
	impact, problem_solved, target_beneficiaries, revenue_model,
	year_founded, awards, grants, institutional_support, created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25
)
RETURNING id, created_at, updated_at`, s.table)

	args := append([]any{id}, recordArgs(record)...)
	args = append(args, record.CreatedAt, record.UpdatedAt)

	out := *record
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scraper.Errorf(scraper.EINTERNAL, "entity insert returned no row")
		}
		return nil, scraper.Errorf(scraper.EINTERNAL, "insert entity: %v", err)
	}
	return &out, nil
}

// Update implements scraper.EntityStore. The creation timestamp is left
// untouched; RETURNING reads it back so callers see the full persisted row.
func (s *EntityStore) Update(ctx context.Context, id string, record *scraper.EntityRecord) (*scraper.EntityRecord, error) {
	if id == "" {
		return nil, scraper.Errorf(scraper.EINVALID, "id is required")
	}
	if record == nil {
		return nil, scraper.Errorf(scraper.EINVALID, "record is required")
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	name = $2, slug = $3, entity_type = $4, website = $5, description = $6,
	hq_location = $7, contact_email = $8, industry_sector = $9,
	social_status = $10, funding_stage = $11, cheque_size_range = $12,
	investment_thesis = $13, program_type = $14, next_intake_date = $15,
	impact = $16, problem_solved = $17, target_beneficiaries = $18,
	revenue_model = $19, year_founded = $20, awards = $21, grants = $22,
	institutional_support = $23, updated_at = $24
WHERE id = $1
RETURNING id, created_at, updated_at`, s.table)

	args := append([]any{id}, recordArgs(record)...)
	args = append(args, record.UpdatedAt)

	out := *record
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scraper.Errorf(scraper.EINTERNAL, "entity update returned no row")
		}
		return nil, scraper.Errorf(scraper.EINTERNAL, "update entity: %v", err)
	}
	return &out, nil
}

// Ping implements scraper.EntityStore.
func (s *EntityStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return scraper.Errorf(scraper.EINTERNAL, "entity store is not configured")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return scraper.Errorf(scraper.EINTERNAL, "ping postgres: %v", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *EntityStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// recordArgs lists the non-key columns in query order, name through
// institutional_support.
func recordArgs(record *scraper.EntityRecord) []any {
	return []any{
		record.Name,
		record.Slug,
		string(record.EntityType),
		record.Website,
		record.Description,
		record.HQLocation,
		record.ContactEmail,
		record.IndustrySector,
		record.SocialStatus,
		record.FundingStage,
		record.ChequeSizeRange,
		record.InvestmentThesis,
		record.ProgramType,
		record.NextIntakeDate,
		record.Impact,
		record.ProblemSolved,
		record.TargetBeneficiaries,
		record.RevenueModel,
		record.YearFounded,
		record.Awards,
		record.Grants,
		record.InstitutionalSupport,
	}
}

func scanEntity(row pgx.Row) (*scraper.EntityRecord, error) {
	var (
		rec        scraper.EntityRecord
		entityType string
	)
	err := row.Scan(
		&rec.ID, &rec.Name, &rec.Slug, &entityType, &rec.Website,
		&rec.Description, &rec.HQLocation, &rec.ContactEmail,
		&rec.IndustrySector, &rec.SocialStatus, &rec.FundingStage,
		&rec.ChequeSizeRange, &rec.InvestmentThesis, &rec.ProgramType,
		&rec.NextIntakeDate, &rec.Impact, &rec.ProblemSolved,
		&rec.TargetBeneficiaries, &rec.RevenueModel, &rec.YearFounded,
		&rec.Awards, &rec.Grants, &rec.InstitutionalSupport,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.EntityType = scraper.EntityType(entityType)
	return &rec, nil
}
