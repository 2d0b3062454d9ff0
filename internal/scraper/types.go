// Package scraper defines core types shared across subsystems.
package scraper

import (
	"time"
)

// EntityType classifies the organization described by a record.
type EntityType string

// Entity type values the extraction prompt is allowed to assign.
const (
	EntitySocialEnterprise EntityType = "social_enterprise"
	EntityInvestor         EntityType = "investor"
	EntityEcosystemBuilder EntityType = "ecosystem_builder"
)

// EntityRecord is the structured output of one pipeline run, persisted in the
// entity store keyed by the unique Website field. Website always carries the
// originally requested URL, never what the model returned.
type EntityRecord struct {
	ID                   string     `json:"id,omitempty"`
	Name                 string     `json:"name"`
	Slug                 string     `json:"slug"`
	EntityType           EntityType `json:"entity_type"`
	Website              string     `json:"website"`
	Description          string     `json:"description"`
	HQLocation           string     `json:"hq_location"`
	ContactEmail         string     `json:"contact_email"`
	IndustrySector       string     `json:"industry_sector"`
	SocialStatus         string     `json:"social_status"`
	FundingStage         string     `json:"funding_stage"`
	ChequeSizeRange      string     `json:"cheque_size_range"`
	InvestmentThesis     string     `json:"investment_thesis"`
	ProgramType          string     `json:"program_type"`
	NextIntakeDate       string     `json:"next_intake_date"`
	Impact               string     `json:"impact"`
	ProblemSolved        string     `json:"problem_solved"`
	TargetBeneficiaries  string     `json:"target_beneficiaries"`
	RevenueModel         string     `json:"revenue_model"`
	YearFounded          string     `json:"year_founded"`
	Awards               string     `json:"awards"`
	Grants               string     `json:"grants"`
	InstitutionalSupport string     `json:"institutional_support"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// PermissionDecision is the outcome of a site permission check. Immutable once
// returned; Reason is human-readable and safe to surface to callers.
type PermissionDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// ExtractedDocument is the cleaned, bounded text pulled from one page. Page
// carries the raw fetch result so callers can archive the original document.
type ExtractedDocument struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
	Page      *Page  `json:"-"`
}

// Page is the raw result of fetching a single URL.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// Operation names for upsert outcomes, reported in API messages and events.
const (
	OperationCreated = "created"
	OperationUpdated = "updated"
)

// EntityEvent is published after every successful upsert.
type EntityEvent struct {
	EntityID   string    `json:"entity_id"`
	Website    string    `json:"website"`
	Operation  string    `json:"operation"`
	OccurredAt time.Time `json:"occurred_at"`
}
