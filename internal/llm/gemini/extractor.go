// Package gemini implements FieldExtractor using the Google Gemini API.
package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/impactmap/entity-scraper/internal/scraper"
	"github.com/impactmap/entity-scraper/internal/telemetry"
)

const defaultModel = "gemini-2.0-flash"

// Config controls the model call.
type Config struct {
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Ensure Extractor implements scraper.FieldExtractor at compile time.
var _ scraper.FieldExtractor = (*Extractor)(nil)

// Extractor implements scraper.FieldExtractor using Google Gemini. The raw
// model text is returned as-is; locating and parsing the JSON object inside
// it is the caller's concern.
type Extractor struct {
	client *genai.Client
	cfg    Config
}

// NewClient dials the Gemini API backend.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// NewExtractor creates an Extractor on an existing client.
func NewExtractor(client *genai.Client, cfg Config) *Extractor {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Extractor{client: client, cfg: cfg}
}

// ExtractFields asks the model to map page text onto the entity schema.
func (e *Extractor) ExtractFields(ctx context.Context, pageText, sourceURL string) (string, error) {
	if pageText == "" {
		return "", scraper.Errorf(scraper.EINVALID, "page text required")
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	prompt := BuildUserPrompt(pageText, sourceURL)
	config := BuildConfig(e.cfg.Temperature)

	start := time.Now()
	result, err := e.client.Models.GenerateContent(ctx, e.cfg.Model,
		[]*genai.Content{{
			Parts: []*genai.Part{{Text: prompt}},
		}},
		config,
	)
	if err != nil {
		telemetry.ObserveLLMRequest("error", time.Since(start))
		return "", scraper.Errorf(scraper.EINTERNAL, "Gemini processing error: %v", err)
	}
	if result == nil {
		telemetry.ObserveLLMRequest("error", time.Since(start))
		return "", scraper.Errorf(scraper.EINTERNAL, "Gemini processing error: empty result")
	}
	telemetry.ObserveLLMRequest("ok", time.Since(start))

	return result.Text(), nil
}

// BuildConfig returns the GenerateContentConfig for Gemini API calls.
func BuildConfig(temperature float32) *genai.GenerateContentConfig {
	temp := temperature
	return &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{
				Text: "You extract structured company information from website text. Respond with a single valid JSON object and nothing else: no prose, no markdown fences.",
			}},
		},
		Temperature: &temp,
	}
}

// BuildUserPrompt builds the extraction prompt around the page text.
func BuildUserPrompt(pageText, sourceURL string) string {
	var sb strings.Builder
	sb.WriteString(`Extract the following details from the website content below. Return ONLY valid JSON format:

Required Fields:
- name: (string) Official company name
- slug: (string) URL-friendly version of the company name
- entity_type: (string) 'social_enterprise', 'investor', 'ecosystem_builder'
- website: (string) Main website URL
- description: (string) Brief description of the company
- hq_location: (string) location
- contact_email: (string) Contact email address
- industry_sector: (string) Primary industry or sector, required if entity_type is 'social_enterprise'
- social_status: (string) 'Yes', 'No', or 'Unknown', required if entity_type is 'social_enterprise'
- funding_stage: (string) 'Growth', 'Pre-seed', 'Seed', 'Series A', etc., required if entity_type is 'social_enterprise'
- cheque_size_range: (string) Range of investment amounts, required if entity_type is 'investor'
- investment_thesis: (string) Brief description of investment focus, required if entity_type is 'investor'
- program_type: (string) 'Accelerator', 'Incubator', 'Grant', etc., required if entity_type is 'ecosystem_builder'
- next_intake_date: (string) Next application deadline or intake date, required if entity_type is 'ecosystem_builder'
- impact: (string) Brief description of social/environmental impact, required if entity_type is 'social_enterprise'
- problem_solved: (string) Description of the problem being addressed, required if entity_type is 'social_enterprise'
- target_beneficiaries: (string) Who benefits from the company's work, required if entity_type is 'social_enterprise'
- revenue_model: (string) How the company generates revenue, required if entity_type is 'social_enterprise'
- year_founded: (string) Year the company was founded, required if entity_type is 'social_enterprise'
- awards: (string) Any awards or recognitions received, required if entity_type is 'social_enterprise'
- grants: (string) Any grants received, required if entity_type is 'social_enterprise'
- institutional_support: (string) Any institutional support received, required if entity_type is 'social_enterprise'

Important:
- Use "Unknown" for missing information
- Keep description concise (1-2 sentences)
`)
	fmt.Fprintf(&sb, "- For website, use %q if not found in content\n", sourceURL)
	sb.WriteString(`
Example Output:
{
    "name": "Tech Innovations Inc.",
    "slug": "tech-innovations-inc",
    "entity_type": "social_enterprise",
    "website": "https://www.techinnovations.example.com",
    "description": "Leading provider of AI solutions for businesses",
    "hq_location": "kuala lumpur, malaysia",
    "contact_email": "hello@pichaeats.example.com",
    "industry_sector": "Waste Management, Environmental Services",
    "social_status": "Yes",
    "funding_stage": "Growth",
    "cheque_size_range": "Pre-seed",
    "investment_thesis": "Investing in AI startups",
    "program_type": "Accelerator",
    "next_intake_date": "2024-06-01",
    "impact": "Improving business efficiency",
    "problem_solved": "Businesses struggle with data analysis",
    "target_beneficiaries": "Small to medium enterprises",
    "revenue_model": "Subscription-based",
    "year_founded": "2015",
    "awards": "Best AI Startup 2023",
    "grants": "Received $500,000 grant from TechFund",
    "institutional_support": "Supported by AI Research Institute"
}

Website Content:
`)
	sb.WriteString(pageText)
	return sb.String()
}
