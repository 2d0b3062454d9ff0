// Package site implements the composite pre-scrape permission check: robots
// rules, rate-limit headers, response status, content type, and a best-effort
// terms-of-service discovery, in that order.
package site

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/impactmap/entity-scraper/internal/scraper"
	"github.com/impactmap/entity-scraper/internal/telemetry"
)

// tosPaths are probed relative to the site root; the first 200 wins.
var tosPaths = []string{"/terms", "/tos", "/terms-of-service", "/terms-and-conditions"}

// Config carries the knobs for the permission evaluator.
type Config struct {
	UserAgent    string
	ProbeTimeout time.Duration
	ToSTimeout   time.Duration
}

// Evaluator runs the permission sequence against a target URL and reports an
// allow or deny decision with a human-readable reason. Probes are header-only
// and never follow redirects, so a redirecting site reads as its redirect
// status rather than the landing page.
type Evaluator struct {
	robots      scraper.RobotsPolicy
	probeClient *http.Client
	tosClient   *http.Client
	userAgent   string
	logger      *zap.Logger
}

var _ scraper.PermissionEvaluator = (*Evaluator)(nil)

// New builds an Evaluator. Non-positive timeouts fall back to five seconds
// for the main probe and three seconds per terms-of-service path.
func New(cfg Config, robots scraper.RobotsPolicy, logger *zap.Logger) *Evaluator {
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	tosTimeout := cfg.ToSTimeout
	if tosTimeout <= 0 {
		tosTimeout = 3 * time.Second
	}
	return &Evaluator{
		robots:      robots,
		probeClient: newProbeClient(probeTimeout),
		tosClient:   newProbeClient(tosTimeout),
		userAgent:   cfg.UserAgent,
		logger:      logger,
	}
}

// Evaluate implements scraper.PermissionEvaluator.
func (e *Evaluator) Evaluate(ctx context.Context, rawURL string) scraper.PermissionDecision {
	siteRoot, err := scraper.SiteRoot(rawURL)
	if err != nil {
		return e.deny("internal", "Permission check error: "+err.Error())
	}

	if !e.robots.IsAllowed(ctx, rawURL) {
		return e.deny("robots", "Blocked by robots.txt")
	}

	resp, err := e.head(ctx, e.probeClient, rawURL)
	if err != nil {
		return e.deny("network", "Network error during permission check: "+err.Error())
	}
	defer e.closeBody(resp)

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		n, convErr := strconv.Atoi(strings.TrimSpace(remaining))
		if convErr != nil {
			return e.deny("internal", "Permission check error: "+convErr.Error())
		}
		if n <= 0 {
			return e.deny("rate_limit", "Rate limit exceeded")
		}
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return e.deny("forbidden", "Access forbidden")
	case resp.StatusCode == http.StatusTooManyRequests:
		return e.deny("throttled", "Too many requests")
	case resp.StatusCode != http.StatusOK:
		return e.deny("status", fmt.Sprintf("HTTP error: %d", resp.StatusCode))
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "text/html") {
		return e.deny("content_type", "Unsupported content type: "+contentType)
	}

	if tosURL, found := e.findTermsOfService(ctx, siteRoot); found {
		return scraper.PermissionDecision{Allowed: true, Reason: "Warning: Please review Terms of Service at " + tosURL}
	}
	return scraper.PermissionDecision{Allowed: true, Reason: "All permission checks passed"}
}

// findTermsOfService probes the candidate paths and reports the first that
// answers 200. Probe failures are skipped, never surfaced.
func (e *Evaluator) findTermsOfService(ctx context.Context, siteRoot string) (string, bool) {
	for _, tosPath := range tosPaths {
		tosURL := siteRoot + tosPath
		resp, err := e.head(ctx, e.tosClient, tosURL)
		if err != nil {
			e.logger.Debug("terms-of-service probe failed", zap.String("url", tosURL), zap.Error(err))
			continue
		}
		status := resp.StatusCode
		e.closeBody(resp)
		if status == http.StatusOK {
			return tosURL, true
		}
	}
	return "", false
}

func (e *Evaluator) head(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.userAgent)
	return client.Do(req)
}

func (e *Evaluator) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		e.logger.Debug("Failed to close probe response body", zap.Error(err))
	}
}

func (e *Evaluator) deny(check, reason string) scraper.PermissionDecision {
	telemetry.ObservePermissionDenial(check)
	return scraper.PermissionDecision{Allowed: false, Reason: reason}
}

func newProbeClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
