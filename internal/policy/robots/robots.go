// Package robots evaluates URLs against the target site's robots.txt.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/impactmap/entity-scraper/internal/scraper"
)

// FailMode selects the verdict when robots.txt cannot be fetched or parsed.
type FailMode string

const (
	// FailOpen allows access when the robots.txt status is unknown.
	FailOpen FailMode = "open"
	// FailClosed denies access when the robots.txt status is unknown.
	FailClosed FailMode = "closed"
)

const maxRobotsBody = 1 << 20

// Config carries the knobs for the robots checker.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	FailMode  FailMode
}

// Checker fetches robots.txt once per host, caches the parsed rules, and
// evaluates request paths against the group matching its user agent.
type Checker struct {
	client    *http.Client
	cache     sync.Map // lowercased host -> *robotstxt.RobotsData
	userAgent string
	failOpen  bool
	logger    *zap.Logger
}

var _ scraper.RobotsPolicy = (*Checker)(nil)

// New builds a Checker. A non-positive timeout falls back to five seconds.
func New(cfg Config, logger *zap.Logger) *Checker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		client:    &http.Client{Timeout: timeout},
		userAgent: cfg.UserAgent,
		failOpen:  cfg.FailMode != FailClosed,
		logger:    logger,
	}
}

// IsAllowed implements scraper.RobotsPolicy.
func (c *Checker) IsAllowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return c.failOpen
	}
	data, err := c.load(ctx, parsed)
	if err != nil {
		c.logger.Warn("robots status unknown",
			zap.String("host", parsed.Host),
			zap.Bool("allowed", c.failOpen),
			zap.Error(err))
		return c.failOpen
	}
	group := data.FindGroup(c.userAgent)
	if group == nil {
		return true
	}
	reqPath := parsed.Path
	if reqPath == "" {
		reqPath = "/"
	}
	return group.Test(reqPath)
}

func (c *Checker) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Host)
	if data, ok := c.cache.Load(hostKey); ok {
		cached, assertOK := data.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", data)
		}
		return cached, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	// Only a 200 carries rules; any other status resolves through the
	// checker's fail mode rather than temoto's status sentinels.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("robots fetch status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	c.cache.Store(hostKey, data)
	return data, nil
}
