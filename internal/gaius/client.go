// Package gaius talks to the external moderation service that supplies
// warning and caselog records. The feed is optional infrastructure: when
// it is unreachable the client fails open and reports no data, so missing
// punishment information can never block membership processing.
package gaius

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/wardenhq/warden/internal/setup/config"
	"github.com/wardenhq/warden/pkg/utils"
	"go.uber.org/zap"
)

const (
	warningsPath = "/api/v1/warnings"
	caselogsPath = "/api/v1/caselogs"

	requestTimeout = 10 * time.Second
)

// Punishment is one warning or moderation case for a user.
type Punishment struct {
	UserID      uint64    `json:"userId"`
	GuildID     uint64    `json:"guildId"`
	ModeratorID uint64    `json:"moderatorId"`
	Reason      string    `json:"reason"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// Feed supplies warning and caselog records. A nil slice with a nil error
// means the feed was unavailable; callers must treat that as "no data",
// never as an error.
type Feed interface {
	GetAllWarnings(ctx context.Context) ([]Punishment, error)
	GetAllCaselogs(ctx context.Context) ([]Punishment, error)
	GetWarningsAfter(ctx context.Context, after time.Time) ([]Punishment, error)
	GetCaselogsAfter(ctx context.Context, after time.Time) ([]Punishment, error)
}

// Client is the HTTP implementation of Feed.
type Client struct {
	baseURL  string
	apiToken string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient creates a feed client from configuration.
func NewClient(cfg *config.Gaius, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  cfg.BaseURL,
		apiToken: cfg.APIToken,
		http:     &http.Client{Timeout: requestTimeout},
		logger:   logger.Named("gaius"),
	}
}

// GetAllWarnings fetches every active warning.
func (c *Client) GetAllWarnings(ctx context.Context) ([]Punishment, error) {
	return c.fetch(ctx, warningsPath, nil)
}

// GetAllCaselogs fetches every active moderation case.
func (c *Client) GetAllCaselogs(ctx context.Context) ([]Punishment, error) {
	return c.fetch(ctx, caselogsPath, nil)
}

// GetWarningsAfter fetches warnings issued at or after the given time.
func (c *Client) GetWarningsAfter(ctx context.Context, after time.Time) ([]Punishment, error) {
	return c.fetch(ctx, warningsPath, url.Values{"after": {after.UTC().Format(time.RFC3339)}})
}

// GetCaselogsAfter fetches caselogs issued at or after the given time.
func (c *Client) GetCaselogsAfter(ctx context.Context, after time.Time) ([]Punishment, error) {
	return c.fetch(ctx, caselogsPath, url.Values{"after": {after.UTC().Format(time.RFC3339)}})
}

// fetch performs one feed query with short retries. Exhausted retries are
// logged and reported as "no data" per the fail-open contract.
func (c *Client) fetch(ctx context.Context, path string, query url.Values) ([]Punishment, error) {
	records, err := utils.WithRetry(ctx, func() ([]Punishment, error) {
		return c.doRequest(ctx, path, query)
	}, utils.GetFeedRetryOptions())
	if err != nil {
		c.logger.Warn("Moderation feed unavailable, failing open",
			zap.String("path", path),
			zap.Error(err))

		return nil, nil
	}

	return records, nil
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]Punishment, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed response: %w", err)
	}

	var records []Punishment
	if err := sonic.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode feed response: %w", err)
	}

	return records, nil
}
