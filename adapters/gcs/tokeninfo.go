package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gostratum/core/logx"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/gostratum/buildcachex"
)

// tokenInfo is the subset of the tokeninfo response we check.
type tokenInfo struct {
	Scope     string `json:"scope"`
	ExpiresIn int64  `json:"expires_in"`
	Email     string `json:"email,omitempty"`
	Error     string `json:"error,omitempty"`
}

// tokenInfoClient asks the OAuth2 tokeninfo endpoint whether an access token
// is still accepted.
type tokenInfoClient struct {
	url    string
	client *retryablehttp.Client
	logger logx.Logger
}

func newTokenInfoClient(cfg *buildcachex.Config, logger logx.Logger) *tokenInfoClient {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	client.RetryWaitMin = cfg.BackoffInitial
	client.RetryWaitMax = cfg.BackoffMax
	client.HTTPClient.Timeout = cfg.RequestTimeout
	client.Logger = nil

	target := cfg.TokenInfoURL
	if target == "" {
		target = buildcachex.DefaultTokenInfoURL
	}
	return &tokenInfoClient{url: target, client: client, logger: logger}
}

// Verify returns an error when the token is rejected or already expired.
func (c *tokenInfoClient) Verify(ctx context.Context, accessToken string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.url+"?access_token="+url.QueryEscape(accessToken), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("token introspection: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read token introspection response: %w", err)
	}

	var info tokenInfo
	_ = json.Unmarshal(body, &info)

	if resp.StatusCode != http.StatusOK {
		if info.Error != "" {
			return fmt.Errorf("token rejected: %s (status %d)", info.Error, resp.StatusCode)
		}
		return fmt.Errorf("token rejected: status %d", resp.StatusCode)
	}
	if info.ExpiresIn <= 0 {
		return fmt.Errorf("token expired")
	}

	c.logger.Debug("Access token verified",
		logx.String("scope", info.Scope),
		logx.Int64("expires_in", info.ExpiresIn))
	return nil
}
