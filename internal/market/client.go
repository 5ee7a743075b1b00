// Package market implements the marketplace client. The wire protocol and
// authentication flow are owned by the remote service; this is a thin
// synchronous wrapper that the engine and pool call one request at a time.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/playgraph/playgraph/internal/crawl"
)

// tokenLength is the length of a valid authentication token handed out by
// the dispenser.
const tokenLength = 71

// tokenAttempts bounds the dispenser retry loop; running out is a setup
// failure surfaced to the operator.
const tokenAttempts = 10

// Config controls the marketplace client. Proxies apply only to marketplace
// requests.
type Config struct {
	BaseURL           string
	HTTPProxy         string
	HTTPSProxy        string
	TokenDispenserURL string
	Timeout           time.Duration
	UserAgent         string
}

// Client implements crawl.MarketClient over HTTP.
type Client struct {
	http   *http.Client
	base   *url.URL
	token  string
	agent  string
	logger *zap.Logger
}

// New builds a Client, configuring outbound proxies and retrieving an
// authentication token from the dispenser when one is configured.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("market.base_url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse market.base_url: %w", err)
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	agent := cfg.UserAgent
	if agent == "" {
		agent = "playgraph/1.0"
	}

	c := &Client{
		http:   &http.Client{Transport: transport, Timeout: timeout},
		base:   base,
		agent:  agent,
		logger: logger,
	}

	if cfg.TokenDispenserURL != "" {
		token, err := fetchToken(ctx, cfg.TokenDispenserURL, logger)
		if err != nil {
			return nil, err
		}
		c.token = token
	}
	return c, nil
}

// buildTransport wires the per-scheme proxy selection: HTTP requests go
// through HTTPProxy, HTTPS through HTTPSProxy.
func buildTransport(cfg Config) (*http.Transport, error) {
	var httpProxy, httpsProxy *url.URL
	var err error
	if cfg.HTTPProxy != "" {
		if httpProxy, err = url.Parse(cfg.HTTPProxy); err != nil {
			return nil, fmt.Errorf("parse market.http_proxy: %w", err)
		}
	}
	if cfg.HTTPSProxy != "" {
		if httpsProxy, err = url.Parse(cfg.HTTPSProxy); err != nil {
			return nil, fmt.Errorf("parse market.https_proxy: %w", err)
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if httpProxy != nil || httpsProxy != nil {
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" {
				return httpsProxy, nil
			}
			return httpProxy, nil
		}
	}
	return transport, nil
}

// fetchToken polls the dispenser until it hands out a plausible token. The
// dispenser occasionally returns garbage under load, so responses with the
// wrong status or length are retried.
func fetchToken(ctx context.Context, dispenserURL string, logger *zap.Logger) (string, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		token, err := requestToken(ctx, client, dispenserURL)
		if err == nil {
			logger.Info("Retrieved auth token from dispenser", zap.Int("attempt", attempt))
			return token, nil
		}
		logger.Warn("Token dispenser returned an invalid token; retrying",
			zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return "", fmt.Errorf("token dispenser did not produce a valid token after %d attempts", tokenAttempts)
}

func requestToken(ctx context.Context, client *http.Client, dispenserURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dispenserURL, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK || len(token) != tokenLength {
		return "", fmt.Errorf("invalid token response: status %d, length %d", resp.StatusCode, len(token))
	}
	return token, nil
}

type chartsResponse struct {
	Entries []struct {
		PackageID string `json:"package_id"`
		Chart     string `json:"chart"`
		Category  string `json:"category"`
	} `json:"entries"`
}

// TopCharts lists the applications in the category charts.
func (c *Client) TopCharts(ctx context.Context) ([]crawl.ChartEntry, error) {
	var payload chartsResponse
	if err := c.getJSON(ctx, c.endpoint("charts"), &payload); err != nil {
		return nil, fmt.Errorf("fetch charts: %w", err)
	}
	entries := make([]crawl.ChartEntry, 0, len(payload.Entries))
	for _, e := range payload.Entries {
		if e.PackageID == "" {
			continue
		}
		entries = append(entries, crawl.ChartEntry{
			PackageID: e.PackageID,
			Chart:     e.Chart,
			Category:  e.Category,
		})
	}
	return entries, nil
}

type detailsResponse struct {
	PackageID   string `json:"package_id"`
	Title       string `json:"title"`
	Developer   string `json:"developer"`
	VersionCode int64  `json:"version_code"`
	Free        bool   `json:"free"`
	Description string `json:"description"`
}

// Details fetches application metadata. A 404 or 410 means the package was
// removed from the marketplace, reported as crawl.ErrPackageGone.
func (c *Client) Details(ctx context.Context, packageID string, extended bool) (crawl.AppDetails, error) {
	u := c.endpoint("details", packageID)
	if extended {
		q := u.Query()
		q.Set("extended", "true")
		u.RawQuery = q.Encode()
	}
	var payload detailsResponse
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return crawl.AppDetails{}, fmt.Errorf("fetch details for %s: %w", packageID, err)
	}
	return crawl.AppDetails{
		PackageID:   payload.PackageID,
		Title:       payload.Title,
		Developer:   payload.Developer,
		VersionCode: payload.VersionCode,
		Free:        payload.Free,
		Description: payload.Description,
	}, nil
}

type relationsResponse struct {
	Relations map[string][]string `json:"relations"`
}

// Relations fetches the requested relation edges for a package.
func (c *Client) Relations(ctx context.Context, packageID string, kinds []crawl.RelationKind) (map[crawl.RelationKind][]string, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	u := c.endpoint("related", packageID)
	q := u.Query()
	q.Set("kinds", strings.Join(names, ","))
	u.RawQuery = q.Encode()

	var payload relationsResponse
	if err := c.getJSON(ctx, u, &payload); err != nil {
		return nil, fmt.Errorf("fetch relations for %s: %w", packageID, err)
	}
	out := make(map[crawl.RelationKind][]string, len(payload.Relations))
	for kind, pkgs := range payload.Relations {
		out[crawl.RelationKind(kind)] = pkgs
	}
	return out, nil
}

// Binary streams the APK for a (package, version) pair. The caller owns the
// returned reader.
func (c *Client) Binary(ctx context.Context, packageID string, versionCode int64) (io.ReadCloser, int64, error) {
	u := c.endpoint("delivery", packageID, fmt.Sprintf("%d", versionCode))
	req, err := c.newRequest(ctx, u)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch binary for %s/%d: %w", packageID, versionCode, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close() //nolint:errcheck // already failing
		return nil, 0, fmt.Errorf("fetch binary for %s/%d: %w", packageID, versionCode, err)
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) endpoint(parts ...string) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/fdfe/" + strings.Join(parts, "/")
	return &u
}

func (c *Client) newRequest(ctx context.Context, u *url.URL) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.agent)
	if c.token != "" {
		req.Header.Set("Authorization", "GoogleLogin auth="+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, u *url.URL, out any) error {
	req, err := c.newRequest(ctx, u)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps HTTP statuses to the error taxonomy: 404/410 are the
// permanent removed-package class, anything else non-2xx is transient.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return crawl.ErrPackageGone
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}
