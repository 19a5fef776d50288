// Package garm talks to the GARM metadata service on behalf of a runner
// being provisioned: it fetches the runner registration token and
// reports status through the instance callback URL.
package garm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/garm-provider-pm2/internal/buildinfo"
	"github.com/terrpan/garm-provider-pm2/internal/provider"
)

// TokenPath is appended to the metadata URL to fetch a registration
// token.
const TokenPath = "/runner-registration-token"

// maxErrorBody caps how much of an error response is quoted.
const maxErrorBody = 4 << 10

// Config configures the Client.
type Config struct {
	// HTTPClient overrides the default pooled, traced client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a metadata-service client.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = cleanhttp.DefaultPooledClient()
		hc.Transport = otelhttp.NewTransport(hc.Transport)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{http: hc, logger: logger}
}

// RegistrationToken fetches the runner registration token using the
// instance's bearer token.  Every failure is KindNetwork.
func (c *Client) RegistrationToken(ctx context.Context, metadataURL, instanceToken string) (string, error) {
	if metadataURL == "" {
		return "", provider.NewError(provider.KindNetwork, nil, "no metadata URL in bootstrap request")
	}
	url := strings.TrimRight(metadataURL, "/") + TokenPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", provider.NewError(provider.KindNetwork, err, "building token request")
	}
	c.authorize(req, instanceToken)
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return "", provider.NewError(provider.KindNetwork, err, "fetching registration token")
	}

	c.logger.Debug("registration token fetched", slog.String("url", url))
	return strings.TrimSpace(string(body)), nil
}

// StatusUpdate is the body POSTed to the callback URL.
type StatusUpdate struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ReportStatus POSTs a status update to callbackURL.
func (c *Client) ReportStatus(ctx context.Context, callbackURL, instanceToken string, update StatusUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return provider.NewError(provider.KindInternal, err, "encoding status update")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return provider.NewError(provider.KindNetwork, err, "building status request")
	}
	c.authorize(req, instanceToken)
	req.Header.Set("Content-Type", "application/json")

	if _, err := c.do(req); err != nil {
		return provider.NewError(provider.KindNetwork, err, "reporting status %q", update.Status)
	}
	return nil
}

func (c *Client) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", buildinfo.UserAgent())
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%s %s: unexpected status %s: %s",
			req.Method, req.URL.Redacted(), resp.Status, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}
