package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const fhirJSON = "application/fhir+json"

// Client is a minimal FHIR REST client. It is not bound to a single server:
// every call names the base URL of the repository it talks to.
type Client struct {
	httpClient *http.Client
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	Timeout time.Duration
	// TokenSource, when set, authorizes every request with a bearer token.
	TokenSource oauth2.TokenSource
	// Transport overrides the underlying round tripper, mostly for tests.
	Transport http.RoundTripper
}

// NewClient creates a new FHIR client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.TokenSource != nil {
		transport = &oauth2.Transport{Source: cfg.TokenSource, Base: transport}
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Error is returned for non-2xx responses.
type Error struct {
	StatusCode int
	URL        string
	Message    string
	Outcome    *OperationOutcome
}

func (e *Error) Error() string {
	if d := e.Outcome.Diagnostics(); d != "" {
		return fmt.Sprintf("FHIR %s returned %d: %s", e.URL, e.StatusCode, d)
	}
	return fmt.Sprintf("FHIR %s returned %d: %s", e.URL, e.StatusCode, e.Message)
}

// ErrForeignHost is returned when an absolute URL points outside the
// repository it was resolved against.
var ErrForeignHost = errors.New("url is outside the repository")

// ResolveURL joins a repository base and a relative path. Absolute paths are
// accepted only when they share the base's scheme and host, so requests
// (and their bearer tokens) never leave the repository.
func ResolveURL(base, path string) (string, error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/"), nil
	}
	target, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", path, err)
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse repository base %q: %w", base, err)
	}
	if !strings.EqualFold(target.Scheme, b.Scheme) || !strings.EqualFold(target.Host, b.Host) {
		return "", fmt.Errorf("%w: %s is not on %s", ErrForeignHost, path, base)
	}
	return path, nil
}

// Search runs a type-level search and decodes the resulting Bundle.
func (c *Client) Search(ctx context.Context, base, resourceType string, params url.Values) (*Bundle, error) {
	target, err := ResolveURL(base, resourceType)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	body, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decode search bundle from %s: %w", target, err)
	}
	return &bundle, nil
}

// NextPage follows the "next" link of a search bundle read from base. It
// returns nil when the bundle is the last page.
func (c *Client) NextPage(ctx context.Context, base string, b *Bundle) (*Bundle, error) {
	link := b.NextLink()
	if link == "" {
		return nil, nil
	}
	next, err := ResolveURL(base, link)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, next, nil)
	if err != nil {
		return nil, err
	}
	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decode search bundle from %s: %w", next, err)
	}
	return &bundle, nil
}

// Read fetches a resource by reference relative to base, or by absolute URL.
func (c *Client) Read(ctx context.Context, base, reference string) (Resource, error) {
	target, err := ResolveURL(base, reference)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	var r Resource
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode resource from %s: %w", target, err)
	}
	return r, nil
}

// Create posts a new resource of the given type to base.
func (c *Client) Create(ctx context.Context, base, resourceType string, resource interface{}) error {
	target, err := ResolveURL(base, resourceType)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, target, resource)
	return err
}

func (c *Client) do(ctx context.Context, method, target string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", fhirJSON)
	if body != nil {
		req.Header.Set("Content-Type", fhirJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", target, err)
	}

	if resp.StatusCode >= 300 {
		fhirErr := &Error{StatusCode: resp.StatusCode, URL: target, Message: string(respBody)}
		var outcome OperationOutcome
		if err := json.Unmarshal(respBody, &outcome); err == nil && outcome.ResourceType == "OperationOutcome" {
			fhirErr.Outcome = &outcome
		}
		return nil, fhirErr
	}
	return respBody, nil
}
