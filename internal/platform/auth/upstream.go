package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime  = 5 * time.Minute

	DefaultUpstreamScope = "https://www.googleapis.com/auth/cloud-platform"
)

// ServiceAccountConfig describes the service account used to call consent
// repositories that require a bearer token.
type ServiceAccountConfig struct {
	ClientEmail string
	// PrivateKeyPEM is the RSA private key signing the token request.
	// Literal "\n" sequences are accepted in place of newlines.
	PrivateKeyPEM string
	TokenURL      string
	Scope         string

	HTTPClient *http.Client
	Now        func() time.Time
}

// NewServiceAccountTokenSource returns a token source exchanging a signed
// RS256 assertion for an access token at the token URL. Tokens are reused
// until they expire.
func NewServiceAccountTokenSource(cfg ServiceAccountConfig) (oauth2.TokenSource, error) {
	if cfg.ClientEmail == "" || cfg.TokenURL == "" {
		return nil, errors.New("service account client email and token URL are required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(strings.ReplaceAll(cfg.PrivateKeyPEM, `\n`, "\n")))
	if err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultUpstreamScope
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return oauth2.ReuseTokenSource(nil, &serviceAccountSource{cfg: cfg, key: key}), nil
}

type serviceAccountSource struct {
	cfg ServiceAccountConfig
	key *rsa.PrivateKey
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (s *serviceAccountSource) Token() (*oauth2.Token, error) {
	now := s.cfg.Now()
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   s.cfg.ClientEmail,
		"scope": s.cfg.Scope,
		"aud":   s.cfg.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("sign token request: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTPClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned %d: %s %s", resp.StatusCode, tr.Error, tr.Description)
	}

	tok := &oauth2.Token{AccessToken: tr.AccessToken, TokenType: tr.TokenType}
	if tr.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
