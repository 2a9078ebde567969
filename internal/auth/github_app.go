package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v69/github"
)

// InstallationTokenSource mints GitHub App installation tokens
type InstallationTokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// ErrAppNotConfigured is returned when no GitHub App credentials are available
var ErrAppNotConfigured = errors.New("github app credentials not configured")

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// AppTokenSource signs GitHub App JWTs and exchanges them for installation tokens
type AppTokenSource struct {
	appID      string
	key        *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

// NewAppTokenSource creates a token source from an already parsed key
func NewAppTokenSource(appID string, key *rsa.PrivateKey, baseURL string) (*AppTokenSource, error) {
	if appID == "" || key == nil {
		return nil, ErrAppNotConfigured
	}
	return &AppTokenSource{
		appID:      appID,
		key:        key,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
		tokens:     make(map[int64]cachedToken),
	}, nil
}

// LoadAppTokenSource reads a PEM encoded private key from keyPath
func LoadAppTokenSource(appID, keyPath, baseURL string) (*AppTokenSource, error) {
	if appID == "" || keyPath == "" {
		return nil, ErrAppNotConfigured
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read github app key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse github app key: %w", err)
	}
	return NewAppTokenSource(appID, key, baseURL)
}

// AppJWT returns a short lived JWT identifying the app itself
func (s *AppTokenSource) AppJWT() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		// GitHub rejects tokens issued in the future; allow for clock drift
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    s.appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.key)
}

// InstallationToken returns a cached token or mints a new one
func (s *AppTokenSource) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	if installationID <= 0 {
		return "", fmt.Errorf("invalid installation id %d", installationID)
	}

	s.mu.Lock()
	cached, ok := s.tokens[installationID]
	s.mu.Unlock()
	if ok && s.now().Add(5*time.Minute).Before(cached.expiresAt) {
		return cached.token, nil
	}

	appJWT, err := s.AppJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign app jwt: %w", err)
	}

	client := gh.NewClient(s.httpClient).WithAuthToken(appJWT)
	if s.baseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(s.baseURL, "/") + "/")
		if err != nil {
			return "", fmt.Errorf("invalid github api url: %w", err)
		}
		client.BaseURL = base
	}

	tok, _, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create installation token: %w", err)
	}

	s.mu.Lock()
	s.tokens[installationID] = cachedToken{token: tok.GetToken(), expiresAt: tok.GetExpiresAt().Time}
	s.mu.Unlock()

	return tok.GetToken(), nil
}
