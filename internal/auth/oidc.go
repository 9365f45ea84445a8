// Package auth verifies OIDC ID tokens presented as API bearer tokens.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/bcnelson/addrsync/internal/domain"
)

// Claims are the ID token claims the API cares about.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// TokenVerifier validates a raw bearer token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// OIDCVerifier verifies ID tokens issued by one provider for one client.
type OIDCVerifier struct {
	verifier       *oidc.IDTokenVerifier
	allowedDomains []string
}

// Ensure OIDCVerifier implements TokenVerifier.
var _ TokenVerifier = (*OIDCVerifier)(nil)

// NewOIDCVerifier discovers the provider at issuerURL.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string, allowedDomains []string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return NewVerifier(provider.Verifier(&oidc.Config{ClientID: clientID}), allowedDomains), nil
}

// NewVerifier wraps an existing ID token verifier.
func NewVerifier(v *oidc.IDTokenVerifier, allowedDomains []string) *OIDCVerifier {
	return &OIDCVerifier{verifier: v, allowedDomains: allowedDomains}
}

// Verify checks the token signature, issuer, audience and expiry, then the
// email domain restriction.
func (p *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %v: %w", err, domain.ErrUnauthorized)
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %v: %w", err, domain.ErrUnauthorized)
	}
	if err := ValidateClaims(&claims, p.allowedDomains); err != nil {
		return nil, err
	}
	return &claims, nil
}

// ValidateClaims checks the email claim against the allowed domains. An
// empty allow list admits any email.
func ValidateClaims(claims *Claims, allowedDomains []string) error {
	if claims.Email == "" {
		return fmt.Errorf("email claim is required: %w", domain.ErrUnauthorized)
	}
	if len(allowedDomains) == 0 {
		return nil
	}

	_, emailDomain, ok := strings.Cut(claims.Email, "@")
	if !ok || emailDomain == "" || strings.Contains(emailDomain, "@") {
		return fmt.Errorf("invalid email format: %w", domain.ErrUnauthorized)
	}
	for _, d := range allowedDomains {
		if strings.EqualFold(d, emailDomain) {
			return nil
		}
	}
	return fmt.Errorf("email domain %s is not allowed: %w", strings.ToLower(emailDomain), domain.ErrUnauthorized)
}

// LooksLikeJWT reports whether token has the three-segment JWT shape.
func LooksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
