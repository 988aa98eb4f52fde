// Package credential handles service-account credentials for spaces.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// Spaces that talk to Google-style APIs carry a service-account JSON secret
// (the Earth Engine case being the canonical one). Spaceport validates the
// credential and can build the signed OAuth2 JWT-bearer assertion, so a bad
// secret is caught at upload time instead of at container runtime.
package credential

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidJSON is returned when the credential is not valid JSON.
	ErrInvalidJSON = errors.New("credential is not valid JSON")

	// ErrNotServiceAccount is returned when the credential type is wrong.
	ErrNotServiceAccount = errors.New(`credential type must be "service_account"`)

	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("credential is missing a required field")

	// ErrInvalidPrivateKey is returned when the private key cannot be parsed.
	ErrInvalidPrivateKey = errors.New("credential private key is not a valid RSA PEM key")

	// ErrNoScopes is returned when an assertion is requested without scopes.
	ErrNoScopes = errors.New("at least one scope is required")

	// ErrLifetimeTooLong is returned for assertion lifetimes over the cap.
	ErrLifetimeTooLong = errors.New("assertion lifetime exceeds one hour")
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ScopeEarthEngine is the OAuth2 scope for the Earth Engine API, the
	// default scope for space credentials.
	ScopeEarthEngine = "https://www.googleapis.com/auth/earthengine"

	// DefaultTokenURI is the token endpoint used when the credential does
	// not carry one.
	DefaultTokenURI = "https://oauth2.googleapis.com/token"

	// MaxAssertionLifetime caps how long a signed assertion stays valid.
	MaxAssertionLifetime = time.Hour

	// DefaultAssertionLifetime is used when no lifetime is given.
	DefaultAssertionLifetime = 10 * time.Minute
)

// =============================================================================
// ServiceAccount
// =============================================================================

// ServiceAccount is a parsed service-account credential.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id,omitempty"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri,omitempty"`

	key *rsa.PrivateKey
}

// Parse parses and validates service-account JSON. The private key is
// parsed eagerly so malformed credentials fail here.
func Parse(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, ErrInvalidJSON
	}

	if sa.Type != "service_account" {
		return nil, ErrNotServiceAccount
	}
	for field, value := range map[string]string{
		"project_id":   sa.ProjectID,
		"private_key":  sa.PrivateKey,
		"client_email": sa.ClientEmail,
	} {
		if value == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}
	if !strings.Contains(sa.ClientEmail, "@") {
		return nil, fmt.Errorf("%w: client_email", ErrMissingField)
	}
	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}

	key, err := parseRSAKey(sa.PrivateKey)
	if err != nil {
		return nil, err
	}
	sa.key = key

	return &sa, nil
}

// parseRSAKey parses a PEM-encoded RSA private key (PKCS#8 or PKCS#1).
func parseRSAKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, ErrInvalidPrivateKey
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrInvalidPrivateKey
	}
	return key, nil
}

// =============================================================================
// JWT-Bearer Assertion
// =============================================================================

// assertionClaims are the claims of an OAuth2 JWT-bearer grant assertion.
type assertionClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Assertion builds the signed RS256 assertion for the JWT-bearer token
// grant, scoped to the given scopes. now anchors the validity window so
// callers (and tests) control time.
func (sa *ServiceAccount) Assertion(scopes []string, now time.Time, lifetime time.Duration) (string, error) {
	if len(scopes) == 0 {
		return "", ErrNoScopes
	}
	if lifetime == 0 {
		lifetime = DefaultAssertionLifetime
	}
	if lifetime > MaxAssertionLifetime {
		return "", ErrLifetimeTooLong
	}

	claims := assertionClaims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sa.ClientEmail,
			Audience:  jwt.ClaimStrings{sa.TokenURI},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if sa.PrivateKeyID != "" {
		token.Header["kid"] = sa.PrivateKeyID
	}
	return token.SignedString(sa.key)
}

// PublicKey exposes the credential's public key for assertion verification.
func (sa *ServiceAccount) PublicKey() *rsa.PublicKey {
	return &sa.key.PublicKey
}
