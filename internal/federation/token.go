// Package federation copies albums between instances. An instance signs an
// invite token for one of its albums; another instance presents the token
// to the s2s endpoints to read the album summary and download its files,
// driven by the ImportAlbum and ImportAlbumItem jobs.
package federation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail signature, issuer or
// expiry checks.
var ErrInvalidToken = errors.New("federation: invalid invite token")

// Claims is the invite token body. Subject is the album id and Issuer the
// base URL of the instance that owns it.
type Claims struct {
	jwt.RegisteredClaims
}

// AlbumID returns the invited album.
func (c *Claims) AlbumID() string { return c.Subject }

// Signer issues and verifies HS256 invite tokens for one instance.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSigner returns a Signer whose tokens carry issuer as iss.
func NewSigner(secret, issuer string) *Signer {
	return &Signer{
		secret: []byte(secret),
		issuer: strings.TrimRight(issuer, "/"),
		now:    time.Now,
	}
}

// Issuer is the base URL written into tokens.
func (s *Signer) Issuer() string { return s.issuer }

// Sign returns a token granting read access to albumID for ttl.
func (s *Signer) Sign(albumID string, ttl time.Duration) (string, error) {
	if albumID == "" {
		return "", fmt.Errorf("sign invite: empty album id")
	}
	now := s.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   albumID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign invite: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry of token.
func (s *Signer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Peek decodes token without checking its signature. Importers use it to
// learn which instance and album a token they cannot verify refers to.
func Peek(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.Issuer == "" {
		return nil, fmt.Errorf("%w: missing subject or issuer", ErrInvalidToken)
	}
	return claims, nil
}
