// Package token signs and verifies activation tokens: compact, stateless
// bearer credentials binding a device to a license. Tokens carry identity
// only; license status and the device binding are re-checked against the
// store on every validation, so revocation takes effect without key
// rotation.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "skillpulse/internal/errors"
)

const issuer = "skillpulse"

// Claims are the activation token claims. DeviceHash binds the token to one
// device; everything else identifies the license it was issued for.
type Claims struct {
	LicenseID  string `json:"lid"`
	PackageID  string `json:"pkg"`
	DeviceHash string `json:"dev"`
	UserID     string `json:"uid"`
	jwt.RegisteredClaims
}

// Codec signs and verifies activation tokens with a process-wide symmetric
// secret. Rotating the secret invalidates all outstanding tokens.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// NewCodec creates a codec. ttl is the token lifetime (30 days in
// production config).
func NewCodec(secret string, ttl time.Duration) *Codec {
	return &Codec{secret: []byte(secret), ttl: ttl}
}

// TTL returns the configured token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Sign issues a token for the given binding. The random token id (jti)
// makes every issued token distinct for replay tracking.
func (c *Codec) Sign(licenseID, packageID, deviceHash, userID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		LicenseID:  licenseID,
		PackageID:  packageID,
		DeviceHash: deviceHash,
		UserID:     userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   licenseID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: signing: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token. The accepted algorithm is pinned to
// HS256; anything else (including "none") fails as invalid. Returns
// ErrTokenExpired for lapsed TTLs and ErrTokenInvalid for every other
// failure.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			return c.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.ErrTokenExpired
		}
		return nil, apperrors.ErrTokenInvalid
	}
	if !tok.Valid {
		return nil, apperrors.ErrTokenInvalid
	}
	if claims.LicenseID == "" || claims.DeviceHash == "" {
		return nil, apperrors.ErrTokenInvalid
	}
	return claims, nil
}
