package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "skillpulse/internal/errors"
)

const testSecret = "unit-test-signing-secret-0123456789"

func TestSignVerifyRoundTrip(t *testing.T) {
	codec := NewCodec(testSecret, 30*24*time.Hour)

	signed, err := codec.Sign("lic-1", "pkg-desktop", "devhash-abc", "user-9")
	require.NoError(t, err)

	claims, err := codec.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "lic-1", claims.LicenseID)
	assert.Equal(t, "pkg-desktop", claims.PackageID)
	assert.Equal(t, "devhash-abc", claims.DeviceHash)
	assert.Equal(t, "user-9", claims.UserID)
	assert.NotEmpty(t, claims.ID, "token id should be set for replay tracking")
}

func TestVerifyExpiredToken(t *testing.T) {
	codec := NewCodec(testSecret, -time.Minute)

	signed, err := codec.Sign("lic-1", "pkg", "dev", "user")
	require.NoError(t, err)

	_, err = codec.Verify(signed)
	assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestVerifyTamperedToken(t *testing.T) {
	codec := NewCodec(testSecret, time.Hour)

	signed, err := codec.Sign("lic-1", "pkg", "dev", "user")
	require.NoError(t, err)

	tampered := signed[:len(signed)-2] + "xx"
	_, err = codec.Verify(tampered)
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestVerifyWrongSecret(t *testing.T) {
	signed, err := NewCodec(testSecret, time.Hour).Sign("lic-1", "pkg", "dev", "user")
	require.NoError(t, err)

	_, err = NewCodec("a-completely-different-secret-value", time.Hour).Verify(signed)
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestVerifyRejectsUnexpectedAlgorithm(t *testing.T) {
	// A token signed with "none" must never verify, even with a valid shape.
	claims := &Claims{
		LicenseID:  "lic-1",
		DeviceHash: "dev",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewCodec(testSecret, time.Hour).Verify(raw)
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestVerifyRejectsMissingBinding(t *testing.T) {
	// Tokens without a device binding are rejected regardless of signature.
	claims := &Claims{
		LicenseID: "lic-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewCodec(testSecret, time.Hour).Verify(raw)
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestVerifyGarbage(t *testing.T) {
	_, err := NewCodec(testSecret, time.Hour).Verify("not-a-token")
	assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
}

func TestTokensAreUnlinkable(t *testing.T) {
	codec := NewCodec(testSecret, time.Hour)
	a, err := codec.Sign("lic-1", "pkg", "dev", "user")
	require.NoError(t, err)
	b, err := codec.Sign("lic-1", "pkg", "dev", "user")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "identical bindings must still yield distinct tokens")
}
