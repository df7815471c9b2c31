// Package keygen generates, hashes and masks license keys.
//
// Keys are shown to the purchaser in plaintext; lookups always go through
// the SHA-256 hash. The plaintext is additionally stored for the owner/admin
// reveal path, trading hash-only storage for support burden.
package keygen

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// keyAlphabet excludes visually ambiguous characters (0/O, 1/I/L).
const keyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	groupCount = 4
	groupLen   = 4
	// maskGroup replaces every group except the last when a key is
	// rendered back to a user or admin.
	maskGroup = "****"
	// maxUniqueAttempts bounds the collision-retry loop in UniqueKey.
	maxUniqueAttempts = 10
)

var keyPattern = regexp.MustCompile(`^[A-HJ-KM-NP-Z2-9]{4}(-[A-HJ-KM-NP-Z2-9]{4}){3}$`)

// HashChecker reports whether a key hash is already taken. Implemented by
// the store.
type HashChecker interface {
	KeyHashExists(ctx context.Context, hash string) (bool, error)
}

// GenerateKey produces a license key in four groups of four characters drawn
// from the restricted alphabet, using a cryptographically secure source.
func GenerateKey() (string, error) {
	groups := make([]string, groupCount)
	max := big.NewInt(int64(len(keyAlphabet)))

	for g := 0; g < groupCount; g++ {
		var b strings.Builder
		for i := 0; i < groupLen; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("keygen: reading random source: %w", err)
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
		groups[g] = b.String()
	}

	return strings.Join(groups, "-"), nil
}

// UniqueKey generates keys until the hash is collision-free in the store,
// bounded to maxUniqueAttempts. On exhaustion it falls back to a
// timestamp-suffixed key to guarantee termination; the fallback weakens the
// uniform-random guarantee, so it is logged at WARN rather than hidden.
func UniqueKey(ctx context.Context, store HashChecker, logger *slog.Logger) (string, error) {
	for attempt := 0; attempt < maxUniqueAttempts; attempt++ {
		key, err := GenerateKey()
		if err != nil {
			return "", err
		}
		exists, err := store.KeyHashExists(ctx, HashKey(key))
		if err != nil {
			return "", fmt.Errorf("keygen: checking key hash: %w", err)
		}
		if !exists {
			return key, nil
		}
	}

	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	// Replace the last group with a base-31 timestamp suffix so the key
	// stays in the grouped format but cannot collide within the same tick.
	suffix := timestampGroup(time.Now())
	key = key[:len(key)-groupLen] + suffix
	logger.WarnContext(ctx, "license key generation exhausted collision retries, using timestamp fallback",
		slog.Int("attempts", maxUniqueAttempts))
	return key, nil
}

// timestampGroup encodes the current unix time into one 4-char group.
func timestampGroup(now time.Time) string {
	n := now.Unix()
	b := make([]byte, groupLen)
	for i := groupLen - 1; i >= 0; i-- {
		b[i] = keyAlphabet[n%int64(len(keyAlphabet))]
		n /= int64(len(keyAlphabet))
	}
	return string(b)
}

// HashKey returns the hex SHA-256 digest of a license key. Raw keys are
// never used as lookup values.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(key))))
	return hex.EncodeToString(sum[:])
}

// HashDeviceID returns the hex SHA-256 digest of a device identifier. Raw
// device ids are never persisted.
func HashDeviceID(deviceID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(deviceID)))
	return hex.EncodeToString(sum[:])
}

// MaskKey replaces every group except the last with the fixed mask string.
// Applying it to an already masked key is a no-op.
func MaskKey(key string) string {
	parts := strings.Split(key, "-")
	if len(parts) != groupCount {
		// Unrecognized shape: mask everything except the last 4 chars.
		if len(key) <= groupLen {
			return key
		}
		return maskGroup + "-" + maskGroup + "-" + maskGroup + "-" + key[len(key)-groupLen:]
	}
	for i := 0; i < groupCount-1; i++ {
		parts[i] = maskGroup
	}
	return strings.Join(parts, "-")
}

// ValidFormat reports whether a key matches the grouped-alphabet pattern.
func ValidFormat(key string) bool {
	return keyPattern.MatchString(strings.ToUpper(strings.TrimSpace(key)))
}
