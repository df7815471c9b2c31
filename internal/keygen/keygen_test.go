package keygen

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHashChecker struct {
	existing map[string]bool
	calls    int
}

func (f *fakeHashChecker) KeyHashExists(_ context.Context, hash string) (bool, error) {
	f.calls++
	return f.existing[hash], nil
}

func TestGenerateKeyFormat(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	assert.True(t, ValidFormat(key), "key %q should match the grouped pattern", key)
	assert.Len(t, key, 19) // 4 groups of 4 plus 3 dashes
}

func TestGeneratedKeysExcludeAmbiguousCharacters(t *testing.T) {
	for i := 0; i < 1000; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		for _, c := range "0O1IL" {
			assert.NotContains(t, key, string(c), "key %q contains ambiguous character", key)
		}
	}
}

func TestGeneratedKeysAreUnique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		_, dup := seen[key]
		require.False(t, dup, "duplicate key generated: %s", key)
		seen[key] = struct{}{}
	}
}

func TestUniqueKeyRetriesOnCollision(t *testing.T) {
	checker := &fakeHashChecker{existing: map[string]bool{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := UniqueKey(context.Background(), checker, logger)
	require.NoError(t, err)
	assert.True(t, ValidFormat(key))
	assert.Equal(t, 1, checker.calls)
}

func TestUniqueKeyFallsBackAfterExhaustion(t *testing.T) {
	// A checker that reports every hash as taken forces the fallback path.
	allTaken := &alwaysTaken{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := UniqueKey(context.Background(), allTaken, logger)
	require.NoError(t, err)
	assert.Equal(t, maxUniqueAttempts, allTaken.calls)
	assert.Len(t, key, 19)
}

type alwaysTaken struct{ calls int }

func (a *alwaysTaken) KeyHashExists(context.Context, string) (bool, error) {
	a.calls++
	return true, nil
}

func TestHashKeyDeterministicAndCaseInsensitive(t *testing.T) {
	h1 := HashKey("ABCD-EFGH-JKMN-PQRS")
	h2 := HashKey("abcd-efgh-jkmn-pqrs")
	h3 := HashKey(" ABCD-EFGH-JKMN-PQRS ")
	assert.Equal(t, h1, h2)
	assert.Equal(t, h1, h3)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, HashKey("ABCD-EFGH-JKMN-PQRT"))
}

func TestHashDeviceID(t *testing.T) {
	h := HashDeviceID("machine-42")
	assert.Len(t, h, 64)
	assert.NotEqual(t, h, HashDeviceID("machine-43"))
	assert.NotContains(t, h, "machine")
}

func TestMaskKeyPreservesOnlyLastGroup(t *testing.T) {
	masked := MaskKey("ABCD-EFGH-JKMN-PQRS")
	assert.Equal(t, "****-****-****-PQRS", masked)
	assert.False(t, strings.Contains(masked, "ABCD"))
}

func TestMaskKeyIdempotent(t *testing.T) {
	masked := MaskKey("ABCD-EFGH-JKMN-PQRS")
	assert.Equal(t, masked, MaskKey(masked))
}

func TestMaskKeyUnexpectedShape(t *testing.T) {
	assert.Equal(t, "****-****-****-QRS9", MaskKey("WEIRDKEYQRS9"))
	assert.Equal(t, "AB", MaskKey("AB"))
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat("ABCD-EFGH-JKMN-PQRS"))
	assert.True(t, ValidFormat("abcd-efgh-jkmn-pqrs"))
	assert.False(t, ValidFormat("ABCD-EFGH-JKMN"))
	assert.False(t, ValidFormat("ABC0-EFGH-JKMN-PQRS")) // ambiguous 0
	assert.False(t, ValidFormat("ABCDEFGHJKMNPQRS"))
}
