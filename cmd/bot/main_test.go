package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMintToken(t *testing.T) {
	t.Setenv("HTTP_JWT_SECRET", "")

	path := writeConfig(t, `{"http": {"enabled": true, "jwt_secret": "s3cret"}}`)
	var out bytes.Buffer
	require.NoError(t, mintToken(&out, path, "ops", time.Hour))

	raw := strings.TrimSpace(out.String())
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return []byte("s3cret"), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestMintTokenNeedsSecret(t *testing.T) {
	t.Setenv("HTTP_JWT_SECRET", "")

	path := writeConfig(t, `{"http": {"enabled": true}}`)
	var out bytes.Buffer
	err := mintToken(&out, path, "ops", time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt secret is empty")
	assert.Empty(t, out.String())
}
