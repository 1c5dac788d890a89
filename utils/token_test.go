package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("secret", "alice", RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Name)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestParseToken_Rejects(t *testing.T) {
	valid, err := GenerateToken("secret", "alice", "", time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken("secret", "alice", "", -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken("other-secret", valid)
	assert.Error(t, err)

	_, err = ParseToken("secret", expired)
	assert.Error(t, err)

	_, err = ParseToken("secret", "not-a-token")
	assert.Error(t, err)

	_, err = GenerateToken("secret", "", "", time.Hour)
	assert.Error(t, err)
}
