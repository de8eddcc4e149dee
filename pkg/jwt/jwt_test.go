package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-testing-purposes"

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager(testSecret, "callorchestrator-api")
	userID := uuid.New()

	token, err := manager.GenerateAccessToken(userID, "testuser", "user", 15*time.Minute)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)

	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "testuser", claims.Username)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt.Time))
}

func TestValidateToken_ExpiredToken(t *testing.T) {
	manager := NewJWTManager(testSecret, "callorchestrator-api")

	token, err := manager.GenerateAccessToken(uuid.New(), "testuser", "user", -time.Minute)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateToken_InvalidToken(t *testing.T) {
	manager := NewJWTManager(testSecret, "callorchestrator-api")

	claims, err := manager.ValidateToken("invalid.token.here")

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	issuer := NewJWTManager("secret-1", "callorchestrator-api")
	token, err := issuer.GenerateAccessToken(uuid.New(), "testuser", "user", 15*time.Minute)
	require.NoError(t, err)

	claims, err := NewJWTManager("secret-2", "callorchestrator-api").ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	issuer := NewJWTManager(testSecret, "chat-api")
	token, err := issuer.GenerateAccessToken(uuid.New(), "testuser", "user", 15*time.Minute)
	require.NoError(t, err)

	claims, err := NewJWTManager(testSecret, "callorchestrator-api").ValidateToken(token)

	assert.Error(t, err)
	assert.Nil(t, claims)
}

func TestTokenID(t *testing.T) {
	manager := NewJWTManager(testSecret, "callorchestrator-api")
	token, err := manager.GenerateAccessToken(uuid.New(), "testuser", "user", 15*time.Minute)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)

	id, err := TokenID(token)
	require.NoError(t, err)
	assert.Equal(t, claims.ID, id)

	_, err = TokenID("garbage")
	assert.Error(t, err)
}
