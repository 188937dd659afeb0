package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTServiceWithIssuer(t *testing.T) {
	secret := "test-secret"
	issuer := "https://issuer.example.com"
	audience := "https://api.example.com"

	service := NewJWTServiceWithIssuer(secret, issuer, audience)

	assert.NotNil(t, service)
	assert.Equal(t, []byte(secret), service.secret)
	assert.Equal(t, issuer, service.issuer)
	assert.Equal(t, audience, service.audience)
}

func TestGenerateTokenWithIssuerAudience(t *testing.T) {
	secret := "test-secret"
	issuer := "https://issuer.example.com"
	audience := "https://api.example.com"
	userID := "user123"

	service := NewJWTServiceWithIssuer(secret, issuer, audience)

	tokenString, err := service.GenerateToken(userID, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, tokenString)

	token, err := service.ValidateToken(tokenString)
	require.NoError(t, err)

	assert.Equal(t, userID, token.Subject())
	assert.Equal(t, issuer, token.Issuer())
	audiences := token.Audience()
	assert.Contains(t, audiences, audience)
}

func TestValidateTokenWithIssuerValidation(t *testing.T) {
	secret := "test-secret"
	correctIssuer := "https://correct-issuer.example.com"
	wrongIssuer := "https://wrong-issuer.example.com"
	audience := "https://api.example.com"

	tests := []struct {
		name             string
		tokenIssuer      string
		validationIssuer string
		expectError      bool
	}{
		{
			name:             "matching issuer",
			tokenIssuer:      correctIssuer,
			validationIssuer: correctIssuer,
			expectError:      false,
		},
		{
			name:             "mismatched issuer",
			tokenIssuer:      wrongIssuer,
			validationIssuer: correctIssuer,
			expectError:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			genService := NewJWTServiceWithIssuer(secret, tt.tokenIssuer, audience)
			tokenString, err := genService.GenerateToken("user123", time.Hour)
			require.NoError(t, err)

			valService := NewJWTServiceWithIssuer(secret, tt.validationIssuer, audience)
			_, err = valService.ValidateToken(tokenString)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTokenWithAudienceValidation(t *testing.T) {
	secret := "test-secret"
	issuer := "https://issuer.example.com"
	correctAudience := "https://api.example.com"
	wrongAudience := "https://different-api.example.com"

	tests := []struct {
		name               string
		tokenAudience      string
		validationAudience string
		expectError        bool
	}{
		{
			name:               "matching audience",
			tokenAudience:      correctAudience,
			validationAudience: correctAudience,
			expectError:        false,
		},
		{
			name:               "mismatched audience",
			tokenAudience:      wrongAudience,
			validationAudience: correctAudience,
			expectError:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			genService := NewJWTServiceWithIssuer(secret, issuer, tt.tokenAudience)
			tokenString, err := genService.GenerateToken("user123", time.Hour)
			require.NoError(t, err)

			valService := NewJWTServiceWithIssuer(secret, issuer, tt.validationAudience)
			_, err = valService.ValidateToken(tokenString)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTokenWithoutIssuerAudience(t *testing.T) {
	secret := "test-secret"
	basicService := NewJWTService(secret)

	tokenString, err := basicService.GenerateToken("user123", time.Hour)
	require.NoError(t, err)

	token, err := basicService.ValidateToken(tokenString)
	assert.NoError(t, err)
	assert.Equal(t, "user123", token.Subject())
}

func TestTokenExpiration(t *testing.T) {
	secret := "test-secret"
	service := NewJWTService(secret)

	tokenString, err := service.GenerateToken("user123", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = service.ValidateToken(tokenString)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exp")
}

func TestTokenWithDifferentSecrets(t *testing.T) {
	correctSecret := "correct-secret"
	wrongSecret := "wrong-secret"

	genService := NewJWTService(correctSecret)
	tokenString, err := genService.GenerateToken("user123", time.Hour)
	require.NoError(t, err)

	valService := NewJWTService(wrongSecret)
	_, err = valService.ValidateToken(tokenString)
	assert.Error(t, err)
}

func TestBackwardCompatibility(t *testing.T) {
	secret := "test-secret"

	oldService := NewJWTService(secret)
	oldToken, err := oldService.GenerateToken("user123", time.Hour)
	require.NoError(t, err)

	token1, err := oldService.ValidateToken(oldToken)
	assert.NoError(t, err)
	assert.Equal(t, "user123", token1.Subject())

	newService := NewJWTService(secret)
	token2, err := newService.ValidateToken(oldToken)
	assert.NoError(t, err)
	assert.Equal(t, "user123", token2.Subject())
}

func BenchmarkGenerateToken(b *testing.B) {
	service := NewJWTService("benchmark-secret")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = service.GenerateToken("user123", time.Hour)
	}
}

func BenchmarkValidateToken(b *testing.B) {
	service := NewJWTService("benchmark-secret")
	token, _ := service.GenerateToken("user123", time.Hour)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = service.ValidateToken(token)
	}
}

func BenchmarkGenerateTokenWithIssuerAudience(b *testing.B) {
	service := NewJWTServiceWithIssuer(
		"benchmark-secret",
		"https://issuer.example.com",
		"https://api.example.com",
	)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = service.GenerateToken("user123", time.Hour)
	}
}
