package bootstrap

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhq/air-workers/config"
	"github.com/airhq/air-workers/internal/data/cryptoutil"
	"github.com/airhq/air-workers/internal/domain/model"
)

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "worker,beat"}
	assert.ElementsMatch(t, []string{"worker", "beat"}, GetEnabledServices(cfg))

	cfg = &config.AppConfig{Services: "worker"}
	assert.Equal(t, []string{"worker"}, GetEnabledServices(cfg))

	cfg = &config.AppConfig{Services: "nonsense"}
	assert.Empty(t, GetEnabledServices(cfg))

	assert.Empty(t, GetEnabledServices(nil))
}

func TestValidateServiceConfig(t *testing.T) {
	assert.Error(t, ValidateServiceConfig(nil))
	assert.Error(t, ValidateServiceConfig(&config.AppConfig{Services: ""}))
	assert.Error(t, ValidateServiceConfig(&config.AppConfig{Services: "http"}))
	assert.NoError(t, ValidateServiceConfig(&config.AppConfig{Services: "worker,beat"}))
}

func TestErrorChannelBufferSize(t *testing.T) {
	assert.Equal(t, 1, errorChannelBufferSize(nil))
	assert.Equal(t, 2, errorChannelBufferSize(map[config.ServiceMode]bool{
		config.ServiceModeWorker: true,
	}))
	assert.Equal(t, 3, errorChannelBufferSize(map[config.ServiceMode]bool{
		config.ServiceModeWorker: true,
		config.ServiceModeBeat:   true,
	}))
}

func TestCreateTokenCipher(t *testing.T) {
	// Empty key is only allowed in dev mode.
	_, err := CreateTokenCipher("", false, nil)
	assert.Error(t, err)

	cipher, err := CreateTokenCipher("", true, nil)
	require.NoError(t, err)
	assert.IsType(t, cryptoutil.PlainCipher{}, cipher)

	// A base64-encoded 32-byte key is used directly.
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	cipher, err = CreateTokenCipher(key, false, nil)
	require.NoError(t, err)
	assert.IsType(t, &cryptoutil.AESGCMCipher{}, cipher)

	// Any other string is hashed into a key.
	cipher, err = CreateTokenCipher("correct horse battery staple", false, nil)
	require.NoError(t, err)

	out, err := cipher.Encrypt([]byte("token"))
	require.NoError(t, err)
	decrypted, err := cipher.Decrypt(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), decrypted)
}

func TestBuildOAuthClient(t *testing.T) {
	_, err := buildOAuthClient(config.OAuthConfig{}, nil)
	assert.Error(t, err)

	client, err := buildOAuthClient(config.OAuthConfig{
		Google: config.OAuthProviderConfig{ClientID: "id", ClientSecret: "secret"},
	}, nil)
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestProviderRateLimits(t *testing.T) {
	cfg := config.TokenRefreshConfig{
		GoogleRequestsPerHour:    100,
		MicrosoftRequestsPerHour: 200,
		LinkedInRequestsPerHour:  50,
		GitHubRequestsPerHour:    75,
	}

	limits := providerRateLimits(cfg)
	require.Len(t, limits, 4)
	assert.Equal(t, 100, limits[model.ProviderGoogle].RequestsPerHour)
	assert.Equal(t, 50, limits[model.ProviderLinkedIn].RequestsPerHour)
	assert.Positive(t, limits[model.ProviderGitHub].Burst)
}
