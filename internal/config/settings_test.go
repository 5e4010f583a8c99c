package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberpay/internal/models"
)

func TestGetUnconfiguredGateway(t *testing.T) {
	store := NewSettingsStore(nil)

	_, err := store.Get(models.GatewayMpesa)
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, models.GatewayMpesa, cfgErr.Gateway)
	assert.Contains(t, err.Error(), "not configured")
}

func TestGetIncompleteSettings(t *testing.T) {
	store := NewSettingsStore(nil)
	store.settings[models.GatewayCard] = models.GatewaySettings{
		Gateway: models.GatewayCard,
		Key:     "pk_test_123",
		// secret missing
	}

	_, err := store.Get(models.GatewayCard)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, models.GatewayCard, cfgErr.Gateway)
}

func TestGetConfiguredGateway(t *testing.T) {
	store := NewSettingsStore(nil)
	store.settings[models.GatewayRedirect] = models.GatewaySettings{
		Gateway:     models.GatewayRedirect,
		Key:         "ck_test",
		Secret:      "cs_test",
		Environment: models.EnvSandbox,
	}

	cfg, err := store.Get(models.GatewayRedirect)
	require.NoError(t, err)
	assert.Equal(t, "ck_test", cfg.Key)
	assert.Equal(t, models.EnvSandbox, cfg.Environment)
}
