package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"memberpay/internal/models"
)

// ConfigurationError means a gateway has no usable credentials. It is fatal to
// that gateway until an operator fixes the settings document; other gateways
// are unaffected.
type ConfigurationError struct {
	Gateway models.Gateway
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("gateway %s not configured: %s", e.Gateway, e.Reason)
}

// SettingsStore reads per-gateway credential documents from the
// gateway_settings collection. The store is read-only to the payment core;
// Reload picks up operator edits without a restart.
type SettingsStore struct {
	db *mongo.Database

	mu       sync.RWMutex
	settings map[models.Gateway]models.GatewaySettings
}

func NewSettingsStore(db *mongo.Database) *SettingsStore {
	return &SettingsStore{
		db:       db,
		settings: make(map[models.Gateway]models.GatewaySettings),
	}
}

// Get returns the cached settings for a gateway. Missing or incomplete
// settings are a ConfigurationError, never a panic.
func (s *SettingsStore) Get(gateway models.Gateway) (models.GatewaySettings, error) {
	s.mu.RLock()
	cfg, ok := s.settings[gateway]
	s.mu.RUnlock()
	if !ok {
		return models.GatewaySettings{}, &ConfigurationError{Gateway: gateway, Reason: "no settings document"}
	}
	if !cfg.Configured() {
		return models.GatewaySettings{}, &ConfigurationError{Gateway: gateway, Reason: "key or secret is empty"}
	}
	return cfg, nil
}

// Reload re-reads every settings document from the collection.
func (s *SettingsStore) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cur, err := s.db.Collection("gateway_settings").Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to read gateway settings: %w", err)
	}
	defer cur.Close(ctx)

	var docs []models.GatewaySettings
	if err := cur.All(ctx, &docs); err != nil {
		return fmt.Errorf("failed to decode gateway settings: %w", err)
	}

	loaded := make(map[models.Gateway]models.GatewaySettings, len(docs))
	for _, doc := range docs {
		loaded[doc.Gateway] = doc
	}

	s.mu.Lock()
	s.settings = loaded
	s.mu.Unlock()

	log.Printf("Loaded settings for %d gateways", len(loaded))
	return nil
}

// Seed inserts environment-derived settings documents for any gateway that
// has none. First-boot convenience; existing documents are never overwritten.
func (s *SettingsStore) Seed(ctx context.Context, publicBaseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	env := models.EnvSandbox
	if os.Getenv("GATEWAY_ENV") == string(models.EnvProduction) {
		env = models.EnvProduction
	}

	seeds := []models.GatewaySettings{
		{
			Gateway:     models.GatewayMpesa,
			Key:         os.Getenv("MPESA_CONSUMER_KEY"),
			Secret:      os.Getenv("MPESA_CONSUMER_SECRET"),
			Shortcode:   os.Getenv("MPESA_SHORTCODE"),
			Passkey:     os.Getenv("MPESA_PASSKEY"),
			Environment: env,
			CallbackURL: publicBaseURL + "/api/webhook/mpesa",
		},
		{
			Gateway:     models.GatewayRedirect,
			Key:         os.Getenv("REDIRECT_CONSUMER_KEY"),
			Secret:      os.Getenv("REDIRECT_CONSUMER_SECRET"),
			Environment: env,
			CallbackURL: publicBaseURL + "/api/webhook/redirect",
		},
		{
			Gateway:       models.GatewayCard,
			Key:           os.Getenv("CARD_PUBLISHABLE_KEY"),
			Secret:        os.Getenv("CARD_SECRET_KEY"),
			WebhookSecret: os.Getenv("CARD_WEBHOOK_SECRET"),
			Environment:   env,
			CallbackURL:   publicBaseURL + "/api/webhook/card",
		},
	}

	coll := s.db.Collection("gateway_settings")
	for _, seed := range seeds {
		if seed.Key == "" && seed.Secret == "" {
			continue // nothing in the environment for this gateway
		}
		count, err := coll.CountDocuments(ctx, bson.M{"_id": seed.Gateway})
		if err != nil {
			return fmt.Errorf("failed to check settings for %s: %w", seed.Gateway, err)
		}
		if count > 0 {
			continue
		}
		seed.UpdatedAt = time.Now()
		if _, err := coll.InsertOne(ctx, seed); err != nil {
			return fmt.Errorf("failed to seed settings for %s: %w", seed.Gateway, err)
		}
		log.Printf("Seeded %s gateway settings from environment", seed.Gateway)
	}
	return nil
}
