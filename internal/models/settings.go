package models

import (
	"time"
)

// Environment selects which provider endpoint a gateway client targets.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// GatewaySettings is one gateway's persisted credential document.
// The payment core reads these; only an operator writes them.
type GatewaySettings struct {
	Gateway       Gateway     `bson:"_id" json:"gateway"`
	Key           string      `bson:"key" json:"key"`
	Secret        string      `bson:"secret" json:"-"`
	Shortcode     string      `bson:"shortcode,omitempty" json:"shortcode,omitempty"`
	Passkey       string      `bson:"passkey,omitempty" json:"-"`
	WebhookSecret string      `bson:"webhook_secret,omitempty" json:"-"`
	Environment   Environment `bson:"environment" json:"environment"`
	CallbackURL   string      `bson:"callback_url" json:"callback_url"`
	UpdatedAt     time.Time   `bson:"updated_at" json:"updated_at"`
}

// Configured reports whether the document carries enough to talk to the provider.
func (s GatewaySettings) Configured() bool {
	return s.Key != "" && s.Secret != ""
}
