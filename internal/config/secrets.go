package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaninda/crucible/internal/secrets"
)

// SecretsConfig enables credential backends beyond env:// and file://.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig points at a HashiCorp Vault server holding KV v2 secrets.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address"` // Override: VAULT_ADDR.
	Token          string `json:"token" yaml:"token"`     // Override: VAULT_TOKEN.
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	TLSSkipVerify  bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

// Resolver builds the secret resolver described by the config.
func (c *Config) Resolver() (*secrets.Resolver, error) {
	if c.Secrets == nil || c.Secrets.Vault == nil {
		return secrets.NewResolver(), nil
	}
	v := c.Secrets.Vault
	vault, err := secrets.NewVault(secrets.VaultConfig{
		Address:       v.Address,
		Token:         v.Token,
		Namespace:     v.Namespace,
		Timeout:       time.Duration(v.TimeoutSeconds) * time.Second,
		TLSSkipVerify: v.TLSSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring vault: %w", err)
	}
	return secrets.NewResolver(vault), nil
}

// ResolveSecrets replaces credential references in provider keys, HTTP API
// keys and the Postgres DSN with the secrets they point at.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	r, err := c.Resolver()
	if err != nil {
		return err
	}
	var refs []*string
	if c.Providers.Anthropic != nil {
		refs = append(refs, &c.Providers.Anthropic.APIKey)
	}
	if c.Providers.OpenAI != nil {
		refs = append(refs, &c.Providers.OpenAI.APIKey)
	}
	for i := range c.HTTP.APIKeys {
		refs = append(refs, &c.HTTP.APIKeys[i].Key)
	}
	if c.Storage != nil && c.Storage.Postgres != nil {
		refs = append(refs, &c.Storage.Postgres.DSN)
	}
	if err := r.ResolveAll(ctx, refs...); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}
	return nil
}
