package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretResolver fetches exchange and model credentials from HashiCorp Vault
// when vault is enabled. Keys present in the config file or environment are
// left untouched; Vault only fills the gaps.
type SecretResolver struct {
	client *api.Client
	cfg    VaultConfig
}

// NewSecretResolver creates a resolver for the given Vault configuration.
// A disabled config yields a resolver whose Resolve is a no-op.
func NewSecretResolver(cfg VaultConfig) (*SecretResolver, error) {
	if !cfg.Enabled {
		return &SecretResolver{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &SecretResolver{client: client, cfg: cfg}, nil
}

// Resolve fills missing credentials in cfg from Vault KV v2 secrets at
// <mount>/data/<secret_path>/exchange and <mount>/data/<secret_path>/model.
func (r *SecretResolver) Resolve(ctx context.Context, cfg *Config) error {
	if !r.cfg.Enabled {
		return nil
	}

	if cfg.ExchangeConfig.APIKey == "" || cfg.ExchangeConfig.SecretKey == "" {
		data, err := r.read(ctx, "exchange")
		if err != nil {
			return fmt.Errorf("failed to resolve exchange credentials: %w", err)
		}
		if cfg.ExchangeConfig.APIKey == "" {
			cfg.ExchangeConfig.APIKey = getString(data, "api_key")
		}
		if cfg.ExchangeConfig.SecretKey == "" {
			cfg.ExchangeConfig.SecretKey = getString(data, "secret_key")
		}
	}

	if cfg.ModelConfig.APIKey == "" {
		data, err := r.read(ctx, "model")
		if err != nil {
			return fmt.Errorf("failed to resolve model credentials: %w", err)
		}
		cfg.ModelConfig.APIKey = getString(data, "api_key")
	}

	return nil
}

// Health pings the Vault server; always nil when vault is disabled.
func (r *SecretResolver) Health(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}
	health, err := r.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if !health.Initialized || health.Sealed {
		return fmt.Errorf("vault not ready: initialized=%v sealed=%v", health.Initialized, health.Sealed)
	}
	return nil
}

func (r *SecretResolver) read(ctx context.Context, name string) (map[string]interface{}, error) {
	path := fmt.Sprintf("%s/data/%s/%s", r.cfg.MountPath, r.cfg.SecretPath, name)

	secret, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret not found at %s", path)
	}

	// KV v2 wraps payload under "data"
	if inner, ok := secret.Data["data"].(map[string]interface{}); ok {
		return inner, nil
	}
	return secret.Data, nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
