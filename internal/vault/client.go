package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"crypto-paper-trader/config"
)

// Credential is one advisory provider's API key material stored in Vault.
type Credential struct {
	Provider string `json:"provider"` // anthropic, openai
	APIKey   string `json:"api_key"`
	Model    string `json:"model,omitempty"`
}

// Client wraps the HashiCorp Vault KV v2 API for advisory credentials. When
// Vault is disabled it degrades to a process-local store so development and
// tests run without a Vault server.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*Credential
}

// NewClient creates a Vault client, or a local-only stand-in when disabled.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*Credential),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// StoreCredential writes a provider credential to Vault (KV v2) and caches it.
func (c *Client) StoreCredential(ctx context.Context, cred Credential) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[cred.Provider] = &cred
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"provider": cred.Provider,
			"api_key":  cred.APIKey,
			"model":    cred.Model,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(cred.Provider), secretData); err != nil {
		return fmt.Errorf("failed to store credential in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[cred.Provider] = &cred
	c.mu.Unlock()
	return nil
}

// GetCredential reads a provider credential, cache first.
func (c *Client) GetCredential(ctx context.Context, provider string) (*Credential, error) {
	c.mu.RLock()
	if cached, ok := c.cache[provider]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credential for %s not found and vault is disabled", provider)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(provider))
	if err != nil {
		return nil, fmt.Errorf("failed to read credential from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credential for %s not found", provider)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for %s", provider)
	}

	cred := &Credential{
		Provider: getString(data, "provider"),
		APIKey:   getString(data, "api_key"),
		Model:    getString(data, "model"),
	}

	c.mu.Lock()
	c.cache[provider] = cred
	c.mu.Unlock()
	return cred, nil
}

// DeleteCredential removes a provider credential from Vault and the cache.
func (c *Client) DeleteCredential(ctx context.Context, provider string) error {
	c.mu.Lock()
	delete(c.cache, provider)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(provider)); err != nil {
		return fmt.Errorf("failed to delete credential from vault: %w", err)
	}
	return nil
}

// ResolveKey returns the API key for a provider, preferring Vault over the
// config fallback so rotated keys win without a redeploy.
func (c *Client) ResolveKey(ctx context.Context, provider, configKey string) string {
	if cred, err := c.GetCredential(ctx, provider); err == nil && cred.APIKey != "" {
		return cred.APIKey
	}
	return configKey
}

func (c *Client) secretPath(provider string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, provider)
}

func (c *Client) metadataPath(provider string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, provider)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
