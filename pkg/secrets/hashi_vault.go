package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"
)

// HashiVaultProvider reads secrets from a single HashiCorp Vault path, KV v1 or v2 engine.
type HashiVaultProvider struct {
	client  *api.Client
	path    string
	timeout time.Duration
}

// NewHashiVaultProvider creates a new HashiCorp Vault provider
func NewHashiVaultProvider(addr, path, token string) (*HashiVaultProvider, error) {
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("error creating vault client: %w", err)
	}
	client.SetToken(token)
	return &HashiVaultProvider{client: client, path: path, timeout: 10 * time.Second}, nil
}

// Get returns the key from the secret stored at the provider's path
func (p *HashiVaultProvider) Get(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	secret, err := p.client.Logical().ReadWithContext(ctx, p.path)
	if err != nil {
		return "", fmt.Errorf("error reading secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %s: %w", p.path, ErrNotFound)
	}

	data := secret.Data
	if v2, ok := secret.Data["data"].(map[string]any); ok { // kv v2 wraps values in data
		data = v2
	}
	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	value, ok := raw.(string)
	if !ok {
		return "", errors.New("unexpected secret value format")
	}
	return value, nil
}
