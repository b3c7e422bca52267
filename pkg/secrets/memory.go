// Package secrets provides secret providers used to resolve database credentials, and an encrypted
// secrets table stored in the managed database itself.
package secrets

import "fmt"

// MemoryProvider is a secret provider that stores secrets in memory.
// Not recommended for production use, made for testing purposes.
type MemoryProvider struct {
	secrets map[string]string
}

// NewMemoryProvider creates a new MemoryProvider with the given secrets.
func NewMemoryProvider(secrets map[string]string) *MemoryProvider {
	return &MemoryProvider{secrets: secrets}
}

// Get returns the secret for the given key.
func (m *MemoryProvider) Get(key string) (string, error) {
	if val, ok := m.secrets[key]; ok {
		return val, nil
	}
	return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
}

// NoOpProvider is a provider that does nothing.
type NoOpProvider struct{}

// Get returns an error on every key.
func (p *NoOpProvider) Get(key string) (string, error) {
	return "", fmt.Errorf("no secrets provider configured, can't get %q", key)
}
