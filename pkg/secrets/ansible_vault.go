package secrets

import (
	"fmt"
	"log"
	"os"
	"strings"

	vault "github.com/sosedoff/ansible-vault-go"
	yaml "gopkg.in/yaml.v3"
)

// AnsibleVaultProvider is a provider for ansible-vault files.
// Nested values are addressed with dot-separated keys, i.e. "db.prod.password".
type AnsibleVaultProvider struct {
	data map[string]any
}

// NewAnsibleVaultProvider decrypts the vault file and keeps its yaml content
func NewAnsibleVaultProvider(vaultPath, secret string) (*AnsibleVaultProvider, error) {
	fi, err := os.Lstat(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("error get fileinfo of: %s", vaultPath)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", vaultPath)
	}

	decrypted, err := vault.DecryptFile(vaultPath, secret)
	if err != nil {
		return nil, fmt.Errorf("error decrypting file: %s", vaultPath)
	}
	log.Printf("[INFO] ansible vault file %s decrypted", vaultPath)

	m := make(map[string]any)
	if err = yaml.Unmarshal([]byte(decrypted), &m); err != nil {
		return nil, fmt.Errorf("error during unmarshaling yaml file %s: %w", vaultPath, err)
	}
	return &AnsibleVaultProvider{data: m}, nil
}

// Get returns the value for the key. The exact top-level key wins over the dotted path.
func (p *AnsibleVaultProvider) Get(key string) (string, error) {
	if v, ok := p.data[key]; ok {
		return scalar(key, v)
	}

	var cur any = p.data
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		if cur, ok = m[part]; !ok {
			return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
	}
	return scalar(key, cur)
}

func scalar(key string, v any) (string, error) {
	switch v.(type) {
	case map[string]any, []any:
		return "", fmt.Errorf("key %s is not a scalar value", key)
	case nil:
		return "", nil
	}
	return fmt.Sprintf("%v", v), nil
}
