package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/umputun/dbctx/pkg/db"
)

// ErrNotFound returned for missing secret keys.
var ErrNotFound = errors.New("secret not found")

const (
	saltSize  = 16
	nonceSize = 24
)

// InternalProvider stores secrets, encrypted, in the table of the managed database.
// Works on top of the process-wide db engine, every call joins the caller's connection or transaction scope.
type InternalProvider struct {
	key   []byte
	table string
}

// NewInternalProvider makes the provider and creates the secrets table if missing.
func NewInternalProvider(ctx context.Context, key []byte) (*InternalProvider, error) {
	if len(key) == 0 {
		return nil, errors.New("empty encryption key")
	}
	p := &InternalProvider{key: key, table: "dbctx_secrets"}
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (skey VARCHAR(255) PRIMARY KEY, sval TEXT)", p.table)
	if _, err := db.Update(ctx, q); err != nil {
		return nil, fmt.Errorf("can't create secrets table: %w", err)
	}
	log.Printf("[DEBUG] secrets provider: using table %s", p.table)
	return p, nil
}

// Get retrieves a secret and decrypts it.
func (p *InternalProvider) Get(ctx context.Context, key string) (string, error) {
	row, err := db.SelectOne(ctx, fmt.Sprintf("SELECT sval FROM %s WHERE skey = ?", p.table), key)
	if err != nil {
		return "", fmt.Errorf("can't load secret %s: %w", key, err)
	}
	if row == nil {
		return "", ErrNotFound
	}
	decrypted, err := p.decrypt(row.String("sval"))
	if err != nil {
		return "", fmt.Errorf("can't get secret for %s: %w", key, err)
	}
	return decrypted, nil
}

// Set encrypts and stores a secret, replacing the existing one.
func (p *InternalProvider) Set(ctx context.Context, key, value string) error {
	encrypted, err := p.encrypt(value)
	if err != nil {
		return fmt.Errorf("can't set secret for %s: %w", key, err)
	}

	return db.WithTx(ctx, func(ctx context.Context) error {
		n, found, err := db.SelectInt(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE skey = ?", p.table), key)
		if err != nil {
			return fmt.Errorf("can't check secret %s: %w", key, err)
		}
		if found && n > 0 {
			_, err = db.Update(ctx, fmt.Sprintf("UPDATE %s SET sval = ? WHERE skey = ?", p.table), encrypted, key)
		} else {
			_, err = db.Update(ctx, fmt.Sprintf("INSERT INTO %s (skey, sval) VALUES (?, ?)", p.table), key, encrypted)
		}
		if err != nil {
			return fmt.Errorf("can't store secret %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes a secret. Fails if the key is not found.
func (p *InternalProvider) Delete(ctx context.Context, key string) error {
	n, err := db.Update(ctx, fmt.Sprintf("DELETE FROM %s WHERE skey = ?", p.table), key)
	if err != nil {
		return fmt.Errorf("can't delete secret %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	return nil
}

// List returns secret keys, sorted, with an optional prefix filter. Empty or "*" prefix lists all keys.
func (p *InternalProvider) List(ctx context.Context, prefix string) ([]string, error) {
	q, args := fmt.Sprintf("SELECT skey FROM %s ORDER BY skey", p.table), []any{}
	if prefix != "*" && prefix != "" {
		q = fmt.Sprintf("SELECT skey FROM %s WHERE skey LIKE ? ESCAPE '!' ORDER BY skey", p.table)
		args = append(args, strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(prefix)+"%")
	}
	rows, err := db.Select(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't list secrets: %w", err)
	}
	res := make([]string, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.String("skey"))
	}
	return res, nil
}

// encrypt seals data with NaCl secretbox. The key is derived from the provider's key and a random salt,
// output is base64 of nonce + salt + sealed data.
func (p *InternalProvider) encrypt(data string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, salt))

	nonce := new([nonceSize]byte)
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	out := make([]byte, nonceSize+saltSize)
	copy(out, nonce[:])
	copy(out[nonceSize:], salt)

	sealed := secretbox.Seal(out, []byte(data), nonce, naclKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt
func (p *InternalProvider) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < nonceSize+saltSize+secretbox.Overhead {
		return "", errors.New("encrypted data is too short")
	}

	nonce := new([nonceSize]byte)
	copy(nonce[:], sealed[:nonceSize])
	salt := sealed[nonceSize : nonceSize+saltSize]

	naclKey := new([32]byte)
	copy(naclKey[:], deriveKey(p.key, salt))

	decrypted, ok := secretbox.Open(nil, sealed[nonceSize+saltSize:], nonce, naclKey)
	if !ok {
		return "", errors.New("failed to decrypt")
	}
	return string(decrypted), nil
}

// deriveKey makes 32 bytes key with Argon2id: 1 iteration, 64 MiB, 4 threads.
func deriveKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, 1, 64*1024, 4, 32)
}
