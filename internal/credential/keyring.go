package credential

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

const serviceName = "mailindex-sync"

// DefaultKey holds the credential shared by every account without an
// entry of its own.
const DefaultKey = "default"

// Item key suffixes; one keyring entry per secret.
const (
	userSuffix     = ":username"
	passwordSuffix = ":password"
	tokenSuffix    = ":token"
)

// KeyringProvider reads credentials from the system keyring, falling
// back to an encrypted file keyring on headless hosts.
type KeyringProvider struct {
	ring keyring.Keyring
}

// openKeyring returns a configured keyring instance.
func openKeyring(dir string) (keyring.Keyring, error) {
	if dir == "" {
		dir = "~/.config/mailindex-sync/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailindex-sync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// NewKeyringProvider opens the keyring. dir is only used by the file
// backend.
func NewKeyringProvider(dir string) (*KeyringProvider, error) {
	ring, err := openKeyring(dir)
	if err != nil {
		return nil, err
	}
	return &KeyringProvider{ring: ring}, nil
}

// NewKeyringProviderFrom wraps an already opened keyring.
func NewKeyringProviderFrom(ring keyring.Keyring) *KeyringProvider {
	return &KeyringProvider{ring: ring}
}

// Credentials returns the account's entries, or the default entries when
// the account has none.
func (p *KeyringProvider) Credentials(_ context.Context, account string) (Credential, error) {
	for _, key := range []string{account, DefaultKey} {
		cred, err := p.lookup(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Credential{}, err
		}
		if cred.Username == "" {
			cred.Username = account
		}
		return cred, nil
	}
	return Credential{}, ErrNotFound
}

func (p *KeyringProvider) lookup(key string) (Credential, error) {
	var cred Credential
	for suffix, dst := range map[string]*string{
		userSuffix:     &cred.Username,
		passwordSuffix: &cred.Password,
		tokenSuffix:    &cred.Token,
	} {
		v, err := p.get(key + suffix)
		if err != nil {
			return Credential{}, err
		}
		*dst = v
	}
	if cred.Empty() {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// get retrieves a value by key. A missing key yields "".
func (p *KeyringProvider) get(key string) (string, error) {
	item, err := p.ring.Get(key)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores cred for account. Empty fields are removed so a stale
// secret cannot linger next to a new one.
func (p *KeyringProvider) Set(account string, cred Credential) error {
	for suffix, value := range map[string]string{
		userSuffix:     cred.Username,
		passwordSuffix: cred.Password,
		tokenSuffix:    cred.Token,
	} {
		key := account + suffix
		if value == "" {
			if err := p.ring.Remove(key); err != nil && !isNotFound(err) {
				return fmt.Errorf("deleting credential %q: %w", key, err)
			}
			continue
		}
		err := p.ring.Set(keyring.Item{
			Key:  key,
			Data: []byte(value),
		})
		if err != nil {
			return fmt.Errorf("setting credential %q: %w", key, err)
		}
	}
	return nil
}

// Delete removes every entry of account.
func (p *KeyringProvider) Delete(account string) error {
	return p.Set(account, Credential{})
}

// isNotFound covers both the keyring sentinel and the file backend,
// which surfaces a missing item as a missing file.
func isNotFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, os.ErrNotExist)
}
