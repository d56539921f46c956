// Package credentials implements the agent's encrypted-at-rest local
// storage: the connector credential store and the shared master key it
// is keyed by. The Go port swaps
// Fernet for XChaCha20-Poly1305 (golang.org/x/crypto), an equivalent
// authenticated symmetric construction, since Fernet itself has no Go
// implementation in the example corpus's dependency set.
package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

const masterKeyFileName = "master.key"

// Vault owns the agent's single master encryption key and provides
// authenticated Encrypt/Decrypt over it. CredentialStore and the
// offline result spool both embed a Vault so they share one key.
type Vault struct {
	dir string
	key []byte
}

// OpenVault loads (or creates, on first use) the master key file under
// dir, a directory that must be 0700 and contain only agent-private
// material.
func OpenVault(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credentials: create vault dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credentials: chmod vault dir: %w", err)
	}

	keyPath := filepath.Join(dir, masterKeyFileName)
	key, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, rerr := rand.Read(key); rerr != nil {
			return nil, fmt.Errorf("credentials: generate master key: %w", rerr)
		}
		if werr := os.WriteFile(keyPath, key, 0o600); werr != nil {
			return nil, fmt.Errorf("credentials: write master key: %w", werr)
		}
		if cerr := os.Chmod(keyPath, 0o600); cerr != nil {
			return nil, fmt.Errorf("credentials: chmod master key: %w", cerr)
		}
	} else if err != nil {
		return nil, fmt.Errorf("credentials: read master key: %w", err)
	}

	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credentials: master key at %s has wrong length %d", keyPath, len(key))
	}

	return &Vault{dir: dir, key: key}, nil
}

func (v *Vault) cipher() (cipher.AEAD, error) {
	return chacha20poly1305.NewX(v.key)
}

// Encrypt returns nonce||ciphertext for plaintext, authenticated under
// the vault's master key.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := v.cipher()
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credentials: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. It returns an error if blob is shorter than
// a nonce or fails authentication (tampered or wrong key).
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	aead, err := v.cipher()
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("credentials: ciphertext too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
