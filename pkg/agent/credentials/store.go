package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// ConnectorCredential is one connector's locally-held credentials, e.g.
// an S3 access key pair or SMB username/password. Fields beyond Type
// are opaque to the store itself.
type ConnectorCredential struct {
	ConnectorGUID string                 `json:"connector_guid"`
	Type          apis.ConnectorType     `json:"type"`
	Fields        map[string]string      `json:"fields"`
}

// Store is the agent-local encrypted credential store: one file per
// connector under {dir}/credentials/{connector_guid}.cred, each file
// the vault-encrypted JSON encoding of a ConnectorCredential.
type Store struct {
	vault *Vault
	dir   string
}

// NewStore opens (or creates) the credential store rooted at dataDir,
// sharing its master key with any Spool opened on the same dataDir.
func NewStore(dataDir string) (*Store, error) {
	vault, err := OpenVault(dataDir)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(dataDir, "credentials")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credentials: create store dir: %w", err)
	}
	return &Store{vault: vault, dir: dir}, nil
}

func (s *Store) fileFor(connectorGUID string) string {
	return filepath.Join(s.dir, connectorGUID+".cred")
}

// Save encrypts and persists cred, keyed by its ConnectorGUID.
func (s *Store) Save(cred ConnectorCredential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("credentials: marshal: %w", err)
	}
	encrypted, err := s.vault.Encrypt(raw)
	if err != nil {
		return fmt.Errorf("credentials: encrypt: %w", err)
	}
	path := s.fileFor(cred.ConnectorGUID)
	if err := os.WriteFile(path, encrypted, 0o600); err != nil {
		return fmt.Errorf("credentials: write %s: %w", path, err)
	}
	return nil
}

// Get loads and decrypts the credential for connectorGUID, returning
// (nil, nil) if none is stored.
func (s *Store) Get(connectorGUID string) (*ConnectorCredential, error) {
	path := s.fileFor(connectorGUID)
	encrypted, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credentials: read %s: %w", path, err)
	}
	raw, err := s.vault.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("credentials: decrypt %s: %w", path, err)
	}
	var cred ConnectorCredential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("credentials: unmarshal %s: %w", path, err)
	}
	return &cred, nil
}

// Delete removes a stored credential. Returns false if none existed.
func (s *Store) Delete(connectorGUID string) (bool, error) {
	path := s.fileFor(connectorGUID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("credentials: delete %s: %w", path, err)
	}
	return true, nil
}

// ListConnectorGUIDs returns every connector GUID with locally-stored
// credentials, sorted.
func (s *Store) ListConnectorGUIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("credentials: list %s: %w", s.dir, err)
	}
	guids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cred") {
			continue
		}
		guids = append(guids, strings.TrimSuffix(e.Name(), ".cred"))
	}
	sort.Strings(guids)
	return guids, nil
}
