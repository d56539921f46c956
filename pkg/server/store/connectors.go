package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// ConnectorStore is the connectors-table facade. Server-held
// credentials are encrypted the same way the agent's credentials.Vault
// protects locally-held ones (XChaCha20-Poly1305), keeping the two
// sides of the CredentialLocation split symmetric.
type ConnectorStore struct {
	db  *gorm.DB
	key []byte
}

func (s *ConnectorStore) seal(fields map[string]string) ([]byte, error) {
	if fields == nil {
		return nil, nil
	}
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("store: init connector cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *ConnectorStore) open(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("store: init connector cipher: %w", err)
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("store: encrypted connector credentials truncated")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt connector credentials: %w", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Create inserts a new connector, encrypting credentials if the server
// is meant to hold them.
func (s *ConnectorStore) Create(ctx context.Context, c *db.Connector, credentials map[string]string) error {
	if c.CredentialLocation == apis.CredentialServer {
		blob, err := s.seal(credentials)
		if err != nil {
			return err
		}
		c.EncryptedCredentials = blob
	}
	return s.db.WithContext(ctx).Create(c).Error
}

// GetByGUID fetches a connector by GUID, nil,nil if not found.
func (s *ConnectorStore) GetByGUID(ctx context.Context, guid string) (*db.Connector, error) {
	var c db.Connector
	err := s.db.WithContext(ctx).Where("guid = ?", guid).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID fetches a connector by its numeric primary key, nil,nil if
// not found — used by GetJobConfig to resolve a collection's
// connector_id FK.
func (s *ConnectorStore) GetByID(ctx context.Context, id uint) (*db.Connector, error) {
	var c db.Connector
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Credentials decrypts and returns a server-held connector's
// credential fields.
func (s *ConnectorStore) Credentials(c *db.Connector) (map[string]string, error) {
	return s.open(c.EncryptedCredentials)
}

// ListByTeam lists every connector registered to a team.
func (s *ConnectorStore) ListByTeam(ctx context.Context, teamID uint) ([]db.Connector, error) {
	var connectors []db.Connector
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Find(&connectors).Error
	return connectors, err
}

// Delete removes a connector by GUID.
func (s *ConnectorStore) Delete(ctx context.Context, guid string) error {
	res := s.db.WithContext(ctx).Where("guid = ?", guid).Delete(&db.Connector{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("store: connector not found")
	}
	return nil
}
