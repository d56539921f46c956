package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// TokenStore is the agent_registration_tokens facade.
type TokenStore struct {
	db *gorm.DB
}

// GenerateToken mints a random 24-byte hex registration secret.
func GenerateToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Create inserts a new registration token, valid until expiresAt.
func (s *TokenStore) Create(ctx context.Context, t *db.RegistrationToken) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// Consume validates a plaintext token and marks it used, refusing a
// token that's already consumed or past expiry.
func (s *TokenStore) Consume(ctx context.Context, plaintext string) (*db.RegistrationToken, error) {
	hash := HashAPIKey(plaintext)
	var tok db.RegistrationToken
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if terr := tx.Where("token_hash = ?", hash).First(&tok).Error; terr != nil {
			return terr
		}
		if tok.UsedAt != nil {
			return errors.New("store: registration token already used")
		}
		if time.Now().UTC().After(tok.ExpiresAt) {
			return errors.New("store: registration token expired")
		}
		now := time.Now().UTC()
		tok.UsedAt = &now
		return tx.Model(&db.RegistrationToken{}).Where("id = ?", tok.ID).Update("used_at", now).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New("store: registration token not found")
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}
