package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
	"github.com/fabrice-guiot/shuttersense-sub005/pkg/server/db"
)

// AgentStore is the agents-table facade: registration, heartbeat,
// status transitions.
type AgentStore struct {
	db *gorm.DB
}

// HashAPIKey returns the hex SHA-256 digest stored in place of the
// plaintext key; the plaintext is returned to the operator exactly
// once at registration time and never persisted.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey mints a random 32-byte key, hex-encoded, prefixed so
// agents and operators can identify a key's owner from its prefix
// alone without ever seeing the full secret again.
func GenerateAPIKey() (full string, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", err
	}
	full = hex.EncodeToString(raw)
	prefix = full[:12]
	return full, prefix, nil
}

// Register inserts a new agent row from a registration request,
// already validated against its RegistrationToken by the caller.
func (s *AgentStore) Register(ctx context.Context, agent *db.Agent) error {
	return s.db.WithContext(ctx).Create(agent).Error
}

// GetByGUID fetches an agent by GUID, nil,nil if not found.
func (s *AgentStore) GetByGUID(ctx context.Context, guid string) (*db.Agent, error) {
	var a db.Agent
	err := s.db.WithContext(ctx).Where("guid = ?", guid).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByAPIKey looks an agent up by its key's hash, for Bearer-auth
// middleware.
func (s *AgentStore) GetByAPIKey(ctx context.Context, apiKey string) (*db.Agent, error) {
	var a db.Agent
	err := s.db.WithContext(ctx).Where("api_key_hash = ?", HashAPIKey(apiKey)).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Heartbeat records a heartbeat's capabilities/metrics and marks the
// agent online, returning any pending commands queued for it.
func (s *AgentStore) Heartbeat(ctx context.Context, agentID uint, req apis.HeartbeatRequest) ([]string, error) {
	capsJSON, err := json.Marshal(req.Capabilities)
	if err != nil {
		return nil, err
	}
	metricsJSON, err := json.Marshal(req.Metrics)
	if err != nil {
		return nil, err
	}

	var agent db.Agent
	var pending []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if terr := tx.Where("id = ?", agentID).First(&agent).Error; terr != nil {
			return terr
		}
		if agent.PendingCommands != "" {
			_ = json.Unmarshal([]byte(agent.PendingCommands), &pending)
		}
		now := time.Now().UTC()
		return tx.Model(&db.Agent{}).Where("id = ?", agentID).Updates(map[string]interface{}{
			"status":            apis.AgentOnline,
			"capabilities":      string(capsJSON),
			"metrics":           string(metricsJSON),
			"version":           req.Version,
			"platform":          req.Platform,
			"binary_checksum":   req.BinaryChecksum,
			"last_heartbeat_at": now,
			"pending_commands":  "[]",
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// QueueCommand appends a command to an agent's pending-commands list,
// delivered on its next heartbeat.
func (s *AgentStore) QueueCommand(ctx context.Context, guid, command string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent db.Agent
		if err := tx.Where("guid = ?", guid).First(&agent).Error; err != nil {
			return err
		}
		var pending []string
		if agent.PendingCommands != "" {
			_ = json.Unmarshal([]byte(agent.PendingCommands), &pending)
		}
		pending = append(pending, command)
		encoded, err := json.Marshal(pending)
		if err != nil {
			return err
		}
		return tx.Model(&db.Agent{}).Where("id = ?", agent.ID).Update("pending_commands", string(encoded)).Error
	})
}

// Revoke marks an agent revoked; its API key stops authenticating.
func (s *AgentStore) Revoke(ctx context.Context, guid string) error {
	res := s.db.WithContext(ctx).Model(&db.Agent{}).Where("guid = ?", guid).Update("status", apis.AgentRevoked)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("store: agent not found")
	}
	return nil
}

// Verify marks an agent's attestation as verified — set at
// registration and re-confirmed on every heartbeat whose reported
// binary checksum still matches a published release artifact for its
// platform.
func (s *AgentStore) Verify(ctx context.Context, guid string) error {
	return s.db.WithContext(ctx).Model(&db.Agent{}).Where("guid = ?", guid).Update("is_verified", true).Error
}

// Unverify clears an agent's attestation once its reported binary
// checksum no longer matches any published release artifact for its
// platform; the agent may keep heartbeating but is refused on
// /jobs/claim until a matching build is detected.
func (s *AgentStore) Unverify(ctx context.Context, guid string) error {
	return s.db.WithContext(ctx).Model(&db.Agent{}).Where("guid = ?", guid).Update("is_verified", false).Error
}

// MarkOutdated flags whether an agent's reported version trails the
// latest published release.
func (s *AgentStore) MarkOutdated(ctx context.Context, guid string, outdated bool) error {
	return s.db.WithContext(ctx).Model(&db.Agent{}).Where("guid = ?", guid).Update("is_outdated", outdated).Error
}

// SweepOffline marks agents offline whose last heartbeat predates
// cutoff, returning how many were flipped.
func (s *AgentStore) SweepOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&db.Agent{}).
		Where("status = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)", apis.AgentOnline, cutoff).
		Update("status", apis.AgentOffline)
	return res.RowsAffected, res.Error
}

// ListByTeam lists every agent registered to a team.
func (s *AgentStore) ListByTeam(ctx context.Context, teamID uint) ([]db.Agent, error) {
	var agents []db.Agent
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Order("name ASC").Find(&agents).Error
	return agents, err
}
