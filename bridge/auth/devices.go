package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrMalformedToken = errors.New("malformed device token")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrDeviceExpired  = errors.New("device token expired")
	ErrTokenMismatch  = errors.New("device token mismatch")
	ErrDeviceRevoked  = errors.New("device revoked")
)

const (
	deviceKeyPrefix = "device/"
	deviceTokenLen  = 32
)

// DeviceStatus is either active or revoked. Revoked records are kept so
// a revoked token is distinguishable from an unknown one.
type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceRevoked DeviceStatus = "revoked"
)

// Device is the persisted record of a paired device. The token itself is
// never stored; only its argon2 hash.
type Device struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	UserAgent string       `json:"user_agent"`
	IssuedAt  time.Time    `json:"issued_at"`
	LastSeen  time.Time    `json:"last_seen"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"` // nil = never
	PublicKey string       `json:"public_key,omitempty"`
	Status    DeviceStatus `json:"status"`

	TokenHash string `json:"token_hash"`
	TokenSalt string `json:"token_salt"`
}

// DeviceInfo is the redacted projection returned by List.
type DeviceInfo struct {
	ID        string       `json:"deviceId"`
	Name      string       `json:"name"`
	UserAgent string       `json:"userAgent"`
	IssuedAt  time.Time    `json:"issuedAt"`
	LastSeen  time.Time    `json:"lastSeen"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
	Status    DeviceStatus `json:"status"`
}

// DeviceRegistry issues, validates, refreshes and revokes device tokens.
// Records live in a pebble store under <data>/devices; writes are
// serialized by the registry mutex.
type DeviceRegistry struct {
	mu sync.Mutex
	db *pebble.DB
}

func OpenDeviceRegistry(dataDir string) (*DeviceRegistry, error) {
	db, err := pebble.Open(filepath.Join(dataDir, "devices"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	return &DeviceRegistry{db: db}, nil
}

func (r *DeviceRegistry) Close() error {
	return r.db.Close()
}

func deviceKey(id string) []byte {
	return []byte(deviceKeyPrefix + id)
}

func (r *DeviceRegistry) getDevice(id string) (*Device, error) {
	data, closer, err := r.db.Get(deviceKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, err
	}
	defer closer.Close()

	var d Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeviceRegistry) putDevice(d *Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.db.Set(deviceKey(d.ID), data, pebble.Sync)
}

// Register mints a device and its opaque token. The combined wire form
// is "<device_id>:<token>".
func (r *DeviceRegistry) Register(name, userAgent string, expiresAt *time.Time) (deviceID, combinedToken string, expiry *time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, err := randomAlphanumeric(deviceTokenLen)
	if err != nil {
		return "", "", nil, err
	}
	hash, salt, err := hashSecret(token)
	if err != nil {
		return "", "", nil, err
	}

	now := time.Now().UTC()
	d := &Device{
		ID:        uuid.NewString(),
		Name:      name,
		UserAgent: userAgent,
		IssuedAt:  now,
		LastSeen:  now,
		ExpiresAt: expiresAt,
		Status:    DeviceActive,
		TokenHash: hash,
		TokenSalt: salt,
	}
	if d.Name == "" {
		d.Name = "Unnamed Device"
	}

	if err := r.putDevice(d); err != nil {
		return "", "", nil, err
	}

	log.Info().Str("device_id", d.ID).Str("name", d.Name).Msg("[devices] device registered")
	return d.ID, d.ID + ":" + token, expiresAt, nil
}

// SplitCombined parses "<device_id>:<token>". Both halves must be
// non-empty.
func SplitCombined(combined string) (deviceID, token string, err error) {
	id, tok, ok := strings.Cut(combined, ":")
	if !ok || id == "" || tok == "" {
		return "", "", ErrMalformedToken
	}
	return id, tok, nil
}

// Validate accepts a combined token iff the device exists, is active,
// is not expired and the token matches. Last-seen is updated on success.
func (r *DeviceRegistry) Validate(combined string) (string, error) {
	id, token, err := SplitCombined(combined)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.getDevice(id)
	if err != nil {
		return "", err
	}
	if d.Status == DeviceRevoked {
		return "", ErrDeviceRevoked
	}
	if d.ExpiresAt != nil && time.Now().After(*d.ExpiresAt) {
		return "", ErrDeviceExpired
	}
	if !verifySecret(token, d.TokenHash, d.TokenSalt) {
		return "", ErrTokenMismatch
	}

	d.LastSeen = time.Now().UTC()
	if err := r.putDevice(d); err != nil {
		log.Warn().Err(err).Str("device_id", id).Msg("[devices] failed to update last-seen")
	}
	return id, nil
}

// Refresh rotates the secret half of a device token, preserving the
// device id and record.
func (r *DeviceRegistry) Refresh(deviceID, oldToken string) (string, *time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.getDevice(deviceID)
	if err != nil {
		return "", nil, err
	}
	if d.Status == DeviceRevoked {
		return "", nil, ErrDeviceRevoked
	}
	if !verifySecret(oldToken, d.TokenHash, d.TokenSalt) {
		return "", nil, ErrTokenMismatch
	}

	token, err := randomAlphanumeric(deviceTokenLen)
	if err != nil {
		return "", nil, err
	}
	hash, salt, err := hashSecret(token)
	if err != nil {
		return "", nil, err
	}
	d.TokenHash = hash
	d.TokenSalt = salt
	d.LastSeen = time.Now().UTC()
	if err := r.putDevice(d); err != nil {
		return "", nil, err
	}

	log.Info().Str("device_id", deviceID).Msg("[devices] token refreshed")
	return deviceID + ":" + token, d.ExpiresAt, nil
}

// Revoke marks the device revoked; every future validation fails.
func (r *DeviceRegistry) Revoke(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.getDevice(deviceID)
	if err != nil {
		return err
	}
	d.Status = DeviceRevoked
	if err := r.putDevice(d); err != nil {
		return err
	}
	log.Info().Str("device_id", deviceID).Msg("[devices] device revoked")
	return nil
}

// RevokeAll deletes every device record and returns the count.
func (r *DeviceRegistry) RevokeAll() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.listIDs()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := r.db.Delete(deviceKey(id), pebble.Sync); err != nil {
			return 0, err
		}
	}
	log.Info().Int("count", len(ids)).Msg("[devices] all devices revoked")
	return len(ids), nil
}

func (r *DeviceRegistry) listIDs() ([]string, error) {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(deviceKeyPrefix),
		UpperBound: []byte(deviceKeyPrefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, strings.TrimPrefix(string(iter.Key()), deviceKeyPrefix))
	}
	return ids, nil
}

// List returns redacted device records; no secrets leave the registry.
func (r *DeviceRegistry) List() ([]DeviceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(deviceKeyPrefix),
		UpperBound: []byte(deviceKeyPrefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var infos []DeviceInfo
	for iter.First(); iter.Valid(); iter.Next() {
		var d Device
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			continue
		}
		infos = append(infos, DeviceInfo{
			ID:        d.ID,
			Name:      d.Name,
			UserAgent: d.UserAgent,
			IssuedAt:  d.IssuedAt,
			LastSeen:  d.LastSeen,
			ExpiresAt: d.ExpiresAt,
			Status:    d.Status,
		})
	}
	return infos, nil
}
