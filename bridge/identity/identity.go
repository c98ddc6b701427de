// Package identity persists the server's long-lived keys and name.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tonearm/bridge/bridge/cryptoops"
)

const identityFile = "server-identity.json"

// ServerIdentity is the on-disk shape of the host identity. Created on
// first start, mutated only by rename, never rotated silently.
type ServerIdentity struct {
	ServerID    string `json:"server_id"`
	ServerName  string `json:"server_name"`
	RelayRoomID string `json:"relay_room_id"`
	Generation  int    `json:"generation"`

	SigningKey  string `json:"signing_key"`   // base64 ed25519 private key
	SealPublic  string `json:"seal_public"`   // base64 x25519 public key
	SealPrivate string `json:"seal_private"`  // base64 x25519 private key
}

// PublicIdentity is the redacted projection handed to API consumers.
type PublicIdentity struct {
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName"`
	PublicKey  string `json:"publicKey"`
}

// Store loads and persists the ServerIdentity. Writes are single-writer
// with atomic rename; save failures are non-fatal.
type Store struct {
	mu      sync.Mutex
	dataDir string

	ident    ServerIdentity
	cred     *cryptoops.Credential
	sealKeys *cryptoops.SealKeypair
}

// Open loads the identity from dataDir, generating a fresh one when the
// file is absent or unreadable.
func Open(dataDir string) (*Store, error) {
	s := &Store{dataDir: dataDir}

	path := filepath.Join(dataDir, identityFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if loadErr := s.load(data); loadErr == nil {
			return s, nil
		} else {
			log.Warn().Err(loadErr).Str("path", path).Msg("[identity] corrupt identity file, regenerating")
		}
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("[identity] failed to read identity file, regenerating")
	}

	if err := s.generate(); err != nil {
		return nil, err
	}
	s.save()
	return s, nil
}

func (s *Store) load(data []byte) error {
	var ident ServerIdentity
	if err := json.Unmarshal(data, &ident); err != nil {
		return err
	}

	signKey, err := base64.StdEncoding.DecodeString(ident.SigningKey)
	if err != nil {
		return err
	}
	cred, err := cryptoops.NewCredentialFromPrivateKey(ed25519.PrivateKey(signKey))
	if err != nil {
		return err
	}
	sealPub, err := base64.StdEncoding.DecodeString(ident.SealPublic)
	if err != nil {
		return err
	}
	sealPriv, err := base64.StdEncoding.DecodeString(ident.SealPrivate)
	if err != nil {
		return err
	}

	s.ident = ident
	s.cred = cred
	s.sealKeys = &cryptoops.SealKeypair{Public: sealPub, Private: sealPriv}
	return nil
}

func (s *Store) generate() error {
	cred, err := cryptoops.NewCredential()
	if err != nil {
		return err
	}
	sealKeys, err := cryptoops.NewSealKeypair()
	if err != nil {
		return err
	}

	s.cred = cred
	s.sealKeys = sealKeys
	s.ident = ServerIdentity{
		ServerID:    cred.ID(),
		ServerName:  "Bridge Server",
		RelayRoomID: cred.RoomID(),
		Generation:  1,
		SigningKey:  base64.StdEncoding.EncodeToString(cred.PrivateKey()),
		SealPublic:  base64.StdEncoding.EncodeToString(sealKeys.Public),
		SealPrivate: base64.StdEncoding.EncodeToString(sealKeys.Private),
	}

	log.Info().
		Str("server_id", s.ident.ServerID).
		Str("room_id", s.ident.RelayRoomID).
		Msg("[identity] generated new server identity")
	return nil
}

// save writes the identity atomically. Errors degrade to in-memory
// operation and are surfaced on the next save.
func (s *Store) save() {
	data, err := json.MarshalIndent(s.ident, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("[identity] marshal identity")
		return
	}

	path := filepath.Join(s.dataDir, identityFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("[identity] write identity file")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("[identity] rename identity file")
	}
}

// PublicIdentity returns id, name and the signing public key only.
func (s *Store) PublicIdentity() PublicIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PublicIdentity{
		ServerID:   s.ident.ServerID,
		ServerName: s.ident.ServerName,
		PublicKey:  base64.StdEncoding.EncodeToString(s.cred.PublicKey()),
	}
}

func (s *Store) ServerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident.ServerName
}

func (s *Store) SetServerName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ident.ServerName = name
	s.ident.Generation++
	s.save()
}

func (s *Store) RelayRoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident.RelayRoomID
}

func (s *Store) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident.ServerID
}

// Credential returns the ed25519 identity used for relay registration.
func (s *Store) Credential() *cryptoops.Credential {
	return s.cred
}

// SealKeys returns the long-lived X25519 pair peers seal frames against.
func (s *Store) SealKeys() *cryptoops.SealKeypair {
	return s.sealKeys
}
