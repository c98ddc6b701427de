package cryptoops

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrSessionKeyDerive = errors.New("failed to derive session key")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidKey       = errors.New("invalid key length")
)

const (
	// HKDF info strings for directional key derivation.
	hostKeyInfo = "BRIDGE_KEY_HOST"
	peerKeyInfo = "BRIDGE_KEY_PEER"
)

// SealKeypair is an X25519 key agreement pair. The host keeps one
// long-lived pair alongside its signing key; peers generate an ephemeral
// pair per connection.
type SealKeypair struct {
	Public  []byte
	Private []byte
}

func NewSealKeypair() (*SealKeypair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &SealKeypair{Public: pub, Private: priv}, nil
}

// Box seals and opens frames between two X25519 identities. Each frame
// gets a fresh random nonce, prepended to the ciphertext.
type Box struct {
	sealer cipher.AEAD
	opener cipher.AEAD
}

// NewBox derives directional AEAD keys from the X25519 shared secret.
// host selects which HKDF info string is used for each direction; the
// two sides must pass opposite values.
func NewBox(localPrivate, remotePublic []byte, host bool) (*Box, error) {
	if len(localPrivate) != curve25519.ScalarSize || len(remotePublic) != curve25519.PointSize {
		return nil, ErrInvalidKey
	}

	shared, err := curve25519.X25519(localPrivate, remotePublic)
	if err != nil {
		return nil, ErrSessionKeyDerive
	}

	sendInfo, recvInfo := hostKeyInfo, peerKeyInfo
	if !host {
		sendInfo, recvInfo = peerKeyInfo, hostKeyInfo
	}

	sendKey, err := deriveKey(shared, sendInfo)
	if err != nil {
		return nil, err
	}
	recvKey, err := deriveKey(shared, recvInfo)
	if err != nil {
		return nil, err
	}

	sealer, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, ErrSessionKeyDerive
	}
	opener, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, ErrSessionKeyDerive
	}

	return &Box{sealer: sealer, opener: opener}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, ErrSessionKeyDerive
	}
	return key, nil
}

// Seal encrypts plaintext with a fresh nonce. Output is nonce||ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, ErrEncryptionFailed
	}
	return b.sealer.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce||ciphertext frame.
func (b *Box) Open(frame []byte) ([]byte, error) {
	if len(frame) < chacha20poly1305.NonceSize {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := frame[:chacha20poly1305.NonceSize], frame[chacha20poly1305.NonceSize:]
	plaintext, err := b.opener.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
