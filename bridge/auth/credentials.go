// Package auth holds the login credential lifecycle, the paired-device
// registry and the pairing coordinator.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
)

const (
	authFile       = "auth.json"
	saltSize       = 16
	hashSize       = 32
	accessTokenLen = 32
	minPasswordLen = 8
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var ErrInvalidPolicy = errors.New("password does not meet policy")

// authState is the on-disk shape of auth.json. The passphrase plaintext
// is kept so the host UI can display it.
type authState struct {
	Passphrase     string `json:"passphrase"`
	PassphraseHash string `json:"passphrase_hash"`
	PassphraseSalt string `json:"passphrase_salt"`

	CustomHash string `json:"custom_hash,omitempty"`
	CustomSalt string `json:"custom_salt,omitempty"`
	UseCustom  bool   `json:"use_custom"`

	AccessToken string    `json:"access_token"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Credentials manages the active login secret (generated passphrase or
// custom password) and the rotating legacy access token.
type Credentials struct {
	mu      sync.Mutex
	dataDir string
	state   authState
}

// OpenCredentials loads auth.json from dataDir, creating a fresh
// passphrase and access token on first start.
func OpenCredentials(dataDir string) (*Credentials, error) {
	c := &Credentials{dataDir: dataDir}

	path := filepath.Join(dataDir, authFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, &c.state); jsonErr == nil && c.state.PassphraseHash != "" {
			return c, nil
		}
		log.Warn().Str("path", path).Msg("[auth] corrupt auth file, regenerating credentials")
	}

	if err := c.resetLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Credentials) resetLocked() error {
	phrase, err := GeneratePassphrase()
	if err != nil {
		return err
	}
	hash, salt, err := hashSecret(phrase)
	if err != nil {
		return err
	}
	token, err := randomAlphanumeric(accessTokenLen)
	if err != nil {
		return err
	}

	c.state = authState{
		Passphrase:     phrase,
		PassphraseHash: hash,
		PassphraseSalt: salt,
		AccessToken:    token,
		UpdatedAt:      time.Now().UTC(),
	}
	c.save()
	return nil
}

// save writes auth.json atomically. Failures degrade to in-memory state.
func (c *Credentials) save() {
	c.state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("[auth] marshal auth state")
		return
	}
	path := filepath.Join(c.dataDir, authFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("[auth] write auth file")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("[auth] rename auth file")
	}
}

// GeneratePassphrase returns "{adjective}-{noun}-{nn}" drawn uniformly
// from the curated word lists.
func GeneratePassphrase() (string, error) {
	adj, err := pickWord(adjectives)
	if err != nil {
		return "", err
	}
	noun, err := pickWord(nouns)
	if err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%02d", adj, noun, n.Int64()), nil
}

// GenerateWordPhrase returns an N-word phrase with an optional numeric
// suffix, for deployments that want longer passphrases.
func GenerateWordPhrase(words int, numericSuffix bool) (string, error) {
	if words < 2 {
		words = 2
	}
	parts := make([]string, 0, words+1)
	for i := 0; i < words; i++ {
		list := nouns
		if i%2 == 0 {
			list = adjectives
		}
		w, err := pickWord(list)
		if err != nil {
			return "", err
		}
		parts = append(parts, w)
	}
	if numericSuffix {
		n, err := rand.Int(rand.Reader, big.NewInt(100))
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%02d", n.Int64()))
	}
	return strings.Join(parts, "-"), nil
}

func pickWord(list []string) (string, error) {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
	if err != nil {
		return "", err
	}
	return list[idx.Int64()], nil
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}

func hashSecret(secret string) (hash, salt string, err error) {
	rawSalt := make([]byte, saltSize)
	if _, err := rand.Read(rawSalt); err != nil {
		return "", "", err
	}
	key := argon2.IDKey([]byte(secret), rawSalt, 1, 64*1024, 4, hashSize)
	return base64.StdEncoding.EncodeToString(key), base64.StdEncoding.EncodeToString(rawSalt), nil
}

func verifySecret(secret, hash, salt string) bool {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false
	}
	rawHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return false
	}
	key := argon2.IDKey([]byte(secret), rawSalt, 1, 64*1024, 4, hashSize)
	return subtle.ConstantTimeCompare(key, rawHash) == 1
}

// Verify compares password against the active credential: the custom
// password when use_custom is set, the generated passphrase otherwise.
func (c *Credentials) Verify(password string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.UseCustom {
		return verifySecret(password, c.state.CustomHash, c.state.CustomSalt)
	}
	return verifySecret(password, c.state.PassphraseHash, c.state.PassphraseSalt)
}

// ValidatePassword enforces the minimum policy. Returns the list of
// failed requirements, empty when the password is acceptable.
func ValidatePassword(s string) []string {
	var reasons []string
	if len(s) < minPasswordLen {
		reasons = append(reasons, fmt.Sprintf("must be at least %d characters", minPasswordLen))
	}
	var hasLetter, hasDigit bool
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter {
		reasons = append(reasons, "must contain a letter")
	}
	if !hasDigit {
		reasons = append(reasons, "must contain a digit")
	}
	return reasons
}

// SetCustomPassword installs a custom password and makes it the active
// credential. Weak input fails with ErrInvalidPolicy.
func (c *Credentials) SetCustomPassword(password string) error {
	if reasons := ValidatePassword(password); len(reasons) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, strings.Join(reasons, "; "))
	}

	hash, salt, err := hashSecret(password)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.CustomHash = hash
	c.state.CustomSalt = salt
	c.state.UseCustom = true
	c.save()
	return nil
}

// SetUseCustom selects which credential is active. Enabling custom
// requires one to be set.
func (c *Credentials) SetUseCustom(useCustom bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if useCustom && c.state.CustomHash == "" {
		return errors.New("no custom password set")
	}
	c.state.UseCustom = useCustom
	c.save()
	return nil
}

func (c *Credentials) UseCustom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.UseCustom
}

// Passphrase returns the canonical plaintext so the host UI can show it.
func (c *Credentials) Passphrase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Passphrase
}

// Regenerate replaces the passphrase atomically. Paired devices are
// orthogonal to the passphrase and stay valid.
func (c *Credentials) Regenerate() (string, error) {
	phrase, err := GeneratePassphrase()
	if err != nil {
		return "", err
	}
	hash, salt, err := hashSecret(phrase)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Passphrase = phrase
	c.state.PassphraseHash = hash
	c.state.PassphraseSalt = salt
	c.save()

	log.Info().Msg("[auth] passphrase regenerated")
	return phrase, nil
}

// AccessToken returns the current legacy access token.
func (c *Credentials) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AccessToken
}

// RotateAccessToken mints a new legacy access token, invalidating the
// previous one.
func (c *Credentials) RotateAccessToken() (string, error) {
	token, err := randomAlphanumeric(accessTokenLen)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.AccessToken = token
	c.save()
	return token, nil
}

// ValidateAccessToken compares constant-time against the current token.
func (c *Credentials) ValidateAccessToken(candidate string) bool {
	c.mu.Lock()
	token := c.state.AccessToken
	c.mu.Unlock()
	if token == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1
}
