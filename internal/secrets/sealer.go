package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrWorkspaceMismatch = errors.New("sealed value belongs to another workspace")

// Envelope is the stored form of a sealed workspace token.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Workspace  string `json:"workspace"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer encrypts Plane API tokens at rest. The workspace slug is bound as
// additional authenticated data.
type Sealer struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Sealer{currentKeyID: currentKeyID, keys: cp}, nil
}

func (s *Sealer) Seal(workspaceSlug, token string) (string, error) {
	workspaceSlug = normalizeSlug(workspaceSlug)
	if workspaceSlug == "" {
		return "", fmt.Errorf("workspace slug is empty")
	}
	aead, err := newAEAD(s.keys[s.currentKeyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(token), []byte(workspaceSlug))

	b, err := json.Marshal(Envelope{
		KeyID:      s.currentKeyID,
		Workspace:  workspaceSlug,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Open decrypts a sealed token for the given workspace. A value sealed for a
// different workspace fails authentication even if the envelope is edited.
func (s *Sealer) Open(workspaceSlug, sealed string) (string, error) {
	workspaceSlug = normalizeSlug(workspaceSlug)
	var env Envelope
	if err := json.Unmarshal([]byte(sealed), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Workspace != "" && env.Workspace != workspaceSlug {
		return "", ErrWorkspaceMismatch
	}
	key, ok := s.keys[env.KeyID]
	if !ok {
		return "", fmt.Errorf("unknown key id %q", env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("invalid nonce size %d", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(workspaceSlug))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Reseal re-encrypts under the current key, used after a key rotation.
func (s *Sealer) Reseal(workspaceSlug, sealed string) (string, error) {
	plain, err := s.Open(workspaceSlug, sealed)
	if err != nil {
		return "", err
	}
	return s.Seal(workspaceSlug, plain)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

func normalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
