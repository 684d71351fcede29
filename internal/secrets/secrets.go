// Package secrets decrypts credentials at the process boundary.
//
// Credentials may be supplied as plaintext environment variables or as
// encrypted counterparts suffixed with _ENCRYPTED. The cipher key is derived
// from MASTER_PASSWORD with PBKDF2-SHA256 (480k iterations, OWASP floor) and
// a fixed per-deployment salt; ciphertexts are base64-wrapped AES-256-GCM
// with the nonce prepended. The encrypt-credentials CLI mode uses the same
// Manager to produce the _ENCRYPTED values.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrNoMasterPassword is returned when encrypted credentials are in use
	// but MASTER_PASSWORD is absent.
	ErrNoMasterPassword = errors.New("MASTER_PASSWORD required for encrypted secrets")

	// ErrDecrypt is returned when a ciphertext cannot be opened, usually a
	// wrong master password.
	ErrDecrypt = errors.New("failed to decrypt secret (check MASTER_PASSWORD)")
)

const (
	kdfIterations = 480000
	keyLen        = 32
)

// salt is fixed per deployment so encrypted values survive restarts.
var salt = []byte("crossarb_secrets_salt_v1")

// Manager derives one AEAD from the master password and resolves
// environment-provided credentials through it.
type Manager struct {
	aead cipher.AEAD
	log  *slog.Logger
}

// NewManager derives the cipher key from masterPassword. An empty password
// is rejected; callers that need no encrypted credentials should not
// construct a Manager at all.
func NewManager(masterPassword string, logger *slog.Logger) (*Manager, error) {
	if masterPassword == "" {
		return nil, ErrNoMasterPassword
	}
	if logger == nil {
		logger = slog.Default()
	}
	key := pbkdf2.Key([]byte(masterPassword), salt, kdfIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Manager{aead: aead, log: logger.With("component", "secrets")}, nil
}

// Encrypt seals a plaintext secret and returns it base64-encoded with the
// random nonce prepended.
func (m *Manager) Encrypt(secret string) (string, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(secret), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (m *Manager) Decrypt(encrypted string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < m.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, sealed := raw[:m.aead.NonceSize()], raw[m.aead.NonceSize():]
	plain, err := m.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// Resolve returns the credential named by the environment variable. The
// _ENCRYPTED variant wins when present and decryptable; otherwise the
// plaintext variable is used as-is. A failed decryption is logged and falls
// back to the plaintext variable so a bad master password degrades loudly
// rather than silently dropping a credential.
func (m *Manager) Resolve(name string) string {
	plain := os.Getenv(name)
	if enc := os.Getenv(name + "_ENCRYPTED"); enc != "" {
		dec, err := m.Decrypt(enc)
		if err != nil {
			m.log.Warn("failed to decrypt credential", "var", name+"_ENCRYPTED", "err", err)
			return plain
		}
		return dec
	}
	return plain
}

// ResolveEnv resolves a credential without a Manager: only the plaintext
// variable is consulted. Used when no MASTER_PASSWORD is configured.
func ResolveEnv(name string) string {
	return os.Getenv(name)
}

// KalshiCredentials returns (api key id, private key PEM).
func (m *Manager) KalshiCredentials() (apiKey, privateKey string) {
	return m.Resolve("KALSHI_API_KEY"), m.Resolve("KALSHI_PRIVATE_KEY")
}

// PolymarketCredentials returns (wallet private key hex, CLOB api key).
func (m *Manager) PolymarketCredentials() (privateKey, apiKey string) {
	return m.Resolve("POLYMARKET_PRIVATE_KEY"), m.Resolve("POLYMARKET_API_KEY")
}

// TelegramCredentials returns (bot token, chat id).
func (m *Manager) TelegramCredentials() (token, chatID string) {
	return m.Resolve("TELEGRAM_BOT_TOKEN"), m.Resolve("TELEGRAM_CHAT_ID")
}
