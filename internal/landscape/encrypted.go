package landscape

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// bcryptCost mirrors the teacher's internal/storage.HashAPIKey balance
	// of hashing latency vs. brute-force resistance.
	bcryptCost  = 10
	bcryptLimit = 72
)

// ErrPassphraseEmpty is returned by HashPassphrase for an empty input.
var ErrPassphraseEmpty = errors.New("landscape: passphrase cannot be empty")

// ErrCiphertextTooShort is returned by Open when the input is too small to
// contain a nonce.
var ErrCiphertextTooShort = errors.New("landscape: ciphertext shorter than nonce")

// HashPassphrase bcrypt-hashes a passphrase for storage, pre-hashing with
// SHA-256 first when it exceeds bcrypt's 72-byte input limit. Grounded on
// the teacher's HashAPIKey (internal/storage/hash.go).
func HashPassphrase(passphrase string) (string, error) {
	if passphrase == "" {
		return "", ErrPassphraseEmpty
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(passphrase), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("landscape: hash passphrase: %w", err)
	}

	return string(hash), nil
}

// VerifyPassphrase performs a constant-time comparison of passphrase
// against its bcrypt hash. Grounded on the teacher's CompareAPIKeyHash.
func VerifyPassphrase(hash, passphrase string) bool {
	if hash == "" || passphrase == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(passphrase)) == nil
}

func bcryptInput(passphrase string) []byte {
	if len(passphrase) <= bcryptLimit {
		return []byte(passphrase)
	}

	sum := sha256.Sum256([]byte(passphrase))

	return sum[:]
}

// DeriveRunKey derives a per-run ChaCha20-Poly1305 key from passphrase,
// salted with runID so every run's recorded bytes are sealed under a
// distinct key even though they share one passphrase.
func DeriveRunKey(passphrase, runID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(passphrase), []byte(runID), []byte("elspeth-landscape-v1"))

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("landscape: derive run key: %w", err)
	}

	return key, nil
}

// Seal encrypts plaintext under key, returning nonce||ciphertext. The
// Recorder does not call it: error_json, context_after_json, and payload
// bytes are written unencrypted whether or not EncryptionEnabled is set.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("landscape: build aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("landscape: generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("landscape: build aead: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("landscape: decrypt: %w", err)
	}

	return plaintext, nil
}

// WarnJournalUnsafeIfEncrypted logs spec.md §4.3's required warning when a
// plaintext journal is paired with an encrypted database: the journal
// mirrors row data in the clear regardless of the database's own
// encryption, so this is a misconfiguration worth flagging rather than
// silently leaking what the encrypted backend was meant to protect.
func WarnJournalUnsafeIfEncrypted(cfg *Config, journalEnabled bool, logger *slog.Logger) {
	if cfg.EncryptionEnabled && journalEnabled {
		logger.Warn("journal is not encrypted while database is")
	}
}
