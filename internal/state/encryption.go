package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	// EncryptionKeyEnvVar holds the passphrase for at-rest state encryption.
	EncryptionKeyEnvVar = "FLYDO_STATE_ENCRYPTION_KEY"

	encryptedMarker = "# FLYDO_ENCRYPTED_STATE"
	kdfPrefix       = "scrypt:"
)

// scrypt parameters and salt size for the AES-256 key.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keyLen  = 32
	saltLen = 16
)

// ErrUnsupportedFormat is returned for encrypted state without a salt header.
var ErrUnsupportedFormat = errors.New("unsupported encrypted state format")

// sealKey derives AES keys from a passphrase with scrypt. The salt lives in
// the file header; the key for the last salt seen is cached so a
// read-merge-write derives once.
type sealKey struct {
	passphrase string

	mu   sync.Mutex
	salt []byte
	key  []byte
}

// newSealKey returns nil for an empty passphrase, which disables encryption.
func newSealKey(passphrase string) *sealKey {
	if passphrase == "" {
		return nil
	}
	return &sealKey{passphrase: passphrase}
}

// forSalt returns the key for salt.
func (k *sealKey) forSalt(salt []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key != nil && bytes.Equal(k.salt, salt) {
		return k.key, nil
	}
	key, err := scrypt.Key([]byte(k.passphrase), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	k.salt = append([]byte(nil), salt...)
	k.key = key
	return key, nil
}

// current returns the cached salt and key, generating a fresh salt when
// nothing has been read or written yet.
func (k *sealKey) current() ([]byte, []byte, error) {
	k.mu.Lock()
	salt, key := k.salt, k.key
	k.mu.Unlock()
	if key != nil {
		return salt, key, nil
	}

	salt = make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := k.forSalt(salt)
	if err != nil {
		return nil, nil, err
	}
	return salt, key, nil
}

// IsEncrypted reports whether content carries the encrypted-state header.
func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, []byte(encryptedMarker))
}

// encrypt seals content with AES-256-GCM. A nil key returns content unchanged.
//
// The file is a header line naming the salt followed by base64(nonce|ciphertext):
//
//	# FLYDO_ENCRYPTED_STATE scrypt:<base64 salt>
//	<base64 sealed>
func encrypt(k *sealKey, content []byte) ([]byte, error) {
	if k == nil {
		return content, nil
	}

	salt, key, err := k.current()
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, content, nil)
	header := encryptedMarker + " " + kdfPrefix + base64.StdEncoding.EncodeToString(salt)
	return []byte(header + "\n" + base64.StdEncoding.EncodeToString(sealed) + "\n"), nil
}

// decrypt opens content sealed by encrypt. Plain content is returned as is.
func decrypt(k *sealKey, content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}
	if k == nil {
		return nil, fmt.Errorf("state file is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	header, body, _ := bytes.Cut(content, []byte("\n"))
	salt, err := parseSalt(string(header))
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}

	key, err := k.forSalt(salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plaintext, nil
}

func parseSalt(header string) ([]byte, error) {
	field := strings.TrimSpace(strings.TrimPrefix(header, encryptedMarker))
	encoded, ok := strings.CutPrefix(field, kdfPrefix)
	if !ok {
		return nil, ErrUnsupportedFormat
	}
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	if len(salt) < saltLen {
		return nil, fmt.Errorf("%w: salt too short", ErrUnsupportedFormat)
	}
	return salt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
