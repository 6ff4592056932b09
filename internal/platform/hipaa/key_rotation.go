package hipaa

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/phimarket/compliance/internal/platform/policy"
)

// Versioned ciphertexts carry a "v{version}:" prefix.
const keyVersionPrefix = "v"
const keyVersionSeparator = ":"

// RotatingEncryptor encrypts with the current key and decrypts with any
// registered key version.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *FieldCipher
	currentVer int
	previous   map[int]*FieldCipher
}

// NewRotatingEncryptor creates a rotating encryptor with the current key.
func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	c, err := NewFieldCipher(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    c,
		currentVer: currentVersion,
		previous:   make(map[int]*FieldCipher),
	}, nil
}

// AddPreviousKey registers a retired key for decryption.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	c, err := NewFieldCipher(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[version] = c
	return nil
}

// Encrypt encrypts with the current key and prepends the version prefix.
func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ciphertext, err := r.current.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return keyVersionPrefix + strconv.Itoa(r.currentVer) + keyVersionSeparator + ciphertext, nil
}

// Decrypt picks the key from the version prefix. Unprefixed input is treated
// as legacy data under the current key.
func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	version, data, err := parseVersionedCiphertext(ciphertext)
	if err != nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.current.Decrypt(ciphertext)
	}

	c, err := r.cipherFor(version)
	if err != nil {
		return "", err
	}
	return c.Decrypt(data)
}

// Seal encrypts data with the current key into an EncryptedField stamped
// with the key version.
func (r *RotatingEncryptor) Seal(data []byte) (EncryptedField, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, err := r.current.Seal(data)
	if err != nil {
		return EncryptedField{}, err
	}
	f.KeyVersion = r.currentVer
	return f, nil
}

// Open decrypts f with the key matching its version.
func (r *RotatingEncryptor) Open(f EncryptedField) ([]byte, error) {
	c, err := r.cipherFor(f.KeyVersion)
	if err != nil {
		return nil, err
	}
	return c.Open(f)
}

func (r *RotatingEncryptor) cipherFor(version int) (*FieldCipher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == r.currentVer {
		return r.current, nil
	}
	c, ok := r.previous[version]
	if !ok {
		return nil, policy.E(policy.KindDecryption, "decrypt", fmt.Errorf("no key available for version %d", version))
	}
	return c, nil
}

// NeedsReEncryption reports whether ciphertext was produced by an older key.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, _, err := parseVersionedCiphertext(ciphertext)
	if err != nil {
		return true
	}
	return version != r.currentVer
}

// ReEncrypt decrypts with the old key and re-encrypts with the current key.
func (r *RotatingEncryptor) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

// CurrentVersion returns the current key version.
func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func parseVersionedCiphertext(s string) (int, string, error) {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return 0, "", fmt.Errorf("no version prefix")
	}

	idx := strings.Index(s, keyVersionSeparator)
	if idx < 0 {
		return 0, "", fmt.Errorf("no version separator")
	}

	version, err := strconv.Atoi(s[len(keyVersionPrefix):idx])
	if err != nil {
		return 0, "", fmt.Errorf("invalid version: %w", err)
	}
	return version, s[idx+1:], nil
}
