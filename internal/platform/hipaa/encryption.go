package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/phimarket/compliance/internal/platform/policy"
)

const tagSize = 16

// EncryptedField is the at-rest form of a single encrypted value. All parts
// are base64. A field is either plaintext or a complete EncryptedField.
type EncryptedField struct {
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	KeyVersion    int    `json:"keyVersion,omitempty"`
}

// FieldCipher provides AES-256-GCM encryption of single field values.
type FieldCipher struct {
	aead cipher.AEAD
}

// NormalizeKey returns key unchanged when it is 32 bytes, otherwise its
// SHA-256 digest.
func NormalizeKey(key []byte) []byte {
	if len(key) == 32 {
		return key
	}
	sum := sha256.Sum256(key)
	return sum[:]
}

// NewFieldCipher creates a FieldCipher. Keys that are not 32 bytes are
// normalized with NormalizeKey; an empty key is rejected.
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) == 0 {
		return nil, policy.E(policy.KindEncryption, "field cipher", errors.New("empty key"))
	}

	block, err := aes.NewCipher(NormalizeKey(key))
	if err != nil {
		return nil, fmt.Errorf("field cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create GCM: %w", err)
	}

	return &FieldCipher{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext || tag).
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	encrypted, err := c.EncryptBytes([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// Decrypt reverses Encrypt. Any failure is a DECRYPTION_ERROR.
func (c *FieldCipher) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", policy.E(policy.KindDecryption, "decrypt", fmt.Errorf("base64 decode: %w", err))
	}

	plaintext, err := c.DecryptBytes(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptBytes encrypts data and returns the nonce prepended to the ciphertext.
func (c *FieldCipher) EncryptBytes(data []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, policy.E(policy.KindEncryption, "encrypt", fmt.Errorf("generate nonce: %w", err))
	}
	return c.aead.Seal(nonce, nonce, data, nil), nil
}

// DecryptBytes extracts the nonce from the front of data and decrypts the rest.
func (c *FieldCipher) DecryptBytes(data []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+tagSize {
		return nil, policy.E(policy.KindDecryption, "decrypt", errors.New("ciphertext too short"))
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, policy.E(policy.KindDecryption, "decrypt", err)
	}
	return plaintext, nil
}

// Seal encrypts data into an EncryptedField with the IV and tag split out.
func (c *FieldCipher) Seal(data []byte) (EncryptedField, error) {
	out, err := c.EncryptBytes(data)
	if err != nil {
		return EncryptedField{}, err
	}
	n := c.aead.NonceSize()
	body := out[n : len(out)-tagSize]
	tag := out[len(out)-tagSize:]
	return EncryptedField{
		EncryptedData: base64.StdEncoding.EncodeToString(body),
		IV:            base64.StdEncoding.EncodeToString(out[:n]),
		AuthTag:       base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Open decrypts an EncryptedField produced by Seal.
func (c *FieldCipher) Open(f EncryptedField) ([]byte, error) {
	body, err1 := base64.StdEncoding.DecodeString(f.EncryptedData)
	iv, err2 := base64.StdEncoding.DecodeString(f.IV)
	tag, err3 := base64.StdEncoding.DecodeString(f.AuthTag)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, policy.E(policy.KindDecryption, "open field", fmt.Errorf("base64 decode: %w", err))
	}
	if len(iv) != c.aead.NonceSize() || len(tag) != tagSize {
		return nil, policy.E(policy.KindDecryption, "open field", errors.New("malformed iv or auth tag"))
	}

	joined := make([]byte, 0, len(iv)+len(body)+len(tag))
	joined = append(joined, iv...)
	joined = append(joined, body...)
	joined = append(joined, tag...)
	return c.DecryptBytes(joined)
}
