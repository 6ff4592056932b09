package hipaa

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/platform/policy"
)

// FieldEncryptor encrypts string column values. Implemented by FieldCipher
// and RotatingEncryptor.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ErrEncryptionDisabled is returned by EncryptField and DecryptField when no
// service key is configured.
var ErrEncryptionDisabled = policy.E(policy.KindEncryption, "encryption service", errors.New("encryption disabled"))

// ServiceOptions configures an EncryptionService.
type ServiceOptions struct {
	// Key is the hex-encoded 32-byte service key. Empty disables field
	// encryption at rest.
	Key string
	// KeyVersion stamps values sealed with Key. Zero means 1.
	KeyVersion int
	// PreviousKeys are retired hex keys by version, kept for decryption.
	PreviousKeys map[int]string
	// Keys derives keys for Encrypt/Decrypt calls made without one.
	Keys KeyDeriver
}

// EncryptionService provides field-level PHI encryption for the application.
type EncryptionService struct {
	rotating *RotatingEncryptor
	keys     KeyDeriver
	enabled  bool
}

// NewEncryptionService creates the service.
//
// If opts.Key is empty, at-rest encryption is disabled (development mode) and
// a warning is logged; Encrypt/Decrypt with derived keys keep working. A
// malformed key is an error so the application refuses to start.
func NewEncryptionService(opts ServiceOptions, logger zerolog.Logger) (*EncryptionService, error) {
	svc := &EncryptionService{keys: opts.Keys}
	if opts.Keys.ServerSecret == "" {
		logger.Warn().Msg("SERVER_SECRET is not set: keyless encrypt/decrypt calls will be rejected")
	}

	if opts.Key == "" {
		logger.Warn().Msg("PHI encryption at rest disabled: HIPAA_ENCRYPTION_KEY is not set")
		return svc, nil
	}

	keyBytes, err := decodeHexKey("HIPAA_ENCRYPTION_KEY", opts.Key)
	if err != nil {
		return nil, err
	}

	version := opts.KeyVersion
	if version == 0 {
		version = 1
	}
	rot, err := NewRotatingEncryptor(keyBytes, version)
	if err != nil {
		return nil, fmt.Errorf("create PHI encryptor: %w", err)
	}
	for v, hexKey := range opts.PreviousKeys {
		prev, err := decodeHexKey(fmt.Sprintf("previous key v%d", v), hexKey)
		if err != nil {
			return nil, err
		}
		if err := rot.AddPreviousKey(prev, v); err != nil {
			return nil, err
		}
	}

	logger.Info().Int("key_version", version).Msg("PHI field-level encryption enabled")
	svc.rotating = rot
	svc.enabled = true
	return svc, nil
}

func decodeHexKey(name, key string) ([]byte, error) {
	b, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(b))
	}
	return b, nil
}

// Encryptor returns the at-rest FieldEncryptor, or nil if encryption is
// disabled.
func (s *EncryptionService) Encryptor() FieldEncryptor {
	if !s.enabled {
		return nil
	}
	return s.rotating
}

// IsEnabled reports whether at-rest encryption is active.
func (s *EncryptionService) IsEnabled() bool {
	return s.enabled
}

// Encrypt encrypts the JSON encoding of value under key.
// A nil key uses the key derived from the server secret.
func (s *EncryptionService) Encrypt(value any, key []byte) (string, error) {
	c, err := s.cipher(key, policy.KindEncryption)
	if err != nil {
		return "", err
	}
	plain, err := encodeValue(value)
	if err != nil {
		return "", err
	}
	return c.Encrypt(string(plain))
}

// Decrypt reverses Encrypt.
func (s *EncryptionService) Decrypt(ciphertext string, key []byte) (any, error) {
	c, err := s.cipher(key, policy.KindDecryption)
	if err != nil {
		return nil, err
	}
	plain, err := c.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	return decodeValue([]byte(plain)), nil
}

// EncryptFor encrypts value under the key derived for a session credential
// and user agent.
func (s *EncryptionService) EncryptFor(value any, credential, userAgent string) (string, error) {
	return s.Encrypt(value, s.keys.For(credential, userAgent))
}

// DecryptFor reverses EncryptFor.
func (s *EncryptionService) DecryptFor(ciphertext, credential, userAgent string) (any, error) {
	return s.Decrypt(ciphertext, s.keys.For(credential, userAgent))
}

func (s *EncryptionService) cipher(key []byte, kind policy.Kind) (*FieldCipher, error) {
	if key == nil {
		if s.keys.ServerSecret == "" {
			return nil, policy.E(kind, "encryption service", errNoKey)
		}
		key = s.keys.For("", "")
	}
	c, err := NewFieldCipher(key)
	if err != nil {
		return nil, policy.E(kind, "encryption service", err)
	}
	return c, nil
}

// EncryptField seals value with the service key for storage at rest.
func (s *EncryptionService) EncryptField(value any) (EncryptedField, error) {
	if !s.enabled {
		return EncryptedField{}, ErrEncryptionDisabled
	}
	plain, err := encodeValue(value)
	if err != nil {
		return EncryptedField{}, err
	}
	return s.rotating.Seal(plain)
}

// DecryptField opens a value sealed by EncryptField.
func (s *EncryptionService) DecryptField(f EncryptedField) (any, error) {
	if !s.enabled {
		return nil, ErrEncryptionDisabled
	}
	plain, err := s.rotating.Open(f)
	if err != nil {
		return nil, err
	}
	return decodeValue(plain), nil
}

// RotateField reseals f under the current key version. A field already
// sealed with the current version is returned unchanged.
func (s *EncryptionService) RotateField(f EncryptedField) (EncryptedField, bool, error) {
	if !s.enabled {
		return EncryptedField{}, false, ErrEncryptionDisabled
	}
	if f.KeyVersion == s.rotating.CurrentVersion() {
		return f, false, nil
	}
	plain, err := s.rotating.Open(f)
	if err != nil {
		return EncryptedField{}, false, err
	}
	out, err := s.rotating.Seal(plain)
	if err != nil {
		return EncryptedField{}, false, err
	}
	return out, true, nil
}

// SealString encrypts a column value with the versioned service key. It
// returns value unchanged when encryption is disabled.
func (s *EncryptionService) SealString(value string) (string, error) {
	if !s.enabled || value == "" {
		return value, nil
	}
	return s.rotating.Encrypt(value)
}

// OpenString reverses SealString.
func (s *EncryptionService) OpenString(value string) (string, error) {
	if !s.enabled || value == "" {
		return value, nil
	}
	return s.rotating.Decrypt(value)
}

// encodeValue JSON encodes every value, strings included, so "123" and
// "true" come back as strings.
func encodeValue(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, policy.E(policy.KindEncryption, "encode value", err)
	}
	return b, nil
}

// decodeValue falls back to the raw text for values sealed before strings
// were JSON encoded.
func decodeValue(b []byte) any {
	if json.Valid(b) {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}
