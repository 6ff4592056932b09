package hipaa

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

type kmsDecrypter interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSSecretSource unwraps the server secret with AWS KMS. The configured
// secret is then the base64 ciphertext blob rather than the secret itself.
type KMSSecretSource struct {
	client kmsDecrypter
	keyID  string
}

// NewKMSSecretSource builds a source from an AWS config.
func NewKMSSecretSource(cfg aws.Config, keyID string) *KMSSecretSource {
	return &KMSSecretSource{client: kms.NewFromConfig(cfg), keyID: keyID}
}

// LoadKMSSecretSource builds a source from the default AWS credential chain.
func LoadKMSSecretSource(ctx context.Context, keyID string) (*KMSSecretSource, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewKMSSecretSource(cfg, keyID), nil
}

// Unwrap decrypts a base64 KMS ciphertext blob.
func (s *KMSSecretSource) Unwrap(ctx context.Context, wrapped string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return "", fmt.Errorf("kms unwrap: base64 decode: %w", err)
	}

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(s.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("kms unwrap: %w", err)
	}
	return string(out.Plaintext), nil
}
