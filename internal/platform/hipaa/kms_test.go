package hipaa

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
)

type fakeKMS struct {
	plaintext []byte
	err       error
	gotKeyID  string
	gotBlob   []byte
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if in.KeyId != nil {
		f.gotKeyID = *in.KeyId
	}
	f.gotBlob = in.CiphertextBlob
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DecryptOutput{Plaintext: f.plaintext}, nil
}

func TestKMSSecretSource_Unwrap(t *testing.T) {
	fake := &fakeKMS{plaintext: []byte("server-secret")}
	src := &KMSSecretSource{client: fake, keyID: "alias/compliance"}

	got, err := src.Unwrap(context.Background(), base64.StdEncoding.EncodeToString([]byte("blob")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "server-secret" {
		t.Errorf("expected server-secret, got %q", got)
	}
	if fake.gotKeyID != "alias/compliance" {
		t.Errorf("expected key id to be passed, got %q", fake.gotKeyID)
	}
	if string(fake.gotBlob) != "blob" {
		t.Errorf("expected decoded blob, got %q", fake.gotBlob)
	}
}

func TestKMSSecretSource_Errors(t *testing.T) {
	src := &KMSSecretSource{client: &fakeKMS{err: errors.New("access denied")}, keyID: "k"}
	if _, err := src.Unwrap(context.Background(), "%%%"); err == nil {
		t.Error("expected base64 error")
	}
	if _, err := src.Unwrap(context.Background(), base64.StdEncoding.EncodeToString([]byte("x"))); err == nil {
		t.Error("expected kms error")
	}
}
