package cose_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/utopia-mdl/issuing-server/internal/certs"
	"github.com/utopia-mdl/issuing-server/internal/cose"
)

func mustTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func TestSignVerifyAttached(t *testing.T) {
	key := mustTestKey(t)
	payload := []byte("hello mdl")
	signed, err := cose.Sign(key, payload, false, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := cose.Verify(signed, &key.PublicKey, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected payload %q, got %q", payload, got)
	}
}

func TestSignVerifyDetached(t *testing.T) {
	key := mustTestKey(t)
	payload := []byte("detached payload")
	signed, err := cose.Sign(key, payload, true, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := cose.Verify(signed, &key.PublicKey, nil); err == nil {
		t.Fatalf("expected verification to fail without the detached payload")
	}
	got, err := cose.Verify(signed, &key.PublicKey, payload)
	if err != nil {
		t.Fatalf("Verify with detached payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected payload %q, got %q", payload, got)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key := mustTestKey(t)
	wrongKey := mustTestKey(t)
	signed, err := cose.Sign(key, []byte("data"), false, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := cose.Verify(signed, &wrongKey.PublicKey, nil); err == nil {
		t.Fatalf("expected verification to fail under the wrong key")
	}
}

func TestSignAttachesCertificateAndExtractX5Chain(t *testing.T) {
	key := mustTestKey(t)
	cert, err := certs.NewIssuerCertificate(&key.PublicKey, key)
	if err != nil {
		t.Fatalf("NewIssuerCertificate: %v", err)
	}
	signed, err := cose.Sign(key, []byte("data"), false, cert)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	msg, err := cose.Parse(signed)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	extracted, err := cose.ExtractX5Chain(msg)
	if err != nil {
		t.Fatalf("ExtractX5Chain: %v", err)
	}
	if extracted.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		t.Fatalf("expected extracted certificate to match the one attached at signing")
	}
}
