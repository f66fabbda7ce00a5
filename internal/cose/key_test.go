package cose_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/utopia-mdl/issuing-server/internal/cose"
)

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	encoded, err := cose.EncodeKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	decoded, err := cose.DecodeKey(encoded)
	if err != nil {
		t.Fatalf("DecodeKey: %v", err)
	}
	if decoded.X.Cmp(key.PublicKey.X) != 0 || decoded.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatalf("decoded key does not match original")
	}
}

func TestEncodeKeyRejectsNonP256(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	if _, err := cose.EncodeKey(&key.PublicKey); err != cose.ErrBadKey {
		t.Fatalf("expected ErrBadKey for a P-384 key, got %v", err)
	}
}

func TestDecodeKeyRejectsMalformedInput(t *testing.T) {
	if _, err := cose.DecodeKey([]byte("not cbor")); err == nil {
		t.Fatalf("expected an error decoding garbage input")
	}
}

func TestEncodeKeyIsDeterministic(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	a, err := cose.EncodeKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	b, err := cose.EncodeKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical encodings for the same key, used as a store lookup index")
	}
}
