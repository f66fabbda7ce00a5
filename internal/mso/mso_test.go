package mso_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sort"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/certs"
	"github.com/utopia-mdl/issuing-server/internal/mso"
	"github.com/utopia-mdl/issuing-server/internal/verify"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func TestBuildRoundTripsThroughVerify(t *testing.T) {
	issuerKey := mustKey(t)
	issuerCert, err := certs.NewIssuerCertificate(&issuerKey.PublicKey, issuerKey)
	if err != nil {
		t.Fatalf("issuing issuer cert: %v", err)
	}
	authKey := mustKey(t)

	nameSpaces := map[string]mso.Namespace{
		"org.iso.18013.5.1": {
			"family_name": "Mustermann",
			"given_name":  "Erika",
		},
	}

	sad, err := mso.Build(issuerKey, issuerCert, "org.iso.18013.5.1.mDL", nameSpaces, &authKey.PublicKey)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(sad.DigestIDMapping["org.iso.18013.5.1"]) != 2 {
		t.Fatalf("expected 2 digest mapping entries, got %d", len(sad.DigestIDMapping["org.iso.18013.5.1"]))
	}

	parsed, err := verify.IssuerAuth(sad, issuerCert, "org.iso.18013.5.1.mDL", &authKey.PublicKey)
	if err != nil {
		t.Fatalf("verify.IssuerAuth: %v", err)
	}
	if err := verify.CheckValidity(parsed, time.Now().UTC()); err != nil {
		t.Fatalf("CheckValidity: %v", err)
	}
	if len(parsed.ValueDigests["org.iso.18013.5.1"]) != 2 {
		t.Fatalf("expected 2 value digests, got %d", len(parsed.ValueDigests["org.iso.18013.5.1"]))
	}
}

func TestIssuerAuthRejectsWrongDocType(t *testing.T) {
	issuerKey := mustKey(t)
	issuerCert, err := certs.NewIssuerCertificate(&issuerKey.PublicKey, issuerKey)
	if err != nil {
		t.Fatalf("issuing issuer cert: %v", err)
	}
	authKey := mustKey(t)
	nameSpaces := map[string]mso.Namespace{"org.iso.18013.5.1": {"family_name": "Doe"}}

	sad, err := mso.Build(issuerKey, issuerCert, "org.iso.18013.5.1.mDL", nameSpaces, &authKey.PublicKey)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := verify.IssuerAuth(sad, issuerCert, "org.iso.18013.5.1.other", &authKey.PublicKey); err != verify.ErrWrongDocType {
		t.Fatalf("expected ErrWrongDocType, got %v", err)
	}
}

func TestIssuerAuthRejectsWrongAuthKey(t *testing.T) {
	issuerKey := mustKey(t)
	issuerCert, err := certs.NewIssuerCertificate(&issuerKey.PublicKey, issuerKey)
	if err != nil {
		t.Fatalf("issuing issuer cert: %v", err)
	}
	authKey := mustKey(t)
	otherKey := mustKey(t)
	nameSpaces := map[string]mso.Namespace{"org.iso.18013.5.1": {"family_name": "Doe"}}

	sad, err := mso.Build(issuerKey, issuerCert, "org.iso.18013.5.1.mDL", nameSpaces, &authKey.PublicKey)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := verify.IssuerAuth(sad, issuerCert, "org.iso.18013.5.1.mDL", &otherKey.PublicKey); err != verify.ErrDeviceKeyMismatch {
		t.Fatalf("expected ErrDeviceKeyMismatch, got %v", err)
	}
}

func TestIssuerAuthRejectsWrongSigningCert(t *testing.T) {
	issuerKey := mustKey(t)
	issuerCert, err := certs.NewIssuerCertificate(&issuerKey.PublicKey, issuerKey)
	if err != nil {
		t.Fatalf("issuing issuer cert: %v", err)
	}
	otherIssuerKey := mustKey(t)
	otherIssuerCert, err := certs.NewIssuerCertificate(&otherIssuerKey.PublicKey, otherIssuerKey)
	if err != nil {
		t.Fatalf("issuing other issuer cert: %v", err)
	}
	authKey := mustKey(t)
	nameSpaces := map[string]mso.Namespace{"org.iso.18013.5.1": {"family_name": "Doe"}}

	sad, err := mso.Build(issuerKey, issuerCert, "org.iso.18013.5.1.mDL", nameSpaces, &authKey.PublicKey)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := verify.IssuerAuth(sad, otherIssuerCert, "org.iso.18013.5.1.mDL", &authKey.PublicKey); err == nil {
		t.Fatalf("expected verification failure under the wrong issuer cert")
	}
}

// TestBuildDigestIDsAreAShuffledPermutation guards against DigestIDs being
// assigned as a plain sequential counter: every digest ID across the whole
// document must appear exactly once, covering the full [0, N) range, and at
// least one element's position in iteration order must differ from its
// assigned ID (sequential assignment would make every element's index equal
// its digestID).
func TestBuildDigestIDsAreAShuffledPermutation(t *testing.T) {
	issuerKey := mustKey(t)
	issuerCert, err := certs.NewIssuerCertificate(&issuerKey.PublicKey, issuerKey)
	if err != nil {
		t.Fatalf("issuing issuer cert: %v", err)
	}
	authKey := mustKey(t)

	nameSpaces := map[string]mso.Namespace{
		"org.iso.18013.5.1": {
			"family_name": "Mustermann",
			"given_name":  "Erika",
			"birth_date":  "1986-03-14",
			"sex":         1,
		},
		"org.aamva.18013.5.1": {
			"DHS_compliance": "F",
			"weight_range":   3,
		},
	}

	sawShuffle := false
	for attempt := 0; attempt < 20 && !sawShuffle; attempt++ {
		sad, err := mso.Build(issuerKey, issuerCert, "org.iso.18013.5.1.mDL", nameSpaces, &authKey.PublicKey)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}

		var seen []uint64
		index := 0
		for _, items := range sad.DigestIDMapping {
			for _, raw := range items {
				var tag cbor.Tag
				if err := cbor.Unmarshal(raw, &tag); err != nil || tag.Number != 24 {
					t.Fatalf("decoding tagged issuer signed item: %v", err)
				}
				inner, ok := tag.Content.([]byte)
				if !ok {
					t.Fatalf("tag content is not a byte string")
				}
				var item struct {
					DigestID uint64 `cbor:"digestID"`
					Random   []byte `cbor:"random"`
				}
				if err := cbor.Unmarshal(inner, &item); err != nil {
					t.Fatalf("decoding issuer signed item: %v", err)
				}
				if len(item.Random) != 32 {
					t.Fatalf("expected a 32-byte random blind, got %d bytes", len(item.Random))
				}
				if uint64(index) != item.DigestID {
					sawShuffle = true
				}
				seen = append(seen, item.DigestID)
				index++
			}
		}

		sorted := append([]uint64(nil), seen...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for i, id := range sorted {
			if id != uint64(i) {
				t.Fatalf("digestIDs are not a permutation of [0,%d): got %v", len(sorted), sorted)
			}
		}
	}
	if !sawShuffle {
		t.Fatalf("digestIDs were sequential across 20 attempts; expected a shuffled permutation")
	}
}
