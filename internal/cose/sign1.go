package cose

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"

	gocose "github.com/veraison/go-cose"
)

// ErrBadSign1 covers malformed or unverifiable COSE_Sign1 structures.
var ErrBadSign1 = errors.New("cose: bad COSE_Sign1")

// headerLabelX5Chain is IANA COSE header label 33, "x5chain" (RFC 9360).
// It is typed int64 because go-cose decodes integer header labels as
// int64, and a map lookup with an untyped (int) constant would miss them.
const headerLabelX5Chain int64 = 33

// Sign produces a COSE_Sign1 structure over payload using key, with alg
// fixed to ES256 (the only algorithm this server issues). If cert is
// non-nil, its DER bytes are attached in unprotected header 33 the way
// util.py's cose_sign1_sign attaches the issuer certificate.
//
// detached controls whether payload is embedded in the structure or
// carried out-of-band; detached signatures still sign over payload, they
// just omit it from the returned bytes. The MSO-in-IssuerAuth built by
// package mso is signed attached.
func Sign(key *ecdsa.PrivateKey, payload []byte, detached bool, cert *x509.Certificate) ([]byte, error) {
	signer, err := gocose.NewSigner(gocose.AlgorithmES256, key)
	if err != nil {
		return nil, err
	}
	msg := gocose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(gocose.AlgorithmES256)
	if cert != nil {
		msg.Headers.Unprotected[headerLabelX5Chain] = cert.Raw
	}
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	if detached {
		msg.Payload = nil
	}
	return msg.MarshalCBOR()
}

// Verify parses a COSE_Sign1 structure, checks the signature against pub,
// and returns the payload (detachedPayload is used when the structure
// itself carries no payload). It rejects anything not signed with ES256.
func Verify(data []byte, pub *ecdsa.PublicKey, detachedPayload []byte) ([]byte, error) {
	msg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	verifier, err := gocose.NewVerifier(gocose.AlgorithmES256, pub)
	if err != nil {
		return nil, err
	}
	if msg.Payload == nil {
		msg.Payload = detachedPayload
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, ErrBadSign1
	}
	return msg.Payload, nil
}

// Parse unmarshals a COSE_Sign1 structure without verifying it.
func Parse(data []byte) (*gocose.Sign1Message, error) {
	var msg gocose.Sign1Message
	if err := msg.UnmarshalCBOR(data); err != nil {
		return nil, ErrBadSign1
	}
	return &msg, nil
}

// ExtractX5Chain reads the leaf certificate attached under unprotected
// header 33, mirroring the teacher's ExtractCertificateFromCOSE.
func ExtractX5Chain(msg *gocose.Sign1Message) (*x509.Certificate, error) {
	raw, ok := msg.Headers.Unprotected[headerLabelX5Chain]
	if !ok {
		return nil, ErrBadSign1
	}
	der, ok := raw.([]byte)
	if !ok {
		if chain, ok := raw.([]interface{}); ok && len(chain) > 0 {
			var ok2 bool
			der, ok2 = chain[0].([]byte)
			if !ok2 {
				return nil, ErrBadSign1
			}
		} else {
			return nil, ErrBadSign1
		}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, ErrBadSign1
	}
	return cert, nil
}
