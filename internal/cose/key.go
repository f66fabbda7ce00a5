// Package cose implements the slice of RFC 8152 this server needs:
// COSE_Key encode/decode for EC2/P-256, and COSE_Sign1 sign/verify with
// a 64-byte IEEE P-1363 signature. Signing and verification are built on
// github.com/veraison/go-cose; COSE_Key has no equivalent type there, so
// it is encoded/decoded as a plain CBOR map, the way the teacher's
// GetPublicKeyFromCOSEKey does it.
package cose

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// ErrBadKey is returned for any COSE_Key that isn't an EC2/P-256 key with
// non-empty byte-string coordinates naming a point on the curve, and for
// a public key passed to EncodeKey that isn't on P-256.
var ErrBadKey = errors.New("cose: bad COSE_Key")

// Labels from the "COSE Key Common Parameters" and "COSE Key Type
// Parameters" registries, restricted to what EC2 keys need.
const (
	labelKty = 1
	labelCrv = -1
	labelX   = -2
	labelY   = -3

	ktyEC2   = 2
	crvP256  = 1
)

// keyMap mirrors the wire shape of a COSE_Key: {1:2, -1:1, -2:bstr, -3:bstr}.
// EncodeKey marshals it with fxamacker/cbor's core-deterministic encoding
// mode, which sorts the integer keys the same way every time and keeps
// encodings stable for use as a store index.
type keyMap map[int]interface{}

// EncodeKey produces the canonical COSE_Key CBOR encoding of an EC P-256
// public key, fixing X and Y to 32 bytes big-endian.
func EncodeKey(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil || pub.Curve != elliptic.P256() {
		return nil, ErrBadKey
	}
	m := keyMap{
		labelKty: ktyEC2,
		labelCrv: crvP256,
		labelX:   fixed32(pub.X),
		labelY:   fixed32(pub.Y),
	}
	opts := cbor.CoreDetEncOptions()
	em, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(m)
}

// DecodeKey parses a COSE_Key CBOR map into an EC P-256 public key.
// Anything that isn't kty=2/crv=1 with byte-string coordinates is
// ErrBadKey.
func DecodeKey(data []byte) (*ecdsa.PublicKey, error) {
	var raw map[int]interface{}
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, ErrBadKey
	}
	return keyFromMap(raw)
}

func keyFromMap(raw map[int]interface{}) (*ecdsa.PublicKey, error) {
	kty, ok := asInt64(raw[labelKty])
	if !ok || kty != ktyEC2 {
		return nil, ErrBadKey
	}
	crv, ok := asInt64(raw[labelCrv])
	if !ok || crv != crvP256 {
		return nil, ErrBadKey
	}
	xBytes, ok := raw[labelX].([]byte)
	if !ok || len(xBytes) == 0 {
		return nil, ErrBadKey
	}
	yBytes, ok := raw[labelY].([]byte)
	if !ok || len(yBytes) == 0 {
		return nil, ErrBadKey
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, ErrBadKey
	}
	return pub, nil
}

func fixed32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
