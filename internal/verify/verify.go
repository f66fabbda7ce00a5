// Package verify re-derives the checks a wallet-facing mdoc verifier
// would run against a StaticAuthData this server just issued: the
// IssuerAuth signature, the docType and validity window, and that the
// certified AuthKey is the one the MSO's deviceKeyInfo actually commits
// to. It exists so the StaticAuthData that CertifyAuthKeys issues has a
// round-trip check, exercised by the mso package's tests, the way a
// wallet or relying party would validate what it received. Adapted from the teacher's pkg/mdl/validator.go
// (ValidateIssuerAuth/ValidateExpiration), narrowed to the issuer-side
// checks this server can run without a device presentation — device
// signature verification belongs to a verifier, which is out of scope
// here.
package verify

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"time"

	"github.com/utopia-mdl/issuing-server/internal/cose"
	"github.com/utopia-mdl/issuing-server/internal/mso"
)

// ErrWrongDocType is returned when a StaticAuthData's MSO doesn't carry
// the expected docType.
var ErrWrongDocType = errors.New("verify: unexpected docType")

// ErrDeviceKeyMismatch is returned when the MSO's deviceKeyInfo doesn't
// match the AuthKey the StaticAuthData was supposedly issued for.
var ErrDeviceKeyMismatch = errors.New("verify: deviceKeyInfo does not match auth key")

// ErrExpired is returned by CheckValidity when now falls outside the
// MSO's validity window.
var ErrExpired = errors.New("verify: MSO is not currently valid")

// IssuerAuth verifies sad's IssuerAuth COSE_Sign1 under issuerCert's
// public key, checks docType, and confirms the MSO's deviceKeyInfo is
// exactly authKey. It returns the parsed MSO for callers that also want
// to check validity.
func IssuerAuth(sad *mso.StaticAuthData, issuerCert *x509.Certificate, docType string, authKey *ecdsa.PublicKey) (*mso.MSO, error) {
	issuerPub, ok := issuerCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("verify: issuer certificate key is not EC")
	}
	parsed, err := mso.ParseIssuerAuth(sad, issuerPub)
	if err != nil {
		return nil, err
	}
	if parsed.DocType != docType {
		return nil, ErrWrongDocType
	}
	encodedAuthKey, err := cose.EncodeKey(authKey)
	if err != nil {
		return nil, err
	}
	if string(parsed.DeviceKey) != string(encodedAuthKey) {
		return nil, ErrDeviceKeyMismatch
	}
	return parsed, nil
}

// CheckValidity reports ErrExpired if now falls outside [ValidFrom,
// ValidUntil], mirroring the teacher's ValidateExpiration.
func CheckValidity(m *mso.MSO, now time.Time) error {
	if now.Before(m.ValidFrom) || now.After(m.ValidUntil) {
		return ErrExpired
	}
	return nil
}
