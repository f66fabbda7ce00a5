// Package certs issues and validates the three certificate shapes this
// server deals with: a self-signed CredentialKey certificate, an AuthKey
// certificate signed by CredentialKey and carrying a ProofOfBinding
// extension, and the issuer's own signing certificate. Grounded on
// util.py's generate_x509_cert_for_credential_key / _for_auth_key /
// _generate_x509_cert_issuer_auth and auth_key_cert_validate.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidAuthKeyCert covers every way an AuthKey certificate can fail
// validation: bad signature, wrong subject, missing or mismatched
// ProofOfBinding. Validation is all-or-nothing, matching
// auth_key_cert_validate's single boolean return.
var ErrInvalidAuthKeyCert = errors.New("certs: invalid auth key certificate")

// proofOfBindingOID is an Android Identity Credential private extension:
// cbor(["ProofOfBinding", sha256(proof_of_provisioning)]).
var proofOfBindingOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 26}

const (
	credentialKeySubjectCN = "Android Identity Credential Key"
	authKeySubjectCN       = "Android Identity Credential Authentication Key"
	issuerSubjectCN        = "State Of Utopia Issuing Authority Signing Key"
	issuerOrganizationCN   = "State Of Utopia"
	issuerSerial           = 42
	authKeySerial          = 1
	issuerValidityYears    = 5
	leafValidityDays       = 1

	// serialNumberBits bounds the random serial CredentialKey certificates
	// get, matching x509.random_serial_number()'s 20-octet (160-bit) range.
	serialNumberBits = 160
)

// randomSerialNumber picks a random positive serial within serialNumberBits,
// the way x509.random_serial_number() does for the CredentialKey cert.
func randomSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialNumberBits)
	return rand.Int(rand.Reader, limit)
}

// NewCredentialKeyCertificate issues a self-signed certificate over a
// wallet-generated CredentialKey. The server never holds the private
// key; it only ever validates certificates of this shape.
func NewCredentialKeyCertificate(pub *ecdsa.PublicKey, priv *ecdsa.PrivateKey) (*x509.Certificate, error) {
	serial, err := randomSerialNumber()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: credentialKeySubjectCN},
		NotBefore:    time.Now().Add(-5 * time.Minute),
		NotAfter:     time.Now().AddDate(0, 0, leafValidityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// NewAuthKeyCertificate issues a certificate over an AuthKey, signed by
// the CredentialKey that owns it, carrying a ProofOfBinding extension
// that commits to the SHA-256 digest of proofOfProvisioning.
func NewAuthKeyCertificate(authPub *ecdsa.PublicKey, credentialPriv *ecdsa.PrivateKey, credentialCert *x509.Certificate, proofOfProvisioning []byte) (*x509.Certificate, error) {
	digest := sha256.Sum256(proofOfProvisioning)
	extVal, err := cbor.Marshal([]interface{}{"ProofOfBinding", digest[:]})
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(authKeySerial),
		Subject:      pkix.Name{CommonName: authKeySubjectCN},
		NotBefore:    time.Now().Add(-5 * time.Minute),
		NotAfter:     time.Now().AddDate(0, 0, leafValidityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{
			{Id: proofOfBindingOID, Critical: false, Value: extVal},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, credentialCert, authPub, credentialPriv)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// NewIssuerCertificate issues the server's own signing certificate,
// signed with its own key, with the fixed subject/issuer and 5 year
// validity that util.py's generate_x509_cert_issuer_auth hardcodes.
func NewIssuerCertificate(pub *ecdsa.PublicKey, priv *ecdsa.PrivateKey) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(issuerSerial),
		Subject:      pkix.Name{CommonName: issuerSubjectCN},
		NotBefore:    time.Now().Add(-5 * time.Minute),
		NotAfter:     time.Now().AddDate(issuerValidityYears, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	// x509.CreateCertificate takes the issuer name from the parent's
	// Subject, so the issuer name is carried by a name-only parent.
	parent := &x509.Certificate{Subject: pkix.Name{CommonName: issuerOrganizationCN}}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, priv)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// ValidateAuthKeyCertificate checks that authCert was signed by
// credentialCert's key, carries the exact AuthKey subject CN, and its
// ProofOfBinding extension commits to proofOfProvisioning. It mirrors
// util.py's auth_key_cert_validate: any single mismatch is a hard
// rejection.
func ValidateAuthKeyCertificate(authCert, credentialCert *x509.Certificate, proofOfProvisioning []byte) error {
	if err := credentialCert.CheckSignature(authCert.SignatureAlgorithm, authCert.RawTBSCertificate, authCert.Signature); err != nil {
		return ErrInvalidAuthKeyCert
	}
	if authCert.Subject.CommonName != authKeySubjectCN {
		return ErrInvalidAuthKeyCert
	}
	var extVal []byte
	for _, ext := range authCert.Extensions {
		if ext.Id.Equal(proofOfBindingOID) {
			extVal = ext.Value
			break
		}
	}
	if extVal == nil {
		return ErrInvalidAuthKeyCert
	}
	var parts []interface{}
	if err := cbor.Unmarshal(extVal, &parts); err != nil || len(parts) != 2 {
		return ErrInvalidAuthKeyCert
	}
	label, ok := parts[0].(string)
	if !ok || label != "ProofOfBinding" {
		return ErrInvalidAuthKeyCert
	}
	digestInCert, ok := parts[1].([]byte)
	if !ok {
		return ErrInvalidAuthKeyCert
	}
	want := sha256.Sum256(proofOfProvisioning)
	if !bytes.Equal(digestInCert, want[:]) {
		return ErrInvalidAuthKeyCert
	}
	return nil
}

// ValidateCredentialKeyChain is a placeholder that always accepts the
// chain, matching util.py's credential_key_cert_chain_validate: the
// reference server has no root-of-trust configured for wallet
// attestation chains, so this step is a documented no-op rather than a
// fabricated policy.
func ValidateCredentialKeyChain(chain []*x509.Certificate) error {
	_ = chain
	return nil
}

// PublicKeyFromChain returns the leaf certificate's EC public key.
func PublicKeyFromChain(chain []*x509.Certificate) (*ecdsa.PublicKey, error) {
	if len(chain) == 0 {
		return nil, errors.New("certs: empty chain")
	}
	pub, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("certs: leaf key is not EC")
	}
	return pub, nil
}
