// Package catalog defines the persistent entities behind the issuing
// server: persons, the documents they own, the one-shot codes that
// authorize provisioning, and the wallet instances that have bound a
// CredentialKey to a document.
package catalog

import "time"

// Person is an identity subject.
type Person struct {
	PersonID uint64
	Name     string
	Portrait []byte
}

// Document is the authoritative content for a credential at a given
// version. DataTimestamp is the logical version: bumping it is how an
// admin signals that configured wallets need to run the update flow.
type Document struct {
	DocumentID            uint64
	PersonID              uint64
	DocType               string
	AccessControlProfiles []byte // CBOR-encoded
	NameSpaces            []byte // CBOR-encoded
	DataTimestamp         float64
}

// IssuedDocument is a one-shot capability token authorizing a wallet to
// provision a Document. ConsumedAt is set the first time it is used to
// complete a provisioning flow; a second attempt is a lookup error.
type IssuedDocument struct {
	IssuedDocumentID uint64
	DocumentID       uint64
	ProvisioningCode string
	ConsumedAt       *time.Time
}

// Status values a ConfiguredDocument can carry. The zero value (empty
// string) means no marker is set.
const (
	StatusToDelete = "TO_DELETE"
)

// ConfiguredDocument is a wallet instance that has bound a specific
// CredentialKey to an IssuedDocument. The COSE_Key encoding of that
// CredentialKey (column encoded_cose_credential_key) is the index the
// store uses to find it again; the store derives it on insert, it is
// never chosen by the caller, and this struct does not carry it.
type ConfiguredDocument struct {
	ConfiguredDocumentID uint64
	IssuedDocumentID     uint64
	CredentialKeyX5Chain []byte // DER cert chain, leaf first
	ProofOfProvisioning  []byte
	LastUpdatedTimestamp float64
	DataTimestamp        float64
	Status               string // "" or StatusToDelete
}

// EndorsedAuthenticationKey records one AuthKey the server has certified
// for a ConfiguredDocument: the StaticAuthData it returned and when that
// certification expires. Restored from original_source (the distilled
// spec leaves this table unwritten); the CertifyAuthKeys flow populates
// it per auth key certified.
type EndorsedAuthenticationKey struct {
	EndorsedAuthenticationKeyID uint64
	ConfiguredDocumentID        uint64
	AuthenticationKeyX509Cert   []byte
	StaticAuthData              []byte
	GeneratedAtTimestamp        float64
	ExpiresAtTimestamp          float64
}
