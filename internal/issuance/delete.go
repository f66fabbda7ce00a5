package issuance

import (
	"crypto/ecdsa"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/apierr"
	"github.com/utopia-mdl/issuing-server/internal/catalog"
	"github.com/utopia-mdl/issuing-server/internal/cose"
	"github.com/utopia-mdl/issuing-server/internal/store"
)

// DeleteState carries a delete flow through
// None → Started → OwnershipProved → Deleted, grounded on
// server.py's DeleteCredentialSession.
type DeleteState int

const (
	DeleteNone DeleteState = iota
	DeleteStarted
	DeleteOwnershipProved
	DeleteDeleted
)

// Delete holds one in-flight delete flow's context.
type Delete struct {
	State DeleteState

	configuredDocument   *catalog.ConfiguredDocument
	credentialKey        *ecdsa.PublicKey
	ownershipChallenge   []byte
	deletionChallenge    []byte
}

type deleteCredentialProveOwnershipMessage struct {
	MessageType string `cbor:"messageType"`
	ESessionID  string `cbor:"eSessionId"`
	Challenge   []byte `cbor:"challenge"`
}

type deleteCredentialReadyForDeletionMessage struct {
	MessageType string `cbor:"messageType"`
	ESessionID  string `cbor:"eSessionId"`
	Challenge   []byte `cbor:"challenge"`
}

type proofOfDeletionRequest struct {
	ProofOfDeletionSignature []byte `cbor:"proofOfDeletionSignature"`
}

func (m *deleteCredentialProveOwnershipMessage) SetSessionID(id string)    { m.ESessionID = id }
func (m *deleteCredentialReadyForDeletionMessage) SetSessionID(id string) { m.ESessionID = id }

// DeleteCredentialStart decodes the wallet's CredentialKey, finds the
// ConfiguredDocument it belongs to, and mints an ownership challenge.
func (d *Delete) DeleteCredentialStart(f *Flows, body []byte) (interface{}, *apierr.Error) {
	if d.State != DeleteNone {
		return nil, apierr.ProtocolErrorf("delete credential called from invalid state %d", d.State)
	}
	var req credentialKeyRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.CredentialKey) == 0 {
		return nil, apierr.ProtocolError("missing credentialKey")
	}
	pub, err := cose.DecodeKey(req.CredentialKey)
	if err != nil {
		return nil, apierr.CryptoError("failed to decode COSE_Key for credential key", err)
	}
	encoded, err := cose.EncodeKey(pub)
	if err != nil {
		return nil, apierr.CryptoError("failed to re-encode credential key", err)
	}

	configuredDoc, err := f.Store.LookupConfiguredDocumentByEncodedKey(encoded)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.LookupError("no configured document for credential key", err)
		}
		return nil, apierr.StoreError("looking up configured document", err)
	}

	challenge, aerr := newChallenge()
	if aerr != nil {
		return nil, aerr
	}

	d.configuredDocument = configuredDoc
	d.credentialKey = pub
	d.ownershipChallenge = challenge
	d.State = DeleteStarted

	return &deleteCredentialProveOwnershipMessage{
		MessageType: "com.android.identity_credential.DeleteCredentialProveOwnership",
		Challenge:   challenge,
	}, nil
}

// DeleteCredentialProveOwnershipResponse verifies ownership and mints a
// second challenge specifically for the deletion proof.
func (d *Delete) DeleteCredentialProveOwnershipResponse(f *Flows, body []byte) (interface{}, *apierr.Error) {
	if d.State != DeleteStarted {
		return nil, apierr.ProtocolErrorf("prove ownership response called from invalid state %d", d.State)
	}
	var req proofOfOwnershipRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.ProofOfOwnershipSignature) == 0 {
		return nil, apierr.ProtocolError("missing proofOfOwnershipSignature")
	}
	if _, aerr := verifySignedProof(req.ProofOfOwnershipSignature, d.credentialKey, d.ownershipChallenge); aerr != nil {
		return nil, aerr
	}

	challenge, aerr := newChallenge()
	if aerr != nil {
		return nil, aerr
	}
	d.deletionChallenge = challenge
	d.State = DeleteOwnershipProved

	return &deleteCredentialReadyForDeletionMessage{
		MessageType: "com.android.identity_credential.DeleteCredentialReadyForDeletion",
		Challenge:   challenge,
	}, nil
}

// DeleteCredentialDeleted verifies the proof of deletion and removes the
// ConfiguredDocument row.
func (d *Delete) DeleteCredentialDeleted(f *Flows, body []byte) *apierr.Error {
	if d.State != DeleteOwnershipProved {
		return apierr.ProtocolErrorf("deleted called from invalid state %d", d.State)
	}
	var req proofOfDeletionRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.ProofOfDeletionSignature) == 0 {
		return apierr.ProtocolError("missing proofOfDeletionSignature")
	}
	if _, aerr := verifySignedProof(req.ProofOfDeletionSignature, d.credentialKey, d.deletionChallenge); aerr != nil {
		return aerr
	}

	if err := f.Store.DeleteConfiguredDocument(d.configuredDocument.ConfiguredDocumentID); err != nil {
		return apierr.StoreError("deleting configured document", err)
	}

	d.State = DeleteDeleted
	return nil
}
