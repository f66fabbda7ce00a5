package issuance

import (
	"crypto/ecdsa"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/apierr"
	"github.com/utopia-mdl/issuing-server/internal/catalog"
	"github.com/utopia-mdl/issuing-server/internal/cose"
	"github.com/utopia-mdl/issuing-server/internal/store"
)

// UpdateState carries an update flow through
// None → Started → OwnershipProved → {NoUpdate|Delete|Update} → GotData → ProofSet,
// grounded on server.py's UpdateCredentialSession.
type UpdateState int

const (
	UpdateNone UpdateState = iota
	UpdateStarted
	UpdateOwnershipProved
	UpdateResultNoUpdate
	UpdateResultDelete
	UpdateResultUpdate
	UpdateGotData
	UpdateProofSet
)

const (
	updateResultNoUpdate = "no_update"
	updateResultUpdate   = "update"
	updateResultDelete   = "delete"
)

// Update holds one in-flight update flow's context.
type Update struct {
	State UpdateState

	configuredDocument *catalog.ConfiguredDocument
	document           *catalog.Document
	credentialKey      *ecdsa.PublicKey
	challenge          []byte
}

type updateCredentialProveOwnershipMessage struct {
	MessageType string `cbor:"messageType"`
	ESessionID  string `cbor:"eSessionId"`
	Challenge   []byte `cbor:"challenge"`
}

type updateCredentialResponseMessage struct {
	MessageType            string `cbor:"messageType"`
	ESessionID              string `cbor:"eSessionId"`
	UpdateCredentialResult string `cbor:"updateCredentialResult"`
}

type updateCredentialDataToProvisionMessage struct {
	MessageType           string          `cbor:"messageType"`
	ESessionID             string          `cbor:"eSessionId"`
	AccessControlProfiles cbor.RawMessage `cbor:"accessControlProfiles"`
	NameSpaces             cbor.RawMessage `cbor:"nameSpaces"`
}

func (m *updateCredentialProveOwnershipMessage) SetSessionID(id string)     { m.ESessionID = id }
func (m *updateCredentialResponseMessage) SetSessionID(id string)           { m.ESessionID = id }
func (m *updateCredentialDataToProvisionMessage) SetSessionID(id string)    { m.ESessionID = id }

// UpdateCredentialStart decodes the wallet's CredentialKey, finds the
// ConfiguredDocument it belongs to, and mints an ownership challenge.
func (u *Update) UpdateCredentialStart(f *Flows, body []byte) (interface{}, *apierr.Error) {
	if u.State != UpdateNone {
		return nil, apierr.ProtocolErrorf("update credential called from invalid state %d", u.State)
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
	issuedDoc, err := f.Store.LookupIssuedDocument(configuredDoc.IssuedDocumentID)
	if err != nil {
		return nil, apierr.StoreError("looking up issued document", err)
	}
	document, err := f.Store.LookupDocument(issuedDoc.DocumentID)
	if err != nil {
		return nil, apierr.StoreError("looking up document", err)
	}

	challenge, aerr := newChallenge()
	if aerr != nil {
		return nil, aerr
	}

	u.configuredDocument = configuredDoc
	u.document = document
	u.credentialKey = pub
	u.challenge = challenge
	u.State = UpdateStarted

	return &updateCredentialProveOwnershipMessage{
		MessageType: "com.android.identity_credential.UpdateCredentialProveOwnership",
		Challenge:   challenge,
	}, nil
}

// UpdateCredentialProveOwnershipResponse verifies ownership and then
// dispatches on the ConfiguredDocument's status/timestamp, exactly the
// three-way branch in server.py's update_credential_prove_ownership_response.
func (u *Update) UpdateCredentialProveOwnershipResponse(f *Flows, body []byte) (interface{}, *apierr.Error) {
	if u.State != UpdateStarted {
		return nil, apierr.ProtocolErrorf("prove ownership response called from invalid state %d", u.State)
	}
	var req proofOfOwnershipRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.ProofOfOwnershipSignature) == 0 {
		return nil, apierr.ProtocolError("missing proofOfOwnershipSignature")
	}
	if _, aerr := verifySignedProof(req.ProofOfOwnershipSignature, u.credentialKey, u.challenge); aerr != nil {
		return nil, aerr
	}

	var result string
	switch {
	case u.configuredDocument.Status == catalog.StatusToDelete:
		u.State = UpdateResultDelete
		result = updateResultDelete
	case u.document.DataTimestamp == u.configuredDocument.DataTimestamp:
		u.State = UpdateResultNoUpdate
		result = updateResultNoUpdate
	default:
		u.State = UpdateResultUpdate
		result = updateResultUpdate
	}

	return &updateCredentialResponseMessage{
		MessageType:            "com.android.identity_credential.UpdateCredentialResponse",
		UpdateCredentialResult: result,
	}, nil
}

// UpdateCredentialGetDataToUpdate hands back the Document's current
// access control profiles and namespaces.
func (u *Update) UpdateCredentialGetDataToUpdate(f *Flows) (interface{}, *apierr.Error) {
	if u.State != UpdateResultUpdate {
		return nil, apierr.ProtocolErrorf("get data to update called from invalid state %d", u.State)
	}
	u.State = UpdateGotData
	return &updateCredentialDataToProvisionMessage{
		MessageType:           "com.android.identity_credential.UpdateCredentialDataToProvisionMessage",
		AccessControlProfiles: cbor.RawMessage(u.document.AccessControlProfiles),
		NameSpaces:            cbor.RawMessage(u.document.NameSpaces),
	}, nil
}

// UpdateCredentialSetProofOfProvisioning verifies the new proof of
// provisioning and commits the updated ConfiguredDocument row.
func (u *Update) UpdateCredentialSetProofOfProvisioning(f *Flows, body []byte) *apierr.Error {
	if u.State != UpdateGotData {
		return apierr.ProtocolErrorf("set proof of provisioning called from invalid state %d", u.State)
	}
	var req proofOfProvisioningRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.ProofOfProvisioningSignature) == 0 {
		return apierr.ProtocolError("missing proofOfProvisioningSignature")
	}
	proof, aerr := verifySignedProof(req.ProofOfProvisioningSignature, u.credentialKey, u.challenge)
	if aerr != nil {
		return aerr
	}

	now := float64(time.Now().UTC().UnixNano()) / 1e9
	if err := f.Store.UpdateConfiguredDocument(u.configuredDocument.ConfiguredDocumentID, proof, now, u.document.DataTimestamp); err != nil {
		return apierr.StoreError("updating configured document", err)
	}

	u.State = UpdateProofSet
	return nil
}
