package issuance

import (
	"crypto/ecdsa"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/apierr"
	"github.com/utopia-mdl/issuing-server/internal/catalog"
	"github.com/utopia-mdl/issuing-server/internal/certs"
	"github.com/utopia-mdl/issuing-server/internal/store"
)

// ProvisioningState carries a provisioning flow through
// None → StartedGeneric → Started → CertChainSet → ProofOfProvisioningSet,
// grounded on server.py's ProvisioningSession.
type ProvisioningState int

const (
	ProvisioningNone ProvisioningState = iota
	ProvisioningStartedGeneric
	ProvisioningStarted
	ProvisioningCertChainSet
	ProvisioningProofSet
)

// Provisioning holds one in-flight provisioning flow's accumulated
// context between messages.
type Provisioning struct {
	State ProvisioningState

	issuedDocument *catalog.IssuedDocument
	document       *catalog.Document
	challenge      []byte
	credKeyChain   []byte
	credentialKey  *ecdsa.PublicKey
}

type startProvisioningRequest struct {
	ProvisioningCode string `cbor:"provisioningCode"`
}

type readyToProvisionMessage struct {
	MessageType string `cbor:"messageType"`
	ESessionID  string `cbor:"eSessionId"`
}

type provisioningResponseMessage struct {
	MessageType string `cbor:"messageType"`
	ESessionID  string `cbor:"eSessionId"`
	Challenge   []byte `cbor:"challenge"`
	DocType     string `cbor:"docType"`
}

type setCertificateChainRequest struct {
	CredentialKeyCertificateChain [][]byte `cbor:"credentialKeyCertificateChain"`
}

type dataToProvisionMessage struct {
	MessageType           string          `cbor:"messageType"`
	ESessionID            string          `cbor:"eSessionId"`
	AccessControlProfiles cbor.RawMessage `cbor:"accessControlProfiles"`
	NameSpaces            cbor.RawMessage `cbor:"nameSpaces"`
}

type proofOfProvisioningRequest struct {
	ProofOfProvisioningSignature []byte `cbor:"proofOfProvisioningSignature"`
}

func (m *readyToProvisionMessage) SetSessionID(id string)     { m.ESessionID = id }
func (m *provisioningResponseMessage) SetSessionID(id string) { m.ESessionID = id }
func (m *dataToProvisionMessage) SetSessionID(id string)       { m.ESessionID = id }

// GenericStartProvisioning handles the initial "StartProvisioning"
// message: look up the IssuedDocument by its one-shot code (rejecting
// an already-consumed one, per the single-use redesign) and its parent
// Document.
func (p *Provisioning) GenericStartProvisioning(f *Flows, body []byte) (interface{}, *apierr.Error) {
	if p.State != ProvisioningNone {
		return nil, apierr.ProtocolErrorf("generic start provisioning called from invalid state %d", p.State)
	}
	var req startProvisioningRequest
	if err := cbor.Unmarshal(body, &req); err != nil || req.ProvisioningCode == "" {
		return nil, apierr.ProtocolError("missing provisioningCode")
	}

	issuedDoc, err := f.Store.LookupIssuedDocumentByProvisioningCode(req.ProvisioningCode)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.LookupError("no issued document for provisioning code", err)
		}
		return nil, apierr.StoreError("looking up issued document", err)
	}
	if issuedDoc.ConsumedAt != nil {
		return nil, apierr.LookupError("provisioning code already consumed", nil)
	}

	doc, err := f.Store.LookupDocument(issuedDoc.DocumentID)
	if err != nil {
		return nil, apierr.StoreError("looking up document", err)
	}

	p.issuedDocument = issuedDoc
	p.document = doc
	p.State = ProvisioningStartedGeneric

	return &readyToProvisionMessage{MessageType: "ReadyToProvisionMessage"}, nil
}

// StartProvisioning handles the continuation "...StartProvisioning"
// message: mint a fresh per-session challenge.
func (p *Provisioning) StartProvisioning(f *Flows) (interface{}, *apierr.Error) {
	if p.State != ProvisioningStartedGeneric {
		return nil, apierr.ProtocolErrorf("start provisioning called from invalid state %d", p.State)
	}
	challenge, aerr := newChallenge()
	if aerr != nil {
		return nil, aerr
	}
	p.challenge = challenge
	p.State = ProvisioningStarted

	return &provisioningResponseMessage{
		MessageType: "com.android.identity_credential.ProvisioningResponse",
		Challenge:   p.challenge,
		DocType:     p.document.DocType,
	}, nil
}

// SetCertificateChain validates the wallet's CredentialKey certificate
// chain and hands back the Document's access control profiles and
// namespaces for provisioning.
func (p *Provisioning) SetCertificateChain(f *Flows, body []byte) (interface{}, *apierr.Error) {
	if p.State != ProvisioningStarted {
		return nil, apierr.ProtocolErrorf("set certificate chain called from invalid state %d", p.State)
	}
	var req setCertificateChainRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.CredentialKeyCertificateChain) == 0 {
		return nil, apierr.ProtocolError("missing credentialKeyCertificateChain")
	}
	chain, err := parseChain(req.CredentialKeyCertificateChain)
	if err != nil {
		return nil, apierr.CryptoError("failed to parse credential key certificate chain", err)
	}
	if err := certs.ValidateCredentialKeyChain(chain); err != nil {
		return nil, apierr.CryptoError("credential key certificate chain did not validate", err)
	}
	pub, err := certs.PublicKeyFromChain(chain)
	if err != nil {
		return nil, apierr.CryptoError("failed to extract credential key", err)
	}

	p.credKeyChain = joinDER(req.CredentialKeyCertificateChain)
	p.credentialKey = pub
	p.State = ProvisioningCertChainSet

	return &dataToProvisionMessage{
		MessageType:           "com.android.identity_credential.DataToProvisionMessage",
		AccessControlProfiles: cbor.RawMessage(p.document.AccessControlProfiles),
		NameSpaces:            cbor.RawMessage(p.document.NameSpaces),
	}, nil
}

// SetProofOfProvisioning verifies the wallet's proof of provisioning and
// commits a new ConfiguredDocument row, ending the session on success.
func (p *Provisioning) SetProofOfProvisioning(f *Flows, body []byte) *apierr.Error {
	if p.State != ProvisioningCertChainSet {
		return apierr.ProtocolErrorf("set proof of provisioning called from invalid state %d", p.State)
	}
	var req proofOfProvisioningRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.ProofOfProvisioningSignature) == 0 {
		return apierr.ProtocolError("missing proofOfProvisioningSignature")
	}
	proof, aerr := verifySignedProof(req.ProofOfProvisioningSignature, p.credentialKey, p.challenge)
	if aerr != nil {
		return aerr
	}

	tx, err := f.Store.Begin()
	if err != nil {
		return apierr.StoreError("beginning transaction", err)
	}

	now := float64(time.Now().UTC().UnixNano()) / 1e9
	if _, err := tx.AddConfiguredDocument(p.issuedDocument.IssuedDocumentID, p.credKeyChain, p.credentialKey, proof, now, p.document.DataTimestamp); err != nil {
		tx.Rollback()
		return apierr.StoreError("inserting configured document", err)
	}
	if err := tx.MarkIssuedDocumentConsumed(p.issuedDocument.IssuedDocumentID, time.Now().UTC()); err != nil {
		tx.Rollback()
		return apierr.StoreError("marking provisioning code consumed", err)
	}
	if err := tx.Commit(); err != nil {
		return apierr.StoreError("committing transaction", err)
	}

	p.State = ProvisioningProofSet
	return nil
}

