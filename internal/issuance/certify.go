package issuance

import (
	"crypto/ecdsa"
	"crypto/x509"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/apierr"
	"github.com/utopia-mdl/issuing-server/internal/catalog"
	"github.com/utopia-mdl/issuing-server/internal/certs"
	"github.com/utopia-mdl/issuing-server/internal/cose"
	"github.com/utopia-mdl/issuing-server/internal/mso"
	"github.com/utopia-mdl/issuing-server/internal/store"
)

// CertifyAuthKeysState carries a certification flow through
// None → Started → OwnershipProved → CertsSent, grounded on
// server.py's CertifyAuthKeysSession.
type CertifyAuthKeysState int

const (
	CertifyNone CertifyAuthKeysState = iota
	CertifyStarted
	CertifyOwnershipProved
	CertifyCertsSent
)

// CertifyAuthKeys holds one in-flight certification flow's context.
type CertifyAuthKeys struct {
	State CertifyAuthKeysState

	configuredDocument *catalog.ConfiguredDocument
	document           *catalog.Document
	credentialKey      *ecdsa.PublicKey
	challenge          []byte
}

type credentialKeyRequest struct {
	CredentialKey cbor.RawMessage `cbor:"credentialKey"`
}

type proveOwnershipChallengeMessage struct {
	MessageType string `cbor:"messageType"`
	ESessionID  string `cbor:"eSessionId"`
	Challenge   []byte `cbor:"challenge"`
}

type proofOfOwnershipRequest struct {
	ProofOfOwnershipSignature []byte `cbor:"proofOfOwnershipSignature"`
}

type certifyReadyMessage struct {
	MessageType string `cbor:"messageType"`
	ESessionID  string `cbor:"eSessionId"`
}

type sendCertsRequest struct {
	AuthKeyCerts [][]byte `cbor:"authKeyCerts"`
}

type certifyAuthKeysResponseMessage struct {
	MessageType     string             `cbor:"messageType"`
	ESessionID      string             `cbor:"eSessionId"`
	StaticAuthDatas []mso.StaticAuthData `cbor:"staticAuthDatas"`
}

func (m *proveOwnershipChallengeMessage) SetSessionID(id string)   { m.ESessionID = id }
func (m *certifyReadyMessage) SetSessionID(id string)              { m.ESessionID = id }
func (m *certifyAuthKeysResponseMessage) SetSessionID(id string)   { m.ESessionID = id }

// endorsedAuthKeyExpiryDays mirrors the MSO validity window; an
// EndorsedAuthenticationKey expires when its issued StaticAuthData's MSO
// does.
const endorsedAuthKeyExpiryDays = 365

// CertifyAuthKeysStart decodes the wallet's CredentialKey, finds the
// ConfiguredDocument it belongs to, and mints an ownership challenge.
func (c *CertifyAuthKeys) CertifyAuthKeysStart(f *Flows, body []byte) (interface{}, *apierr.Error) {
	if c.State != CertifyNone {
		return nil, apierr.ProtocolErrorf("certify auth keys called from invalid state %d", c.State)
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

	c.configuredDocument = configuredDoc
	c.document = document
	c.credentialKey = pub
	c.challenge = challenge
	c.State = CertifyStarted

	return &proveOwnershipChallengeMessage{
		MessageType: "com.android.identity_credential.CertifyAuthKeysProveOwnership",
		Challenge:   challenge,
	}, nil
}

// CertifyAuthKeysProveOwnershipResponse verifies the wallet's proof of
// ownership over the CredentialKey.
func (c *CertifyAuthKeys) CertifyAuthKeysProveOwnershipResponse(f *Flows, body []byte) (interface{}, *apierr.Error) {
	if c.State != CertifyStarted {
		return nil, apierr.ProtocolErrorf("prove ownership response called from invalid state %d", c.State)
	}
	var req proofOfOwnershipRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.ProofOfOwnershipSignature) == 0 {
		return nil, apierr.ProtocolError("missing proofOfOwnershipSignature")
	}
	if _, aerr := verifySignedProof(req.ProofOfOwnershipSignature, c.credentialKey, c.challenge); aerr != nil {
		return nil, aerr
	}
	c.State = CertifyOwnershipProved

	return &certifyReadyMessage{MessageType: "com.android.identity_credential.CertifyAuthKeysReady"}, nil
}

// CertifyAuthKeysSendCerts validates each submitted AuthKey certificate
// against the stored ProofOfProvisioning and issues a StaticAuthData for
// each, using the server's persistent issuer identity (not a fresh key
// per request, unlike the source).
func (c *CertifyAuthKeys) CertifyAuthKeysSendCerts(f *Flows, body []byte) (interface{}, *apierr.Error) {
	if c.State != CertifyOwnershipProved {
		return nil, apierr.ProtocolErrorf("send certs called from invalid state %d", c.State)
	}
	var req sendCertsRequest
	if err := cbor.Unmarshal(body, &req); err != nil || len(req.AuthKeyCerts) == 0 {
		return nil, apierr.ProtocolError("missing authKeyCerts")
	}

	credentialKeyChain, err := splitDER(c.configuredDocument.CredentialKeyX5Chain)
	if err != nil || len(credentialKeyChain) == 0 {
		return nil, apierr.CryptoError("failed to parse stored credential key chain", err)
	}
	credentialKeyCert := credentialKeyChain[0]

	namespaces, err := decodeDocumentNamespaces(c.document.NameSpaces)
	if err != nil {
		return nil, apierr.StoreError("decoding document namespaces", err)
	}

	staticAuthDatas := make([]mso.StaticAuthData, 0, len(req.AuthKeyCerts))
	now := time.Now().UTC()
	tx, txErr := f.Store.Begin()
	if txErr != nil {
		return nil, apierr.StoreError("beginning transaction", txErr)
	}
	for _, certDER := range req.AuthKeyCerts {
		authCert, err := x509.ParseCertificate(certDER)
		if err != nil {
			tx.Rollback()
			return nil, apierr.CryptoError("failed to parse auth key certificate", err)
		}
		if err := certs.ValidateAuthKeyCertificate(authCert, credentialKeyCert, c.configuredDocument.ProofOfProvisioning); err != nil {
			tx.Rollback()
			return nil, apierr.CryptoError("auth key certificate did not validate", err)
		}
		authPub, ok := authCert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			tx.Rollback()
			return nil, apierr.CryptoError("auth key certificate public key is not EC", nil)
		}

		staticAuthData, err := mso.Build(f.IssuerKey, f.IssuerCert, c.document.DocType, namespaces, authPub)
		if err != nil {
			tx.Rollback()
			return nil, apierr.CryptoError("failed to build static auth data", err)
		}
		staticAuthDatas = append(staticAuthDatas, *staticAuthData)

		encodedSAD, err := cbor.Marshal(staticAuthData)
		if err != nil {
			tx.Rollback()
			return nil, apierr.StoreError("encoding static auth data", err)
		}
		entry := catalog.EndorsedAuthenticationKey{
			ConfiguredDocumentID:      c.configuredDocument.ConfiguredDocumentID,
			AuthenticationKeyX509Cert: certDER,
			StaticAuthData:            encodedSAD,
			GeneratedAtTimestamp:      float64(now.Unix()),
			ExpiresAtTimestamp:        float64(now.AddDate(0, 0, endorsedAuthKeyExpiryDays).Unix()),
		}
		if _, err := tx.AddEndorsedAuthenticationKey(entry); err != nil {
			tx.Rollback()
			return nil, apierr.StoreError("persisting endorsed authentication key", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, apierr.StoreError("committing transaction", err)
	}

	c.State = CertifyCertsSent
	return &certifyAuthKeysResponseMessage{
		MessageType:     "com.android.identity_credential.CertifyAuthKeysResponse",
		StaticAuthDatas: staticAuthDatas,
	}, nil
}
