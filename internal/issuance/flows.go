package issuance

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/apierr"
	"github.com/utopia-mdl/issuing-server/internal/cose"
	"github.com/utopia-mdl/issuing-server/internal/store"
)

// minChallengeBytes is the floor the spec sets for a per-session
// challenge, replacing the source's fixed "FixedChallenge" strings.
const minChallengeBytes = 16

// Flows holds everything a flow handler needs beyond its own session
// state: the catalog store and the server's persistent issuer identity.
// The issuer key is generated once at startup (see cmd/server) rather
// than per CertifyAuthKeysSendCerts call, fixing the bug the source
// carries of minting a fresh, unregistered issuer key on every request.
type Flows struct {
	Store      *store.Store
	IssuerKey  *ecdsa.PrivateKey
	IssuerCert *x509.Certificate
}

func newChallenge() ([]byte, *apierr.Error) {
	buf := make([]byte, minChallengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, apierr.CryptoError("failed to generate challenge", err)
	}
	return buf, nil
}

// proofStructure is the signed CBOR array a wallet wraps its proof
// payload in: ["ProofOfOwnership"|"ProofOfProvisioning"|"ProofOfDeletion",
// docType, challenge, ...]. Binding the challenge this way (instead of
// leaving verification as a TODO, as the source does) is required by
// the spec's challenge-semantics note. ProofOfProvisioning carries
// challenge at the same index [2] as the other two proof kinds, with acp
// and nameSpaces pushed out to [3]/[4] -- the source's illustrative
// ["ProofOfProvisioning", docType, acp, ns, false] has no challenge at
// all, so it is reshaped rather than matched literally.
type proofStructure []interface{}

func verifyChallengeBinding(payload []byte, expectedChallenge []byte) *apierr.Error {
	var parts proofStructure
	if err := cbor.Unmarshal(payload, &parts); err != nil {
		return apierr.ProtocolError("proof payload is not a well-formed CBOR array")
	}
	if len(parts) < 3 {
		return apierr.ProtocolError("proof payload array too short to carry a challenge")
	}
	got, ok := parts[2].([]byte)
	if !ok {
		return apierr.ProtocolError("proof payload challenge element is not a byte string")
	}
	if !bytes.Equal(got, expectedChallenge) {
		return apierr.CryptoError("proof payload challenge does not match session challenge", nil)
	}
	return nil
}

// verifySignedProof parses sig as a COSE_Sign1, verifies it under pub,
// checks the embedded challenge, and returns the payload.
func verifySignedProof(sig []byte, pub *ecdsa.PublicKey, expectedChallenge []byte) ([]byte, *apierr.Error) {
	payload, err := cose.Verify(sig, pub, nil)
	if err != nil {
		return nil, apierr.CryptoError("proof signature verification failed", err)
	}
	if aerr := verifyChallengeBinding(payload, expectedChallenge); aerr != nil {
		return nil, aerr
	}
	return payload, nil
}
