package issuance_test

import (
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/cose"
	"github.com/utopia-mdl/issuing-server/internal/issuance"
	"github.com/utopia-mdl/issuing-server/internal/store"
)

func TestDeleteCredentialFlowEndToEnd(t *testing.T) {
	st, f := openFlowsStore(t)
	credKey := runProvisioningFlow(t, f, "1001")
	encoded, err := cose.EncodeKey(&credKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}

	d := &issuance.Delete{}
	startReq, err := cbor.Marshal(map[string]interface{}{"credentialKey": cbor.RawMessage(encoded)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	startResp, aerr := d.DeleteCredentialStart(f, startReq)
	if aerr != nil {
		t.Fatalf("DeleteCredentialStart: %v", aerr)
	}
	ownershipChallenge := provisioningChallenge(t, startResp)

	ownershipProof := signProof(t, credKey, "ProofOfOwnership", "", ownershipChallenge)
	ownershipReq, err := cbor.Marshal(map[string]interface{}{"proofOfOwnershipSignature": ownershipProof})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	readyResp, aerr := d.DeleteCredentialProveOwnershipResponse(f, ownershipReq)
	if aerr != nil {
		t.Fatalf("DeleteCredentialProveOwnershipResponse: %v", aerr)
	}
	deletionChallenge := provisioningChallenge(t, readyResp)

	deletionProof := signProof(t, credKey, "ProofOfDeletion", "", deletionChallenge)
	deletionReq, err := cbor.Marshal(map[string]interface{}{"proofOfDeletionSignature": deletionProof})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if aerr := d.DeleteCredentialDeleted(f, deletionReq); aerr != nil {
		t.Fatalf("DeleteCredentialDeleted: %v", aerr)
	}

	if _, err := st.LookupConfiguredDocumentByEncodedKey(encoded); err != store.ErrNotFound {
		t.Fatalf("expected the configured document to be gone after deletion, got %v", err)
	}
}

func TestDeleteCredentialRejectsProofBoundToWrongChallenge(t *testing.T) {
	_, f := openFlowsStore(t)
	credKey := runProvisioningFlow(t, f, "1001")
	encoded, err := cose.EncodeKey(&credKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}

	d := &issuance.Delete{}
	startReq, err := cbor.Marshal(map[string]interface{}{"credentialKey": cbor.RawMessage(encoded)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, aerr := d.DeleteCredentialStart(f, startReq); aerr != nil {
		t.Fatalf("DeleteCredentialStart: %v", aerr)
	}

	wrongProof := signProof(t, credKey, "ProofOfOwnership", "", []byte("bogus challenge"))
	ownershipReq, err := cbor.Marshal(map[string]interface{}{"proofOfOwnershipSignature": wrongProof})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, aerr := d.DeleteCredentialProveOwnershipResponse(f, ownershipReq); aerr == nil {
		t.Fatalf("expected a proof bound to the wrong challenge to be rejected")
	}
}
