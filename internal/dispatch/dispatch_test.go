package dispatch_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/utopia-mdl/issuing-server/internal/certs"
	"github.com/utopia-mdl/issuing-server/internal/dispatch"
	"github.com/utopia-mdl/issuing-server/internal/issuance"
	"github.com/utopia-mdl/issuing-server/internal/session"
	"github.com/utopia-mdl/issuing-server/internal/store"
)

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.SeedTestData(nil, nil); err != nil {
		t.Fatalf("SeedTestData: %v", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating issuer key: %v", err)
	}
	cert, err := certs.NewIssuerCertificate(&key.PublicKey, key)
	if err != nil {
		t.Fatalf("NewIssuerCertificate: %v", err)
	}

	return &dispatch.Dispatcher{
		Flows:    &issuance.Flows{Store: st, IssuerKey: key, IssuerCert: cert},
		Sessions: session.NewRegistry(0),
	}, st
}

func postCBOR(t *testing.T, h http.Handler, body interface{}) (*httptest.ResponseRecorder, issuance.Envelope) {
	t.Helper()
	encoded, err := cbor.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(encoded))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env issuance.Envelope
	if rec.Code == http.StatusOK || rec.Code == 0 {
		cbor.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func TestDispatchRejectsNonPost(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestDispatchRejectsMalformedBody(t *testing.T) {
	d, _ := newTestDispatcher(t)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("not cbor")))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected a 5xx for malformed body, got %d", rec.Code)
	}
}

func TestDispatchRejectsUnknownMessageType(t *testing.T) {
	d, _ := newTestDispatcher(t)
	rec, _ := postCBOR(t, d, map[string]interface{}{"messageType": "NoSuchMessage"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected a 5xx for an unknown messageType, got %d", rec.Code)
	}
}

func TestDispatchStartProvisioningAssignsSessionID(t *testing.T) {
	d, _ := newTestDispatcher(t)
	rec, env := postCBOR(t, d, map[string]interface{}{
		"messageType":      "StartProvisioning",
		"provisioningCode": "1001",
	})
	if rec.Code != http.StatusOK && rec.Code != 0 {
		t.Fatalf("expected success, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.ESessionID == "" {
		t.Fatalf("expected the dispatcher to stamp a session id onto the reply")
	}
	if env.MessageType != "ReadyToProvisionMessage" {
		t.Fatalf("unexpected messageType %q", env.MessageType)
	}
}

func TestDispatchUnknownProvisioningCodeEndsSessionWithFailure(t *testing.T) {
	d, _ := newTestDispatcher(t)
	rec, env := postCBOR(t, d, map[string]interface{}{
		"messageType":      "StartProvisioning",
		"provisioningCode": "does-not-exist",
	})
	if rec.Code != http.StatusOK && rec.Code != 0 {
		t.Fatalf("expected an EndSessionMessage body, got status %d", rec.Code)
	}
	if env.MessageType != "EndSessionMessage" {
		t.Fatalf("expected EndSessionMessage, got %q", env.MessageType)
	}
}

func TestDispatchContinueFlowRejectsUnknownSession(t *testing.T) {
	d, _ := newTestDispatcher(t)
	rec, _ := postCBOR(t, d, map[string]interface{}{
		"messageType": "com.android.identity_credential.StartProvisioning",
		"eSessionId":  "0123456789abcdef",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected a 5xx for an unknown session id, got %d", rec.Code)
	}
}

func TestDispatchRequestEndSessionEndsKnownSession(t *testing.T) {
	d, _ := newTestDispatcher(t)
	startRec, startEnv := postCBOR(t, d, map[string]interface{}{
		"messageType":      "StartProvisioning",
		"provisioningCode": "1001",
	})
	if startRec.Code != http.StatusOK && startRec.Code != 0 {
		t.Fatalf("expected success starting provisioning: %d", startRec.Code)
	}

	rec, env := postCBOR(t, d, map[string]interface{}{
		"messageType": "RequestEndSession",
		"eSessionId":  startEnv.ESessionID,
	})
	if rec.Code != http.StatusOK && rec.Code != 0 {
		t.Fatalf("expected success ending session: %d", rec.Code)
	}
	if env.MessageType != "EndSessionMessage" {
		t.Fatalf("expected EndSessionMessage, got %q", env.MessageType)
	}

	rec2, _ := postCBOR(t, d, map[string]interface{}{
		"messageType": "RequestEndSession",
		"eSessionId":  startEnv.ESessionID,
	})
	if rec2.Code != http.StatusInternalServerError {
		t.Fatalf("expected ending an already-ended session to fail, got %d", rec2.Code)
	}
}
